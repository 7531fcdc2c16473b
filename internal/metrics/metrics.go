package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for sinkflow
type Metrics struct {
	// Counters
	ItemsReceived *prometheus.CounterVec
	ItemsResolved *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	SubmitRetries *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec

	// Gauges
	OutstandingAcks *prometheus.GaugeVec
	ActiveSinks     prometheus.Gauge

	// Histograms
	FlushLatency *prometheus.HistogramVec
	HTTPDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// NewMetrics creates the sinkflow metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinkflow_items_received_total",
				Help: "Total items delivered to a sink",
			},
			[]string{"sink"},
		),

		ItemsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinkflow_items_resolved_total",
				Help: "Total deferred items resolved, by outcome",
			},
			[]string{"sink", "status"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinkflow_sink_errors_total",
				Help: "Total errors raised by a sink",
			},
			[]string{"sink", "error_type"},
		),

		SubmitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinkflow_submit_retries_total",
				Help: "Submissions retried after the client buffer was full",
			},
			[]string{"sink"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinkflow_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		OutstandingAcks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sinkflow_outstanding_acks",
				Help: "Accepted submissions awaiting broker acknowledgment",
			},
			[]string{"sink"},
		),

		ActiveSinks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sinkflow_active_sinks",
				Help: "Sinks currently registered",
			},
		),

		FlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sinkflow_flush_latency_seconds",
				Help:    "Latency of flushing a sink",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sinkflow_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ItemsReceived,
			m.ItemsResolved,
			m.SinkErrors,
			m.SubmitRetries,
			m.HTTPRequests,
			m.OutstandingAcks,
			m.ActiveSinks,
			m.FlushLatency,
			m.HTTPDuration,
		)
	}
	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	log    *slog.Logger
	ln     net.Listener
}

// NewServer creates a metrics server exposing g on /metrics.
func NewServer(config Config, g prometheus.Gatherer, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.useTLS() {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("metrics: client CA: %w", err)
			}
			tlsConfig.ClientCAs = clientCAs
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			log.Info("metrics mTLS enabled", "client_ca", config.ClientCA)
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
		log:    log,
	}, nil
}

func (c Config) useTLS() bool {
	return c.RequireTLS && c.TLSCert != "" && c.TLSKey != ""
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("metrics disabled")
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.config.Addr, err)
	}
	s.ln = ln

	go func() {
		var err error
		if s.config.useTLS() {
			s.log.Info("metrics HTTPS server listening", "addr", ln.Addr().String())
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			s.log.Info("metrics HTTP server listening", "addr", ln.Addr().String())
			err = s.server.Serve(ln)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled || s.ln == nil {
		return nil
	}

	s.log.Info("metrics server shutting down")
	return s.server.Shutdown(ctx)
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

// Convenience methods; all are safe on a nil *Metrics.

func (m *Metrics) IncItemsReceived(sink string) {
	if m == nil {
		return
	}
	m.ItemsReceived.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncItemsResolved(sink string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ItemsResolved.WithLabelValues(sink, status).Inc()
}

func (m *Metrics) IncSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncSubmitRetries(sink string) {
	if m == nil {
		return
	}
	m.SubmitRetries.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetOutstandingAcks(sink string, n int) {
	if m == nil {
		return
	}
	m.OutstandingAcks.WithLabelValues(sink).Set(float64(n))
}

func (m *Metrics) SetActiveSinks(n int) {
	if m == nil {
		return
	}
	m.ActiveSinks.Set(float64(n))
}

func (m *Metrics) ObserveFlushLatency(sink string, d time.Duration) {
	if m == nil {
		return
	}
	m.FlushLatency.WithLabelValues(sink).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(d.Seconds())
}
