package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewMetrics tests metrics creation and registration
func TestNewMetrics(t *testing.T) {
	t.Run("registers every collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)

		// Touch each vector so it shows up in Gather.
		m.IncItemsReceived("text")
		m.IncItemsResolved("kafka", nil)
		m.IncSinkErrors("text", "write_error")
		m.IncSubmitRetries("kafka")
		m.IncHTTPRequests("/collect", "POST", "202")
		m.SetOutstandingAcks("kafka", 3)
		m.SetActiveSinks(2)
		m.ObserveFlushLatency("kafka", 5*time.Millisecond)
		m.ObserveHTTPDuration("/collect", "POST", time.Millisecond)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() failed: %v", err)
		}
		got := map[string]bool{}
		for _, f := range families {
			got[f.GetName()] = true
		}
		for _, name := range []string{
			"sinkflow_items_received_total",
			"sinkflow_items_resolved_total",
			"sinkflow_sink_errors_total",
			"sinkflow_submit_retries_total",
			"sinkflow_http_requests_total",
			"sinkflow_outstanding_acks",
			"sinkflow_active_sinks",
			"sinkflow_flush_latency_seconds",
			"sinkflow_http_duration_seconds",
		} {
			if !got[name] {
				t.Errorf("metric %s not registered", name)
			}
		}
	})

	t.Run("nil registerer leaves metrics usable", func(t *testing.T) {
		m := NewMetrics(nil)
		m.IncItemsReceived("func")
		if v := testutil.ToFloat64(m.ItemsReceived.WithLabelValues("func")); v != 1 {
			t.Errorf("items received = %v, want 1", v)
		}
	})

	t.Run("double registration panics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		NewMetrics(reg)
		defer func() {
			if recover() == nil {
				t.Error("registering twice should panic")
			}
		}()
		NewMetrics(reg)
	})
}

// TestMetricsConvenienceMethods tests the helper methods
func TestMetricsConvenienceMethods(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	t.Run("IncItemsResolved splits by status", func(t *testing.T) {
		m.IncItemsResolved("kafka", nil)
		m.IncItemsResolved("kafka", nil)
		m.IncItemsResolved("kafka", errors.New("timed out"))

		if v := testutil.ToFloat64(m.ItemsResolved.WithLabelValues("kafka", "ok")); v != 2 {
			t.Errorf("ok = %v, want 2", v)
		}
		if v := testutil.ToFloat64(m.ItemsResolved.WithLabelValues("kafka", "error")); v != 1 {
			t.Errorf("error = %v, want 1", v)
		}
	})

	t.Run("SetOutstandingAcks overwrites", func(t *testing.T) {
		m.SetOutstandingAcks("kafka", 10)
		m.SetOutstandingAcks("kafka", 4)
		if v := testutil.ToFloat64(m.OutstandingAcks.WithLabelValues("kafka")); v != 4 {
			t.Errorf("outstanding = %v, want 4", v)
		}
	})

	t.Run("IncSinkErrors", func(t *testing.T) {
		m.IncSinkErrors("postgres", "flush_error")
		if v := testutil.ToFloat64(m.SinkErrors.WithLabelValues("postgres", "flush_error")); v != 1 {
			t.Errorf("sink errors = %v, want 1", v)
		}
	})
}

// TestNilMetrics tests that helpers are safe on a nil receiver
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.IncItemsReceived("x")
	m.IncItemsResolved("x", nil)
	m.IncSinkErrors("x", "y")
	m.IncSubmitRetries("x")
	m.IncHTTPRequests("/", "GET", "200")
	m.SetOutstandingAcks("x", 1)
	m.SetActiveSinks(1)
	m.ObserveFlushLatency("x", time.Second)
	m.ObserveHTTPDuration("/", "GET", time.Second)
}

// TestNewServer tests metrics server creation
func TestNewServer(t *testing.T) {
	reg := prometheus.NewRegistry()

	t.Run("sets timeouts for security", func(t *testing.T) {
		srv, err := NewServer(Config{Enabled: true, Addr: "localhost:9090"}, reg, nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if srv.server.ReadTimeout != 10*time.Second {
			t.Errorf("ReadTimeout = %v, want 10s", srv.server.ReadTimeout)
		}
		if srv.server.WriteTimeout != 10*time.Second {
			t.Errorf("WriteTimeout = %v, want 10s", srv.server.WriteTimeout)
		}
		if srv.server.IdleTimeout != 60*time.Second {
			t.Errorf("IdleTimeout = %v, want 60s", srv.server.IdleTimeout)
		}
	})

	t.Run("configures TLS when enabled", func(t *testing.T) {
		cfg := Config{
			Enabled:    true,
			Addr:       "localhost:9090",
			RequireTLS: true,
			TLSCert:    "/path/to/cert.pem",
			TLSKey:     "/path/to/key.pem",
		}
		srv, err := NewServer(cfg, reg, nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if srv.server.TLSConfig == nil {
			t.Error("TLSConfig should be set when RequireTLS is true")
		}
	})

	t.Run("does not configure TLS when disabled", func(t *testing.T) {
		srv, err := NewServer(Config{Enabled: true, Addr: "localhost:9090"}, reg, nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if srv.server.TLSConfig != nil {
			t.Error("TLSConfig should be nil when RequireTLS is false")
		}
	})

	t.Run("fails on unreadable client CA", func(t *testing.T) {
		cfg := Config{
			Enabled:    true,
			RequireTLS: true,
			TLSCert:    "/cert.pem",
			TLSKey:     "/key.pem",
			ClientCA:   "/nonexistent/ca.pem",
		}
		if _, err := NewServer(cfg, reg, nil); err == nil {
			t.Error("NewServer should fail when the client CA cannot be read")
		}
	})
}

// TestServerLifecycle tests start, scrape and shutdown
func TestServerLifecycle(t *testing.T) {
	t.Run("disabled server is a no-op", func(t *testing.T) {
		srv, err := NewServer(Config{Enabled: false}, prometheus.NewRegistry(), nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if err := srv.Start(context.Background()); err != nil {
			t.Errorf("Start() should not error when disabled: %v", err)
		}
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() should not error when disabled: %v", err)
		}
	})

	t.Run("serves metrics and health", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.SetActiveSinks(3)

		srv, err := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, reg, nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if err := srv.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() failed: %v", err)
			}
		}()

		base := fmt.Sprintf("http://%s", srv.Addr())

		resp, err := http.Get(base + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "OK" {
			t.Errorf("healthz = %d %q, want 200 OK", resp.StatusCode, body)
		}

		resp, err = http.Get(base + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics failed: %v", err)
		}
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), "sinkflow_active_sinks 3") {
			t.Errorf("metrics output missing active sinks gauge:\n%s", body)
		}
	})

	t.Run("listen error is returned", func(t *testing.T) {
		srv, err := NewServer(Config{Enabled: true, Addr: "256.0.0.1:bad"}, prometheus.NewRegistry(), nil)
		if err != nil {
			t.Fatalf("NewServer() failed: %v", err)
		}
		if err := srv.Start(context.Background()); err == nil {
			t.Error("Start() should fail on an invalid address")
			_ = srv.Shutdown(context.Background())
		}
	})
}

// TestLoadCertPool tests certificate pool loading
func TestLoadCertPool(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := loadCertPool("/path/to/missing.pem"); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("file without certificates", func(t *testing.T) {
		path := t.TempDir() + "/empty.pem"
		if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := loadCertPool(path); err == nil {
			t.Error("expected error for file without PEM blocks")
		}
	})
}
