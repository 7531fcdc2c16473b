package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	httpx "github.com/shortontech/sinkflow/internal/http"
	"github.com/shortontech/sinkflow/internal/logging"
	"github.com/shortontech/sinkflow/internal/metrics"
	"github.com/shortontech/sinkflow/internal/sink"
	"github.com/shortontech/sinkflow/internal/stream"
	"github.com/shortontech/sinkflow/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logging.L().Error("sinkflow exited", "error", err)
		os.Exit(1)
	}
}

// pipeline is everything attached below the ingest source.
type pipeline struct {
	sinks    []sink.Sink // creation order
	flushers []httpx.Flusher
}

// destroy tears the sinks down newest first, so nodes below a broker sink go
// before the sink that feeds them.
func (p *pipeline) destroy(log *slog.Logger) {
	for _, s := range slices.Backward(p.sinks) {
		if err := s.Destroy(); err != nil {
			log.Error("failed to destroy sink", "sink", s.Name(), "error", err)
		}
	}
	p.sinks = nil
}

func (p *pipeline) add(s sink.Sink) {
	p.sinks = append(p.sinks, s)
}

// buildPipeline attaches one sink per configured output below src.
func buildPipeline(ctx context.Context, c config.Config, src stream.Connector, log *slog.Logger, opts ...sink.Option) (*pipeline, error) {
	p := &pipeline{}
	fail := func(err error) (*pipeline, error) {
		p.destroy(log)
		return nil, err
	}

	for _, out := range c.Outputs {
		switch out {
		case config.OutputText:
			s, err := sink.OpenTextSink(src, c.Text.Path, sink.TextOptions{
				Terminator: &c.Text.Terminator,
				Mode:       c.Text.Mode,
			}, opts...)
			if err != nil {
				return fail(fmt.Errorf("text sink: %w", err))
			}
			p.add(s)
			log.Info("sink enabled", "sink", s.Name(), "path", s.Path())

		case config.OutputStdout:
			s, err := sink.OpenTextSink(src, "stdout", sink.TextOptions{Terminator: &c.Text.Terminator},
				append(opts, sink.WithName("stdout"))...)
			if err != nil {
				return fail(fmt.Errorf("stdout sink: %w", err))
			}
			p.add(s)
			log.Info("sink enabled", "sink", s.Name())

		case config.OutputKafka:
			ks, err := sink.NewKafkaSink(src, sink.KafkaConfig{
				Topic:        c.Kafka.Topic,
				Driver:       c.Kafka.Driver,
				Params:       c.Kafka.BrokerParams(),
				PollInterval: c.Kafka.PollInterval,
				CloseTimeout: c.Kafka.CloseTimeout,
			}, opts...)
			if err != nil {
				return fail(fmt.Errorf("kafka sink: %w", err))
			}
			p.add(ks)
			p.flushers = append(p.flushers, ks)

			confirmLog := log.With("sink", "kafka-confirm", "topic", ks.Topic())
			confirm, err := sink.NewFuncSink(ks, sink.Effect(func(item any) {
				if b, ok := item.([]byte); ok {
					confirmLog.Debug("delivery confirmed", "bytes", len(b))
				}
			}), nil, append(opts, sink.WithName("kafka-confirm"))...)
			if err != nil {
				return fail(fmt.Errorf("kafka confirmation sink: %w", err))
			}
			p.add(confirm)
			log.Info("sink enabled", "sink", ks.Name(), "driver", c.Kafka.Driver, "topic", ks.Topic())

		case config.OutputPostgres:
			s, err := sink.NewPGSink(ctx, src, sink.PGConfig{
				DSN:           c.Postgres.DSN,
				Table:         c.Postgres.Table,
				BatchSize:     c.Postgres.BatchSize,
				FlushInterval: c.Postgres.FlushInterval,
				UseCopy:       c.Postgres.UseCopy,
			}, opts...)
			if err != nil {
				return fail(fmt.Errorf("postgres sink: %w", err))
			}
			p.add(s)
			log.Info("sink enabled", "sink", s.Name(), "table", c.Postgres.Table)

		default:
			return fail(fmt.Errorf("unknown output %q", out))
		}
	}

	if len(p.sinks) == 0 {
		log.Warn("no outputs configured; items will be accepted and dropped")
	}
	return p, nil
}

func run() error {
	c, err := config.Load(os.Getenv("SINKFLOW_CONFIG"))
	if err != nil {
		return err
	}
	log := logging.Configure(logging.Options{Level: c.Log.Level, JSON: c.Log.JSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	metricsSrv, err := metrics.NewServer(metrics.Config{
		Enabled:    c.Metrics.Enabled,
		Addr:       c.Metrics.Addr,
		TLSCert:    c.Metrics.TLSCert,
		TLSKey:     c.Metrics.TLSKey,
		ClientCA:   c.Metrics.ClientCA,
		RequireTLS: c.Metrics.RequireTLS,
	}, reg, logging.Component("metrics"))
	if err != nil {
		return err
	}
	if err := metricsSrv.Start(ctx); err != nil {
		return err
	}

	src := stream.NewSource("ingest")
	p, err := buildPipeline(ctx, c, src, logging.Component("pipeline"),
		sink.WithLogger(logging.Component("sink")),
		sink.WithMetrics(m),
		sink.WithTracer(otel.Tracer("sinkflow/sink")),
	)
	if err != nil {
		return err
	}
	defer p.destroy(log)

	if c.TestMode {
		runTestMode(ctx, src.Emit, logging.Component("testmode"), 200*time.Millisecond)
	}

	srv := httpx.NewServer(httpx.Env{
		Cfg:      c,
		Emit:     src.Emit,
		Flushers: p.flushers,
		HMACAuth: httpx.NewHMACAuth(c.HMACSecret, logging.Component("hmac")),
		Metrics:  m,
		Log:      logging.Component("http"),
	})
	errc, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.ServerAddr, err)
	}
	log.Info("sinkflow listening", "addr", srv.Addr(), "outputs", c.Outputs)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	for _, f := range p.flushers {
		n, err := f.Flush(c.Kafka.CloseTimeout)
		if err != nil {
			log.Warn("flush at shutdown skipped", "sink", f.Name(), "error", err)
		} else if n > 0 {
			log.Warn("items still unacknowledged at shutdown", "sink", f.Name(), "count", n)
		}
	}
	p.destroy(log)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
