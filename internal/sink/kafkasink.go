package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortontech/sinkflow/internal/broker"
	"github.com/shortontech/sinkflow/internal/future"
	"github.com/shortontech/sinkflow/internal/logging"
	"github.com/shortontech/sinkflow/internal/loop"
	"github.com/shortontech/sinkflow/internal/stream"
)

// State is the lifecycle phase of a KafkaSink.
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// KafkaConfig holds configuration for the Kafka producer sink
type KafkaConfig struct {
	Topic  string
	Driver string
	Params broker.Params

	// PollInterval paces both the client poll loop and backpressure retries.
	PollInterval time.Duration
	// CloseTimeout bounds the best-effort drain on Destroy.
	CloseTimeout time.Duration
}

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultCloseTimeout = 10 * time.Second
)

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	return c
}

// inflight is one item between Deliver and its delivery report.
type inflight struct {
	done *future.Future
	span trace.Span
	log  *slog.Logger
}

// KafkaSink produces items to a topic. Deliver returns a pending outcome at
// once; the outcome resolves when the broker confirms the write, in the order
// items were accepted. Confirmed payloads are emitted to the sink's own
// downstream nodes.
//
// Submission, polling and resolution all run on the sink's loop, so the
// outstanding queue is only ever touched from one goroutine.
type KafkaSink struct {
	base
	stream.Emitter

	topic        string
	client       broker.Client
	loop         *loop.Loop
	tracer       trace.Tracer
	pollInterval time.Duration
	closeTimeout time.Duration

	state atomic.Int32

	// closeMu keeps Flush off the client while Destroy closes it.
	closeMu sync.RWMutex

	fatalMu sync.Mutex
	fatal   error

	// loop-owned
	queue     []*inflight
	retries   map[*inflight]*time.Timer
	closing   bool
	polling   bool
	pollTimer *time.Timer
}

// NewKafkaSink builds a broker client with the configured driver and
// attaches a producer sink below upstream.
func NewKafkaSink(upstream stream.Connector, cfg KafkaConfig, opts ...Option) (*KafkaSink, error) {
	o := buildOptions("kafka", opts)
	client, err := broker.New(cfg.Driver, cfg.Params, o.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker client: %w", err)
	}
	s, err := newKafkaSink(upstream, cfg, client, o)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewKafkaSinkWithClient attaches a producer sink that uses an existing
// client. The sink takes ownership of client; cfg.Driver and cfg.Params are
// ignored.
func NewKafkaSinkWithClient(upstream stream.Connector, cfg KafkaConfig, client broker.Client, opts ...Option) (*KafkaSink, error) {
	if client == nil {
		return nil, fmt.Errorf("kafka sink: nil client")
	}
	s, err := newKafkaSink(upstream, cfg, client, buildOptions("kafka", opts))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newKafkaSink(upstream stream.Connector, cfg KafkaConfig, client broker.Client, o options) (*KafkaSink, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	cfg = cfg.withDefaults()

	s := &KafkaSink{
		topic:        cfg.Topic,
		client:       client,
		loop:         loop.New(),
		retries:      make(map[*inflight]*time.Timer),
		tracer:       o.tracer,
		pollInterval: cfg.PollInterval,
		closeTimeout: cfg.CloseTimeout,
	}
	s.init(o)
	s.log = s.log.With("topic", cfg.Topic)

	_ = s.loop.Call(context.Background(), func() error {
		s.polling = true
		s.schedulePoll()
		return nil
	})
	s.state.Store(int32(Running))

	if err := s.attach(s, upstream); err != nil {
		s.loop.Stop()
		return nil, err
	}
	s.log.Info("kafka sink started", "poll_interval", cfg.PollInterval)
	return s, nil
}

// Topic returns the destination topic.
func (s *KafkaSink) Topic() string { return s.topic }

// State returns the current lifecycle phase.
func (s *KafkaSink) State() State { return State(s.state.Load()) }

// Err returns the fatal error that stopped the sink, if any.
func (s *KafkaSink) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// Deliver queues item for production and returns a pending outcome. item
// must be []byte or string.
func (s *KafkaSink) Deliver(ctx context.Context, item any, _ stream.Node, _ stream.Metadata) (stream.Outcome, error) {
	if s.Err() != nil {
		return stream.Outcome{}, ErrProtocol
	}
	if s.State() != Running {
		return stream.Outcome{}, ErrInvalidState
	}
	s.metrics.IncItemsReceived(s.name)

	spanCtx, span := s.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", s.topic),
		),
	)
	p := &inflight{done: future.New(), span: span, log: logging.WithTrace(spanCtx, s.log)}

	var payload []byte
	switch v := item.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		s.settle(p, &SubmissionError{Topic: s.topic, Err: fmt.Errorf("unsupported item type %T", item)})
		return stream.Pending(p.done), nil
	}

	if !s.loop.Post(func() { s.submit(p, payload) }) {
		s.settle(p, ErrInvalidState)
		return stream.Outcome{}, ErrInvalidState
	}
	return stream.Pending(p.done), nil
}

// submit hands one payload to the client. Runs on the loop.
func (s *KafkaSink) submit(p *inflight, payload []byte) {
	if s.Err() != nil {
		s.settle(p, ErrProtocol)
		return
	}
	if s.closing {
		s.settle(p, ErrInvalidState)
		return
	}

	err := s.client.Submit(s.topic, payload, s.onDelivery)
	switch {
	case err == nil:
		s.queue = append(s.queue, p)
		s.metrics.SetOutstandingAcks(s.name, len(s.queue))
	case errors.Is(err, broker.ErrBackpressure):
		s.metrics.IncSubmitRetries(s.name)
		s.log.Debug("send buffer full, retrying", "after", s.pollInterval)
		s.retries[p] = s.loop.AfterFunc(s.pollInterval, func() {
			delete(s.retries, p)
			s.submit(p, payload)
		})
	default:
		s.metrics.IncSinkErrors(s.name, "submit_error")
		s.settle(p, &SubmissionError{Topic: s.topic, Err: err})
	}
}

// onDelivery is called by the client from whichever goroutine polled it.
func (s *KafkaSink) onDelivery(r broker.Report) {
	if !s.loop.Post(func() { s.resolveHead(r) }) {
		s.log.Warn("delivery report after shutdown dropped", "topic", r.Topic)
	}
}

// resolveHead settles the oldest outstanding item with r. Runs on the loop.
func (s *KafkaSink) resolveHead(r broker.Report) {
	if len(s.queue) == 0 {
		s.failFatal(ErrProtocol)
		return
	}
	p := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.metrics.SetOutstandingAcks(s.name, len(s.queue))

	topic := r.Topic
	if topic == "" {
		topic = s.topic
	}
	var err error
	switch {
	case r.Err != nil:
		err = &DeliveryError{Topic: topic, Err: r.Err}
	case r.Payload == nil:
		err = &DeliveryError{Topic: topic, Err: errNoPayload}
	}
	if err != nil {
		s.metrics.IncSinkErrors(s.name, "delivery_error")
		s.settle(p, err)
		return
	}

	s.settle(p, nil)
	if _, emitErr := s.Emit(context.Background(), s, r.Payload, nil); emitErr != nil {
		s.log.Warn("downstream rejected confirmed item", "error", emitErr)
	}
}

func (s *KafkaSink) settle(p *inflight, err error) {
	if !p.done.Resolve(err) {
		return
	}
	s.metrics.IncItemsResolved(s.name, err)
	if err != nil {
		p.log.Debug("item failed", "error", err)
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	}
	p.span.End()
}

// failFatal records a protocol violation and stops polling. Runs on the loop.
func (s *KafkaSink) failFatal(err error) {
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()

	s.metrics.IncSinkErrors(s.name, "protocol_error")
	s.log.Error("kafka sink halted", "error", err)
	s.stopPolling()
}

func (s *KafkaSink) schedulePoll() {
	s.pollTimer = s.loop.AfterFunc(s.pollInterval, s.poll)
}

// poll pumps client callbacks and reschedules itself. Runs on the loop.
func (s *KafkaSink) poll() {
	if !s.polling {
		return
	}
	s.client.PollOnce()
	s.metrics.SetOutstandingAcks(s.name, len(s.queue))
	s.schedulePoll()
}

// abandonRetries fails every item still waiting to be resubmitted. Runs on
// the loop.
func (s *KafkaSink) abandonRetries() {
	for p, t := range s.retries {
		t.Stop()
		s.settle(p, ErrInvalidState)
	}
	clear(s.retries)
}

func (s *KafkaSink) stopPolling() {
	s.polling = false
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
}

// Flush waits up to timeout for every accepted item to be acknowledged and
// returns how many are still outstanding. A negative timeout waits
// indefinitely. Submissions already handed to the sink are sent first, and
// the outcomes of acknowledged items are settled before Flush returns.
// Once Destroy has begun it returns ErrInvalidState without touching the
// client.
//
// Flush must not be called from a node downstream of this sink.
func (s *KafkaSink) Flush(timeout time.Duration) (int, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.State() != Running {
		return s.Outstanding(), ErrInvalidState
	}

	start := time.Now()
	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	barrier := func() { _ = s.loop.Call(ctx, func() error { return nil }) }

	barrier()
	remaining := timeout
	if timeout >= 0 {
		if remaining -= time.Since(start); remaining < 0 {
			remaining = 0
		}
	}
	n := s.client.DrainPending(remaining)
	barrier()

	s.metrics.ObserveFlushLatency(s.name, time.Since(start))
	return n, nil
}

// Outstanding returns the number of accepted items awaiting acknowledgment.
func (s *KafkaSink) Outstanding() int {
	var n int
	err := s.loop.Call(context.Background(), func() error {
		n = len(s.queue)
		return nil
	})
	if err != nil {
		<-s.loop.Done()
		return len(s.queue)
	}
	return n
}

// Destroy refuses new items, drains the client for up to CloseTimeout,
// closes it and releases the sink. Items waiting on a backpressure retry
// fail with ErrInvalidState; items the client accepted but never
// acknowledged keep their outcomes pending.
func (s *KafkaSink) Destroy() error {
	if !s.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrInvalidState
	}
	s.disconnect(s)

	ctx := context.Background()
	_ = s.loop.Call(ctx, func() error {
		s.stopPolling()
		s.closing = true
		s.abandonRetries()
		return nil
	})

	if remaining := s.client.DrainPending(s.closeTimeout); remaining > 0 {
		s.log.Warn("closing with unacknowledged items", "count", remaining, "timeout", s.closeTimeout)
	}
	_ = s.loop.Call(ctx, func() error {
		s.client.PollOnce()
		return nil
	})

	// Nothing may reach the client once Close begins.
	s.loop.Stop()
	s.closeMu.Lock()
	closeErr := s.client.Close()
	s.closeMu.Unlock()
	s.state.Store(int32(Stopped))
	s.metrics.SetOutstandingAcks(s.name, len(s.queue))

	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close broker client: %w", closeErr)
	}
	s.log.Info("kafka sink stopped", "pending", len(s.queue))
	return errors.Join(closeErr, s.release())
}
