package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const defaultMaxBuffered = 10000

// franzProducer is the subset of *kgo.Client the driver uses.
type franzProducer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	BufferedProduceRecords() int64
	Flush(ctx context.Context) error
	Close()
}

// franzClient drives franz-go. Promises complete on franz-go's own
// goroutines; callbacks are held back until PollOnce or DrainPending.
type franzClient struct {
	p           franzProducer
	maxBuffered int64
	seq         *sequencer
	log         *slog.Logger

	submitMu sync.Mutex
	closed   atomic.Bool
}

func newFranz(p Params, log *slog.Logger) (Client, error) {
	opts, maxBuffered, err := franzOptions(p)
	if err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create franz-go client: %w", err)
	}
	return newFranzClient(cl, maxBuffered, log), nil
}

func newFranzClient(p franzProducer, maxBuffered int, log *slog.Logger) *franzClient {
	return &franzClient{p: p, maxBuffered: int64(maxBuffered), seq: newSequencer(), log: log}
}

// franzOptions translates producer params into kgo options.
func franzOptions(p Params) ([]kgo.Opt, int, error) {
	brokers := p.Brokers()
	if len(brokers) == 0 {
		return nil, 0, fmt.Errorf("bootstrap.servers is required")
	}
	maxBuffered, err := p.Int("queue.buffering.max.messages", defaultMaxBuffered)
	if err != nil {
		return nil, 0, err
	}
	linger, err := p.Millis("linger.ms", 10*time.Millisecond)
	if err != nil {
		return nil, 0, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.MaxBufferedRecords(maxBuffered),
		kgo.ProducerLinger(linger),
	}
	if id := p.Get("client.id", ""); id != "" {
		opts = append(opts, kgo.ClientID(id))
	}

	switch p.Get("acks", "all") {
	case "all", "-1":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "1":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "0":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, 0, fmt.Errorf("unsupported acks value %q", p["acks"])
	}

	if codec := p.Get("compression.type", ""); codec != "" {
		c, err := franzCodec(codec)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, kgo.ProducerBatchCompression(c))
	}

	if mech := p.Get("sasl.mechanism", ""); mech != "" {
		m, err := franzSASL(mech, p.Get("sasl.username", ""), p.Get("sasl.password", ""))
		if err != nil {
			return nil, 0, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, kgo.SASL(m))
	}

	if p.usesTLS() {
		tlsCfg, err := p.tlsConfig()
		if err != nil {
			return nil, 0, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts, maxBuffered, nil
}

func franzCodec(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("unsupported compression %q", name)
}

func franzSASL(mechanism, user, pass string) (sasl.Mechanism, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return plain.Auth{User: user, Pass: pass}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: user, Pass: pass}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: user, Pass: pass}.AsSha512Mechanism(), nil
	}
	return nil, fmt.Errorf("unsupported SASL mechanism: %s", mechanism)
}

func (c *franzClient) Submit(topic string, payload []byte, onDelivery DeliveryFunc) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	if c.p.BufferedProduceRecords() >= c.maxBuffered {
		return ErrBackpressure
	}

	seq := c.seq.reserve(onDelivery)
	rec := &kgo.Record{Topic: topic, Value: payload}
	c.p.TryProduce(context.Background(), rec, func(r *kgo.Record, err error) {
		c.seq.complete(seq, Report{Topic: r.Topic, Payload: r.Value, Err: err})
	})
	return nil
}

func (c *franzClient) PollOnce() int {
	return c.seq.release()
}

func (c *franzClient) DrainPending(timeout time.Duration) int {
	if c.closed.Load() {
		return c.seq.outstanding()
	}
	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.p.Flush(ctx); err != nil {
		c.log.Warn("flush interrupted", "error", err)
	}
	c.seq.release()
	return c.seq.outstanding()
}

func (c *franzClient) Close() error {
	c.submitMu.Lock()
	already := c.closed.Swap(true)
	c.submitMu.Unlock()
	if !already {
		c.p.Close()
	}
	return nil
}
