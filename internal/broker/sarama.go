package broker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// saramaProducer is the subset of sarama.AsyncProducer the driver uses.
type saramaProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Successes() <-chan *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	Close() error
}

// saramaClient drives an IBM/sarama AsyncProducer. sarama's input channel
// is unbuffered, so the buffer bound is kept here: once maxInFlight
// submissions are awaiting their callbacks, Submit reports backpressure.
// Below the bound the send blocks only until sarama's dispatcher takes the
// message.
type saramaClient struct {
	p           saramaProducer
	maxInFlight int
	seq         *sequencer
	log         *slog.Logger

	submitMu sync.Mutex
	closed   atomic.Bool
}

func newSarama(p Params, log *slog.Logger) (Client, error) {
	brokers := p.Brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bootstrap.servers is required")
	}
	sc, err := saramaConfig(p)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewAsyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama producer: %w", err)
	}
	return newSaramaClient(producer, sc.ChannelBufferSize, log), nil
}

func newSaramaClient(p saramaProducer, maxInFlight int, log *slog.Logger) *saramaClient {
	return &saramaClient{p: p, maxInFlight: maxInFlight, seq: newSequencer(), log: log}
}

// saramaConfig translates producer params into a sarama config.
func saramaConfig(p Params) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	buffer, err := p.Int("queue.buffering.max.messages", sc.ChannelBufferSize)
	if err != nil {
		return nil, err
	}
	if buffer < 1 {
		return nil, fmt.Errorf("queue.buffering.max.messages must be positive, got %d", buffer)
	}
	sc.ChannelBufferSize = buffer

	linger, err := p.Millis("linger.ms", 10*time.Millisecond)
	if err != nil {
		return nil, err
	}
	sc.Producer.Flush.Frequency = linger

	if id := p.Get("client.id", ""); id != "" {
		sc.ClientID = id
	}

	switch p.Get("acks", "all") {
	case "all", "-1":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("unsupported acks value %q", p["acks"])
	}

	switch strings.ToLower(p.Get("compression.type", "none")) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("unsupported compression %q", p["compression.type"])
	}

	if mech := p.Get("sasl.mechanism", ""); mech != "" {
		// SCRAM needs a client generator sarama does not ship.
		if !strings.EqualFold(mech, "PLAIN") {
			return nil, fmt.Errorf("sasl config: sarama driver supports PLAIN only, got %s", mech)
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = p.Get("sasl.username", "")
		sc.Net.SASL.Password = p.Get("sasl.password", "")
	}

	if p.usesTLS() {
		tlsCfg, err := p.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsCfg
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return sc, nil
}

func (c *saramaClient) Submit(topic string, payload []byte, onDelivery DeliveryFunc) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.seq.outstanding() >= c.maxInFlight {
		return ErrBackpressure
	}

	seq := c.seq.reserve(onDelivery)
	c.p.Input() <- &sarama.ProducerMessage{
		Topic:    topic,
		Value:    sarama.ByteEncoder(payload),
		Metadata: seq,
	}
	return nil
}

func (c *saramaClient) PollOnce() int {
	if c.closed.Load() {
		return 0
	}
	for drained := false; !drained; {
		select {
		case msg, ok := <-c.p.Successes():
			if !ok {
				drained = true
				break
			}
			c.complete(msg, nil)
		case perr, ok := <-c.p.Errors():
			if !ok {
				drained = true
				break
			}
			c.complete(perr.Msg, perr.Err)
		default:
			drained = true
		}
	}
	return c.seq.release()
}

func (c *saramaClient) DrainPending(timeout time.Duration) int {
	deadline, bounded := drainDeadline(timeout)
	for {
		c.PollOnce()
		remaining := c.seq.outstanding()
		if remaining == 0 || c.closed.Load() {
			return remaining
		}
		if bounded && !time.Now().Before(deadline) {
			return remaining
		}

		wait := drainStep
		if bounded {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		timer := time.NewTimer(wait)
		select {
		case msg, ok := <-c.p.Successes():
			if ok {
				c.complete(msg, nil)
			}
		case perr, ok := <-c.p.Errors():
			if ok {
				c.complete(perr.Msg, perr.Err)
			}
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close stops further submissions before shutting sarama down, since sarama
// closes its input channel on shutdown.
func (c *saramaClient) Close() error {
	c.submitMu.Lock()
	already := c.closed.Swap(true)
	c.submitMu.Unlock()
	if already {
		return nil
	}
	if err := c.p.Close(); err != nil {
		return fmt.Errorf("failed to close sarama producer: %w", err)
	}
	return nil
}

func (c *saramaClient) complete(msg *sarama.ProducerMessage, err error) {
	if msg == nil {
		c.log.Error("producer error without message", "error", err)
		return
	}
	seq, ok := msg.Metadata.(uint64)
	if !ok {
		c.log.Warn("delivery report without sequence", "metadata", msg.Metadata)
		return
	}
	r := Report{Topic: msg.Topic, Err: err}
	if msg.Value != nil {
		payload, encErr := msg.Value.Encode()
		if encErr != nil && r.Err == nil {
			r.Err = encErr
		}
		r.Payload = payload
	}
	c.seq.complete(seq, r)
}
