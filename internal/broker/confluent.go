package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// confluentProducer is the subset of *kafka.Producer the driver uses.
type confluentProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Len() int
	Close()
}

// confluentClient drives librdkafka through confluent-kafka-go. Delivery
// reports arrive on the producer's Events channel and are only consumed by
// PollOnce and DrainPending.
type confluentClient struct {
	p   confluentProducer
	seq *sequencer
	log *slog.Logger

	submitMu sync.Mutex
	closed   atomic.Bool
}

func newConfluent(p Params, log *slog.Logger) (Client, error) {
	configMap := kafka.ConfigMap{
		"retries":          10,
		"retry.backoff.ms": 100,
		"linger.ms":        10,
	}
	for k, v := range p {
		configMap[k] = v
	}
	configMap["go.delivery.reports"] = true

	producer, err := kafka.NewProducer(&configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newConfluentClient(producer, log), nil
}

func newConfluentClient(p confluentProducer, log *slog.Logger) *confluentClient {
	return &confluentClient{p: p, seq: newSequencer(), log: log}
}

func (c *confluentClient) Submit(topic string, payload []byte, onDelivery DeliveryFunc) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	seq := c.seq.reserve(onDelivery)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value:  payload,
		Opaque: seq,
	}

	if err := c.p.Produce(msg, nil); err != nil {
		c.seq.cancel(seq)
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
			return ErrBackpressure
		}
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PollOnce stops reading at the first gap or once the producer has closed
// its event channel.
func (c *confluentClient) PollOnce() int {
	if c.closed.Load() {
		return 0
	}
	events := c.p.Events()
	for drained := false; !drained; {
		select {
		case ev, ok := <-events:
			if !ok {
				drained = true
				break
			}
			c.handle(ev)
		default:
			drained = true
		}
	}
	return c.seq.release()
}

func (c *confluentClient) DrainPending(timeout time.Duration) int {
	if c.closed.Load() {
		return c.seq.outstanding()
	}
	deadline, bounded := drainDeadline(timeout)
	events := c.p.Events()
	for {
		c.PollOnce()
		remaining := c.seq.outstanding()
		if remaining == 0 {
			return 0
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
		case ev, ok := <-events:
			if !ok {
				timer.Stop()
				return c.seq.outstanding()
			}
			c.handle(ev)
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (c *confluentClient) Close() error {
	c.submitMu.Lock()
	already := c.closed.Swap(true)
	c.submitMu.Unlock()
	if already {
		return nil
	}
	if n := c.p.Len(); n > 0 {
		c.log.Warn("closing producer with undelivered messages", "count", n)
	}
	c.p.Close()
	return nil
}

func (c *confluentClient) handle(ev kafka.Event) {
	if ev == nil {
		return
	}
	switch e := ev.(type) {
	case *kafka.Message:
		seq, ok := e.Opaque.(uint64)
		if !ok {
			c.log.Warn("delivery report without sequence", "opaque", e.Opaque)
			return
		}
		r := Report{Payload: e.Value, Err: e.TopicPartition.Error}
		if e.TopicPartition.Topic != nil {
			r.Topic = *e.TopicPartition.Topic
		}
		c.seq.complete(seq, r)
	case kafka.Error:
		c.log.Error("kafka client error", "error", e, "code", e.Code(), "fatal", e.IsFatal())
	default:
		c.log.Debug("ignored producer event", "event", ev.String())
	}
}
