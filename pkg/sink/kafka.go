// Package sink exports committed exchange events to Kafka, one message per
// event keyed by its sequence number.
package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
)

const (
	pageSize       = 256
	maxRetryPeriod = 30 * time.Second
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source is a committed event stream. *exchange.Engine implements it.
type Source interface {
	Events(from uint64, limit int) []event.Event
	Subscribe(buffer int) *event.Subscription
}

type KafkaSink struct {
	writer  Writer
	logger  *zap.Logger
	backoff func() backoff.BackOff
	last    atomic.Uint64
}

// NewKafkaSink writes synchronously to topic with acks from all replicas.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	return newSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, logger)
}

func newSink(w Writer, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{
		writer: w,
		logger: logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = maxRetryPeriod
			return b
		},
	}
}

// LastSeq returns the sequence number of the last exported event.
func (s *KafkaSink) LastSeq() uint64 { return s.last.Load() }

// Message renders e as a Kafka message: key is the decimal seq, value the
// event JSON, and the kind travels in the "event" header.
func Message(e event.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event %d: %w", e.Seq, err)
	}
	return kafka.Message{
		Key:     []byte(strconv.FormatUint(e.Seq, 10)),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(e.Kind)}},
		Time:    time.Unix(e.Timestamp, 0).UTC(),
	}, nil
}

// Publish writes e, retrying with exponential backoff until it succeeds or
// ctx ends. Events at or below LastSeq are skipped.
func (s *KafkaSink) Publish(ctx context.Context, e event.Event) error {
	if e.Seq <= s.LastSeq() {
		return nil
	}
	msg, err := Message(e)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.writer.WriteMessages(ctx, msg)
	},
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("kafka_write_retry", zap.Uint64("seq", e.Seq), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to export event %d: %w", e.Seq, err)
	}
	s.last.Store(e.Seq)
	return nil
}

func (s *KafkaSink) catchUp(ctx context.Context, src Source) error {
	for {
		evs := src.Events(s.LastSeq()+1, pageSize)
		for _, e := range evs {
			if err := s.Publish(ctx, e); err != nil {
				return err
			}
		}
		if len(evs) < pageSize {
			return nil
		}
	}
}

// Run exports every event after from-1 and then follows src until ctx ends.
func (s *KafkaSink) Run(ctx context.Context, src Source, from uint64) error {
	if from > 0 {
		s.last.Store(from - 1)
	}
	sub := src.Subscribe(pageSize)
	defer sub.Unsubscribe()

	if err := s.catchUp(ctx, src); err != nil {
		return err
	}
	s.logger.Info("kafka_sink_caught_up", zap.Uint64("seq", s.LastSeq()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if e.Seq > s.LastSeq()+1 {
				if err := s.catchUp(ctx, src); err != nil {
					return err
				}
			}
			if err := s.Publish(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
