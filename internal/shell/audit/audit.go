// Package audit records security-relevant fleet operations. Sinks are fire
// and forget: a failed write is logged and never surfaces to the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Operations recorded by the fleet.
const (
	OpContainerCheck   = "container_check"
	OpContainerStart   = "container_start"
	OpContainerStop    = "container_stop"
	OpContainerRestart = "container_restart"
	OpContainerRemove  = "container_remove"
	OpContainerRun     = "container_run"
	OpFailover         = "failover"
	OpHostDelete       = "host_delete"
)

// SystemUser is the username recorded for automated actions.
const SystemUser = "system"

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Username  string    `json:"username"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(op, resource string, allowed bool, reason string) Event {
	return Event{
		ID:        uuid.New().String(),
		Time:      time.Now().UTC(),
		Operation: op,
		Resource:  resource,
		Username:  SystemUser,
		Allowed:   allowed,
		Reason:    reason,
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// =============================================================================
// Log Sink
// =============================================================================

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) {
	level := slog.LevelInfo
	if !e.Allowed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "audit event",
		"event_id", e.ID,
		"operation", e.Operation,
		"resource", e.Resource,
		"username", e.Username,
		"allowed", e.Allowed,
		"reason", e.Reason,
	)
}

// =============================================================================
// Kafka Sink
// =============================================================================

// KafkaSink publishes events as JSON to a Kafka topic. The writer is async
// so recording never blocks a sweep.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit_kafka")
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			Async:        true,
			BatchTimeout: 100 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("failed to publish audit events", "count", len(messages), "error", err)
				}
			},
		},
		logger: logger,
	}
}

// Record implements Sink.
func (s *KafkaSink) Record(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("failed to encode audit event", "event_id", e.ID, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(e.Resource), Value: data, Time: e.Time}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("failed to queue audit event", "event_id", e.ID, "error", err)
	}
}

// Close flushes pending events and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// =============================================================================
// Fan-out
// =============================================================================

// Multi fans an event out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Recorder collects events in memory. Tests use it to assert on emitted
// events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Operations returns the operation of every recorded event in order.
func (r *Recorder) Operations() []string {
	events := r.Events()
	ops := make([]string, len(events))
	for i, e := range events {
		ops[i] = e.Operation
	}
	return ops
}
