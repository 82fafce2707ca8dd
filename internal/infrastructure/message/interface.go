// Package message publishes training lifecycle events.
package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openeeap/trainkit/internal/observability/logging"
)

// Event types emitted by the trainers
const (
	EventRunStarted   = "run.started"
	EventStepLogged   = "step.logged"
	EventEpochDone    = "epoch.completed"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Event is a training lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Trainer   string                 `json:"trainer"`
	Step      int                    `json:"step,omitempty"`
	Epoch     int                    `json:"epoch,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp
func NewEvent(eventType, runID, trainer string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Trainer:   trainer,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]interface{}),
	}
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// ============================================================================
// Log publisher
// ============================================================================

// LogPublisher writes events to the logger
type LogPublisher struct {
	logger logging.Logger
}

// NewLogPublisher creates a publisher that only logs
func NewLogPublisher(logger logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event *Event) error {
	p.logger.WithContext(ctx).Info("training event",
		logging.String("event_type", event.Type),
		logging.String("run_id", event.RunID),
		logging.Int("step", event.Step),
		logging.Any("payload", event.Payload),
	)
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error {
	return nil
}

// ============================================================================
// Memory publisher
// ============================================================================

// MemoryPublisher keeps events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryPublisher creates an in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the event
func (p *MemoryPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

// Events returns the recorded events
func (p *MemoryPublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Event, len(p.events))
	copy(out, p.events)
	return out
}

// Types returns the recorded event types in order
func (p *MemoryPublisher) Types() []string {
	events := p.Events()
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// Close is a no-op
func (p *MemoryPublisher) Close() error {
	return nil
}
