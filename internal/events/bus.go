// Package events provides the in-process pub/sub bus that carries anomaly
// and engine lifecycle notifications to sinks such as the CLI writer and
// the metrics layer.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocdev21/l1sentry/internal/models"
)

// Type identifies one event kind on the bus.
type Type string

const (
	// Analysis events
	EventAnomalyDetected Type = "anomaly:detected"

	// File lifecycle events
	EventFileStarted   Type = "file:started"
	EventFileCompleted Type = "file:completed"
	EventFileFailed    Type = "file:failed"

	// Model lifecycle events
	EventModelRetrained     Type = "model:retrained"
	EventModelRetrainFailed Type = "model:retrain_failed"

	// Watch mode events
	EventWatchStarted   Type = "watch:started"
	EventWatchStopped   Type = "watch:stopped"
	EventFileDiscovered Type = "watch:file_discovered"
)

// Event is one bus message. Data holds the type-specific payload, e.g.
// *models.AnomalyRecord for EventAnomalyDetected.
type Event struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"` // Unix nanoseconds
	Data      any   `json:"data"`
}

// Handler consumes events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(event *Event)

// Config tunes event delivery.
type Config struct {
	// BatchInterval is the maximum time an event waits in a batch.
	BatchInterval time.Duration

	// BatchSize is the maximum number of events per batch.
	BatchSize int

	// EnableBatching coalesces high-frequency events (per-anomaly traffic
	// on large captures) into periodic dispatches.
	EnableBatching bool
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchInterval:  50 * time.Millisecond,
		BatchSize:      100,
		EnableBatching: true,
	}
}

// Bus distributes events to per-type subscribers and an optional global
// handler, batching bursts when enabled.
type Bus struct {
	mu            sync.RWMutex
	handlers      map[Type][]Handler
	globalHandler Handler

	batchInterval time.Duration
	batchSize     int
	batchEnabled  bool

	batchMu      sync.Mutex
	currentBatch []*Event
	batchTimer   *time.Timer

	// eventsEmitted is atomic: dispatch runs under the read lock, so
	// concurrent publishers may bump it at the same time.
	eventsEmitted atomic.Uint64
	eventsBatched uint64
	batchesSent   uint64
}

// NewBus creates a bus; a nil config uses defaults.
func NewBus(cfg *Config) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Bus{
		handlers:      make(map[Type][]Handler),
		batchInterval: cfg.BatchInterval,
		batchSize:     cfg.BatchSize,
		batchEnabled:  cfg.EnableBatching,
		currentBatch:  make([]*Event, 0, cfg.BatchSize),
	}
}

// SetGlobalHandler installs a handler that receives every event.
func (b *Bus) SetGlobalHandler(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalHandler = handler
}

// Subscribe adds a handler for one event type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Unsubscribe removes all handlers for one event type.
func (b *Bus) Unsubscribe(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, t)
}

// Publish emits one event, batched when batching is enabled.
func (b *Bus) Publish(t Type, data any) {
	event := &Event{Type: t, Timestamp: time.Now().UnixNano(), Data: data}
	if b.batchEnabled {
		b.addToBatch(event)
		return
	}
	b.dispatch(event)
}

// PublishImmediate bypasses batching for lifecycle events that must not lag
// behind the work they describe.
func (b *Bus) PublishImmediate(t Type, data any) {
	b.dispatch(&Event{Type: t, Timestamp: time.Now().UnixNano(), Data: data})
}

// PublishAnomaly is shorthand for the hot path.
func (b *Bus) PublishAnomaly(rec *models.AnomalyRecord) {
	b.Publish(EventAnomalyDetected, rec)
}

func (b *Bus) addToBatch(event *Event) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.currentBatch = append(b.currentBatch, event)
	b.eventsBatched++

	if len(b.currentBatch) == 1 {
		b.batchTimer = time.AfterFunc(b.batchInterval, b.flushBatch)
	}
	if len(b.currentBatch) >= b.batchSize {
		b.flushBatchLocked()
	}
}

func (b *Bus) flushBatch() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.flushBatchLocked()
}

func (b *Bus) flushBatchLocked() {
	if len(b.currentBatch) == 0 {
		return
	}
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	for _, event := range b.currentBatch {
		b.dispatch(event)
	}
	b.batchesSent++
	b.currentBatch = b.currentBatch[:0]
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.eventsEmitted.Add(1)

	if b.globalHandler != nil {
		b.globalHandler(event)
	}
	for _, handler := range b.handlers[event.Type] {
		handler(event)
	}
}

// Flush forces delivery of any pending batched events.
func (b *Bus) Flush() {
	b.flushBatch()
}

// Stats returns delivery counters.
func (b *Bus) Stats() (emitted, batched, batches uint64) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.eventsEmitted.Load(), b.eventsBatched, b.batchesSent
}
