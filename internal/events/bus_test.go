package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocdev21/l1sentry/internal/models"
)

func TestPublishImmediateDispatches(t *testing.T) {
	bus := NewBus(&Config{EnableBatching: false})

	var got []*Event
	bus.Subscribe(EventFileStarted, func(ev *Event) { got = append(got, ev) })
	bus.Subscribe(EventFileCompleted, func(ev *Event) {
		t.Fatalf("unexpected event %s", ev.Type)
	})

	bus.PublishImmediate(EventFileStarted, "a.pcap")
	require.Len(t, got, 1)
	assert.Equal(t, EventFileStarted, got[0].Type)
	assert.Equal(t, "a.pcap", got[0].Data)
}

func TestGlobalHandlerSeesEverything(t *testing.T) {
	bus := NewBus(&Config{EnableBatching: false})

	var types []Type
	bus.SetGlobalHandler(func(ev *Event) { types = append(types, ev.Type) })

	bus.PublishImmediate(EventFileStarted, nil)
	bus.PublishImmediate(EventModelRetrained, nil)
	assert.Equal(t, []Type{EventFileStarted, EventModelRetrained}, types)

	emitted, _, _ := bus.Stats()
	assert.Equal(t, uint64(2), emitted)
}

func TestBatchingFlushesOnSizeAndFlush(t *testing.T) {
	bus := NewBus(&Config{BatchInterval: time.Hour, BatchSize: 2, EnableBatching: true})

	var got []*Event
	bus.Subscribe(EventAnomalyDetected, func(ev *Event) { got = append(got, ev) })

	bus.PublishAnomaly(&models.AnomalyRecord{ID: "1"})
	assert.Empty(t, got)

	// Second event fills the batch.
	bus.PublishAnomaly(&models.AnomalyRecord{ID: "2"})
	require.Len(t, got, 2)

	bus.PublishAnomaly(&models.AnomalyRecord{ID: "3"})
	assert.Len(t, got, 2)
	bus.Flush()
	assert.Len(t, got, 3)

	_, batched, batches := bus.Stats()
	assert.Equal(t, uint64(3), batched)
	assert.Equal(t, uint64(2), batches)
}

func TestConcurrentPublishCountsEveryEvent(t *testing.T) {
	bus := NewBus(&Config{EnableBatching: false})

	var delivered atomic.Uint64
	bus.Subscribe(EventAnomalyDetected, func(*Event) { delivered.Add(1) })

	const publishers, perPublisher = 8, 250
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.PublishImmediate(EventAnomalyDetected, nil)
			}
		}()
	}
	wg.Wait()

	emitted, _, _ := bus.Stats()
	assert.Equal(t, uint64(publishers*perPublisher), emitted)
	assert.Equal(t, uint64(publishers*perPublisher), delivered.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(&Config{EnableBatching: false})

	calls := 0
	bus.Subscribe(EventWatchStarted, func(*Event) { calls++ })
	bus.PublishImmediate(EventWatchStarted, nil)
	bus.Unsubscribe(EventWatchStarted)
	bus.PublishImmediate(EventWatchStarted, nil)
	assert.Equal(t, 1, calls)
}
