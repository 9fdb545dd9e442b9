package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ptrus/dep-validator/metrics"
)

// Bus queues events from producers and delivers them to subscribers from a
// single goroutine. Emit blocks while the queue is full, so a slow subscriber
// slows producers down instead of losing events. Events are dropped only once
// the bus is closed, which also happens when Run returns.
type Bus struct {
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	nextID int
	subs   map[int]Sink
}

// NewBus creates a bus holding up to buffer pending events.
func NewBus(buffer int, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
		subs:    make(map[int]Sink),
	}
}

// Emit implements Sink.
func (b *Bus) Emit(e Event) {
	select {
	case <-b.done:
		b.dropped(e)
		return
	default:
	}
	select {
	case b.queue <- e:
	case <-b.done:
		b.dropped(e)
	}
}

func (b *Bus) dropped(e Event) {
	b.logger.Debug("event dropped after close", "type", e.Type)
	b.metrics.EventDropped(context.Background(), string(e.Type))
}

// Subscribe registers s and returns a function that removes it.
func (b *Bus) Subscribe(s Sink) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Run delivers queued events until ctx is done or the bus is closed and
// drained. The bus is closed when Run returns.
func (b *Bus) Run(ctx context.Context) error {
	defer b.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-b.queue:
			b.deliver(e)
		case <-b.done:
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return nil
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	subs := make([]Sink, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeEmit(s, e)
	}
}

func (b *Bus) safeEmit(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	s.Emit(e)
}

// Close stops accepting events and releases blocked producers. Run returns
// once the queue is drained.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}
