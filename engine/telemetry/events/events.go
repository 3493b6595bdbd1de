// Package events carries the control center's progress event surface: a
// bounded fan-out bus plus the event vocabulary consumed by UI subscribers
// and the downstream phase trigger.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"magpie/engine/internal/tracing"
	"magpie/engine/telemetry/metrics"
)

// Category enumerations.
const (
	CategoryBatch    = "batch"
	CategoryScraping = "scraping"
	CategoryWorker   = "worker"
)

// Event type tags. Subscribers dispatch on these.
const (
	TypeBatchInitialized   = "batch:initialized"
	TypeScrapingStatus     = "scraping:status"
	TypeStartLink          = "scraping:start_link"
	TypeProgress           = "scraping:progress"
	TypeCompleteLink       = "scraping:complete_link"
	TypeHundredPercent     = "scraping:100_percent_complete"
	TypeScrapingCancelled  = "scraping:cancelled"
)

// Event is the structured envelope published on the bus. Fields carries the
// per-type payload (batch_id, link_id, progress, ...).
type Event struct {
	Time     time.Time      `json:"time"`
	Category string         `json:"category"`
	Type     string         `json:"type"`
	Severity string         `json:"severity,omitempty"` // info|warn|error
	TraceID  string         `json:"trace_id,omitempty"`
	SpanID   string         `json:"span_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Subscription is a handle representing one consumer of events.
type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

// BusStats returns runtime counters for observability.
type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the fan-out interface. Publish never blocks: a subscriber whose
// buffer is full loses that event and its drop counter is incremented.
type Bus interface {
	Publish(ev Event) error
	// PublishCtx enriches the event with trace/span ids from context.
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

// NewBus creates a bounded event bus instrumented through the provider.
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber)}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "magpie", Subsystem: "events", Name: "published_total", Help: "Total events published"}})
	b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "magpie", Subsystem: "events", Name: "dropped_total", Help: "Total events dropped due to backpressure"}})
	return b
}

type eventBus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

func (b *eventBus) Publish(ev Event) error {
	if ev.Type == "" {
		return errors.New("event missing type")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	b.mPublished.Inc(1)

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			b.mDropped.Inc(1)
		}
	}
	return nil
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		if traceID, spanID := tracing.ExtractIDs(ctx); traceID != "" || spanID != "" {
			ev.TraceID = traceID
			ev.SpanID = spanID
		}
	}
	return b.Publish(ev)
}

func (b *eventBus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &subscriber{id: id, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	id := sub.ID()
	b.mu.Lock()
	s := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
	return nil
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64),
	}
	for id, s := range b.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

type subscriber struct {
	id      int64
	ch      chan Event
	bus     *eventBus
	dropped atomic.Uint64
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }
