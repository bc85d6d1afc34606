package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// Sink persists accepted events. The store assigns Event.ID on save.
type Sink interface {
	Save(ev *Event) error
}

// Subscriber receives accepted events and warnings. Delivery is
// synchronous in publication order for a single publisher; subscribers
// must not block.
type Subscriber interface {
	OnEvent(ev Event)
	OnWarning(w Warning)
}

// Bus is the in-process publish/subscribe hub: detectors publish, the bus
// applies suppression, persists accepted events, and fans out to
// subscribers.
type Bus struct {
	mu          sync.Mutex
	sink        Sink
	suppressor  *suppressor
	subscribers []Subscriber
	metrics     *observability.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// NewBus creates a bus persisting into sink and counting into metrics.
func NewBus(sink Sink, rules []conf.SuppressionRule, metrics *observability.Registry) *Bus {
	return &Bus{
		sink:       sink,
		suppressor: newSuppressor(rules),
		metrics:    metrics,
		logger:     logging.ForService("events"),
		now:        time.Now,
	}
}

// SetClock overrides the bus clock; test helper.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe registers a subscriber for live events and warnings.
func (b *Bus) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// ConfigureSuppression atomically replaces the rule set and discards all
// existing timelines.
func (b *Bus) ConfigureSuppression(rules []conf.SuppressionRule) {
	b.mu.Lock()
	b.suppressor.configure(rules)
	b.mu.Unlock()
	b.logger.Info("suppression rules configured", "count", len(rules))
}

// Publish runs suppression, persists, and fans out one event. Returns true
// when the event was accepted, false when suppressed. The publisher only
// returns after store persistence has been acknowledged.
//
// A zero Ts means "unset" and is stamped with the bus clock; backdated
// events must carry an explicit nonzero Ts. The epoch instant itself
// cannot be represented.
func (b *Bus) Publish(ev Event) bool {
	if ev.Ts == 0 {
		ev.Ts = b.now().UnixMilli()
	}
	ev.NormalizeMeta()

	b.mu.Lock()
	decision := b.suppressor.evaluate(&ev, b.now().UnixMilli())

	if !decision.accepted {
		subscribers := b.subscriberSnapshot()
		b.mu.Unlock()

		if b.metrics != nil {
			b.metrics.IncrementDetectorCounter(ev.Detector, "suppressed:"+decision.rule.ID, 1)
		}
		b.logger.Debug("event suppressed",
			"rule", decision.rule.ID,
			"detector", ev.Detector,
			"source", ev.Source,
			"reason", decision.rule.Reason)
		if decision.warning != nil {
			fanOutWarning(subscribers, *decision.warning)
		}
		return false
	}

	if err := b.sink.Save(&ev); err != nil {
		b.mu.Unlock()
		enriched := errors.New(err).
			Component("events").
			Category(errors.CategoryDatabase).
			Context("detector", ev.Detector).
			Context("source", ev.Source).
			Build()
		b.logger.Error("failed to persist event", "error", enriched)
		return false
	}

	subscribers := b.subscriberSnapshot()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.IncrementDetectorCounter(ev.Detector, "published", 1)
	}

	if decision.warning != nil {
		fanOutWarning(subscribers, *decision.warning)
	}
	for _, sub := range subscribers {
		sub.OnEvent(ev)
	}
	return true
}

// PublishWarning fans a warning out to all subscribers without persisting.
func (b *Bus) PublishWarning(w Warning) {
	if w.At == 0 {
		w.At = b.now().UnixMilli()
	}
	b.mu.Lock()
	subscribers := b.subscriberSnapshot()
	b.mu.Unlock()
	fanOutWarning(subscribers, w)
}

func (b *Bus) subscriberSnapshot() []Subscriber {
	out := make([]Subscriber, len(b.subscribers))
	copy(out, b.subscribers)
	return out
}

func fanOutWarning(subscribers []Subscriber, w Warning) {
	for _, sub := range subscribers {
		sub.OnWarning(w)
	}
}
