package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storeflow/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context describes where a domain event came from. StoreID scopes every
// automation lookup triggered by the event.
type Context struct {
	StoreID    uint      `json:"store_id"`
	Source     string    `json:"source"`
	UserID     *uint     `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"event_id"`
}

// Event is an ephemeral domain event. Payload is topic specific and opaque to
// the bus.
type Event struct {
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
	Context Context                `json:"context"`
	// ResumeFrom is the action offset a resumed run continues from; zero for
	// freshly emitted events.
	ResumeFrom int `json:"resume_from,omitempty"`
}

// Listener handles one event. A returned error is logged by the bus and never
// reaches the emitter.
type Listener func(ctx context.Context, evt Event) error

// EmitOutcome summarizes one Emit call.
type EmitOutcome struct {
	Topic     string `json:"topic"`
	EventID   string `json:"event_id"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

type subscription struct {
	name     string
	listener Listener
}

// Bus is an in-process, synchronous publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]subscription
	logger    *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		listeners: make(map[string][]subscription),
		logger:    logger,
	}
}

// Subscribe registers a listener for an exact topic. Listeners run in
// registration order.
func (b *Bus) Subscribe(topic string, l Listener) {
	b.SubscribeNamed(topic, "", l)
}

// SubscribeNamed is Subscribe with a name used in logs.
func (b *Bus) SubscribeNamed(topic, name string, l Listener) {
	if topic == "" || l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("%s#%d", topic, len(b.listeners[topic]))
	}
	b.listeners[topic] = append(b.listeners[topic], subscription{name: name, listener: l})
}

// ListenerCount returns the number of listeners registered for topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

// Emit delivers the event to every listener of topic before returning. It
// never fails: listener errors and panics are logged and counted.
func (b *Bus) Emit(ctx context.Context, topic string, payload map[string]interface{}, ec Context) EmitOutcome {
	if ec.EventID == "" {
		ec.EventID = uuid.NewString()
	}
	if ec.OccurredAt.IsZero() {
		ec.OccurredAt = time.Now().UTC()
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	evt := Event{Topic: topic, Payload: payload, Context: ec}
	out := EmitOutcome{Topic: topic, EventID: ec.EventID}

	b.mu.RLock()
	subs := append([]subscription(nil), b.listeners[topic]...)
	b.mu.RUnlock()

	metrics.EventsEmitted.WithLabelValues(topic).Inc()
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, evt); err != nil {
			out.Failed++
			metrics.ListenerFailures.WithLabelValues(topic).Inc()
			b.logger.WithFields(logrus.Fields{
				"topic":    topic,
				"listener": sub.name,
				"store_id": ec.StoreID,
				"event_id": ec.EventID,
			}).Warnf("eventbus: listener failed: %v", err)
			continue
		}
		out.Delivered++
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, sub subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return sub.listener(ctx, evt)
}
