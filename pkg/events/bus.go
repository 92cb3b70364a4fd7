package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TopicCartChanged fires after any local cart mutation.
	TopicCartChanged = "cart-changed"
	// TopicStorageChanged fires when another context changed a watched durable key.
	TopicStorageChanged = "storage-changed"
	// TopicSessionChanged fires when the logged-in state flips.
	TopicSessionChanged = "session-changed"
	// TopicCartLoaded fires when a freshly enriched cart view is available.
	TopicCartLoaded = "cart-loaded"
)

const broadcastTimeout = 3 * time.Second

// Event is what subscribers receive.
type Event struct {
	Topic   string
	Payload any
	// Remote is true when the event originated in another context.
	Remote bool
}

// Handler consumes an event. Handlers run synchronously on the publisher's goroutine.
type Handler func(Event)

// StorageChange describes a write to a durable key by some context.
type StorageChange struct {
	Key    string    `json:"key"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// SessionChange is the TopicSessionChanged payload.
type SessionChange struct {
	LoggedIn bool
	// Remote is true when the change was adopted from another context.
	Remote bool
}

// Relay carries storage change notifications between contexts sharing a durable store.
type Relay interface {
	Broadcast(ctx context.Context, change StorageChange) error
	// Listen starts delivering changes from every context, including this one.
	// The subscription is active when Listen returns.
	Listen(ctx context.Context, deliver func(StorageChange)) (stop func() error, err error)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-process publish/subscribe hub for one context, optionally bridged
// to other contexts through a Relay.
type Bus struct {
	origin string
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription

	relayMu   sync.Mutex
	relay     Relay
	stopRelay func() error
}

// Option customises a Bus.
type Option func(*Bus)

// WithOrigin fixes the context identifier instead of generating one.
func WithOrigin(origin string) Option {
	return func(b *Bus) {
		if origin != "" {
			b.origin = origin
		}
	}
}

// WithLogger sets the logger used for relay failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a bus with a fresh context origin.
func New(opts ...Option) *Bus {
	b := &Bus{
		origin: uuid.NewString(),
		logger: slog.Default(),
		subs:   make(map[string][]subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Origin identifies this context on the relay.
func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers handler for topic. The returned function removes it and
// may be called more than once.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers a local event to every subscriber of topic in subscription order.
func (b *Bus) Publish(topic string, payload any) {
	b.dispatch(Event{Topic: topic, Payload: payload})
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Topic]))
	copy(subs, b.subs[ev.Topic])
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(ev)
	}
}

// Attach bridges the bus to relay. Changes from other origins are republished
// as TopicStorageChanged events with Remote set.
func (b *Bus) Attach(ctx context.Context, relay Relay) error {
	if relay == nil {
		return errors.New("relay required")
	}
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	if b.relay != nil {
		return errors.New("relay already attached")
	}
	stop, err := relay.Listen(ctx, b.receive)
	if err != nil {
		return err
	}
	b.relay = relay
	b.stopRelay = stop
	return nil
}

func (b *Bus) receive(change StorageChange) {
	if change.Origin == b.origin {
		return
	}
	b.dispatch(Event{Topic: TopicStorageChanged, Payload: change, Remote: true})
}

// NotifyStorageChange tells other contexts that key was written by this one.
func (b *Bus) NotifyStorageChange(key string) {
	b.relayMu.Lock()
	relay := b.relay
	b.relayMu.Unlock()
	if relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	change := StorageChange{Key: key, Origin: b.origin, At: time.Now().UTC()}
	if err := relay.Broadcast(ctx, change); err != nil {
		b.logger.Warn("storage change broadcast failed", "key", key, "err", err)
	}
}

// Close detaches the relay. Local subscriptions keep working.
func (b *Bus) Close() error {
	b.relayMu.Lock()
	stop := b.stopRelay
	b.relay = nil
	b.stopRelay = nil
	b.relayMu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}
