package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Durable keys shared by every context of the same profile.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyFirstName    = "firstName"
	KeyLastName     = "lastName"
	KeyCart         = "cart"
)

const defaultOpTimeout = 3 * time.Second

// ErrUnavailable is returned by backends that cannot currently be reached.
var ErrUnavailable = errors.New("storage unavailable")

// SessionKeys lists the keys owned by the session manager.
func SessionKeys() []string {
	return []string{KeyAccessToken, KeyRefreshToken, KeyFirstName, KeyLastName}
}

// Backend is a durable key/value surface scoped to one profile.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Notifier is told about writes so other contexts can react to them.
type Notifier interface {
	NotifyStorageChange(key string)
}

// Adapter is the synchronous view of a Backend used by the session manager and
// the cart engine. Backend failures are logged and read as absent; writes
// against an unavailable backend become no-ops.
type Adapter struct {
	backend  Backend
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	watched  map[string]struct{}
}

// AdapterOption customises an Adapter.
type AdapterOption func(*Adapter)

// WithNotifier sets where change notifications for watched keys go.
func WithNotifier(n Notifier) AdapterOption {
	return func(a *Adapter) {
		a.notifier = n
	}
}

// WithLogger sets the logger used for absorbed backend failures.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdapter wraps backend. A nil backend behaves as permanently unavailable.
func NewAdapter(backend Backend, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: backend,
		logger:  slog.Default(),
		timeout: defaultOpTimeout,
		watched: make(map[string]struct{}),
	}
	for _, key := range append(SessionKeys(), KeyCart) {
		a.watched[key] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Get returns the value for key, or false when absent or unreadable.
func (a *Adapter) Get(key string) (string, bool) {
	if a == nil || a.backend == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	value, ok, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.Warn("storage get failed", "key", key, "err", err)
		return "", false
	}
	return value, ok
}

// Set writes key and notifies other contexts when key is watched.
func (a *Adapter) Set(key, value string) {
	if a == nil || a.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.backend.Set(ctx, key, value); err != nil {
		a.logger.Warn("storage set failed", "key", key, "err", err)
		return
	}
	a.notify(key)
}

// Remove deletes key and notifies other contexts when key is watched.
func (a *Adapter) Remove(key string) {
	if a == nil || a.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.backend.Delete(ctx, key); err != nil {
		a.logger.Warn("storage remove failed", "key", key, "err", err)
		return
	}
	a.notify(key)
}

// Close releases the backend.
func (a *Adapter) Close() error {
	if a == nil || a.backend == nil {
		return nil
	}
	return a.backend.Close()
}

func (a *Adapter) notify(key string) {
	if a.notifier == nil {
		return
	}
	if _, ok := a.watched[key]; !ok {
		return
	}
	a.notifier.NotifyStorageChange(key)
}
