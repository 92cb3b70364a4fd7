package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"storefront/internal/authclient"
	"storefront/internal/bookclient"
	"storefront/internal/cart"
	"storefront/internal/checkout"
	"storefront/internal/covers"
	"storefront/internal/orderclient"
	"storefront/internal/ratelimit"
	"storefront/internal/session"
	"storefront/pkg/events"
	"storefront/pkg/store"
)

// Config holds runtime configuration for one storefront context.
type Config struct {
	Profile           string
	AuthServiceURL    string
	CatalogServiceURL string
	OrderServiceURL   string
	RequestTimeout    time.Duration

	StoreDriver   string
	StorePath     string
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
	EncryptionKey string

	RelayDriver  string
	RelayChannel string
	AMQPURL      string

	RefreshSafetyMargin     time.Duration
	CatalogConcurrency      int
	LoginRateLimitPerMinute int

	Covers         covers.MinioConfig
	CoverURLExpiry time.Duration

	Confirmer cart.Confirmer
	Logger    *slog.Logger

	// Pre-built collaborators take precedence over the settings above.
	Backend  store.Backend
	Relay    events.Relay
	Auth     session.AuthService
	Identity checkout.Identity
	Catalog  covers.Catalog
	Orders   checkout.Orders
	Clock    session.Clock
}

// App wires the session manager, cart engine and checkout for one context
// and owns their lifecycle.
type App struct {
	bus      *events.Bus
	store    *store.Adapter
	relay    events.Relay
	sessions *session.Manager
	cart     *cart.Engine
	checkout *checkout.Service
	logger   *slog.Logger
	closers  []func() error
}

// New constructs the application. Nothing talks to other contexts until Init.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeOwned()
		}
	}()

	backend := cfg.Backend
	if backend == nil {
		opened, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		backend = opened
		a.closers = append(a.closers, opened.Close)
	}
	if cfg.EncryptionKey != "" {
		sealed, err := store.NewSealedBackend(backend, cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init sealed store: %w", err)
		}
		backend = sealed
	}

	a.bus = events.New(events.WithLogger(logger))
	a.store = store.NewAdapter(backend, store.WithNotifier(a.bus), store.WithLogger(logger))

	a.relay = cfg.Relay
	if a.relay == nil {
		relay, closeRelay, err := openRelay(cfg)
		if err != nil {
			return nil, err
		}
		a.relay = relay
		if closeRelay != nil {
			a.closers = append(a.closers, closeRelay)
		}
	}

	authClient := authclient.NewClient(cfg.AuthServiceURL, cfg.RequestTimeout)
	var auth session.AuthService = authClient
	if cfg.Auth != nil {
		auth = cfg.Auth
	}
	var identity checkout.Identity = authClient
	if cfg.Identity != nil {
		identity = cfg.Identity
	}
	var books covers.Catalog = bookclient.NewClient(cfg.CatalogServiceURL, cfg.RequestTimeout)
	if cfg.Catalog != nil {
		books = cfg.Catalog
	}
	var orders checkout.Orders = orderclient.NewClient(cfg.OrderServiceURL, cfg.RequestTimeout)
	if cfg.Orders != nil {
		orders = cfg.Orders
	}

	var signer covers.Signer
	if cfg.Covers.Endpoint != "" {
		minioSigner, err := covers.NewMinioSigner(cfg.Covers)
		if err != nil {
			return nil, fmt.Errorf("init cover signer: %w", err)
		}
		signer = minioSigner
	}
	catalog := covers.NewResolvingCatalog(books, signer, cfg.CoverURLExpiry, logger)

	var limiter session.Limiter
	if cfg.LoginRateLimitPerMinute > 0 {
		fw, err := openLimiter(cfg)
		if err != nil {
			return nil, err
		}
		limiter = fw
		a.closers = append(a.closers, fw.Close)
	}

	sessions, err := session.New(session.Config{
		Auth:         auth,
		Store:        a.store,
		Bus:          a.bus,
		Clock:        cfg.Clock,
		Limiter:      limiter,
		SafetyMargin: cfg.RefreshSafetyMargin,
		Logger:       logger.With("component", "session"),
	})
	if err != nil {
		return nil, err
	}
	a.sessions = sessions

	engine, err := cart.New(cart.Config{
		Catalog:     catalog,
		Store:       a.store,
		Bus:         a.bus,
		Session:     sessions,
		Confirmer:   cfg.Confirmer,
		Concurrency: cfg.CatalogConcurrency,
		Logger:      logger.With("component", "cart"),
	})
	if err != nil {
		return nil, err
	}
	a.cart = engine

	svc, err := checkout.New(checkout.Config{
		Cart:        engine,
		Catalog:     catalog,
		Session:     sessions,
		Identity:    identity,
		Orders:      orders,
		Concurrency: cfg.CatalogConcurrency,
		Logger:      logger.With("component", "checkout"),
	})
	if err != nil {
		return nil, err
	}
	a.checkout = svc

	ok = true
	return a, nil
}

func openBackend(cfg Config) (store.Backend, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return store.NewMemoryBackend(), nil
	case "file":
		backend, err := store.NewFileBackend(cfg.StorePath, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("init file store: %w", err)
		}
		return backend, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.StorePath, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		backend, err := store.NewSQLiteBackend(filepath.Join(cfg.StorePath, "storefront.db"), cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return backend, nil
	case "redis":
		backend, err := store.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return backend, nil
	case "postgres":
		backend, err := store.NewGormBackend(cfg.DatabaseURL, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openRelay(cfg Config) (events.Relay, func() error, error) {
	switch cfg.RelayDriver {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return events.NewMemoryRelay(), nil, nil
	case "redis":
		relay, err := events.NewRedisRelay(cfg.RedisAddr, cfg.RedisPassword, cfg.RelayChannel)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis relay: %w", err)
		}
		return relay, relay.Close, nil
	case "amqp":
		relay, err := events.NewAMQPRelay(cfg.AMQPURL, cfg.RelayChannel)
		if err != nil {
			return nil, nil, fmt.Errorf("init amqp relay: %w", err)
		}
		return relay, relay.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay driver %q", cfg.RelayDriver)
	}
}

// openLimiter shares the login quota through Redis when one is configured.
func openLimiter(cfg Config) (*ratelimit.FixedWindowLimiter, error) {
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "storefront:login", cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
		return limiter, nil
	}
	return ratelimit.NewMemoryFixedWindowLimiter(cfg.LoginRateLimitPerMinute, time.Minute)
}

// Init attaches the relay, restores the session and loads the cart.
func (a *App) Init(ctx context.Context) error {
	if a.relay != nil {
		if err := a.bus.Attach(ctx, a.relay); err != nil {
			return fmt.Errorf("attach relay: %w", err)
		}
	}
	a.sessions.Init(ctx)
	if err := a.cart.Init(ctx); err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	return nil
}

// Dispose stops timers, detaches from other contexts and releases whatever
// New opened. The persisted session and cart are left in place.
func (a *App) Dispose() error {
	a.cart.Dispose()
	a.sessions.Dispose()
	err := a.bus.Close()
	return errors.Join(err, a.closeOwned())
}

func (a *App) closeOwned() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Bus() *events.Bus { return a.bus }
func (a *App) Session() *session.Manager { return a.sessions }
func (a *App) Cart() *cart.Engine { return a.cart }
func (a *App) Checkout() *checkout.Service { return a.checkout }
