package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"storefront/internal/cart"
	"storefront/pkg/domain"
)

// Reasons attached to lines that fail validation.
const (
	ReasonUnavailable     = "Book is no longer available"
	ReasonDiscountChanged = "Discount price has changed"
)

const defaultConcurrency = 4

var (
	ErrSignInRequired     = errors.New("sign in required")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrIdentityUnresolved = errors.New("user identity could not be resolved")
	ErrOrderRejected      = errors.New("order rejected")
)

// ValidationError lists the lines that stop an order from being placed.
type ValidationError struct {
	Lines []domain.InvalidLine
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d cart line(s) failed validation", len(e.Lines))
}

// Cart is the slice of the cart engine checkout drives.
type Cart interface {
	Snapshot() cart.Snapshot
	DurableLines() []domain.CartLine
	Load(ctx context.Context) ([]domain.EnrichedCartLine, error)
	RemoveLines(bookIDs ...int)
	CompleteCheckout()
}

type Catalog interface {
	GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error)
}

type Session interface {
	IsLoggedIn() bool
	AccessToken() string
}

// Identity resolves the signed-in user's account id.
type Identity interface {
	Profile(ctx context.Context, token string) (domain.Profile, error)
}

type Orders interface {
	Submit(ctx context.Context, token string, order domain.Order) (domain.OrderReceipt, error)
}

type Config struct {
	Cart        Cart
	Catalog     Catalog
	Session     Session
	Identity    Identity
	Orders      Orders
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Service re-validates the cart against the live catalog and hands it to the
// order service.
type Service struct {
	cart        Cart
	catalog     Catalog
	session     Session
	identity    Identity
	orders      Orders
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Cart == nil:
		return nil, errors.New("checkout: cart required")
	case cfg.Catalog == nil:
		return nil, errors.New("checkout: catalog required")
	case cfg.Session == nil:
		return nil, errors.New("checkout: session required")
	case cfg.Identity == nil:
		return nil, errors.New("checkout: identity required")
	case cfg.Orders == nil:
		return nil, errors.New("checkout: orders required")
	}
	s := &Service{
		cart:        cfg.Cart,
		catalog:     cfg.Catalog,
		session:     cfg.Session,
		identity:    cfg.Identity,
		orders:      cfg.Orders,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

type pricedLine struct {
	line  domain.CartLine
	title string
	price float64
}

// Validate re-fetches every durable line and reports the ones that can no
// longer be bought as shown.
func (s *Service) Validate(ctx context.Context) ([]domain.InvalidLine, error) {
	invalid, _, err := s.validate(ctx)
	return invalid, err
}

func (s *Service) validate(ctx context.Context) ([]domain.InvalidLine, []pricedLine, error) {
	durable := s.cart.DurableLines()
	if len(durable) == 0 {
		return nil, nil, ErrEmptyCart
	}
	held := make(map[int]domain.EnrichedCartLine)
	for _, line := range s.cart.Snapshot().Lines {
		held[line.BookID] = line
	}

	type result struct {
		detail domain.BookDetail
		err    error
	}
	results := make([]result, len(durable))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, line := range durable {
		g.Go(func() error {
			detail, err := s.catalog.GetBookDetail(ctx, line.BookID)
			results[i] = result{detail: detail, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var invalid []domain.InvalidLine
	priced := make([]pricedLine, 0, len(durable))
	for i, line := range durable {
		res := results[i]
		prev, seen := held[line.BookID]
		if res.err != nil {
			s.logger.Warn("checkout lookup failed", "book_id", line.BookID, "err", res.err)
			invalid = append(invalid, domain.InvalidLine{BookID: line.BookID, Title: prev.Title, Reason: ReasonUnavailable})
			continue
		}
		if seen && prev.DiscountPrice != nil && !sameDiscount(prev.DiscountPrice, res.detail.DiscountPrice) {
			invalid = append(invalid, domain.InvalidLine{BookID: line.BookID, Title: res.detail.Title, Reason: ReasonDiscountChanged})
			continue
		}
		p := pricedLine{line: line, title: res.detail.Title, price: res.detail.EffectivePrice()}
		if seen {
			p.price = prev.EffectivePrice()
		}
		priced = append(priced, p)
	}
	return invalid, priced, nil
}

// PlaceOrder validates the cart, resolves the user and submits the order. The
// cart is cleared only after the order service accepts it.
func (s *Service) PlaceOrder(ctx context.Context) (domain.OrderReceipt, error) {
	if !s.session.IsLoggedIn() {
		return domain.OrderReceipt{}, ErrSignInRequired
	}
	token := s.session.AccessToken()

	invalid, priced, err := s.validate(ctx)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	if len(invalid) > 0 {
		return domain.OrderReceipt{}, &ValidationError{Lines: invalid}
	}

	profile, err := s.identity.Profile(ctx, token)
	if err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("%w: %v", ErrIdentityUnresolved, err)
	}
	if profile.ID <= 0 {
		return domain.OrderReceipt{}, fmt.Errorf("%w: profile has no id", ErrIdentityUnresolved)
	}

	order := domain.Order{
		UserID:    profile.ID,
		OrderDate: s.now().UTC(),
		Items:     make([]domain.OrderItem, 0, len(priced)),
	}
	total := 0.0
	for _, p := range priced {
		order.Items = append(order.Items, domain.OrderItem{BookID: p.line.BookID, Quantity: p.line.Quantity, Price: p.price})
		total += p.price * float64(p.line.Quantity)
	}
	order.OrderTotal = math.Round(total*100) / 100

	receipt, err := s.orders.Submit(ctx, token, order)
	if err != nil {
		if errors.Is(err, domain.ErrRejected) {
			return domain.OrderReceipt{}, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return domain.OrderReceipt{}, fmt.Errorf("submit order: %w", err)
	}
	s.logger.Info("order placed", "order_id", receipt.OrderID, "user_id", profile.ID, "items", len(order.Items), "total", order.OrderTotal)
	s.cart.CompleteCheckout()
	return receipt, nil
}

// RemoveInvalid drops the given lines from the cart without asking and
// reloads the view.
func (s *Service) RemoveInvalid(ctx context.Context, lines []domain.InvalidLine) error {
	if len(lines) == 0 {
		return nil
	}
	ids := make([]int, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.BookID)
	}
	s.cart.RemoveLines(ids...)
	_, err := s.cart.Load(ctx)
	return err
}

func sameDiscount(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
