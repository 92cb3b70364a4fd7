package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"storefront/pkg/domain"
	"storefront/pkg/events"
	"storefront/pkg/store"
)

// MaxQuantity is the per-line quantity cap.
const MaxQuantity = 8

const (
	defaultConcurrency = 4
	remoteLoadTimeout  = 30 * time.Second
)

// Catalog looks up live book data for a cart line.
type Catalog interface {
	GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error)
}

// Store is the durable key/value surface holding the cart key.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Bus carries cart and storage notifications.
type Bus interface {
	Publish(topic string, payload any)
	Subscribe(topic string, handler events.Handler) func()
}

// Session reports whether the shopper is signed in.
type Session interface {
	IsLoggedIn() bool
}

// RemovalRequest asks the UI layer to confirm removing a line.
type RemovalRequest struct {
	BookID int
	Title  string
	Prompt string
}

// Confirmer answers removal requests. Returning false leaves the cart unchanged.
type Confirmer interface {
	ConfirmRemoval(ctx context.Context, req RemovalRequest) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, req RemovalRequest) (bool, error)

func (f ConfirmerFunc) ConfirmRemoval(ctx context.Context, req RemovalRequest) (bool, error) {
	return f(ctx, req)
}

// RemovalPrompt is the question put to the shopper before a line is removed.
func RemovalPrompt(title string) string {
	if strings.TrimSpace(title) == "" {
		title = "this item"
	}
	return fmt.Sprintf("Are you sure you want to remove %q from your cart?", title)
}

// Outcome reports what a mutation did.
type Outcome struct {
	Quantity int
	Capped   bool
	Removed  bool
	Declined bool
	Notice   string
}

// Snapshot is the enriched view published with cart events.
type Snapshot struct {
	Lines []domain.EnrichedCartLine `json:"lines"`
	Total float64                   `json:"total"`
}

// Config wires an Engine.
type Config struct {
	Catalog     Catalog
	Store       Store
	Bus         Bus
	Session     Session
	Confirmer   Confirmer
	Concurrency int
	Logger      *slog.Logger
}

// Engine keeps the durable cart and its enriched view in step with the
// catalog and with other contexts sharing the same store.
type Engine struct {
	catalog     Catalog
	store       Store
	bus         Bus
	session     Session
	confirmer   Confirmer
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	gen     uint64
	details map[int]domain.BookDetail
	lines   []domain.EnrichedCartLine
	total   float64
	unsubs  []func()
}

// New constructs an engine. Call Init to subscribe and perform the first load.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("cart: catalog required")
	}
	if cfg.Store == nil {
		return nil, errors.New("cart: store required")
	}
	e := &Engine{
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		bus:         cfg.Bus,
		session:     cfg.Session,
		confirmer:   cfg.Confirmer,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		details:     make(map[int]domain.BookDetail),
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Init subscribes to remote cart writes and session changes, then loads.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.bus != nil && len(e.unsubs) == 0 {
		e.unsubs = append(e.unsubs,
			e.bus.Subscribe(events.TopicStorageChanged, e.onStorageChange),
			e.bus.Subscribe(events.TopicSessionChanged, e.onSessionChange),
		)
	}
	e.mu.Unlock()
	_, err := e.Load(ctx)
	return err
}

// Dispose detaches from the bus.
func (e *Engine) Dispose() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

// Load re-reads the durable cart and enriches every line from the catalog.
// Lines whose lookup fails are left out of the view but stay in the store.
// A load overtaken by a newer load or by Clear leaves the view alone.
func (e *Engine) Load(ctx context.Context) ([]domain.EnrichedCartLine, error) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	cart, repaired := e.durableCartLocked()
	e.mu.Unlock()
	if repaired {
		e.publishChanged()
	}

	found, failed := e.lookup(ctx, cart)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if gen != e.gen {
		view := e.linesLocked()
		e.mu.Unlock()
		e.logger.Debug("discard stale cart load", "generation", gen)
		return view, nil
	}
	for id, detail := range found {
		e.details[id] = detail
	}
	for _, id := range failed {
		delete(e.details, id)
	}
	latest, _ := e.durableCartLocked()
	e.rebuildLocked(latest)
	view := e.linesLocked()
	snapshot := Snapshot{Lines: e.linesLocked(), Total: e.total}
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.TopicCartLoaded, snapshot)
	}
	return view, nil
}

func (e *Engine) lookup(ctx context.Context, cart []domain.CartLine) (map[int]domain.BookDetail, []int) {
	type result struct {
		detail domain.BookDetail
		err    error
	}
	results := make([]result, len(cart))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, line := range cart {
		g.Go(func() error {
			detail, err := e.catalog.GetBookDetail(ctx, line.BookID)
			results[i] = result{detail: detail, err: err}
			return nil
		})
	}
	_ = g.Wait()

	found := make(map[int]domain.BookDetail, len(cart))
	var failed []int
	for i, res := range results {
		bookID := cart[i].BookID
		if res.err != nil {
			e.logger.Warn("catalog lookup failed, dropping line from view", "book_id", bookID, "err", res.err)
			failed = append(failed, bookID)
			continue
		}
		found[bookID] = res.detail
	}
	return found, failed
}

// SetQuantity moves a line's quantity by delta. Results above MaxQuantity are
// clamped; results at or below zero need the shopper's confirmation.
func (e *Engine) SetQuantity(ctx context.Context, bookID, delta int) (Outcome, error) {
	e.mu.Lock()
	cart, _ := e.durableCartLocked()
	idx := indexOf(cart, bookID)
	if idx < 0 {
		e.mu.Unlock()
		return Outcome{}, ErrLineNotFound
	}
	next := addQuantity(cart[idx].Quantity, delta)
	if next <= 0 {
		title := e.titleLocked(bookID)
		e.mu.Unlock()
		return e.confirmAndRemove(ctx, bookID, title)
	}
	out := Outcome{Quantity: next}
	if next > MaxQuantity {
		out = Outcome{Quantity: MaxQuantity, Capped: true, Notice: NoticeLimit}
	}
	cart[idx].Quantity = out.Quantity
	e.commitLocked(cart)
	e.mu.Unlock()
	e.publishChanged()
	return out, nil
}

// AddOrIncrement adds quantity of a book, inserting the line when absent.
func (e *Engine) AddOrIncrement(ctx context.Context, bookID, quantity int) (Outcome, error) {
	if e.session == nil || !e.session.IsLoggedIn() {
		return Outcome{Notice: NoticeSignIn}, ErrSignInRequired
	}
	if bookID <= 0 {
		return Outcome{}, ErrInvalidBookID
	}
	if quantity <= 0 {
		return Outcome{}, ErrInvalidQuantity
	}
	e.ensureDetail(ctx, bookID)

	e.mu.Lock()
	cart, _ := e.durableCartLocked()
	var out Outcome
	if idx := indexOf(cart, bookID); idx >= 0 {
		current := cart[idx].Quantity
		if current >= MaxQuantity {
			e.mu.Unlock()
			return Outcome{Quantity: current, Capped: true, Notice: NoticeAlreadyAtMax}, nil
		}
		out = Outcome{Quantity: addQuantity(current, quantity), Notice: NoticeUpdated}
		if out.Quantity > MaxQuantity {
			out = Outcome{Quantity: MaxQuantity, Capped: true, Notice: fmt.Sprintf(noticeTopUpFormat, MaxQuantity-current)}
		}
		cart[idx].Quantity = out.Quantity
	} else {
		out = Outcome{Quantity: quantity, Notice: NoticeAdded}
		if quantity > MaxQuantity {
			out = Outcome{Quantity: MaxQuantity, Capped: true, Notice: NoticeCappedNew}
		}
		cart = append(cart, domain.CartLine{BookID: bookID, Quantity: out.Quantity})
	}
	e.commitLocked(cart)
	e.mu.Unlock()
	e.publishChanged()
	return out, nil
}

// RemoveLine removes a line after the shopper confirms.
func (e *Engine) RemoveLine(ctx context.Context, bookID int) (Outcome, error) {
	e.mu.Lock()
	cart, _ := e.durableCartLocked()
	if indexOf(cart, bookID) < 0 {
		e.mu.Unlock()
		return Outcome{}, ErrLineNotFound
	}
	title := e.titleLocked(bookID)
	e.mu.Unlock()
	return e.confirmAndRemove(ctx, bookID, title)
}

func (e *Engine) confirmAndRemove(ctx context.Context, bookID int, title string) (Outcome, error) {
	req := RemovalRequest{BookID: bookID, Title: title, Prompt: RemovalPrompt(title)}
	confirmed := false
	if e.confirmer != nil {
		ok, err := e.confirmer.ConfirmRemoval(ctx, req)
		if err != nil {
			return Outcome{}, fmt.Errorf("confirm removal: %w", err)
		}
		confirmed = ok
	}

	e.mu.Lock()
	cart, _ := e.durableCartLocked()
	idx := indexOf(cart, bookID)
	if !confirmed {
		out := Outcome{Declined: true}
		if idx >= 0 {
			out.Quantity = cart[idx].Quantity
		}
		e.mu.Unlock()
		return out, nil
	}
	if idx < 0 {
		e.mu.Unlock()
		return Outcome{Removed: true}, nil
	}
	cart = append(cart[:idx], cart[idx+1:]...)
	e.commitLocked(cart)
	e.mu.Unlock()
	e.publishChanged()
	return Outcome{Removed: true}, nil
}

// RemoveLines drops the given books without asking. Checkout uses it for
// lines that can no longer be bought.
func (e *Engine) RemoveLines(bookIDs ...int) {
	drop := make(map[int]struct{}, len(bookIDs))
	for _, id := range bookIDs {
		drop[id] = struct{}{}
	}
	e.mu.Lock()
	cart, _ := e.durableCartLocked()
	kept := cart[:0]
	for _, line := range cart {
		if _, ok := drop[line.BookID]; !ok {
			kept = append(kept, line)
		}
	}
	e.commitLocked(kept)
	e.mu.Unlock()
	e.publishChanged()
}

// Clear empties the durable cart and the view.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.gen++
	e.store.Set(store.KeyCart, "[]")
	e.lines = nil
	e.total = 0
	e.mu.Unlock()
	e.publishChanged()
}

// CompleteCheckout resets the cart once an order has been accepted.
func (e *Engine) CompleteCheckout() {
	e.logger.Info("order accepted, clearing cart")
	e.Clear()
}

// Lines returns a copy of the enriched view.
func (e *Engine) Lines() []domain.EnrichedCartLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linesLocked()
}

// Total returns the cart-wide total of the enriched view.
func (e *Engine) Total() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Snapshot returns the enriched view and its total together.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Lines: e.linesLocked(), Total: e.total}
}

// ItemCount sums the quantities of the durable cart, including lines the
// catalog could not enrich.
func (e *Engine) ItemCount() int {
	count := 0
	for _, line := range e.DurableLines() {
		count += line.Quantity
	}
	return count
}

// DurableLines returns the normalized durable cart without enrichment. A
// malformed cart reads as empty.
func (e *Engine) DurableLines() []domain.CartLine {
	raw, ok := e.store.Get(store.KeyCart)
	if !ok {
		return nil
	}
	cart, err := decodeCart(raw)
	if err != nil {
		return nil
	}
	cart, _ = normalize(cart)
	return cart
}

func (e *Engine) onStorageChange(ev events.Event) {
	change, ok := ev.Payload.(events.StorageChange)
	if !ok || !ev.Remote || change.Key != store.KeyCart {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteLoadTimeout)
	defer cancel()
	if _, err := e.Load(ctx); err != nil {
		e.logger.Warn("reload after remote cart change failed", "err", err)
	}
}

func (e *Engine) onSessionChange(ev events.Event) {
	change, ok := ev.Payload.(events.SessionChange)
	if !ok || change.LoggedIn || change.Remote {
		return
	}
	// The session manager already removed the durable cart.
	e.mu.Lock()
	e.gen++
	e.lines = nil
	e.total = 0
	e.mu.Unlock()
	e.publishChanged()
}

func (e *Engine) ensureDetail(ctx context.Context, bookID int) {
	e.mu.Lock()
	_, ok := e.details[bookID]
	e.mu.Unlock()
	if ok {
		return
	}
	detail, err := e.catalog.GetBookDetail(ctx, bookID)
	if err != nil {
		e.logger.Warn("catalog lookup failed", "book_id", bookID, "err", err)
		return
	}
	e.mu.Lock()
	e.details[bookID] = detail
	e.mu.Unlock()
}

// durableCartLocked reads and normalizes the durable cart, writing it back
// when it had to be repaired.
func (e *Engine) durableCartLocked() ([]domain.CartLine, bool) {
	raw, ok := e.store.Get(store.KeyCart)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false
	}
	cart, err := decodeCart(raw)
	if err != nil {
		e.logger.Warn("malformed cart reset", "key", store.KeyCart, "err", err)
		e.store.Set(store.KeyCart, "[]")
		return nil, true
	}
	normalized, changed := normalize(cart)
	if changed {
		e.logger.Warn("cart entries normalized", "key", store.KeyCart, "before", len(cart), "after", len(normalized))
		e.writeCartLocked(normalized)
	}
	return normalized, changed
}

func (e *Engine) commitLocked(cart []domain.CartLine) {
	e.writeCartLocked(cart)
	e.rebuildLocked(cart)
}

func (e *Engine) writeCartLocked(cart []domain.CartLine) {
	if cart == nil {
		cart = []domain.CartLine{}
	}
	data, err := json.Marshal(cart)
	if err != nil {
		e.logger.Error("encode cart", "err", err)
		return
	}
	e.store.Set(store.KeyCart, string(data))
}

func (e *Engine) rebuildLocked(cart []domain.CartLine) {
	lines := make([]domain.EnrichedCartLine, 0, len(cart))
	total := 0.0
	for _, line := range cart {
		detail, ok := e.details[line.BookID]
		if !ok {
			continue
		}
		enriched := domain.EnrichedCartLine{
			BookID:        line.BookID,
			Quantity:      line.Quantity,
			Title:         detail.Title,
			Author:        detail.Author,
			UnitPrice:     detail.Price,
			DiscountPrice: detail.DiscountPrice,
			CoverURL:      detail.CoverURL,
		}
		enriched.LineTotal = roundCents(enriched.EffectivePrice() * float64(line.Quantity))
		total += enriched.LineTotal
		lines = append(lines, enriched)
	}
	e.lines = lines
	e.total = roundCents(total)
}

func (e *Engine) linesLocked() []domain.EnrichedCartLine {
	return append([]domain.EnrichedCartLine(nil), e.lines...)
}

func (e *Engine) titleLocked(bookID int) string {
	if detail, ok := e.details[bookID]; ok {
		return detail.Title
	}
	return ""
}

func (e *Engine) publishChanged() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicCartChanged, e.Snapshot())
}

func decodeCart(raw string) ([]domain.CartLine, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") {
		return nil, errors.New("cart is not a list")
	}
	var cart []domain.CartLine
	if err := json.Unmarshal([]byte(raw), &cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// normalize drops unusable entries, clamps quantities and keeps the first of
// any duplicate ids.
func normalize(cart []domain.CartLine) ([]domain.CartLine, bool) {
	out := make([]domain.CartLine, 0, len(cart))
	seen := make(map[int]struct{}, len(cart))
	changed := false
	for _, line := range cart {
		if line.BookID <= 0 || line.Quantity <= 0 {
			changed = true
			continue
		}
		if _, dup := seen[line.BookID]; dup {
			changed = true
			continue
		}
		seen[line.BookID] = struct{}{}
		if line.Quantity > MaxQuantity {
			line.Quantity = MaxQuantity
			changed = true
		}
		out = append(out, line)
	}
	return out, changed
}

// addQuantity adds delta to a stored quantity, saturating above MaxQuantity
// and at or below zero so extreme deltas cannot wrap around.
func addQuantity(current, delta int) int {
	switch {
	case delta > MaxQuantity-current:
		return MaxQuantity + 1
	case delta < -current:
		return 0
	default:
		return current + delta
	}
}

func indexOf(cart []domain.CartLine, bookID int) int {
	for i, line := range cart {
		if line.BookID == bookID {
			return i
		}
	}
	return -1
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
