package cart

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"storefront/pkg/domain"
	"storefront/pkg/events"
	"storefront/pkg/store"
)

func price(v float64) *float64 { return &v }

type fakeCatalog struct {
	mu      sync.Mutex
	books   map[int]domain.BookDetail
	calls   int
	release chan struct{}
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{books: map[int]domain.BookDetail{
		7:  {ID: 7, Title: "Dune", Author: "Frank Herbert", Price: 20, DiscountPrice: price(15), CoverURL: "/covers/7.png"},
		11: {ID: 11, Title: "Emma", Author: "Jane Austen", Price: 12.5},
		12: {ID: 12, Title: "Ulysses", Author: "James Joyce", Price: 9.99},
	}}
}

func (c *fakeCatalog) GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error) {
	c.mu.Lock()
	c.calls++
	release := c.release
	c.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.BookDetail{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.books[bookID]
	if !ok {
		return domain.BookDetail{}, domain.ErrNotFound
	}
	return book, nil
}

type fakeSession struct{ loggedIn bool }

func (s fakeSession) IsLoggedIn() bool { return s.loggedIn }

type recordingConfirmer struct {
	answer   bool
	requests []RemovalRequest
}

func (r *recordingConfirmer) ConfirmRemoval(_ context.Context, req RemovalRequest) (bool, error) {
	r.requests = append(r.requests, req)
	return r.answer, nil
}

type fixture struct {
	backend   *store.MemoryBackend
	store     *store.Adapter
	bus       *events.Bus
	catalog   *fakeCatalog
	confirmer *recordingConfirmer
	engine    *Engine

	mu      sync.Mutex
	changed int
}

func newFixture(t *testing.T, backend *store.MemoryBackend, catalog *fakeCatalog) *fixture {
	t.Helper()
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	if catalog == nil {
		catalog = newFakeCatalog()
	}
	f := &fixture{
		backend:   backend,
		bus:       events.New(),
		catalog:   catalog,
		confirmer: &recordingConfirmer{},
	}
	f.store = store.NewAdapter(backend, store.WithNotifier(f.bus))
	f.bus.Subscribe(events.TopicCartChanged, func(events.Event) {
		f.mu.Lock()
		f.changed++
		f.mu.Unlock()
	})
	engine, err := New(Config{
		Catalog:   catalog,
		Store:     f.store,
		Bus:       f.bus,
		Session:   fakeSession{loggedIn: true},
		Confirmer: f.confirmer,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Dispose)
	f.engine = engine
	return f
}

func (f *fixture) changes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

func (f *fixture) durable(t *testing.T) string {
	t.Helper()
	raw, _ := f.store.Get(store.KeyCart)
	return raw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresCatalogAndStore(t *testing.T) {
	if _, err := New(Config{Store: store.NewAdapter(store.NewMemoryBackend())}); err == nil {
		t.Fatalf("expected error without catalog")
	}
	if _, err := New(Config{Catalog: newFakeCatalog()}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestLoadEnrichesWithDiscountPrice(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":2}]`)

	lines, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	line := lines[0]
	if line.Title != "Dune" || line.UnitPrice != 20 || line.DiscountPrice == nil || *line.DiscountPrice != 15 {
		t.Fatalf("unexpected enrichment: %+v", line)
	}
	if line.LineTotal != 30 || f.engine.Total() != 30 {
		t.Fatalf("lineTotal=%v total=%v, want 30 and 30", line.LineTotal, f.engine.Total())
	}

	again, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(again) != 1 || again[0].LineTotal != 30 || f.engine.Total() != 30 {
		t.Fatalf("repeated load changed the view: %+v", again)
	}
	if f.durable(t) != `[{"id":7,"quantity":2}]` {
		t.Fatalf("load must not rewrite a clean cart, got %s", f.durable(t))
	}
}

func TestLoadRoundsTotalsToCents(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":12,"quantity":3},{"id":11,"quantity":1}]`)
	if _, err := f.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := f.engine.Snapshot()
	if snap.Lines[0].LineTotal != 29.97 || snap.Total != 42.47 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestLoadDropsFailedLookupsButKeepsDurableLine(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1},{"id":404,"quantity":2}]`)

	lines, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lines) != 1 || lines[0].BookID != 7 {
		t.Fatalf("expected only book 7 in view, got %+v", lines)
	}
	if f.engine.ItemCount() != 3 {
		t.Fatalf("item count should include the unenriched line, got %d", f.engine.ItemCount())
	}

	f.catalog.mu.Lock()
	f.catalog.books[404] = domain.BookDetail{ID: 404, Title: "Back again", Price: 5}
	f.catalog.mu.Unlock()
	lines, _ = f.engine.Load(context.Background())
	if len(lines) != 2 || f.engine.Total() != 25 {
		t.Fatalf("retry should recover the line, got %+v total %v", lines, f.engine.Total())
	}
}

func TestLoadRepairsMalformedCart(t *testing.T) {
	for _, raw := range []string{`{"id":7}`, `not json`, `null`} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.store.Set(store.KeyCart, raw)

			lines, err := f.engine.Load(context.Background())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(lines) != 0 || f.durable(t) != "[]" {
				t.Fatalf("expected reset cart, got %v / %q", lines, f.durable(t))
			}
			if f.changes() != 1 {
				t.Fatalf("expected one cart-changed, got %d", f.changes())
			}
		})
	}
}

func TestLoadNormalizesEntries(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":12},{"id":11,"quantity":0},{"id":7,"quantity":1},{"id":-1,"quantity":2}]`)

	if _, err := f.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := f.durable(t); got != `[{"id":7,"quantity":8}]` {
		t.Fatalf("unexpected normalized cart %s", got)
	}
}

func TestEmptyOrMissingCartLoadsEmpty(t *testing.T) {
	f := newFixture(t, nil, nil)
	lines, err := f.engine.Load(context.Background())
	if err != nil || len(lines) != 0 || f.engine.Total() != 0 {
		t.Fatalf("expected empty view, got %v %v", lines, err)
	}
	if f.engine.ItemCount() != 0 {
		t.Fatalf("expected zero items")
	}
}

func TestLoadHonoursCancellation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1}]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.release = make(chan struct{})
	f := newFixture(t, nil, catalog)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":2}]`)

	done := make(chan []domain.EnrichedCartLine, 1)
	go func() {
		lines, _ := f.engine.Load(context.Background())
		done <- lines
	}()
	waitFor(t, "lookup to start", func() bool {
		catalog.mu.Lock()
		defer catalog.mu.Unlock()
		return catalog.calls == 1
	})

	f.engine.Clear()
	close(catalog.release)

	if lines := <-done; len(lines) != 0 {
		t.Fatalf("stale load leaked into the view: %+v", lines)
	}
	if len(f.engine.Lines()) != 0 {
		t.Fatalf("view should stay cleared")
	}
}

func TestSetQuantityClampsAtMaximum(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":2}]`)
	if _, err := f.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	out, err := f.engine.SetQuantity(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if out.Quantity != MaxQuantity || !out.Capped || out.Notice != NoticeLimit {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := f.durable(t); got != `[{"id":7,"quantity":8}]` {
		t.Fatalf("unexpected durable cart %s", got)
	}
	if f.engine.Total() != 120 {
		t.Fatalf("total = %v, want 120", f.engine.Total())
	}
}

func TestSetQuantityStaysWithinBounds(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":11,"quantity":1}]`)
	for _, delta := range []int{3, 9, -2, 1, -4, 20, -7, -1} {
		out, err := f.engine.SetQuantity(context.Background(), 11, delta)
		if err != nil {
			t.Fatalf("delta %d: %v", delta, err)
		}
		if out.Quantity < 1 || out.Quantity > MaxQuantity {
			t.Fatalf("delta %d left quantity %d", delta, out.Quantity)
		}
	}
	if len(f.confirmer.requests) == 0 {
		t.Fatalf("reaching zero should have asked for confirmation")
	}
	if f.engine.ItemCount() == 0 {
		t.Fatalf("declined removals must keep the line")
	}
}

func TestSetQuantityExtremeDeltas(t *testing.T) {
	cases := []struct {
		name        string
		delta       int
		wantQty     int
		wantCapped  bool
		wantRemoval bool
	}{
		{"max int caps", math.MaxInt, MaxQuantity, true, false},
		{"just past cap", MaxQuantity, MaxQuantity, true, false},
		{"min int asks to remove", math.MinInt, 2, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.store.Set(store.KeyCart, `[{"id":7,"quantity":2}]`)

			out, err := f.engine.SetQuantity(context.Background(), 7, tc.delta)
			if err != nil {
				t.Fatalf("set quantity: %v", err)
			}
			if out.Quantity != tc.wantQty || out.Capped != tc.wantCapped {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if asked := len(f.confirmer.requests) > 0; asked != tc.wantRemoval {
				t.Fatalf("removal asked = %v, want %v", asked, tc.wantRemoval)
			}
			lines := f.engine.DurableLines()
			if len(lines) != 1 || lines[0].Quantity != tc.wantQty {
				t.Fatalf("unexpected durable cart %+v", lines)
			}
		})
	}
}

func TestAddOrIncrementHugeQuantityCaps(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":3}]`)

	out, err := f.engine.AddOrIncrement(context.Background(), 7, math.MaxInt)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if out.Quantity != MaxQuantity || !out.Capped {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if lines := f.engine.DurableLines(); len(lines) != 1 || lines[0].Quantity != MaxQuantity {
		t.Fatalf("unexpected durable cart %+v", lines)
	}
}

func TestSetQuantityToZeroNeedsConfirmation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1}]`)
	if _, err := f.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := f.changes()

	out, err := f.engine.SetQuantity(context.Background(), 7, -1)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if !out.Declined || out.Removed || out.Quantity != 1 {
		t.Fatalf("expected declined removal, got %+v", out)
	}
	if f.durable(t) != `[{"id":7,"quantity":1}]` || f.changes() != before {
		t.Fatalf("declined removal must leave the cart untouched")
	}
	req := f.confirmer.requests[0]
	if req.BookID != 7 || req.Prompt != `Are you sure you want to remove "Dune" from your cart?` {
		t.Fatalf("unexpected confirmation request %+v", req)
	}

	f.confirmer.answer = true
	out, err = f.engine.SetQuantity(context.Background(), 7, -1)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if !out.Removed || f.durable(t) != "[]" || len(f.engine.Lines()) != 0 {
		t.Fatalf("confirmed removal did not remove: %+v %s", out, f.durable(t))
	}
}

func TestNilConfirmerDeclines(t *testing.T) {
	backend := store.NewMemoryBackend()
	adapter := store.NewAdapter(backend)
	engine, err := New(Config{Catalog: newFakeCatalog(), Store: adapter})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	adapter.Set(store.KeyCart, `[{"id":7,"quantity":1}]`)
	out, err := engine.RemoveLine(context.Background(), 7)
	if err != nil || !out.Declined {
		t.Fatalf("expected declined removal, got %+v %v", out, err)
	}
}

func TestConfirmerErrorLeavesCartUnchanged(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.confirmer = ConfirmerFunc(func(context.Context, RemovalRequest) (bool, error) {
		return false, errors.New("prompt closed")
	})
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1}]`)
	if _, err := f.engine.RemoveLine(context.Background(), 7); err == nil {
		t.Fatalf("expected confirmer error")
	}
	if f.durable(t) != `[{"id":7,"quantity":1}]` {
		t.Fatalf("cart changed after confirmer error")
	}
}

func TestRemovePromptWithoutTitle(t *testing.T) {
	if got := RemovalPrompt(""); got != `Are you sure you want to remove "this item" from your cart?` {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestUnknownLine(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.engine.SetQuantity(context.Background(), 7, 1); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound, got %v", err)
	}
	if _, err := f.engine.RemoveLine(context.Background(), 7); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound, got %v", err)
	}
}

func TestAddOrIncrementRequiresSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.session = fakeSession{loggedIn: false}

	out, err := f.engine.AddOrIncrement(context.Background(), 7, 1)
	if !errors.Is(err, ErrSignInRequired) || out.Notice != NoticeSignIn {
		t.Fatalf("expected sign-in rejection, got %+v %v", out, err)
	}
	if _, ok := f.store.Get(store.KeyCart); ok {
		t.Fatalf("rejected add must not touch the cart")
	}
}

func TestAddOrIncrementNotices(t *testing.T) {
	cases := []struct {
		name     string
		cart     string
		add      int
		quantity int
		capped   bool
		notice   string
	}{
		{name: "new line", add: 2, quantity: 2, notice: NoticeAdded},
		{name: "new line over cap", add: 10, quantity: 8, capped: true, notice: NoticeCappedNew},
		{name: "increment", cart: `[{"id":7,"quantity":2}]`, add: 3, quantity: 5, notice: NoticeUpdated},
		{name: "top up to cap", cart: `[{"id":7,"quantity":6}]`, add: 5, quantity: 8, capped: true,
			notice: "Quantity limit reached. Added 2 item(s) to reach the maximum of 8."},
		{name: "already at cap", cart: `[{"id":7,"quantity":8}]`, add: 1, quantity: 8, capped: true, notice: NoticeAlreadyAtMax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			if tc.cart != "" {
				f.store.Set(store.KeyCart, tc.cart)
			}
			out, err := f.engine.AddOrIncrement(context.Background(), 7, tc.add)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if out.Quantity != tc.quantity || out.Capped != tc.capped || out.Notice != tc.notice {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if f.engine.ItemCount() != tc.quantity {
				t.Fatalf("durable count %d, want %d", f.engine.ItemCount(), tc.quantity)
			}
		})
	}
}

func TestAddOrIncrementEnrichesNewLine(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.engine.AddOrIncrement(context.Background(), 11, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	lines := f.engine.Lines()
	if len(lines) != 1 || lines[0].Title != "Emma" || lines[0].LineTotal != 25 {
		t.Fatalf("new line not enriched: %+v", lines)
	}
	if f.changes() != 1 {
		t.Fatalf("expected one cart-changed, got %d", f.changes())
	}
}

func TestAddOrIncrementRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.engine.AddOrIncrement(context.Background(), 7, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := f.engine.AddOrIncrement(context.Background(), 0, 1); !errors.Is(err, ErrInvalidBookID) {
		t.Fatalf("expected ErrInvalidBookID, got %v", err)
	}
}

func TestRemoveLinesSkipsConfirmation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1},{"id":11,"quantity":2},{"id":12,"quantity":3}]`)
	f.engine.RemoveLines(7, 12)
	if got := f.durable(t); got != `[{"id":11,"quantity":2}]` {
		t.Fatalf("unexpected cart %s", got)
	}
	if len(f.confirmer.requests) != 0 {
		t.Fatalf("RemoveLines must not ask for confirmation")
	}
}

func TestCompleteCheckoutClearsOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":2}]`)
	if _, err := f.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := f.changes()

	f.engine.CompleteCheckout()

	if f.durable(t) != "[]" || len(f.engine.Lines()) != 0 || f.engine.Total() != 0 {
		t.Fatalf("cart not cleared")
	}
	if f.changes() != before+1 {
		t.Fatalf("expected exactly one cart-changed, got %d", f.changes()-before)
	}
}

func TestLocalLogoutEmptiesCart(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.Set(store.KeyCart, `[{"id":7,"quantity":1},{"id":11,"quantity":2},{"id":12,"quantity":3}]`)
	if err := f.engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(f.engine.Lines()) != 3 {
		t.Fatalf("expected three lines before logout")
	}

	// What the session manager does on logout.
	f.store.Remove(store.KeyCart)
	f.bus.Publish(events.TopicSessionChanged, events.SessionChange{LoggedIn: false})

	if len(f.engine.Lines()) != 0 {
		t.Fatalf("view should be empty right after logout")
	}
	lines, err := f.engine.Load(context.Background())
	if err != nil || len(lines) != 0 {
		t.Fatalf("load after logout returned %v %v", lines, err)
	}
	if _, ok := f.store.Get(store.KeyCart); ok {
		t.Fatalf("durable cart should stay empty")
	}
}

func TestTabsConvergeOnLastWrite(t *testing.T) {
	backend := store.NewMemoryBackend()
	relay := events.NewMemoryRelay()
	tabA := newFixture(t, backend, nil)
	tabB := newFixture(t, backend, nil)
	for _, f := range []*fixture{tabA, tabB} {
		if err := f.bus.Attach(context.Background(), relay); err != nil {
			t.Fatalf("attach: %v", err)
		}
		t.Cleanup(func() { f.bus.Close() })
		if err := f.engine.Init(context.Background()); err != nil {
			t.Fatalf("init: %v", err)
		}
	}

	if _, err := tabA.engine.AddOrIncrement(context.Background(), 7, 2); err != nil {
		t.Fatalf("add in tab a: %v", err)
	}
	if _, err := tabA.engine.AddOrIncrement(context.Background(), 11, 1); err != nil {
		t.Fatalf("add in tab a: %v", err)
	}

	waitFor(t, "tab b to converge", func() bool {
		return len(tabB.engine.Lines()) == 2 && tabB.engine.Total() == tabA.engine.Total()
	})
	a, b := tabA.engine.Snapshot(), tabB.engine.Snapshot()
	for i := range a.Lines {
		if a.Lines[i].BookID != b.Lines[i].BookID || a.Lines[i].Quantity != b.Lines[i].Quantity || a.Lines[i].LineTotal != b.Lines[i].LineTotal {
			t.Fatalf("views differ: %+v vs %+v", a.Lines[i], b.Lines[i])
		}
	}

	if _, err := tabB.engine.SetQuantity(context.Background(), 7, 1); err != nil {
		t.Fatalf("set in tab b: %v", err)
	}
	waitFor(t, "tab a to see tab b's write", func() bool {
		for _, line := range tabA.engine.Lines() {
			if line.BookID == 7 {
				return line.Quantity == 3
			}
		}
		return false
	})
}
