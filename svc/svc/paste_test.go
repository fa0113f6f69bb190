package svc

import (
	"context"
	"path/filepath"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/events"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func i64(v int64) *int64 { return &v }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *recorder) Close() error { return nil }
func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// assertEvents compares as a multiset; workers publish in no fixed order.
func assertEvents(t *testing.T, rec *recorder, want ...string) {
	t.Helper()
	got := rec.types()
	counts := map[string]int{}
	for _, g := range got {
		counts[g]++
	}
	for _, w := range want {
		counts[w]--
	}
	for typ, n := range counts {
		if n != 0 {
			t.Errorf("events = %v, want %v (mismatch on %s)", got, want, typ)
			return
		}
	}
}

// countingStore wraps a real store and counts calls into it.
type countingStore struct {
	db.Store
	mu       sync.Mutex
	inserts  int
	consumes int
	fetches  int
	dupsLeft int
	pingErr  error

	// fetchDelay holds Fetch back, honouring ctx while it waits.
	fetchDelay time.Duration
}

func (c *countingStore) Insert(ctx context.Context, p *domain.Paste) error {
	c.mu.Lock()
	c.inserts++
	dup := c.dupsLeft > 0
	if dup {
		c.dupsLeft--
	}
	c.mu.Unlock()
	if dup {
		return errors.Wrap(db.ErrDuplicateID, "insert")
	}
	return c.Store.Insert(ctx, p)
}
func (c *countingStore) ConsumeView(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	c.mu.Lock()
	c.consumes++
	c.mu.Unlock()
	return c.Store.ConsumeView(ctx, id, now)
}
func (c *countingStore) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	c.mu.Lock()
	c.fetches++
	delay := c.fetchDelay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Store.Fetch(ctx, id)
}
func (c *countingStore) Ping(ctx context.Context) error {
	if c.pingErr != nil {
		return c.pingErr
	}
	return c.Store.Ping(ctx)
}

func newTestService(t *testing.T, clk *clock.Clock) (*Paste, *countingStore, *recorder) {
	t.Helper()
	sqlite, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatal(err)
	}
	store := &countingStore{Store: sqlite}
	tombstones, err := cache.NewTombstones(100)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	p := NewPaste(store, tombstones, clk, rec, &cfg.Cfg{MaxPasteSize: 1024})
	t.Cleanup(func() {
		p.Shutdown()
		sqlite.Close()
	})
	return p, store, rec
}

func at(ms int64) context.Context {
	return clock.WithOverride(context.Background(), strconv.FormatInt(ms, 10))
}

func TestCreateValidation(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(true))
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{Content: ""}, domain.ErrContentRequired},
		{"whitespace", domain.CreateParams{Content: " \n\t "}, domain.ErrContentRequired},
		{"zero ttl", domain.CreateParams{Content: "x", TTLSeconds: i64(0)}, domain.ErrInvalidTTL},
		{"negative ttl", domain.CreateParams{Content: "x", TTLSeconds: i64(-5)}, domain.ErrInvalidTTL},
		{"zero views", domain.CreateParams{Content: "x", MaxViews: i64(0)}, domain.ErrInvalidMaxViews},
		{"overflowing ttl", domain.CreateParams{Content: "x", TTLSeconds: i64(9300000000000000)}, domain.ErrInvalidTTL},
		{"too large", domain.CreateParams{Content: string(make([]byte, 1025))}, domain.ErrPasteTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Create(context.Background(), tt.params); errors.Cause(err) != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if store.inserts != 0 {
		t.Errorf("validation failures reached the store %d times", store.inserts)
	}
}

func TestCreateStoresContentVerbatim(t *testing.T) {
	p, _, rec := newTestService(t, clock.New(true))
	content := "  <script>alert(1)</script>\r\n  "
	paste, err := p.Create(at(1000), domain.CreateParams{Content: content})
	if err != nil {
		t.Fatal(err)
	}
	if paste.CreatedAt != 1000 || paste.ViewCount != 0 || len(paste.ID) != 8 {
		t.Errorf("unexpected paste: %+v", paste)
	}
	v, err := p.ConsumeView(context.Background(), paste.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Content != content {
		t.Errorf("content altered: %q", v.Content)
	}
	if v.RemainingViews != nil || v.ExpiresAt != nil {
		t.Errorf("unlimited paste should have nil remaining views and expiry")
	}
	p.Shutdown()
	assertEvents(t, rec, events.PasteCreated, events.PasteViewed)
}

func TestCreateRetriesDuplicateID(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	store.dupsLeft = 2
	if _, err := p.Create(context.Background(), domain.CreateParams{Content: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if store.inserts != 3 {
		t.Errorf("inserts = %d, want 3", store.inserts)
	}

	store.dupsLeft = 3
	_, err := p.Create(context.Background(), domain.CreateParams{Content: "y"})
	if !errors.Is(err, db.ErrDuplicateID) {
		t.Errorf("err = %v, want duplicate id after exhausting attempts", err)
	}
}

func TestConcreteScenario(t *testing.T) {
	p, _, rec := newTestService(t, clock.New(true))
	paste, err := p.Create(at(1000), domain.CreateParams{Content: "hello", TTLSeconds: i64(10), MaxViews: i64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if paste.CreatedAt != 1000 {
		t.Fatalf("CreatedAt = %d", paste.CreatedAt)
	}

	v, err := p.ConsumeView(at(1005), paste.ID)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if v.Content != "hello" || *v.RemainingViews != 0 || v.ExpiresAt.UnixMilli() != 11000 {
		t.Errorf("view = %+v", v)
	}

	if _, err := p.ConsumeView(at(1006), paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("second consume: err = %v", err)
	}
	if _, err := p.Peek(at(1006), paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("peek: err = %v", err)
	}
	p.Shutdown()
	assertEvents(t, rec, events.PasteCreated, events.PasteViewed, events.PasteExhausted)
}

func TestTTLBoundary(t *testing.T) {
	p, _, _ := newTestService(t, clock.New(true))
	paste, _ := p.Create(at(0), domain.CreateParams{Content: "x", TTLSeconds: i64(60)})

	if _, err := p.Peek(at(59999), paste.ID); err != nil {
		t.Errorf("peek before expiry: %v", err)
	}
	if _, err := p.ConsumeView(at(59999), paste.ID); err != nil {
		t.Errorf("consume before expiry: %v", err)
	}
	if _, err := p.ConsumeView(at(60000), paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("consume at expiry: err = %v", err)
	}
	if _, err := p.Peek(at(60000), paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("peek at expiry: err = %v", err)
	}
	// Overridable clock: expiry is not final, so moving back reopens it.
	if _, err := p.Peek(at(1000), paste.ID); err != nil {
		t.Errorf("expired id must not be tombstoned while the clock can move: %v", err)
	}
}

func TestPeekDoesNotCountViews(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	paste, _ := p.Create(context.Background(), domain.CreateParams{Content: "x", MaxViews: i64(1)})
	for i := 0; i < 5; i++ {
		if _, err := p.Peek(context.Background(), paste.ID); err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
	}
	got, _ := store.Store.Fetch(context.Background(), paste.ID)
	if got.ViewCount != 0 {
		t.Errorf("peek mutated view_count to %d", got.ViewCount)
	}
	if _, err := p.ConsumeView(context.Background(), paste.ID); err != nil {
		t.Errorf("consume after peeks: %v", err)
	}
}

func TestPeekSharedReadSurvivesCancelledCaller(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	paste, err := p.Create(context.Background(), domain.CreateParams{Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.fetchDelay = 100 * time.Millisecond
	store.mu.Unlock()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.Peek(ctxA, paste.ID)
		errA <- err
	}()
	time.Sleep(20 * time.Millisecond)
	errB := make(chan error, 1)
	go func() {
		_, err := p.Peek(context.Background(), paste.ID)
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: err = %v, want context.Canceled", err)
	}
	if err := <-errB; err != nil {
		t.Errorf("other caller failed with the cancelled one: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.fetches != 1 {
		t.Errorf("fetches = %d, want one shared read", store.fetches)
	}
}

func TestExhaustedIDIsTombstoned(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	paste, _ := p.Create(context.Background(), domain.CreateParams{Content: "x", MaxViews: i64(1)})
	if _, err := p.ConsumeView(context.Background(), paste.ID); err != nil {
		t.Fatal(err)
	}
	before := store.consumes
	for i := 0; i < 3; i++ {
		if _, err := p.ConsumeView(context.Background(), paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if store.consumes != before {
		t.Errorf("tombstoned id reached the store %d times", store.consumes-before)
	}
}

func TestUnknownAndMalformedIDs(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	for _, id := range []string{"Zz9Zz9Zz", "bad id", "", "x"} {
		if _, err := p.ConsumeView(context.Background(), id); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("ConsumeView(%q) err = %v", id, err)
		}
		if _, err := p.Peek(context.Background(), id); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("Peek(%q) err = %v", id, err)
		}
	}
	if store.consumes != 1 || store.fetches != 1 {
		t.Errorf("malformed ids should not reach the store: consumes=%d fetches=%d", store.consumes, store.fetches)
	}
}

func TestConcurrentConsumeHonoursMaxViews(t *testing.T) {
	p, _, _ := newTestService(t, clock.New(false))
	paste, _ := p.Create(context.Background(), domain.CreateParams{Content: "x", MaxViews: i64(3)})
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	remaining := map[int64]bool{}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.ConsumeView(context.Background(), paste.ID)
			if err != nil {
				return
			}
			mu.Lock()
			ok++
			remaining[*v.RemainingViews] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if ok != 3 {
		t.Errorf("successful views = %d, want 3", ok)
	}
	for _, r := range []int64{0, 1, 2} {
		if !remaining[r] {
			t.Errorf("no view reported remaining_views=%d", r)
		}
	}
}

func TestHealth(t *testing.T) {
	p, store, _ := newTestService(t, clock.New(false))
	if !p.Health(context.Background()) {
		t.Errorf("healthy store reported down")
	}
	store.pingErr = errors.New("down")
	if p.Health(context.Background()) {
		t.Errorf("failing store reported up")
	}
}

func TestPurgeOnce(t *testing.T) {
	now := time.Now().UnixMilli()
	p, store, _ := newTestService(t, clock.Fixed(now))
	old := now - int64(2*time.Hour/time.Millisecond)
	store.Store.Insert(context.Background(), &domain.Paste{ID: "old00000", Content: "x", CreatedAt: old, TTLSeconds: i64(1)})
	fresh, _ := p.Create(context.Background(), domain.CreateParams{Content: "y", TTLSeconds: i64(1)})

	if n := p.purgeOnce(context.Background(), time.Hour); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := store.Store.Fetch(context.Background(), fresh.ID); err != nil {
		t.Errorf("fresh tombstone purged too early: %v", err)
	}
}

func TestStartPurger(t *testing.T) {
	p, _, _ := newTestService(t, clock.New(false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.StartPurger(ctx, 0, time.Hour); err == nil {
		t.Errorf("zero interval accepted")
	}
	if err := p.StartPurger(ctx, time.Hour, time.Hour); err != nil {
		t.Fatalf("StartPurger: %v", err)
	}
	if err := p.StartPurger(ctx, time.Hour, time.Hour); err == nil {
		t.Errorf("second purger started")
	}
}
