package svc

import (
	"context"
	"pastelite/cfg"
	"pastelite/metrics"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/events"
	"pastelite/svc/util"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	maxIDAttempts  = 3
	eventQueueSize = 1024
	eventWorkers   = 4
	healthTimeout  = 2 * time.Second
	peekTimeout    = 10 * time.Second
)

type Paste struct {
	store      db.Store
	tombstones *cache.Tombstones
	clock      *clock.Clock
	pub        events.Publisher
	cfg        *cfg.Cfg
	peeks      singleflight.Group

	eventMu        sync.RWMutex
	eventQueue     chan events.Event
	eventsClosed   bool
	eventWorkerWg  sync.WaitGroup
	purgerRunning  atomic.Bool
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	shutdownCalled atomic.Bool
}

func NewPaste(store db.Store, tombstones *cache.Tombstones, clk *clock.Clock, pub events.Publisher, c *cfg.Cfg) *Paste {
	if store == nil || tombstones == nil || clk == nil || c == nil {
		panic("paste service: nil dependency (store, tombstones, clock or cfg)")
	}
	if pub == nil {
		pub = events.Noop{}
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		store:       store,
		tombstones:  tombstones,
		clock:       clk,
		pub:         pub,
		cfg:         c,
		eventQueue:  make(chan events.Event, eventQueueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	for i := 0; i < eventWorkers; i++ {
		p.eventWorkerWg.Add(1)
		go p.eventWorker()
	}
	return p
}
func (p *Paste) eventWorker() {
	defer p.eventWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("eventWorker panicked")
		}
	}()
	for e := range p.eventQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if err := p.pub.Publish(ctx, e); err != nil {
			metrics.EventsPublished.WithLabelValues(e.Type, "error").Inc()
			util.Warn().Err(err).Str("id", e.PasteID).Str("event", e.Type).Msg("failed to publish event")
		} else {
			metrics.EventsPublished.WithLabelValues(e.Type, "ok").Inc()
		}
		cancel()
	}
}

// emit never blocks the request path; a full queue drops the event.
func (p *Paste) emit(e events.Event) {
	p.eventMu.RLock()
	defer p.eventMu.RUnlock()
	if p.eventsClosed {
		return
	}
	select {
	case p.eventQueue <- e:
	default:
		metrics.EventsPublished.WithLabelValues(e.Type, "dropped").Inc()
		util.Warn().Str("id", e.PasteID).Str("event", e.Type).Msg("event queue full, dropping event")
	}
}
func (p *Paste) Shutdown() {
	if !p.shutdownCalled.CompareAndSwap(false, true) {
		return
	}
	p.eventMu.Lock()
	p.eventsClosed = true
	close(p.eventQueue)
	p.eventMu.Unlock()
	done := make(chan struct{})
	go func() {
		p.eventWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("event workers didn't stop in time")
	}
	p.shutdownFn()
	util.Debug().Msg("paste service shutdown complete")
}

func validate(params domain.CreateParams, maxSize, createdAt int64) error {
	if strings.TrimSpace(params.Content) == "" {
		return domain.ErrContentRequired
	}
	if maxSize > 0 && int64(len(params.Content)) > maxSize {
		return domain.ErrPasteTooLarge
	}
	if params.TTLSeconds != nil && (*params.TTLSeconds < 1 || !domain.ExpiryFits(createdAt, *params.TTLSeconds)) {
		return domain.ErrInvalidTTL
	}
	if params.MaxViews != nil && *params.MaxViews < 1 {
		return domain.ErrInvalidMaxViews
	}
	return nil
}

// Create validates params and stores a new paste. Content is stored exactly
// as given; only the emptiness check looks at it trimmed.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	now := p.clock.Now(ctx)
	if err := validate(params, p.cfg.MaxPasteSize, now); err != nil {
		return nil, err
	}
	paste := &domain.Paste{
		Content:    params.Content,
		CreatedAt:  now,
		TTLSeconds: params.TTLSeconds,
		MaxViews:   params.MaxViews,
	}
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if paste.ID, err = util.GenID(); err != nil {
			return nil, err
		}
		err = p.store.Insert(ctx, paste)
		if !errors.Is(err, db.ErrDuplicateID) {
			break
		}
		metrics.IDCollisions.Inc()
		util.Warn().Str("id", paste.ID).Int("attempt", attempt+1).Msg("paste id collision")
	}
	if err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	util.Debug().
		Str("id", paste.ID).
		Int("size", len(paste.Content)).
		Str("preview", util.RedactPasteContent(paste.Content)).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste created")
	p.emit(events.Event{
		Type:       events.PasteCreated,
		PasteID:    paste.ID,
		At:         paste.CreatedAt,
		TTLSeconds: paste.TTLSeconds,
		MaxViews:   paste.MaxViews,
		RequestID:  util.GetRequestID(ctx),
	})
	return paste, nil
}

func (p *Paste) tombstoned(ctx context.Context, id string) bool {
	if _, ok := p.tombstones.Get(ctx, id); ok {
		metrics.TombstoneHits.Inc()
		return true
	}
	metrics.TombstoneMisses.Inc()
	return false
}

// ConsumeView counts one view of id and returns what the viewer gets to see.
// The availability check and the increment happen in one store operation.
func (p *Paste) ConsumeView(ctx context.Context, id string) (*domain.View, error) {
	if !util.ValidID(id) || p.tombstoned(ctx, id) {
		metrics.PasteUnavailable.WithLabelValues("unknown").Inc()
		return nil, domain.ErrPasteNotFound
	}
	now := p.clock.Now(ctx)
	paste, err := p.store.ConsumeView(ctx, id, now)
	if errors.Is(err, domain.ErrPasteNotFound) {
		metrics.PasteUnavailable.WithLabelValues("unavailable").Inc()
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "consume view")
	}
	metrics.PasteViewed.Inc()
	reqID := util.GetRequestID(ctx)
	p.emit(events.Event{
		Type:      events.PasteViewed,
		PasteID:   id,
		At:        now,
		ViewCount: paste.ViewCount,
		MaxViews:  paste.MaxViews,
		RequestID: reqID,
	})
	if paste.Exhausted() {
		p.tombstones.Add(id, cache.ReasonExhausted)
		p.emit(events.Event{
			Type:      events.PasteExhausted,
			PasteID:   id,
			At:        now,
			ViewCount: paste.ViewCount,
			MaxViews:  paste.MaxViews,
			RequestID: reqID,
		})
	}
	return domain.NewView(paste), nil
}

// Peek returns the paste if it is available now, without counting a view.
// Concurrent peeks of one id share a single store read. The shared read is
// detached from whichever caller started it, so one caller going away does
// not fail the others; availability is still judged per caller since each
// may carry its own notion of now.
func (p *Paste) Peek(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) || p.tombstoned(ctx, id) {
		metrics.PasteUnavailable.WithLabelValues("unknown").Inc()
		return nil, domain.ErrPasteNotFound
	}
	ch := p.peeks.DoChan(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), peekTimeout)
		defer cancel()
		return p.store.Fetch(fetchCtx, id)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "peek")
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if errors.Is(err, domain.ErrPasteNotFound) {
		metrics.PasteUnavailable.WithLabelValues("missing").Inc()
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "peek")
	}
	paste := v.(*domain.Paste)
	now := p.clock.Now(ctx)
	switch {
	case paste.Exhausted():
		p.tombstones.Add(id, cache.ReasonExhausted)
		metrics.PasteUnavailable.WithLabelValues(string(cache.ReasonExhausted)).Inc()
		return nil, domain.ErrPasteNotFound
	case paste.Expired(now):
		if !p.clock.Overridable() {
			p.tombstones.Add(id, cache.ReasonExpired)
		}
		metrics.PasteUnavailable.WithLabelValues(string(cache.ReasonExpired)).Inc()
		return nil, domain.ErrPasteNotFound
	}
	metrics.PastePeeked.Inc()
	return paste, nil
}

// Health reports whether the store answers a ping in time.
func (p *Paste) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := p.store.Ping(ctx); err != nil {
		metrics.StoreUp.Set(0)
		util.Warn().Err(err).Msg("store health probe failed")
		return false
	}
	metrics.StoreUp.Set(1)
	return true
}

// StartPurger runs the tombstone purge every interval until ctx is done.
func (p *Paste) StartPurger(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return errors.New("purge interval must be positive")
	}
	if !p.purgerRunning.CompareAndSwap(false, true) {
		return errors.New("purger already running")
	}
	go p.runPurger(ctx, interval, retention)
	return nil
}
func (p *Paste) runPurger(ctx context.Context, interval, retention time.Duration) {
	defer p.purgerRunning.Store(false)
	purgeRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, purgeRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", purgeRequestID).
		Dur("interval", interval).
		Dur("retention", retention).
		Msg("purge worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", purgeRequestID).
				Msg("purge worker shutting down")
			return
		case <-ticker.C:
			p.purgeOnce(ctx, retention)
		}
	}
}
func (p *Paste) purgeOnce(ctx context.Context, retention time.Duration) int {
	metrics.PurgeCycles.Inc()
	deleted, err := p.store.PurgeExpired(ctx, p.clock.Now(ctx), retention)
	if deleted > 0 {
		metrics.PurgedPastes.Add(float64(deleted))
	}
	if err != nil {
		util.Error().
			Err(err).
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("purge failed")
	} else if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("purge completed")
	}
	return deleted
}
