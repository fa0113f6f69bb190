package domain

import (
	"math"
	"time"
)

type Paste struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
	TTLSeconds *int64 `json:"ttl_seconds"`
	MaxViews   *int64 `json:"max_views"`
	ViewCount  int64  `json:"view_count"`
}

// Available reports whether the paste can still be served at nowMs.
// Expiry is strict: the paste is gone at exactly CreatedAt+TTL.
func (p *Paste) Available(nowMs int64) bool {
	return !p.Expired(nowMs) && !p.Exhausted()
}

func (p *Paste) Expired(nowMs int64) bool {
	exp := p.ExpiresAtMs()
	return exp != nil && nowMs >= *exp
}

func (p *Paste) Exhausted() bool {
	return p.MaxViews != nil && p.ViewCount >= *p.MaxViews
}

// ExpiresAtMs is nil when the paste has no TTL.
func (p *Paste) ExpiresAtMs() *int64 {
	if p.TTLSeconds == nil {
		return nil
	}
	exp := p.CreatedAt + *p.TTLSeconds*1000
	return &exp
}

// ExpiryFits reports whether createdAt+ttlSeconds*1000 is representable as
// int64 milliseconds. Anything larger would wrap in Go while SQLite would
// widen it to REAL, and the two would disagree about availability.
func ExpiryFits(createdAt, ttlSeconds int64) bool {
	if ttlSeconds < 0 || ttlSeconds > math.MaxInt64/1000 {
		return false
	}
	return createdAt <= math.MaxInt64-ttlSeconds*1000
}

// RemainingViews is nil when the paste has no view limit.
func (p *Paste) RemainingViews() *int64 {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewCount
	if left < 0 {
		left = 0
	}
	return &left
}

// View is what a successful consume hands back to callers.
type View struct {
	Content        string
	RemainingViews *int64
	ExpiresAt      *time.Time
}

func NewView(p *Paste) *View {
	v := &View{
		Content:        p.Content,
		RemainingViews: p.RemainingViews(),
	}
	if exp := p.ExpiresAtMs(); exp != nil {
		t := time.UnixMilli(*exp).UTC()
		v.ExpiresAt = &t
	}
	return v
}

type CreateParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
}
