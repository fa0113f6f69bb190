// Package clock supplies the "now" every paste operation is judged against.
//
// Wall-clock time is the default. A Clock built with test mode enabled also
// honours a per-request override carried on the context, which lets TTL
// boundaries be exercised deterministically. Without test mode the override
// is ignored no matter what the caller sends.
package clock

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Header is the request header the HTTP layer reads overrides from.
const Header = "X-Test-Now-Ms"

type overrideKey struct{}

type Clock struct {
	testMode bool
	wall     func() time.Time
}

func New(testMode bool) *Clock {
	return &Clock{testMode: testMode, wall: time.Now}
}

// Fixed returns a clock that always reports ms. Only meant for tests.
func Fixed(ms int64) *Clock {
	return &Clock{wall: func() time.Time { return time.UnixMilli(ms) }}
}

// Overridable reports whether callers can move time via WithOverride.
func (c *Clock) Overridable() bool {
	return c.testMode
}

// Now returns milliseconds since the epoch.
func (c *Clock) Now(ctx context.Context) int64 {
	if c.testMode {
		if raw, ok := ctx.Value(overrideKey{}).(string); ok {
			if ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
				return ms
			}
		}
	}
	return c.wall().UnixMilli()
}

// WithOverride attaches a raw override value. Parsing is deferred to Now so
// that a malformed value simply falls back to wall-clock time.
func WithOverride(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, overrideKey{}, raw)
}
