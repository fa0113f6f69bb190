package cache

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reason records why a paste id can never be served again.
type Reason string

const (
	ReasonExhausted Reason = "exhausted"
	ReasonExpired   Reason = "expired"
)

// Tombstones remembers ids known to be permanently unavailable so repeat
// lookups can be answered without touching the store. Only add an id when
// no later request can make it available again.
type Tombstones struct {
	c  *lru.Cache[string, Reason]
	mu sync.Mutex
}

func NewTombstones(size int) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, Reason](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c}, nil
}
func (t *Tombstones) Get(ctx context.Context, id string) (Reason, bool) {
	select {
	case <-ctx.Done():
		return "", false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Get(id)
}
func (t *Tombstones) Add(id string, r Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Add(id, r)
}
func (t *Tombstones) Len() int {
	return t.c.Len()
}
