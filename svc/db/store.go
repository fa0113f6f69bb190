package db

import (
	"context"
	"pastelite/pkg/domain"
	"time"

	"github.com/pkg/errors"
)

var ErrDuplicateID = errors.New("paste id already taken")

// Store is the persistence contract the paste service depends on.
// ConsumeView must test availability and increment view_count as one atomic
// step; implementations return domain.ErrPasteNotFound and leave the row
// untouched when the paste is absent or unavailable at nowMs.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	ConsumeView(ctx context.Context, id string, nowMs int64) (*domain.Paste, error)
	Fetch(ctx context.Context, id string) (*domain.Paste, error)
	PurgeExpired(ctx context.Context, nowMs int64, retention time.Duration) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
