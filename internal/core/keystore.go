package core

import (
	"context"
	"time"

	"github.com/xiaopang/keyrelay/internal/model"
)

// KeyStore durable key records. Every method is a single atomic operation
// against the backend, safe across processes sharing it.
type KeyStore interface {
	InsertKey(ctx context.Context, key string, at time.Time) (*model.KeyRecord, error)
	InsertKeys(ctx context.Context, keys []string, at time.Time) (model.BatchAddResult, error)
	ListKeys(ctx context.Context) ([]*model.KeyRecord, error)
	FindKey(ctx context.Context, key string) (*model.KeyRecord, error)
	RecordUsage(ctx context.Context, key string, at, day time.Time, tokens int64) error
	PruneWindows(ctx context.Context, key string, minuteCutoff, dayCutoff time.Time) error
	SetStatus(ctx context.Context, key string, active bool, kind model.LimitKind, at time.Time) error
}
