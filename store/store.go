// Package store persists matched planning applications and deduplicates
// them by (site, external id).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/use-agent/planscout/config"
	"github.com/use-agent/planscout/models"
)

// ErrDuplicate is returned by Insert when the record is already stored.
// The coordinator counts it as "already known", never as a failure.
var ErrDuplicate = errors.New("store: record already exists")

// RecordStore is the dedup and persistence contract. Implementations must
// be safe for concurrent use, and Insert must be atomic per record key.
type RecordStore interface {
	Exists(ctx context.Context, site, externalID string) (bool, error)
	Insert(ctx context.Context, rec models.CandidateRecord) error
}

// RunLogger is implemented by stores that keep a per-task run log.
type RunLogger interface {
	LogOutcome(ctx context.Context, o models.RunOutcome) error
}

// Querier is implemented by stores that can list what they hold.
type Querier interface {
	List(ctx context.Context, f models.RecordFilter) ([]models.CandidateRecord, error)
}

// Backend is what every bundled store provides.
type Backend interface {
	RecordStore
	RunLogger
	Querier
	Close() error
}

const defaultListLimit = 100

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, models.ConfigError("unknown store driver %q", cfg.Driver)
	}
}

func listLimit(f models.RecordFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func wrap(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, err)
}
