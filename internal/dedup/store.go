// Package dedup remembers which event IDs the bridge already handled so that
// redelivered events are acknowledged without running the handler twice.
//
// A claim is a two-phase lease. Claim records the ID as pending for a short
// lease; Complete marks it done for the retention window once the event was
// acknowledged. A pending lease left behind by a crashed process expires on
// its own, so the redelivery is processed.
package dedup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gchatbridge/internal/config"
)

// Status is the outcome of a Claim.
type Status int

const (
	// Claimed means the caller now holds the lease and should process the event.
	Claimed Status = iota
	// InProgress means another delivery holds an unexpired lease.
	InProgress
	// Done means the event was already handled within the retention window.
	Done
)

func (s Status) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Store records claimed event IDs.
type Store interface {
	// Claim takes the lease on id unless it is held or done.
	Claim(ctx context.Context, id string) (Status, error)
	// Complete marks id as handled for the retention window.
	Complete(ctx context.Context, id string) error
	// Release drops the lease so a redelivery runs the handler again.
	Release(ctx context.Context, id string) error
	Close() error
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.DedupConfig, logger logrus.FieldLogger) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return None{}, nil
	case "sqlite":
		return OpenSQLite(ctx, SQLiteOptions{
			Path:  cfg.SQLitePath,
			Lease: cfg.Lease(),
			TTL:   cfg.TTL(),
		}, logger)
	case "redis":
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Lease:    cfg.Lease(),
			TTL:      cfg.TTL(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

// None claims every ID.
type None struct{}

func (None) Claim(context.Context, string) (Status, error) { return Claimed, nil }
func (None) Complete(context.Context, string) error        { return nil }
func (None) Release(context.Context, string) error         { return nil }
func (None) Close() error                                  { return nil }
