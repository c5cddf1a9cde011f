package storage

import (
	"context"
	"time"

	"triggerd/internal/trigger"
)

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite", "postgres".
type Config struct {
	Driver string
	// Path is the database or snapshot file for the sqlite and file drivers.
	Path string
	// DSN is the connection string for the postgres driver.
	DSN string

	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxConns     int32         // postgres only; 0 means pgxpool default
	CompactEvery int           // file only; journal records between snapshots, 0 means 1000
}

// Store is the persistence contract shared by every driver.
//
// Writes conditioned on a version return ErrConflict when the row exists with a
// different version and ErrNotFound when it is gone. Returned triggers are copies.
type Store interface {
	Insert(ctx context.Context, t *trigger.Trigger) error
	Get(ctx context.Context, id string) (*trigger.Trigger, error)

	// Update writes every mutable field of t if the stored version equals t.Version.
	// On success t.Version is incremented and t.ModifiedAt is set to the write time.
	Update(ctx context.Context, t *trigger.Trigger) error

	// Claim moves an IDLE trigger to READY if its version is still version.
	// false, nil means another worker won the race.
	Claim(ctx context.Context, id string, version int64, now time.Time) (bool, error)

	Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error)

	// BulkTransition sets status to for every trigger matching c (Type, Statuses,
	// ModifiedBefore), bumping each version by one. It returns the affected count.
	BulkTransition(ctx context.Context, c trigger.Criteria, to trigger.Status, now time.Time) (int64, error)

	// DeleteCreatedBefore removes triggers of typ with CreatedAt <= cutoff, in any status.
	DeleteCreatedBefore(ctx context.Context, typ string, cutoff time.Time) (int64, error)

	// Delete removes the trigger if its version is still version.
	Delete(ctx context.Context, id string, version int64) error

	Close() error
}
