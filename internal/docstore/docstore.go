// Package docstore provides the storage-backed concurrency primitives the
// charging pipeline relies on: an optimistic per-document lock and atomic
// monotonic counters. The real races are cross-process (a gateway
// confirmation callback against a timeout handler), so in-process mutexes
// are not an option; every primitive here is a single atomic UPDATE against
// the database.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocLock is a boolean lock flag embedded in the store, one row per
// contended resource. Holder carries the token of the current owner for
// operational debugging; the atomicity of the flag flip is what matters.
type DocLock struct {
	ID        string    `gorm:"primaryKey"`
	Locked    bool      `gorm:"not null;default:false"`
	Holder    string    `gorm:"not null;default:''"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (DocLock) TableName() string { return "doc_locks" }

// DocCounter is a monotonic counter row.
type DocCounter struct {
	ID    string `gorm:"primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}

func (DocCounter) TableName() string { return "doc_counters" }

// Store exposes the lock and counter operations.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// TryAcquire attempts to take the lock for the given resource. The caller
// that flips the flag from false to true owns the resource; everyone else
// observes true and must back off.
func (s *Store) TryAcquire(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("lock id is empty")
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DocLock{ID: id}).Error; err != nil {
		return false, fmt.Errorf("ensure lock row %s: %w", id, err)
	}

	res := s.db.WithContext(ctx).
		Model(&DocLock{}).
		Where("id = ? AND locked = ?", id, false).
		Updates(map[string]any{"locked": true, "holder": uuid.NewString(), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("acquire lock %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release frees the lock. It must run on every exit path of a holder,
// including error paths.
func (s *Store) Release(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&DocLock{}).
		Where("id = ?", id).
		Updates(map[string]any{"locked": false, "holder": "", "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}

// Reserve atomically advances the named counter by n and returns the first
// value of the reserved range [start, start+n).
func (s *Store) Reserve(ctx context.Context, id string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve count must be positive")
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DocCounter{ID: id}).Error; err != nil {
		return 0, fmt.Errorf("ensure counter row %s: %w", id, err)
	}

	var counter DocCounter
	err := s.db.WithContext(ctx).
		Model(&counter).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Update("value", gorm.Expr("value + ?", n)).Error
	if err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", id, err)
	}
	return counter.Value - n, nil
}

// Next reserves a single value from the counter.
func (s *Store) Next(ctx context.Context, id string) (int64, error) {
	return s.Reserve(ctx, id, 1)
}

// Rollback hands back exactly n previously reserved values, so a failed
// batch leaves no gap relative to its reservation.
func (s *Store) Rollback(ctx context.Context, id string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("rollback count must be positive")
	}
	err := s.db.WithContext(ctx).
		Model(&DocCounter{}).
		Where("id = ?", id).
		Update("value", gorm.Expr("value - ?", n)).Error
	if err != nil {
		return fmt.Errorf("rollback counter %s: %w", id, err)
	}
	return nil
}

var Module = fx.Module("docstore",
	fx.Provide(New),
)
