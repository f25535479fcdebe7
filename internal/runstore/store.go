package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Patch carries the fields a transition may set. Nil fields are left
// untouched; this lets RC and WR each patch only what they own without
// clobbering the other's writes.
type Patch struct {
	StartedAt    *time.Time
	EndedAt      *time.Time
	WorkerHandle *string
	OutputData   *string
	ErrorMessage *string
}

// Store is the Run Store contract. It is satisfied by *GormStore in
// production and by an in-memory fake in coordinator/worker unit tests.
type Store interface {
	InsertPending(ctx context.Context, kind Kind, runnableID, inputVariablesJSON string) (*Run, error)
	Transition(ctx context.Context, id uuid.UUID, expected, next Status, patch Patch) (bool, error)
	Fetch(ctx context.Context, id uuid.UUID) (*Run, error)
	ListActive(ctx context.Context) ([]*Run, error)
	List(ctx context.Context, runnableID string, status Status) ([]*Run, error)
}

// GormStore is the GORM-backed implementation of Store, usable against
// SQLite or Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-connected, already-migrated *gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// InsertPending writes a new pending run. A genuine primary-key collision
// on a UUIDv7 is astronomically unlikely but is still surfaced as
// ErrConflict so callers can regenerate and retry per the base contract.
func (s *GormStore) InsertPending(ctx context.Context, kind Kind, runnableID, inputVariablesJSON string) (*Run, error) {
	run := &Run{
		RunnableKind:   kind,
		RunnableID:     runnableID,
		Status:         StatusPending,
		InputVariables: inputVariablesJSON,
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return run, nil
}

// Transition performs the compare-and-set at the heart of the run lifecycle:
// it only takes effect if the row's current status still equals expected.
// The update and the affected-row check happen inside one SQL statement, so
// concurrent callers racing on the same id never both succeed.
func (s *GormStore) Transition(ctx context.Context, id uuid.UUID, expected, next Status, patch Patch) (bool, error) {
	updates := map[string]any{"status": next}
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.EndedAt != nil {
		updates["ended_at"] = *patch.EndedAt
	}
	if patch.WorkerHandle != nil {
		updates["worker_handle"] = *patch.WorkerHandle
	}
	if patch.OutputData != nil {
		updates["output_data"] = *patch.OutputData
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
	}

	tx := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Fetch loads a single run by id.
func (s *GormStore) Fetch(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListActive returns every run whose status is not yet terminal, for the
// reaper's sweep. The query is a single point-in-time snapshot: it is not a
// long-lived cursor, so there is no risk of observing a mix of pre- and
// post-mutation state across the result set.
func (s *GormStore) ListActive(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusPending, StatusRunning}).
		Order("submitted_at ASC").
		Find(&runs).Error
	return runs, err
}

// List returns runs optionally filtered by runnable id and/or status,
// backing GET /api/v1/runs.
func (s *GormStore) List(ctx context.Context, runnableID string, status Status) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})
	if runnableID != "" {
		q = q.Where("runnable_id = ?", runnableID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var runs []*Run
	err := q.Order("submitted_at DESC").Find(&runs).Error
	return runs, err
}
