// Package runstore implements the Run Store: durable, transactional
// persistence of run records and the compare-and-set status transitions
// every other component relies on.
package runstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is one of the five states in the run lifecycle graph.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the statuses a run never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind identifies what a run executes: a single agent or a team of agents.
// The store treats both as an opaque label; it never resolves the
// underlying configuration.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTeam  Kind = "team"
)

// Run is the persisted record of one execution attempt. ID is a UUIDv7
// (time-ordered) generated on insert. InputVariables and OutputData are
// stored as JSON text rather than a native JSON column so the same schema
// works unmodified against both SQLite and Postgres.
type Run struct {
	ID             uuid.UUID `gorm:"type:text;primaryKey"`
	RunnableKind   Kind      `gorm:"type:text;not null"`
	RunnableID     string    `gorm:"type:text;not null;index"`
	Status         Status    `gorm:"type:text;not null;default:'pending';index"`
	InputVariables string    `gorm:"type:text;not null;default:'{}'"` // JSON object
	OutputData     string    `gorm:"type:text;default:''"`           // JSON value, empty until completed
	ErrorMessage   string    `gorm:"type:text;default:''"`
	WorkerHandle   string    `gorm:"type:text;default:''"`
	SubmittedAt    time.Time `gorm:"not null;index"`
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// TableName pins the table name so a future rename of the Go type does not
// silently migrate the schema.
func (Run) TableName() string { return "runs" }

// BeforeCreate assigns a time-ordered UUIDv7 if the caller has not already
// set one, mirroring the id-generation convention used for every other
// entity in this system.
func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if r.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	return nil
}
