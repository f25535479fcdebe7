// Package csa implements the Cluster Scheduler Adapter: a thin contract over
// an external container-orchestration API. It carries no business logic of
// its own — idempotency tokens are its only state.
package csa

import (
	"context"
	"errors"
	"time"
)

// ErrTransient wraps a retryable scheduler failure (e.g. API timeout,
// temporary resource exhaustion).
var ErrTransient = errors.New("csa: transient error")

// ErrPermanent wraps a non-retryable scheduler failure (e.g. bad image
// reference, authorization failure).
var ErrPermanent = errors.New("csa: permanent error")

// WorkerState is the coarse-grained lifecycle state CSA reports for a
// launched worker.
type WorkerState string

const (
	WorkerActive    WorkerState = "active"
	WorkerSucceeded WorkerState = "succeeded"
	WorkerFailed    WorkerState = "failed"
	WorkerUnknown   WorkerState = "unknown"
)

// Resources bounds a worker's CPU and memory.
type Resources struct {
	CPU    string // e.g. "500m"
	Memory string // e.g. "256Mi"
}

// Spec describes the one-shot worker to launch.
type Spec struct {
	// RequestID is the caller-supplied idempotency key: calling Launch twice
	// with the same RequestID must produce at most one worker.
	RequestID string
	RunID     string
	Image     string
	Env       map[string]string
	// ResourceRequests/Limits bound the worker's footprint on the cluster.
	ResourceRequests Resources
	ResourceLimits   Resources
}

// WorkerInfo is one entry returned by List, used by the garbage-collection
// sweep to find workers eligible for teardown.
type WorkerInfo struct {
	Handle     string
	RunID      string
	State      WorkerState
	FinishedAt time.Time // zero if still active
}

// Adapter is the Cluster Scheduler Adapter contract.
type Adapter interface {
	// Launch creates a one-shot worker and returns its opaque handle. It must
	// be idempotent keyed by spec.RequestID.
	Launch(ctx context.Context, spec Spec) (handle string, err error)
	// Inspect reports a previously-launched worker's coarse lifecycle state.
	Inspect(ctx context.Context, handle string) (WorkerState, error)
	// Delete tears down a worker's resources. Idempotent.
	Delete(ctx context.Context, handle string) error
	// List returns every worker this adapter knows about, for the
	// garbage-collection sweep.
	List(ctx context.Context) ([]WorkerInfo, error)
}
