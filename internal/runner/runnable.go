// Package runner implements the Worker Runtime: the one-shot process that
// runs inside a scheduled container, executes a single run to completion,
// and reports chunks, log lines, and the terminal outcome back to the
// control plane over the ingest gRPC service.
package runner

import "context"

// Chunk is one unit of a runnable's lazy output sequence.
type Chunk struct {
	Payload any
}

// Runnable is the lazy, cancellable sequence of output chunks produced by
// executing one agent or team. What a runnable actually does — LLM calls,
// tool use, retrieval — is entirely delegated to an external collaborator;
// this harness only ever consumes the sequence it yields.
type Runnable interface {
	// Next blocks until the next chunk is available, the sequence finishes,
	// or ctx is cancelled. ok is false once the sequence has ended, cleanly
	// or not; a non-nil err distinguishes a failed finish from a clean one.
	Next(ctx context.Context) (chunk Chunk, ok bool, err error)
}

// Resolver loads the Runnable behind an opaque (kind, runnable_id) pair.
// The core never assumes agents and teams share a shape; resolution itself
// is the external collaborator's job.
type Resolver interface {
	Resolve(ctx context.Context, kind, runnableID string, inputVariables map[string]any) (Runnable, error)
}
