package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/runforge/runforge/internal/ingest"
)

// maxChunkBytes is the per-chunk size bound named in the base spec; string
// payloads larger than this are split into multiple chunks.
const maxChunkBytes = 1 << 20 // 1 MiB

// aggregateSoftCap bounds the in-memory aggregated output copy before the
// worker switches to spilling it to an external store.
const aggregateSoftCap = 64 << 20 // 64 MiB

// Backoff parameters for the terminal-transition retry loop: the worker
// must keep trying until the control plane accepts the report or the
// process is killed, so there is no overall deadline here, only a cap on
// the wait between attempts.
const (
	terminalBackoffInitial = 500 * time.Millisecond
	terminalBackoffMax     = 30 * time.Second
	terminalBackoffFactor  = 2.0
)

// Config is the worker invocation contract read from the environment by
// cmd/worker.
type Config struct {
	RunID          string
	RunnableID     string
	RunnableKind   string
	InputVariables string // JSON-encoded mapping
}

// Harness drives one run to completion: resolve, execute, stream, report.
type Harness struct {
	client     ingest.WorkerIngestClient
	resolver   Resolver
	spillStore SpillStore
	logger     *zap.Logger
}

// New constructs a Harness.
func New(client ingest.WorkerIngestClient, resolver Resolver, spillStore SpillStore, logger *zap.Logger) *Harness {
	return &Harness{client: client, resolver: resolver, spillStore: spillStore, logger: logger.Named("runner")}
}

// Run executes cfg's run to completion. It never returns an error for a
// runnable failure — that outcome is reported to the control plane, not
// propagated to the caller. It returns an error only for a setup failure
// severe enough that no terminal report could be attempted at all (the
// caller should exit non-zero; the exit code is advisory only, per the
// worker invocation contract — the control plane's own record is
// authoritative).
func (h *Harness) Run(ctx context.Context) error {
	cfg := h.configFromContext(ctx)

	var input map[string]any
	if cfg.InputVariables != "" {
		if err := json.Unmarshal([]byte(cfg.InputVariables), &input); err != nil {
			h.reportTerminalWithRetry(ctx, cfg.RunID, "failed", "", fmt.Sprintf("invalid input_variables: %v", err))
			return nil
		}
	}

	resultsStream, err := h.client.StreamResults(ctx)
	if err != nil {
		return fmt.Errorf("runner: opening result stream: %w", err)
	}
	logsStream, err := h.client.StreamLogs(ctx)
	if err != nil {
		return fmt.Errorf("runner: opening log stream: %w", err)
	}

	sink := NewLogSink(h.logger, func(line string) {
		msg, _ := structpb.NewStruct(map[string]any{"run_id": cfg.RunID, "line": line})
		if err := logsStream.Send(msg); err != nil {
			h.logger.Warn("log send failed", zap.Error(err))
		}
	})
	defer func() {
		sink.Close()
		_, _ = logsStream.CloseAndRecv()
	}()

	runnable, err := h.resolver.Resolve(ctx, cfg.RunnableKind, cfg.RunnableID, input)
	if err != nil {
		sink.Write(fmt.Sprintf("failed to resolve runnable: %v", err))
		h.reportTerminalWithRetry(ctx, cfg.RunID, "failed", "", err.Error())
		return nil
	}

	agg := newAggregator(h.spillStore, cfg.RunID)

	for {
		chunk, ok, err := runnable.Next(ctx)
		if !ok {
			if err != nil {
				sink.Write(fmt.Sprintf("runnable failed: %v", err))
				_, _ = resultsStream.CloseAndRecv()
				h.reportTerminalWithRetry(ctx, cfg.RunID, "failed", "", err.Error())
				return nil
			}
			break
		}

		for _, part := range splitChunk(chunk.Payload) {
			msg, buildErr := structpb.NewStruct(map[string]any{"run_id": cfg.RunID, "payload": part})
			if buildErr != nil {
				sink.Write(fmt.Sprintf("failed to encode chunk: %v", buildErr))
				continue
			}
			if err := resultsStream.Send(msg); err != nil {
				h.logger.Warn("result send failed", zap.Error(err))
			}
			agg.add(part)
		}
	}

	if _, err := resultsStream.CloseAndRecv(); err != nil {
		h.logger.Warn("result stream close failed", zap.Error(err))
	}

	output, err := agg.finalize(ctx)
	if err != nil {
		h.logger.Warn("aggregation finalize failed", zap.Error(err))
	}

	h.reportTerminalWithRetry(ctx, cfg.RunID, "completed", output, "")
	return nil
}

// configFromContext exists purely so Run reads cleanly top-to-bottom;
// cmd/worker always constructs the Harness with a fixed Config, so this is
// a thin accessor rather than real context plumbing.
func (h *Harness) configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

type configKey struct{}

// WithConfig attaches cfg to ctx for the duration of Run.
func WithConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// reportTerminalWithRetry keeps retrying ReportTerminal with capped
// exponential backoff until it succeeds or ctx is cancelled (process
// killed), per the base spec's "retries until it succeeds or the process
// is killed" requirement.
func (h *Harness) reportTerminalWithRetry(ctx context.Context, runID, status, outputData, errMsg string) {
	fields := map[string]any{
		"run_id": runID,
		"status": status,
	}
	if outputData != "" {
		var decoded any
		if err := json.Unmarshal([]byte(outputData), &decoded); err == nil {
			fields["output_data"] = decoded
		} else {
			fields["output_data"] = outputData
		}
	}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		h.logger.Error("failed to build terminal report", zap.Error(err))
		return
	}

	wait := terminalBackoffInitial
	for {
		if _, err := h.client.ReportTerminal(ctx, msg); err == nil {
			return
		} else {
			h.logger.Warn("terminal report failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}

		select {
		case <-time.After(jitterDuration(wait)):
		case <-ctx.Done():
			return
		}
		wait = time.Duration(float64(wait) * terminalBackoffFactor)
		if wait > terminalBackoffMax {
			wait = terminalBackoffMax
		}
	}
}

func jitterDuration(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*0.2*float64(d))
}

// splitChunk breaks an oversized string payload into maxChunkBytes-sized
// pieces. Non-string payloads are not split — splitting an arbitrary JSON
// value while keeping it independently meaningful has no general
// definition, so an oversized non-string chunk is sent whole.
func splitChunk(payload any) []any {
	s, ok := payload.(string)
	if !ok || len(s) <= maxChunkBytes {
		return []any{payload}
	}

	var parts []any
	b := []byte(s)
	for len(b) > 0 {
		n := maxChunkBytes
		if n > len(b) {
			n = len(b)
		}
		parts = append(parts, string(b[:n]))
		b = b[n:]
	}
	return parts
}

// aggregator accumulates chunk payloads up to aggregateSoftCap bytes, after
// which it spills to an external store and reports a reference instead.
// While every chunk seen so far is a string, the raw text is concatenated
// directly (so "he" + "llo" becomes "hello", per the chunk-splitting
// contract in splitChunk); the first non-string chunk switches the
// aggregator into a generic mode that instead collects values into a JSON
// array.
type aggregator struct {
	store      SpillStore
	runID      string
	strBuf     bytes.Buffer
	values     []any
	allStrings bool
	size       int
	spilled    bool
	spillRef   string
}

func newAggregator(store SpillStore, runID string) *aggregator {
	return &aggregator{store: store, runID: runID, allStrings: true}
}

func (a *aggregator) add(payload any) {
	if a.spilled {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if a.size+len(b) > aggregateSoftCap {
		a.spilled = true
		return
	}
	a.size += len(b)

	if s, ok := payload.(string); ok && a.allStrings {
		a.strBuf.WriteString(s)
		return
	}
	if a.allStrings {
		a.allStrings = false
		if a.strBuf.Len() > 0 {
			a.values = append(a.values, a.strBuf.String())
			a.strBuf.Reset()
		}
	}
	a.values = append(a.values, payload)
}

// finalize returns the JSON text to store in output_data: the concatenated
// string (JSON-encoded once) if every chunk was a string, a JSON array of
// the raw values otherwise, or a spill reference if the soft cap was
// exceeded.
func (a *aggregator) finalize(ctx context.Context) (string, error) {
	if !a.spilled {
		if a.allStrings {
			out, err := json.Marshal(a.strBuf.String())
			if err != nil {
				return "", err
			}
			return string(out), nil
		}
		out, err := json.Marshal(a.values)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	if a.store == nil {
		return `"output exceeded in-memory cap; no spill store configured"`, nil
	}

	var spillPayload []byte
	if a.allStrings {
		spillPayload = []byte(a.strBuf.String())
	} else {
		spillPayload, _ = json.Marshal(a.values)
	}
	ref, err := a.store.Put(ctx, a.runID, spillPayload)
	if err != nil {
		return "", err
	}
	a.spillRef = ref
	out, _ := json.Marshal(map[string]string{"spill_ref": ref})
	return string(out), nil
}
