package runner

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// logSinkBuffer is the depth of the non-blocking channel between log
// producers and the single goroutine that forwards lines to the ingest
// stream. Sized generously since the cost of a drop here is a lost log
// line, never a stalled run.
const logSinkBuffer = 256

// LogSink publishes log lines without ever blocking the caller: if the
// forwarding goroutine can't keep up, lines are dropped and counted rather
// than backing up into the runnable's execution path.
type LogSink struct {
	lines   chan string
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewLogSink starts the sink's forwarding goroutine. send is called once
// per surviving line; it should itself be non-blocking or fast (e.g.
// stream.Send on a client-streaming gRPC call).
func NewLogSink(logger *zap.Logger, send func(line string)) *LogSink {
	s := &LogSink{
		lines:  make(chan string, logSinkBuffer),
		logger: logger.Named("logsink"),
	}
	go func() {
		for line := range s.lines {
			send(line)
		}
	}()
	return s
}

// Write implements the log record path: it never blocks. A full buffer
// means the forwarder is behind, so the line is dropped and counted rather
// than stalling whatever produced it.
func (s *LogSink) Write(line string) {
	select {
	case s.lines <- line:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of log lines dropped since construction.
func (s *LogSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting new lines and lets the forwarding goroutine drain.
func (s *LogSink) Close() {
	close(s.lines)
}
