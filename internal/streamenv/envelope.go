// Package streamenv defines the JSON envelope published on run_results
// channels and consumed by the Result Stream Gateway.
package streamenv

import "encoding/json"

// Kind discriminates a result envelope.
type Kind string

const (
	KindChunk Kind = "chunk"
	KindEnd   Kind = "end"
)

// Envelope is the wire shape of every message on a run_results:{id} channel.
// Payload carries a chunk's value; Error is set only on a failing end event.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Chunk builds a {"kind":"chunk","payload":...} envelope.
func Chunk(payload any) Envelope {
	return Envelope{Kind: KindChunk, Payload: payload}
}

// End builds the single terminal sentinel for a run's result stream. An
// empty errMsg produces a bare {"kind":"end"}.
func End(errMsg string) Envelope {
	return Envelope{Kind: KindEnd, Error: errMsg}
}

// Marshal encodes the envelope as a single JSON object, the unit the Result
// Stream Gateway frames into one `data: ...\n\n` SSE block.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ChannelForResults returns the Message Bus channel name carrying result
// envelopes for a run.
func ChannelForResults(runID string) string {
	return "run_results:" + runID
}

// ChannelForLogs returns the Message Bus channel name carrying a run's log
// lines, each encoded by MarshalLogLine.
func ChannelForLogs(runID string) string {
	return "run_logs:" + runID
}

// LogLine is the wire shape published on a run_logs:{id} channel, one frame
// per line of worker output.
type LogLine struct {
	Line string `json:"line"`
}

// MarshalLogLine encodes a single log line for publication on a
// run_logs:{id} channel. The bus message stays JSON so LogLine can grow
// fields later without a wire break, but the Log Stream Gateway decodes it
// back to plain text before forwarding to a client: §6 specifies one UTF-8
// text frame per log line, not a JSON-wrapped one.
func MarshalLogLine(s string) []byte {
	b, _ := json.Marshal(LogLine{Line: s})
	return b
}

// UnmarshalLogLine extracts the plain text of a log line previously encoded
// by MarshalLogLine.
func UnmarshalLogLine(b []byte) (string, error) {
	var l LogLine
	if err := json.Unmarshal(b, &l); err != nil {
		return "", err
	}
	return l.Line, nil
}
