package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPResolver resolves a runnable by delegating to an external agent/team
// execution service over HTTP: the service owns everything about what an
// agent or team actually does, and exposes a single streaming invocation
// endpoint that yields one JSON value per line.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPResolver constructs a resolver against baseURL (e.g.
// "http://runnable-service.internal").
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{BaseURL: baseURL, Client: http.DefaultClient}
}

func (r *HTTPResolver) Resolve(ctx context.Context, kind, runnableID string, inputVariables map[string]any) (Runnable, error) {
	body, err := json.Marshal(inputVariables)
	if err != nil {
		return nil, fmt.Errorf("runner: encoding input variables: %w", err)
	}

	url := fmt.Sprintf("%s/%ss/%s/invoke", r.BaseURL, kind, runnableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runner: building invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: invoking runnable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("runner: runnable service returned %d", resp.StatusCode)
	}

	return &httpRunnable{scanner: bufio.NewScanner(resp.Body), closer: resp.Body}, nil
}

// httpRunnable adapts a newline-delimited-JSON HTTP response body to the
// Runnable interface: one JSON value per line is one chunk.
type httpRunnable struct {
	scanner *bufio.Scanner
	closer  interface{ Close() error }
	done    bool
}

func (r *httpRunnable) Next(ctx context.Context) (Chunk, bool, error) {
	if r.done {
		return Chunk{}, false, nil
	}

	type result struct {
		ok  bool
		err error
	}
	lineCh := make(chan result, 1)
	var line []byte

	go func() {
		ok := r.scanner.Scan()
		if ok {
			line = append([]byte(nil), r.scanner.Bytes()...)
		}
		lineCh <- result{ok: ok, err: r.scanner.Err()}
	}()

	select {
	case res := <-lineCh:
		if !res.ok {
			r.done = true
			_ = r.closer.Close()
			return Chunk{}, false, res.err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			return r.Next(ctx)
		}
		var payload any
		if err := json.Unmarshal(line, &payload); err != nil {
			return Chunk{}, false, fmt.Errorf("runner: decoding chunk: %w", err)
		}
		return Chunk{Payload: payload}, true, nil

	case <-ctx.Done():
		r.done = true
		_ = r.closer.Close()
		return Chunk{}, false, ctx.Err()
	}
}
