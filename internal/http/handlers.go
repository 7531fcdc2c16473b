package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/shortontech/sinkflow/internal/lifecycle"
	"github.com/shortontech/sinkflow/internal/metrics"
	"github.com/shortontech/sinkflow/internal/stream"
	cfg "github.com/shortontech/sinkflow/pkg/config"
)

// EmitFunc pushes one item into the pipeline. stream.Source.Emit fits.
type EmitFunc func(ctx context.Context, item any) ([]stream.Outcome, error)

// Flusher is a sink that can be drained on demand.
type Flusher interface {
	Name() string
	Flush(timeout time.Duration) (int, error)
}

const defaultFlushTimeout = 5 * time.Second

type Env struct {
	Cfg      cfg.Config
	Emit     EmitFunc  // injected pipeline entry
	Flushers []Flusher // sinks drained by /flush
	HMACAuth *HMACAuth // nil disables signature checks
	Registry *lifecycle.Registry
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz lists the active sinks and fails while there are none.
func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	reg := e.Registry
	if reg == nil {
		reg = lifecycle.Default
	}
	active := reg.Active()
	names := make([]string, 0, len(active))
	for _, s := range active {
		names = append(names, s.Name())
	}

	if len(names) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no active sinks", "sinks": names})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "sinks": names})
}

// readBody reads a capped body and checks its signature. It writes the error
// response itself and returns ok=false on failure.
func (e Env) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()

	limit := e.Cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return nil, false
	}

	if !e.HMACAuth.Verify(r, body) {
		http.Error(w, "invalid or missing signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// parseItems splits a /collect body into items. A JSON array of strings, a
// single JSON string, or one item per non-empty line.
func parseItems(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	switch trimmed[0] {
	case '[':
		var arr []string
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, errors.New("invalid json array")
		}
		items := make([][]byte, len(arr))
		for i, s := range arr {
			items[i] = []byte(s)
		}
		return items, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, errors.New("invalid json string")
		}
		return [][]byte{[]byte(s)}, nil
	}

	var items [][]byte
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			items = append(items, line)
		}
	}
	return items, nil
}

func allowedContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", "application/x-ndjson", "text/plain":
		return true
	}
	return false
}

// POST /collect emits each item on the pipeline. With ?wait=1 the response
// waits for every outcome and counts the failures.
func (e Env) Collect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !allowedContentType(r.Header.Get("Content-Type")) {
		http.Error(w, "content-type must be application/json, application/x-ndjson or text/plain", http.StatusUnsupportedMediaType)
		return
	}

	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	items, err := parseItems(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if e.Emit == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}

	wait := r.URL.Query().Get("wait") == "1"
	ctx := r.Context()
	if wait && e.Cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Cfg.WaitTimeout)
		defer cancel()
	}

	log := e.logger()
	accepted, failed := 0, 0
	var pending [][]stream.Outcome
	for _, item := range items {
		outs, err := e.Emit(ctx, item)
		if err != nil {
			log.Warn("item rejected", "error", err)
			failed++
			continue
		}
		accepted++
		if wait {
			pending = append(pending, outs)
		}
	}
	for _, outs := range pending {
		if err := stream.WaitAll(ctx, outs...); err != nil {
			log.Warn("item failed", "error", err)
			failed++
		}
	}

	w.Header().Set("X-Sinkflow-Accepted", strconv.Itoa(accepted))
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "failed": failed, "status": "ok"})
}

// POST /flush?timeout=5s drains every flushable sink within one shared
// deadline and reports what is still unacknowledged.
func (e Env) Flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := e.readBody(w, r); !ok {
		return
	}

	timeout := defaultFlushTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	deadline := time.Now().Add(timeout)
	remaining := 0
	for _, f := range e.Flushers {
		left := max(time.Until(deadline), 0)
		n, err := f.Flush(left)
		if err != nil {
			e.logger().Warn("flush skipped", "sink", f.Name(), "error", err)
		} else if n > 0 {
			e.logger().Warn("flush timed out", "sink", f.Name(), "remaining", n)
		}
		remaining += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
}
