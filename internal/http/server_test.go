package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfg "github.com/shortontech/sinkflow/pkg/config"
)

func TestNewMuxRoutes(t *testing.T) {
	p := newPipeline(t)
	h := NewMux(p.env())

	tests := []struct {
		method   string
		path     string
		body     string
		wantCode int
	}{
		{method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK},
		{method: http.MethodGet, path: "/readyz", wantCode: http.StatusOK},
		{method: http.MethodPost, path: "/collect", body: `["a"]`, wantCode: http.StatusAccepted},
		{method: http.MethodPost, path: "/flush", wantCode: http.StatusOK},
		{method: http.MethodGet, path: "/px.gif", wantCode: http.StatusNotFound},
		{method: http.MethodOptions, path: "/collect", wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestRouteLabel(t *testing.T) {
	for path, want := range map[string]string{
		"/collect":     "/collect",
		"/flush":       "/flush",
		"/healthz":     "/healthz",
		"/readyz":      "/readyz",
		"/collect/x":   "other",
		"/favicon.ico": "other",
	} {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	p := newPipeline(t)
	e := p.env()
	e.Cfg = cfg.Config{ServerAddr: "127.0.0.1:0", MaxBodyBytes: 1 << 10}

	s := NewServer(e)
	errc, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	resp, err := http.Post("http://"+s.Addr()+"/collect", "text/plain", strings.NewReader("over the wire"))
	if err != nil {
		t.Fatalf("POST /collect failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if got := p.collected(); len(got) != 1 || got[0] != "over the wire" {
		t.Errorf("collected %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
	if err, ok := <-errc; ok && err != nil {
		t.Errorf("serve error = %v", err)
	}
}

func TestServerStartError(t *testing.T) {
	s := NewServer(Env{Cfg: cfg.Config{ServerAddr: "256.0.0.1:bad"}, Log: quiet})
	if _, err := s.Start(context.Background()); err == nil {
		t.Error("Start() on an invalid address should fail")
	}
}
