package httpx

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shortontech/sinkflow/internal/metrics"
)

// TestResponseWriter tests the responseWriter wrapper
func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: recorder, statusCode: http.StatusOK}

		rw.WriteHeader(http.StatusCreated)

		if rw.statusCode != http.StatusCreated {
			t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusCreated)
		}
		if recorder.Code != http.StatusCreated {
			t.Errorf("underlying recorder Code = %d, want %d", recorder.Code, http.StatusCreated)
		}
	})

	t.Run("defaults to 200 OK", func(t *testing.T) {
		rw := wrap(httptest.NewRecorder())
		_, _ = rw.Write([]byte("test"))

		if rw.statusCode != http.StatusOK {
			t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusOK)
		}
	})

	t.Run("wrap reuses an existing wrapper", func(t *testing.T) {
		rw := wrap(httptest.NewRecorder())
		if wrap(rw) != rw {
			t.Error("wrap should not double wrap")
		}
	})
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodPost, "/collect?wait=1", nil)
	req.Header.Set("User-Agent", "TestAgent/1.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	w := httptest.NewRecorder()

	RequestLogger(log)(next).ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusTeapot)
	}
	out := buf.String()
	for _, want := range []string{"method=POST", "path=/collect", "status=418", "client_ip=203.0.113.9", `ua=TestAgent/1.0`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}

// TestMetricsMiddleware tests the metrics tracking middleware
func TestMetricsMiddleware(t *testing.T) {
	t.Run("handles nil metrics gracefully", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		w := httptest.NewRecorder()
		MetricsMiddleware(nil)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if w.Code != http.StatusOK {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("records status and route", func(t *testing.T) {
		m := metrics.NewMetrics(prometheus.NewRegistry())
		codes := map[string]int{"/collect": http.StatusAccepted, "/flush": http.StatusOK, "/unknown/path": http.StatusNotFound}

		for path, code := range codes {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			})
			w := httptest.NewRecorder()
			MetricsMiddleware(m)(next).ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
			if w.Code != code {
				t.Errorf("%s: status code = %d, want %d", path, w.Code, code)
			}
		}

		if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/collect", "POST", "202")); v != 1 {
			t.Errorf("/collect 202 count = %v, want 1", v)
		}
		if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("other", "POST", "404")); v != 1 {
			t.Errorf("unknown paths should be labelled other, count = %v", v)
		}
		if n := testutil.CollectAndCount(m.HTTPDuration); n != 3 {
			t.Errorf("duration series = %d, want 3", n)
		}
	})
}

func TestCORS(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	w := httptest.NewRecorder()
	cors(next).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/collect", nil))
	if w.Code != http.StatusNoContent || called {
		t.Errorf("preflight: status %d, next called %v", w.Code, called)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), SignatureHeader) {
		t.Errorf("Allow-Headers = %q, want it to include %s", w.Header().Get("Access-Control-Allow-Headers"), SignatureHeader)
	}

	w = httptest.NewRecorder()
	cors(next).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/collect", nil))
	if !called || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("non-preflight requests should pass through with CORS headers")
	}
}
