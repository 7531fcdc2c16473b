package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// routes served by NewMux. Anything else is labelled "other" in metrics.
var routes = []string{"/healthz", "/readyz", "/collect", "/flush"}

func routeLabel(path string) string {
	for _, route := range routes {
		if path == route {
			return route
		}
	}
	return "other"
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/collect", e.Collect)
	mux.HandleFunc("/flush", e.Flush)

	// Apply CORS, metrics, and request logging middleware
	return RequestLogger(e.logger())(MetricsMiddleware(e.Metrics)(cors(mux)))
}

// Server runs the collector endpoints.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

func NewServer(e Env) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              e.Cfg.ServerAddr,
			Handler:           NewMux(e),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens on the configured address and serves in the background.
// The returned channel yields the serve error, if any, then closes.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln

	errc := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc, nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
