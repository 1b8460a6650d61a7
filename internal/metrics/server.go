package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "microclaw/pkg/logx"
)

// Server serves the collector's registry over HTTP.
type Server struct {
	srv *http.Server
	log logx.Logger
}

// ServerOption tweaks the metrics listener.
type ServerOption func(*http.ServeMux)

func NewServer(addr, path string, c *Collector, log logx.Logger, opts ...ServerOption) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	for _, o := range opts {
		o(mux)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Serve listens until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("metrics.listening", logx.String("addr", ln.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("metrics.shutdown_failed", logx.Err(err))
		return err
	}
	<-errCh
	return nil
}
