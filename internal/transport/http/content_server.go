// Package httpserver holds the two preview listeners: the content server
// that serves a project's build output and the control channel that pushes
// reload and scroll instructions to viewers.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

const shutdownTimeout = 2 * time.Second

// ContentServer serves the build output directory of the previewed project.
// The directory can be swapped while the server runs.
type ContentServer struct {
	logger *slog.Logger

	root     atomic.Pointer[string]
	listener net.Listener
	server   *http.Server
}

// StartContentServer binds addr and starts serving. Bind errors are
// returned to the caller.
func StartContentServer(addr string, logger *slog.Logger) (*ContentServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &ContentServer{
		logger:   logger.With("component", "content", "addr", ln.Addr().String()),
		listener: ln,
	}
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("content server stopped", "error", err)
		}
	}()
	s.logger.Info("content server listening")
	return s, nil
}

// SetRoot points the server at a new build directory.
func (s *ContentServer) SetRoot(dir string) {
	s.root.Store(&dir)
}

// Root returns the directory being served, or "" if none.
func (s *ContentServer) Root() string {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return ""
}

// Addr returns the bound address.
func (s *ContentServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *ContentServer) Port() int {
	return portOf(s.listener.Addr())
}

// ServeHTTP serves files from the current root.
func (s *ContentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	root := s.Root()
	if root == "" {
		http.Error(w, "nothing to preview", http.StatusNotFound)
		return
	}

	// Pages change on every build.
	w.Header().Set("Cache-Control", "no-store")
	http.FileServer(http.Dir(root)).ServeHTTP(w, r)
}

// Stop gracefully shuts the server down.
func (s *ContentServer) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.logger.Info("content server stopped")
	return err
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
