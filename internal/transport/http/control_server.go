package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 2 * time.Second
	sendBuffer   = 16
)

// viewer is one connected preview page.
type viewer struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

// ControlServer accepts websocket connections from viewers and broadcasts
// instructions to them. Each viewer has its own bounded queue and writer, so
// a stalled viewer is disconnected instead of delaying the others.
type ControlServer struct {
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	viewers    map[*viewer]struct{}
	onGoToLine func(contracts.GoToLineMessage)
	stopped    bool
}

// StartControlServer binds addr and starts accepting viewers.
func StartControlServer(addr string, logger *slog.Logger) (*ControlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &ControlServer{
		logger:   logger.With("component", "control", "addr", ln.Addr().String()),
		listener: ln,
		viewers:  make(map[*viewer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Handler:           http.HandlerFunc(s.handleWS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server stopped", "error", err)
		}
	}()
	s.logger.Info("control server listening")
	return s, nil
}

// Addr returns the bound address.
func (s *ControlServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *ControlServer) Port() int {
	return portOf(s.listener.Addr())
}

// SetGoToLineHandler registers the callback for viewer go-to-line requests.
func (s *ControlServer) SetGoToLineHandler(fn func(contracts.GoToLineMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGoToLine = fn
}

// Connections returns the number of connected viewers.
func (s *ControlServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Reload tells every viewer to refetch its page.
func (s *ControlServer) Reload() {
	s.broadcast(contracts.NewReload())
}

// Scroll tells every viewer to reveal the zero-based source line.
func (s *ControlServer) Scroll(line int) {
	s.broadcast(contracts.NewScroll(line))
}

func (s *ControlServer) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message", "error", err)
		return
	}

	s.mu.Lock()
	var stalled []*viewer
	for v := range s.viewers {
		select {
		case v.send <- data:
		default:
			stalled = append(stalled, v)
		}
	}
	s.mu.Unlock()

	for _, v := range stalled {
		s.logger.Warn("viewer stalled, disconnecting", "remote", v.conn.RemoteAddr().String())
		s.drop(v)
	}
}

// handleWS upgrades the connection and reads viewer messages until it
// closes.
func (s *ControlServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v := &viewer{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
	if !s.register(v) {
		_ = conn.Close()
		return
	}
	s.logger.Debug("viewer connected", "remote", conn.RemoteAddr().String())

	go s.writeLoop(v)
	defer s.drop(v)

	// Block here until the connection closes / errors out.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !v.limiter.Allow() {
			continue
		}
		s.handleInbound(raw)
	}
}

func (s *ControlServer) register(v *viewer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.viewers[v] = struct{}{}
	return true
}

func (s *ControlServer) drop(v *viewer) {
	s.mu.Lock()
	delete(s.viewers, v)
	s.mu.Unlock()
	v.close()
}

func (s *ControlServer) writeLoop(v *viewer) {
	for {
		select {
		case <-v.done:
			return
		case data := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("viewer write failed", "error", err)
				s.drop(v)
				return
			}
		}
	}
}

func (s *ControlServer) handleInbound(raw []byte) {
	var envelope contracts.IncomingMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case contracts.MessageTypeGoToLine:
		var msg contracts.GoToLineMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		s.mu.Lock()
		fn := s.onGoToLine
		s.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// Stop closes the listener and disconnects every viewer.
func (s *ControlServer) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	s.stopped = true
	viewers := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[*viewer]struct{})
	s.mu.Unlock()

	for _, v := range viewers {
		v.close()
	}
	s.logger.Info("control server stopped")
	return err
}
