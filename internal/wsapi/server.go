// Package wsapi exposes the message router over websocket connections.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"yashubustudio/sift/internal/logger"
	"yashubustudio/sift/sift"
)

// Dispatcher routes one envelope. ok is false for unknown message types.
type Dispatcher interface {
	Dispatch(ctx context.Context, env sift.Envelope) (*sift.Future, bool)
}

// EventSource publishes lifecycle progress.
type EventSource interface {
	Subscribe(buffer int) (<-chan sift.Event, func())
}

type Options struct {
	Router Dispatcher
	Events EventSource
	Logger *logger.Logger
	// AllowOrigin decides cross-origin upgrades. Nil allows every origin.
	AllowOrigin func(r *http.Request) bool
}

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Server upgrades HTTP requests to websocket sessions. Each text frame is a
// JSON sift.Envelope; responses and lifecycle events are written back as JSON
// sift.Response frames.
type Server struct {
	router   Dispatcher
	events   EventSource
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	allow := opts.AllowOrigin
	if allow == nil {
		allow = func(*http.Request) bool { return true }
	}
	return &Server{
		router:   opts.Router,
		events:   opts.Events,
		log:      logger.OrNop(opts.Logger),
		upgrader: websocket.Upgrader{CheckOrigin: allow},
		clients:  make(map[*client]struct{}),
	}
}

// Handler serves the websocket endpoint at /ws and a health probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done, then closes every session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("websocket server listening", "addr", addr)
	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every session and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan sift.Response, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	// Subscribe before reading so events caused by this client's first
	// message are delivered.
	var events <-chan sift.Event
	unsubscribe := func() {}
	if s.events != nil {
		events, unsubscribe = s.events.Subscribe(sendBuffer)
	}

	log := s.log.With("client", c.id)
	log.Info("client connected", "remote", r.RemoteAddr)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		c.writeLoop(events, log)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c, log)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		log.Info("client disconnected")
	}()
}

func (s *Server) readLoop(c *client, log *logger.Logger) {
	defer c.close()
	var pending sync.WaitGroup
	defer pending.Wait()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				log.Debug("read failed", "error", err)
			}
			return
		}
		var env sift.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.push(sift.Response{OK: false, Error: "malformed envelope", Code: "invalid"})
			continue
		}
		f, ok := s.router.Dispatch(c.ctx, env)
		if !ok {
			continue
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			resp, err := f.Wait(c.ctx)
			if err != nil {
				return
			}
			c.push(resp)
		}()
	}
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan sift.Response
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *client) push(resp sift.Response) {
	select {
	case c.send <- resp:
	case <-c.ctx.Done():
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// writeLoop is the connection's only writer. It serializes responses and
// lifecycle events; a nil events channel disables event forwarding.
func (c *client) writeLoop(events <-chan sift.Event, log *logger.Logger) {
	defer c.close()
	for {
		var resp sift.Response
		select {
		case <-c.ctx.Done():
			return
		case resp = <-c.send:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			resp = sift.Response{Type: sift.MsgLifecycleProgress, OK: ev.Err == "", Result: ev, Error: ev.Err}
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(resp); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}
