// Package feed serves a local live status stream over websocket. The
// watch daemon publishes coordination and queue events; `status --follow`
// subscribes. The feed is loopback-only and best-effort: a slow or dead
// subscriber is dropped, never allowed to stall the daemon.
package feed

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event kinds published on the feed.
const (
	KindState      = "state"
	KindEnqueued   = "enqueued"
	KindSyncResult = "sync_result"
	KindClassified = "classified"
)

// Event is one feed record.
type Event struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`

	// State holds the coordinator state for KindState.
	State string `json:"state,omitempty"`
	// Depth is the pending-queue depth, where known.
	Depth int `json:"depth,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Path      string `json:"path,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// subscriberBuffer bounds per-subscriber queued events before the
// subscriber is dropped.
const subscriberBuffer = 64

// writeTimeout bounds one websocket write to a subscriber.
const writeTimeout = 5 * time.Second

// Server broadcasts events to websocket subscribers on a loopback
// listener.
type Server struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a feed Server; Serve starts it.
func NewServer(logger *slog.Logger) *Server {
	s := &Server{
		logger: logger,
		subs:   make(map[chan Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", s.handleFeed)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	return s
}

// Serve listens on addr and serves subscribers until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("status feed listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Publish broadcasts one event to every subscriber. Never blocks: a
// subscriber whose buffer is full loses the event.
func (s *Server) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.logger.Debug("feed subscriber lagging, dropping event", "kind", e.Kind)
		}
	}
}

// handleFeed upgrades the connection and streams events until the
// subscriber disconnects.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("feed accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return

		case e := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

// Subscribe connects to a feed server and delivers events on the returned
// channel until ctx is cancelled or the server closes the stream. The
// channel is closed on exit.
func Subscribe(ctx context.Context, addr string) (<-chan Event, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/feed", nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, subscriberBuffer)

	go func() {
		defer close(ch)
		defer conn.CloseNow()

		for {
			var e Event
			if err := wsjson.Read(ctx, conn, &e); err != nil {
				return
			}

			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
