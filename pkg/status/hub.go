package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pennsieve/agent/internal/logger"
)

const (
	// reapInterval is how often dead subscribers are pinged out.
	reapInterval = 2 * time.Second
	// subscriberBuffer bounds the per-subscriber send queue. A subscriber
	// that falls this far behind is dropped rather than blocking others.
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// subscriber is one connected WebSocket client with its own send queue,
// so a slow client never blocks a broadcast.
type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// wmu serializes writes: the websocket connection allows only one
	// concurrent writer, and pings race with broadcast frames.
	wmu sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub is the process-wide event bus. Workers publish events; connected
// WebSocket clients receive them as JSON frames. Clients may also send a
// queue_upload request, which the hub hands to OnQueueUpload.
type Hub struct {
	port     int
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	// OnQueueUpload handles inbound queue_upload requests. Set by the
	// supervisor before Run.
	OnQueueUpload func(QueueUploadRequest)

	// OnShutdown handles SystemShutdown events. Set by the supervisor.
	OnShutdown func(SystemShutdown)
}

// NewHub returns a hub serving on the given local port.
func NewHub(port int) *Hub {
	return &Hub{
		port: port,
		upgrader: websocket.Upgrader{
			// The hub only listens on loopback; any local origin is fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish sends an event to every connected subscriber, best-effort.
// SystemShutdown is routed to the supervisor instead of to clients.
func (h *Hub) Publish(ev Event) {
	if shutdown, ok := ev.(SystemShutdown); ok {
		if h.OnShutdown != nil {
			h.OnShutdown(shutdown)
		}
		return
	}

	frame, err := encodeFrame(ev)
	if err != nil {
		logger.Warn("failed to encode status event", logger.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- frame:
		default:
			// Queue full: the client stopped reading. Drop it.
			delete(h.subs, sub)
			sub.close()
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Handler returns the WebSocket upgrade handler.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("status websocket upgrade failed", logger.Err(err))
			return
		}
		sub := &subscriber{
			id:   uuid.New().String(),
			conn: conn,
			send: make(chan []byte, subscriberBuffer),
			done: make(chan struct{}),
		}

		h.mu.Lock()
		h.subs[sub] = struct{}{}
		h.mu.Unlock()
		logger.Debug("status subscriber connected",
			"subscriber", sub.id, logger.KeyClientIP, r.RemoteAddr)

		go h.writeLoop(sub)
		go h.readLoop(sub)
	})
}

// Run serves the status WebSocket until the context is cancelled,
// reaping dead subscribers every two seconds.
func (h *Hub) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", h.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", h.port),
		Handler: mux,
	}

	go h.reapLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("status hub listening", logger.KeyPort, h.port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer h.drop(sub)
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.send:
			if err := sub.write(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("malformed status request", logger.Err(err))
			continue
		}
		switch env.Message {
		case queueUploadMessage:
			var req QueueUploadRequest
			if err := json.Unmarshal(env.Body, &req); err != nil {
				logger.Warn("malformed queue_upload request", logger.Err(err))
				continue
			}
			if h.OnQueueUpload != nil {
				h.OnQueueUpload(req)
			}
		default:
			logger.Debug("ignoring unknown status request", "request", env.Message)
		}
	}
}

// reapLoop pings every subscriber; connections that fail the ping are
// dropped so the subscriber set tracks reality within one interval.
func (h *Hub) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subs {
				delete(h.subs, sub)
				sub.close()
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.mu.Lock()
			for sub := range h.subs {
				if err := sub.write(websocket.PingMessage, nil); err != nil {
					delete(h.subs, sub)
					sub.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
	logger.Debug("status subscriber dropped", "subscriber", sub.id)
}
