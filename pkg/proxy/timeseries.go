package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/cache"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/timeseries/wire"
)

// AgentRequest is the JSON query a local client sends over the
// timeseries WebSocket.
type AgentRequest struct {
	Session   string           `json:"session"`
	PackageID string           `json:"packageId"`
	Channels  []ChannelRequest `json:"channels"`
	StartTime int64            `json:"startTime"`
	EndTime   int64            `json:"endTime"`
	ChunkSize int64            `json:"chunkSize"`
	UseCache  *bool            `json:"useCache"`
}

// ChannelRequest is one channel of an AgentRequest.
type ChannelRequest struct {
	ID   string  `json:"id"`
	Rate float64 `json:"rate"`
}

// apiRequest is the query shape the remote streaming service accepts,
// one per uncached page.
type apiRequest struct {
	Session   string `json:"session"`
	PackageID string `json:"packageId"`
	Channel   string `json:"channel"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// TSProxy serves the timeseries WebSocket: it plans each request against
// the page cache, fetches only the uncached pages from the remote
// streaming service, and streams compacted chunks back to the client.
type TSProxy struct {
	port      int
	remoteURL string
	engine    *cache.Engine
	publisher status.Publisher

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	server       *http.Server
	shutdownOnce sync.Once
}

// NewTSProxy creates a timeseries proxy fetching from the given remote
// WebSocket URL.
func NewTSProxy(port int, remoteURL string, engine *cache.Engine, publisher status.Publisher) *TSProxy {
	p := &TSProxy{
		port:      port,
		remoteURL: remoteURL,
		engine:    engine,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
	mux := http.NewServeMux()
	mux.Handle("/", p.Handler())
	p.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	return p
}

// Handler returns the WebSocket upgrade handler. Used by tests.
func (p *TSProxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("timeseries websocket upgrade failed", logger.Err(err))
			return
		}
		go p.serveConn(conn)
	})
}

// Run serves until the context is cancelled.
func (p *TSProxy) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("timeseries proxy listening", logger.KeyPort, p.port)
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return p.Stop()
	case err := <-errChan:
		return fmt.Errorf("timeseries proxy failed: %w", err)
	}
}

// Stop shuts the proxy down gracefully. Safe to call more than once.
func (p *TSProxy) Stop() error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = p.server.Shutdown(shutdownCtx)
	})
	return shutdownErr
}

// serveConn processes one client connection, one request at a time. The
// cache Response is owned by a single exchange, so requests on one
// connection are strictly sequential.
func (p *TSProxy) serveConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req AgentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			p.sendState(conn, wire.StatusError, "malformed request")
			continue
		}

		// A frame without channels is the generic ApiRequest shape the
		// remote service accepts directly; relay it without touching the
		// cache.
		if len(req.Channels) == 0 {
			if err := p.passthrough(conn, data); err != nil {
				logger.Warn("timeseries passthrough failed",
					logger.KeyPackage, req.PackageID, logger.Err(err))
				p.sendState(conn, wire.StatusError, err.Error())
				if p.publisher != nil {
					p.publisher.Publish(status.ErrorEvent{Description: err.Error()})
				}
			}
			continue
		}

		if err := p.handleRequest(conn, &req); err != nil {
			logger.Warn("timeseries request failed",
				logger.KeyPackage, req.PackageID, logger.Err(err))
			p.sendState(conn, wire.StatusError, err.Error())
			if p.publisher != nil {
				p.publisher.Publish(status.ErrorEvent{Description: err.Error()})
			}
		}
	}
}

func (p *TSProxy) handleRequest(conn *websocket.Conn, req *AgentRequest) error {
	p.sendState(conn, wire.StatusNotReady, "")

	channels := make([]cache.Channel, len(req.Channels))
	for i, ch := range req.Channels {
		channels[i] = cache.Channel{ID: ch.ID, Rate: ch.Rate}
	}
	useCache := req.UseCache == nil || *req.UseCache

	resp, err := p.engine.NewResponse(cache.Request{
		PackageID: req.PackageID,
		Channels:  channels,
		Start:     req.StartTime,
		End:       req.EndTime,
		ChunkSize: req.ChunkSize,
		UseCache:  useCache,
	})
	if err != nil {
		return err
	}

	if pageReqs := resp.PageRequests(); len(pageReqs) > 0 {
		if err := p.fetchPages(req, resp, pageReqs); err != nil {
			return err
		}
	}

	if err := resp.RecordPageRequests(); err != nil {
		return err
	}

	p.sendState(conn, wire.StatusReady, "")

	it := resp.Chunks()
	for {
		chunk, err := it.Next()
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		frame := &wire.AgentTimeSeriesResponse{Chunk: toWireChunk(chunk)}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
			return err
		}
	}

	p.sendState(conn, wire.StatusDone, "")
	return nil
}

// passthrough forwards one generic request to the remote streaming
// service and relays its frames back verbatim. The remote announces its
// own response count, so relaying stops once that many frames arrived.
func (p *TSProxy) passthrough(conn *websocket.Conn, raw []byte) error {
	remote, _, err := p.dialer.Dial(p.remoteURL, nil)
	if err != nil {
		return fmt.Errorf("failed to reach streaming service: %w", err)
	}
	defer func() { _ = remote.Close() }()

	if err := remote.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to forward request: %w", err)
	}

	var expected, received uint32
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for {
		msgType, data, err := remote.ReadMessage()
		if err != nil {
			return fmt.Errorf("streaming service read failed: %w", err)
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return err
		}
		received++
		if msg, err := wire.UnmarshalTimeSeriesMessage(data); err == nil && expected == 0 {
			expected = msg.TotalResponses
		}
		if expected != 0 && received >= expected {
			return nil
		}
	}
}

// pageGroup tracks the response countdown for one remote page request.
type pageGroup struct {
	expected uint32
	received uint32
	known    bool
}

// fetchPages opens one remote connection, forwards every uncached page
// request, and feeds the returned segments into the cache. Each page
// group announces its own totalResponses; the fetch completes once every
// group's countdown reaches zero.
func (p *TSProxy) fetchPages(req *AgentRequest, resp *cache.Response, pageReqs []cache.PageRequest) error {
	remote, _, err := p.dialer.Dial(p.remoteURL, nil)
	if err != nil {
		return fmt.Errorf("failed to reach streaming service: %w", err)
	}
	defer func() { _ = remote.Close() }()

	groups := make(map[string]*pageGroup, len(pageReqs))
	for _, pr := range pageReqs {
		out := apiRequest{
			Session:   req.Session,
			PackageID: req.PackageID,
			Channel:   pr.ChannelID,
			StartTime: pr.Start,
			EndTime:   pr.End,
		}
		if err := remote.WriteJSON(out); err != nil {
			return fmt.Errorf("failed to forward page request: %w", err)
		}
		groups[groupKey(cache.NormalizeID(pr.ChannelID), pr.Start, pr.End)] = &pageGroup{}
	}

	pending := len(groups)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for pending > 0 {
		_, data, err := remote.ReadMessage()
		if err != nil {
			return fmt.Errorf("streaming service read failed: %w", err)
		}

		msg, err := wire.UnmarshalTimeSeriesMessage(data)
		if err != nil {
			return err
		}
		if msg.Segment == nil {
			continue
		}
		seg := msg.Segment

		if err := resp.WriteSegment(seg.Source, seg.StartTs, seg.SamplePeriod, seg.Data); err != nil {
			return err
		}

		key := groupKey(cache.NormalizeID(seg.Source), seg.PageStart, seg.PageEnd)
		group, ok := groups[key]
		if !ok {
			logger.Debug("segment for unrequested page", logger.KeyChannel, seg.Source)
			continue
		}
		if !group.known {
			group.expected = msg.TotalResponses
			group.known = true
		}
		group.received++
		if group.received >= group.expected {
			delete(groups, key)
			pending--
		}
	}
	return nil
}

func groupKey(source string, start, end int64) string {
	return fmt.Sprintf("%s/%d/%d", source, start, end)
}

func toWireChunk(chunk *cache.Chunk) *wire.ChunkResponse {
	out := &wire.ChunkResponse{Start: chunk.Start, End: chunk.End}
	for _, ch := range chunk.Channels {
		samples := wire.ChannelSamples{ChannelID: ch.ChannelID}
		for _, pt := range ch.Points {
			samples.Timestamps = append(samples.Timestamps, pt.Timestamp)
			samples.Values = append(samples.Values, pt.Value)
		}
		out.Channels = append(out.Channels, samples)
	}
	return out
}

// sendState emits one state frame, best-effort.
func (p *TSProxy) sendState(conn *websocket.Conn, s wire.Status, description string) {
	frame := &wire.AgentTimeSeriesResponse{
		State: &wire.StateMessage{Status: s, Description: description},
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug("failed to send state frame", logger.Err(err))
	}
}
