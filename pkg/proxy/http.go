// Package proxy exposes the agent's two local network surfaces: a
// transparent HTTP reverse proxy to the platform API and a timeseries
// WebSocket proxy that interposes the page cache between local clients
// and the remote streaming service.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/metrics"
	"github.com/pennsieve/agent/pkg/status"
)

// locationHeader overrides the destination host for a single request.
const locationHeader = "X-Ps-Api-Location"

// HTTPProxy forwards local requests to the platform API unchanged,
// so tools on the user's machine can talk to the platform through
// localhost without handling authentication redirects themselves.
type HTTPProxy struct {
	port      int
	remote    *url.URL
	client    *http.Client
	publisher status.Publisher
	userAgent string

	server       *http.Server
	shutdownOnce sync.Once
}

// NewHTTPProxy creates a proxy to the given remote base URL.
func NewHTTPProxy(port int, remoteBase, version string, publisher status.Publisher) (*HTTPProxy, error) {
	remote, err := url.Parse(remoteBase)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy remote %q: %w", remoteBase, err)
	}

	p := &HTTPProxy{
		port:   port,
		remote: remote,
		client: &http.Client{
			// No overall timeout: responses may stream indefinitely.
			Transport: http.DefaultTransport,
		},
		publisher: publisher,
		userAgent: fmt.Sprintf("agent/%s/%s", runtime.GOARCH, version),
	}

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if handler := metrics.Handler(); handler != nil {
		router.Handle("/metrics", handler)
	}
	router.HandleFunc("/*", p.forward)

	p.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: router,
	}
	return p, nil
}

// Handler returns the proxy's HTTP handler. Used by tests.
func (p *HTTPProxy) Handler() http.Handler {
	return p.server.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (p *HTTPProxy) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP proxy listening", logger.KeyPort, p.port)
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return p.Stop()
	case err := <-errChan:
		return fmt.Errorf("HTTP proxy failed: %w", err)
	}
}

// Stop shuts the proxy down gracefully. Safe to call more than once.
func (p *HTTPProxy) Stop() error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = p.server.Shutdown(shutdownCtx)
	})
	return shutdownErr
}

// forward relays one request to the platform, streaming the response
// back unmodified.
func (p *HTTPProxy) forward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if p.publisher != nil {
		p.publisher.Publish(status.IncomingProxyRequest{
			Method: r.Method,
			URI:    r.URL.RequestURI(),
		})
	}

	target := *p.remote
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery
	if loc := r.Header.Get(locationHeader); loc != "" {
		if override, err := url.Parse(loc); err == nil && override.Host != "" {
			target.Scheme = override.Scheme
			target.Host = override.Host
		} else {
			target.Host = loc
		}
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	copyProxyHeaders(out.Header, r.Header)
	out.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(out)
	if err != nil {
		logger.Warn("proxy request failed",
			logger.KeyMethod, r.Method, logger.KeyURL, target.String(), logger.Err(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("proxy response copy interrupted", logger.Err(err))
	}

	metrics.ObserveProxyRequest(r.Method, time.Since(start))
}

// copyProxyHeaders copies request headers, dropping the hop-specific
// ones the proxy must own.
func copyProxyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch {
		case strings.EqualFold(k, "Host"),
			strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, locationHeader),
			strings.EqualFold(k, "User-Agent"):
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
