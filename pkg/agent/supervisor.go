// Package agent assembles the workers of the local agent runtime and
// supervises their lifecycle: the cache collector, the upload engine
// and watcher, both local proxies, and the status hub.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/api"
	"github.com/pennsieve/agent/pkg/cache"
	"github.com/pennsieve/agent/pkg/config"
	"github.com/pennsieve/agent/pkg/metrics"
	"github.com/pennsieve/agent/pkg/proxy"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/store"
	"github.com/pennsieve/agent/pkg/upload"
)

// Options tunes a Supervisor beyond what the config file carries.
type Options struct {
	// Version is reported in the proxy User-Agent and API calls.
	Version string

	// StopMode controls the upload watcher: StopNever for the long
	// running daemon, StopOnFinish for one-shot CLI uploads.
	StopMode upload.StopMode
}

type workerEntry struct {
	kind Kind
	run  func(ctx context.Context) error
}

// Supervisor owns the agent's worker set. Workers are built once at
// construction from the resolved config; Run starts them in order and
// blocks until shutdown.
type Supervisor struct {
	cfg      *config.Config
	store    *store.Store
	hub      *status.Hub
	registry *Registry
	uploader *upload.Engine
	workers  []workerEntry

	exitCode atomic.Int32
	runOnce  sync.Once
}

// New builds the supervisor's worker set from the config. Disabled
// workers are simply not constructed. Port assignments across enabled
// network workers must be unique.
func New(cfg *config.Config, st *store.Store, opts Options) (*Supervisor, error) {
	if cfg.Agent.Metrics {
		metrics.InitRegistry()
	}

	profile, err := cfg.ActiveProfile()
	if err != nil {
		return nil, err
	}

	if err := validatePorts(cfg); err != nil {
		return nil, err
	}

	client := api.New(profile.APIHost(), opts.Version)
	session := api.NewSessionManager(client, st, api.Credentials{
		Profile:     profile.Name,
		Environment: profile.Environment,
		APIKey:      profile.APIToken,
		APISecret:   profile.APISecret,
	})

	s := &Supervisor{
		cfg:      cfg,
		store:    st,
		hub:      status.NewHub(cfg.Agent.StatusPort),
		registry: NewRegistry(),
	}

	collector := cache.NewCollector(st, cache.CollectorConfig{
		Base:       cfg.CachePath(),
		SoftBudget: cfg.Agent.CacheSoftSize.Int64(),
		HardBudget: cfg.Agent.CacheHardSize.Int64(),
	})
	collector.OnError = func(err error) {
		s.registry.Sender(KindCollector).Publish(status.ErrorEvent{Description: err.Error()})
	}
	s.add(KindCollector, collector.Run)

	if cfg.Agent.Uploader {
		s.uploader = upload.NewEngine(st, session, s.registry.Sender(KindUploader))
		s.add(KindUploader, s.uploader.Run)

		watcher := upload.NewWatcher(st, s.registry.Sender(KindWatcher), opts.StopMode, 0)
		s.add(KindWatcher, watcher.Run)
	}

	if cfg.Agent.Proxy {
		httpProxy, err := proxy.NewHTTPProxy(cfg.Agent.ProxyLocalPort, profile.APIHost(),
			opts.Version, s.registry.Sender(KindHTTPProxy))
		if err != nil {
			return nil, err
		}
		s.add(KindHTTPProxy, httpProxy.Run)
	}

	if cfg.Agent.Timeseries {
		engine := cache.NewEngine(st, cfg.CachePath(), cfg.Agent.CachePageSize)
		tsProxy := proxy.NewTSProxy(cfg.Agent.TimeseriesLocalPort, profile.StreamingHost(),
			engine, s.registry.Sender(KindTimeseries))
		s.add(KindTimeseries, tsProxy.Run)
	}

	// The hub starts last so every other worker is already publishing
	// into a registered sender by the time clients can connect.
	s.add(KindStatusHub, s.hub.Run)
	for _, w := range s.workers {
		s.registry.Register(w.kind, s.hub)
	}

	return s, nil
}

func (s *Supervisor) add(kind Kind, run func(ctx context.Context) error) {
	s.workers = append(s.workers, workerEntry{kind: kind, run: run})
}

// Uploader returns the upload engine, or nil when the uploader is
// disabled. The CLI queues files through it before starting Run.
func (s *Supervisor) Uploader() *upload.Engine {
	return s.uploader
}

// Hub returns the status hub.
func (s *Supervisor) Hub() *status.Hub {
	return s.hub
}

// ExitCode returns the code a SystemShutdown requested. Meaningful
// after Run returns.
func (s *Supervisor) ExitCode() int {
	return int(s.exitCode.Load())
}

// Run starts every worker in order and blocks until the context is
// cancelled, a SystemShutdown arrives, or a worker fails. Run may only
// be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	var runErr error
	s.runOnce.Do(func() {
		runErr = s.run(ctx)
	})
	return runErr
}

func (s *Supervisor) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.hub.OnShutdown = func(ev status.SystemShutdown) {
		logger.Info("shutdown requested", "exit_code", ev.ExitCode)
		s.exitCode.Store(int32(ev.ExitCode))
		cancel()
	}
	s.hub.OnQueueUpload = func(req status.QueueUploadRequest) {
		go s.queueUpload(req)
	}

	logger.Info("starting agent workers", "count", len(s.workers))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, w := range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Debug("worker starting", logger.KeyWorker, string(w.kind))
			err := w.run(runCtx)
			if err != nil && runCtx.Err() == nil {
				logger.Error("worker failed", logger.KeyWorker, string(w.kind), logger.Err(err))
				errOnce.Do(func() {
					firstErr = fmt.Errorf("worker %s failed: %w", w.kind, err)
					cancel()
				})
			}
		}()
	}

	wg.Wait()
	logger.Info("agent stopped")
	return firstErr
}

// queueUpload handles an inbound queue_upload request from a status
// client. Failures are reported back over the hub.
func (s *Supervisor) queueUpload(req status.QueueUploadRequest) {
	if s.uploader == nil {
		s.hub.Publish(status.ErrorEvent{Description: "uploader is disabled"})
		return
	}
	if _, err := s.uploader.QueueUpload(upload.QueueFromStatus(req)); err != nil {
		logger.Warn("queue_upload request failed", logger.Err(err))
		s.hub.Publish(status.ErrorEvent{Description: err.Error()})
	}
}

// validatePorts rejects configurations where two enabled network
// workers share a local port.
func validatePorts(cfg *config.Config) error {
	claimed := make(map[int]Kind)
	claim := func(kind Kind, port int) error {
		if other, ok := claimed[port]; ok {
			return fmt.Errorf("port %d is assigned to both %s and %s", port, other, kind)
		}
		claimed[port] = kind
		return nil
	}

	if err := claim(KindStatusHub, cfg.Agent.StatusPort); err != nil {
		return err
	}
	if cfg.Agent.Proxy {
		if err := claim(KindHTTPProxy, cfg.Agent.ProxyLocalPort); err != nil {
			return err
		}
	}
	if cfg.Agent.Timeseries {
		if err := claim(KindTimeseries, cfg.Agent.TimeseriesLocalPort); err != nil {
			return err
		}
	}
	return nil
}
