// Package app wires the pipeline: bus, repository, detection, investigation,
// response, and the read-only API surface. cmd/aegis stays a thin CLI shell
// around this package, and end-to-end tests drive the same wiring.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelops/aegis/internal/api"
	"github.com/sentinelops/aegis/internal/bus"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/detection"
	"github.com/sentinelops/aegis/internal/intel"
	"github.com/sentinelops/aegis/internal/response"
	"github.com/sentinelops/aegis/internal/store"
	"github.com/sentinelops/aegis/internal/websocket"
)

// Options carries the pluggable collaborators. Zero values select the
// defaults: heuristic scorer, built-in action registry, no advisor.
type Options struct {
	Source   detection.PacketSource
	Scorer   detection.Scorer
	Scaler   detection.Scaler
	Advisor  response.Advisor
	Registry *response.Registry
	Cache    intel.Cache
}

// App owns every component's lifecycle.
type App struct {
	cfg config.Config

	Bus      bus.Bus
	Store    *store.Store
	Detector *detection.Engine
	Agent    *intel.Agent
	Response *response.Engine
	Hub      *websocket.Hub

	server *api.Server
}

// New builds the full pipeline from configuration. Configuration problems
// (unreachable store, invalid matrix, bad whitelist) fail here, before
// anything starts.
func New(cfg config.Config, opts Options) (*App, error) {
	if opts.Source == nil {
		opts.Source = detection.NewSyntheticSource(time.Now().UnixNano(), 50*time.Millisecond, time.Now())
	}
	st, err := store.Open(cfg.PersistenceURL)
	if err != nil {
		return nil, fmt.Errorf("persistence unavailable: %w", err)
	}

	var b bus.Bus
	memCfg := bus.MemoryConfig{
		QueueSize:      cfg.Bus.QueueSize,
		PublishTimeout: cfg.Bus.PublishTimeout.Std(),
		DrainTimeout:   cfg.Bus.DrainTimeout.Std(),
	}
	switch cfg.Bus.Transport {
	case "broker":
		b, err = bus.NewBrokerBus(bus.BrokerConfig{URL: cfg.Bus.BrokerURL, Memory: memCfg})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("broker transport: %w", err)
		}
	default:
		b = bus.NewMemoryBus(memCfg)
	}

	cache := opts.Cache
	if cache == nil && cfg.Intel.CacheURL != "" {
		rc, err := intel.NewRedisCache(cfg.Intel.CacheURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("intel cache: %w", err)
		}
		cache = rc
	}

	registry := opts.Registry
	if registry == nil {
		registry = response.BuiltinRegistry(cfg.Response, nil, nil)
	}
	responder, err := response.NewEngine(cfg.Response, registry, opts.Advisor, b, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		Bus:      b,
		Store:    st,
		Detector: detection.NewEngine(cfg.Detection, cfg.Severity, opts.Source, opts.Scorer, opts.Scaler, b, st),
		Agent:    intel.NewAgent(cfg.Intel, cache, b, st),
		Response: responder,
	}
	a.Hub = websocket.NewHub(func() any {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stats, err := st.GetStats(ctx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return stats
	})
	a.server = api.NewServer(cfg.ListenAddr, st, a.Hub, responder)
	return a, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order: source first, bus drained last.
func (a *App) Run(ctx context.Context) error {
	if err := a.Response.Start(ctx); err != nil {
		return err
	}
	if err := a.Agent.Start(ctx); err != nil {
		return err
	}
	a.Detector.Start(ctx)
	go a.Hub.Run()
	go a.statsLoop(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Bus.DrainTimeout.Std()+2*time.Second)
	defer cancel()
	a.server.Shutdown(shutdownCtx)
	a.Detector.Stop()
	a.Agent.Stop()
	a.Response.Stop()
	a.Hub.Stop()
	if err := a.Bus.Close(); err != nil {
		log.Warn().Err(err).Msg("Bus close failed")
	}
	return a.Store.Close()
}

// statsLoop mirrors the repository aggregates onto the stats topic once per
// second so any bus consumer can follow the counters without polling HTTP.
func (a *App) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.Store.GetStats(ctx)
			if err != nil {
				continue
			}
			_ = a.Bus.Publish(ctx, bus.TopicStats, stats)
		}
	}
}
