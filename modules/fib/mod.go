// Package fib hosts the route lookup module: the authoritative radix table
// with one of three lookup engines over it, the control channel service,
// and the supporting plumbing (configuration, metrics, kernel import).
package fib

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fwdplane/fibd/modules/fib/internal/dir"
	"github.com/fwdplane/fibd/modules/fib/internal/dxr"
	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

// FIBModule is the forwarding-table module. It owns the configured lookup
// engine and serves the control channel and optional metrics endpoint.
type FIBModule struct {
	cfg     *Config
	engine  Engine
	service *Service
	metrics *prometheus.Registry
	log     *zap.SugaredLogger
}

// NewFIBModule constructs the module: it builds the configured engine,
// applies the initial route list, optionally imports kernel routes and
// then attaches the deferred-update timer, draining accumulated updates.
func NewFIBModule(cfg *Config, log *zap.SugaredLogger) (*FIBModule, error) {
	log = log.With(zap.String("module", "fib"))

	tbl := rib.NewTable(log)
	clk := clock.New()

	var engine Engine
	switch cfg.Engine {
	case "radix":
		engine = newRadixEngine(tbl)
	case "dir":
		engine = dir.New(tbl, cfg.UpdateDelay, clk, log)
	case "", "dxr":
		e, err := dxr.New(tbl, cfg.DirectBits, cfg.UpdateDelay, clk, log)
		if err != nil {
			return nil, fmt.Errorf("failed to construct DXR engine: %w", err)
		}
		engine = e
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	for i, spec := range cfg.Routes {
		r, err := parseRouteSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i+1, err)
		}
		if _, err := engine.AddRoute(r, false); err != nil {
			return nil, fmt.Errorf("route %d: %w", i+1, err)
		}
	}

	if cfg.ImportKernelRoutes {
		n, err := importKernelRoutes(engine, log)
		if err != nil {
			return nil, err
		}
		log.Infow("imported kernel routes", zap.Int("count", n))
	}

	engine.Initialize()

	log.Infow("fib module ready",
		zap.String("engine", cfg.Engine),
		zap.Int("prefixes", engine.PrefixCount()),
	)

	return &FIBModule{
		cfg:     cfg,
		engine:  engine,
		service: NewService(engine, log),
		metrics: newMetricsRegistry(engine),
		log:     log,
	}, nil
}

func (m *FIBModule) Name() string {
	return "fib"
}

// Engine returns the module's lookup engine for in-process consumers.
func (m *FIBModule) Engine() Engine {
	return m.engine
}

// Service returns the control channel service.
func (m *FIBModule) Service() *Service {
	return m.service
}

// Close tears the module down, canceling deferred work first.
func (m *FIBModule) Close() error {
	m.engine.Close()
	return nil
}

// Run serves the control channel and metrics endpoint until the context is
// canceled.
func (m *FIBModule) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)

	lis, err := net.Listen("tcp", m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", m.cfg.Endpoint, err)
	}
	m.log.Infow("control channel listening", zap.Stringer("addr", lis.Addr()))
	wg.Go(func() error {
		return m.service.Serve(ctx, lis)
	})

	if m.cfg.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.metrics, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: m.cfg.MetricsEndpoint, Handler: mux}

		wg.Go(func() error {
			m.log.Infow("metrics listening", zap.String("addr", m.cfg.MetricsEndpoint))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		wg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return wg.Wait()
}
