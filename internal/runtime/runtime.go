package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/narrator"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

// Version is stamped at build time with -ldflags "-X".
var Version = "0.1.0-dev"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	store        *eventstore.Store
	natsServer   *natsserver.EmbeddedServer
	bus          *bus.Client
	playback     *playback.StreamBuffer
	orchestrator *pipeline.Orchestrator
	narrator     *narrator.Service
	hub          *Hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, storage, the bus and the pipeline, then serves
// HTTP until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := r.store.Prune(gctx); err != nil && gctx.Err() == nil {
					r.logger.Warn("event store prune failed", slogError(err))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.close(shutdownCtx)
	return err
}

// setup builds every component the HTTP routes need.
func (r *Runtime) setup(ctx context.Context) error {
	log := r.logger
	cfg := r.cfg

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, log)
		if err != nil {
			return err
		}
		r.natsServer = srv
		busCfg := cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.RuntimeName, log)
		if err != nil {
			return err
		}
		r.bus = client
	}

	sink, err := buildSink(cfg, r.bus, log)
	if err != nil {
		return err
	}

	var pub narrator.Publisher
	if r.bus != nil {
		pub = r.bus
	}
	format := audioFormat(cfg.TTS)
	r.narrator = narrator.NewService(ctx, cfg.Narrator, RunDefaults(cfg), format, pub, store, log)
	r.hub = NewHub(r.narrator, log)

	orch, buf, err := BuildPipeline(cfg, sink, pipeline.MultiObserver{r.hub, r.narrator}, store, log)
	if err != nil {
		return err
	}
	r.playback = buf
	r.orchestrator = orch
	r.narrator.Bind(orch)

	if r.bus != nil {
		if err := r.narrator.Start(r.bus.Conn()); err != nil {
			return fmt.Errorf("start narrator service: %w", err)
		}
	}
	return nil
}

func (r *Runtime) close(ctx context.Context) {
	if r.narrator != nil {
		r.narrator.Close()
	}
	if r.orchestrator != nil {
		r.orchestrator.Close()
	}
	if r.playback != nil {
		r.playback.Stop()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
