package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/simorchestrator/internal/config"
	"github.com/signalsfoundry/simorchestrator/internal/events"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/rpc"
	"github.com/signalsfoundry/simorchestrator/model"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator gRPC and HTTP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := cfg.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			grpcLis, err := net.Listen("tcp", cfg.Listen.GRPC)
			if err != nil {
				return fmt.Errorf("listen grpc %s: %w", cfg.Listen.GRPC, err)
			}
			httpLis, err := net.Listen("tcp", cfg.Listen.HTTP)
			if err != nil {
				_ = grpcLis.Close()
				return fmt.Errorf("listen http %s: %w", cfg.Listen.HTTP, err)
			}
			shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

			a, err := newApp(cfg, log, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			return a.serve(ctx, grpcLis, httpLis)
		},
	}
}

// app bundles the running orchestrator with its network front ends.
type app struct {
	log       logging.Logger
	core      *orchestrator.Core
	nodes     *rpc.NodeClient
	hub       *events.Hub
	grpc      *grpc.Server
	http      *http.Server
	collector *observability.RPCCollector
}

func newApp(cfg config.Config, log logging.Logger, reg prometheus.Registerer) (*app, error) {
	collector, err := observability.NewRPCCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a := &app{log: log, collector: collector, hub: events.NewHub(log)}
	a.core, err = orchestrator.New(cfg.Orchestrator(), log,
		orchestrator.WithRegisterer(reg),
		orchestrator.WithEventSink(a.hub),
		orchestrator.WithTransport(func(dir orchestrator.NodeDirectory) orchestrator.Transport {
			a.nodes = rpc.NewNodeClient(dir, log, grpc.WithChainUnaryInterceptor(collector.UnaryClientInterceptor()))
			return a.nodes
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	a.core.Pool.OnNodeDead(func(id model.SimulationNodeID, _ string) {
		a.nodes.Forget(id)
	})

	a.grpc = rpc.NewServer(a.core, collector, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/events", a.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	a.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return a, nil
}

// serve runs until ctx is done, then drains both servers and releases the
// core.
func (a *app) serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	log := a.log
	defer func() {
		if err := a.nodes.Close(); err != nil {
			log.Warn(context.Background(), "closing node connections failed", logging.Err(err))
		}
		if err := a.core.Close(); err != nil {
			log.Warn(context.Background(), "closing orchestrator failed", logging.Err(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "grpc server listening", logging.String("address", grpcLis.Addr().String()))
		if err := a.grpc.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info(gctx, "http server listening", logging.String("address", httpLis.Addr().String()))
		if err := a.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.core.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

func (a *app) shutdown() {
	ctx := context.Background()
	a.log.Info(ctx, "shutting down orchestrator")

	a.hub.Close()
	stopped := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		a.log.Warn(ctx, "graceful stop timed out; forcing")
		a.grpc.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.log.Warn(ctx, "http shutdown failed", logging.Err(err))
	}
}
