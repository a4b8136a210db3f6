package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/crash-relay/internal/client"
	"github.com/szibis/crash-relay/internal/config"
	"github.com/szibis/crash-relay/internal/health"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/offline"
	"github.com/szibis/crash-relay/internal/receiver"
	"github.com/szibis/crash-relay/internal/sender"
	"github.com/szibis/crash-relay/internal/stats"
	"github.com/szibis/crash-relay/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		return
	}
	if cfg.ValidateOnly {
		result := cfg.Check()
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		return
	}

	logger := logging.New(os.Stdout, cfg.Level())
	logger.SetResource(map[string]string{
		"service.name":    "crash-relay",
		"service.version": config.Version(),
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal("crash-relay failed", logging.F("error", err.Error()))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	result := cfg.Check()
	for _, issue := range result.Issues {
		if issue.Severity == config.SeverityWarning {
			logger.Warn("configuration warning", logging.F("field", issue.Field, "message", issue.Message))
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logger.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logger.Info("memory limit set", logging.F("gomemlimit", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Service{
		Name:    "crash-relay",
		Version: config.Version(),
	})
	if err != nil {
		return err
	}
	tel.Attach(logger)

	snd, err := sender.New(cfg.SenderConfig(), logger)
	if err != nil {
		return err
	}

	checker := health.New()
	checker.RegisterDegraded("endpoint", func() error {
		if state := snd.CircuitState(); state != sender.CircuitClosed {
			return fmt.Errorf("circuit %s", state)
		}
		return nil
	})

	var (
		coord   *offline.Coordinator
		trigger *offline.TimerTrigger
	)
	if cfg.UseOfflineStore {
		storeCfg, err := cfg.FileStoreConfig()
		if err != nil {
			return err
		}
		store, err := offline.NewFileStore(storeCfg, logger)
		if err != nil {
			return err
		}
		checker.RegisterReadiness("offline_store", store.Check)

		trigger = offline.NewTimerTrigger(cfg.OfflineRetryInterval, logger)
		defer trigger.Close()
		coord = offline.NewCoordinator(trigger, store, logger)
		logger.Info("offline store enabled", logging.F(
			"dir", store.Dir(),
			"max_files", storeCfg.MaxEntries,
			"retry_interval", cfg.OfflineRetryInterval.String(),
			"quarantined", len(store.Quarantined()),
		))
	}

	cl, err := client.New(cfg.ClientConfig(), snd, coord, logger)
	if err != nil {
		return err
	}
	defer cl.Close()
	checker.RegisterDegraded("queue", func() error {
		if cl.Draining() {
			return fmt.Errorf("queue draining at depth %d", cl.QueueLen())
		}
		return nil
	})
	if trigger != nil {
		trigger.Start()
	}

	var sli *stats.SLITracker
	if cfg.SLIEnabled {
		sli = stats.NewSLITracker(cfg.SLIConfig(), func() stats.Counts {
			s := cl.Stats()
			return stats.Counts{
				Received:  s.Received,
				Skipped:   s.Skipped,
				Attempts:  s.Attempts,
				Delivered: s.Delivered,
			}
		})
		prometheus.MustRegister(sli)
	}

	var rcv *receiver.HTTPReceiver
	if cfg.ListenAddr != "" {
		if rcv, err = receiver.NewHTTP(cfg.ReceiverConfig(), cl, logger); err != nil {
			return err
		}
		checker.RegisterReadiness("receiver", rcv.HealthCheck)
	}

	var statsServer *http.Server
	if cfg.StatsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		checker.Mount(mux)
		statsServer = &http.Server{
			Addr:              cfg.StatsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if rcv != nil {
		g.Go(rcv.Start)
	}
	if statsServer != nil {
		g.Go(func() error {
			logger.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "path", "/metrics"))
			if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("stats server: %w", err)
			}
			return nil
		})
	}
	if sli != nil {
		g.Go(func() error {
			sli.Run(gctx)
			return nil
		})
	}
	if coord != nil {
		// Reports left over from a previous run are replayed right away.
		g.Go(func() error {
			coord.Flush(gctx)
			return nil
		})
	}

	logger.Info("crash-relay started", logging.F(
		"endpoint", snd.URL(),
		"listen_addr", cfg.ListenAddr,
		"stats_addr", cfg.StatsAddr,
		"background_queue", cfg.UseBackgroundQueue,
		"offline_store", cfg.UseOfflineStore,
		"telemetry", tel.Enabled(),
	))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		checker.SetShuttingDown()
		shutdown(logger, cfg.QueueShutdownTimeout, rcv, cl, trigger, statsServer)

		telCtx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		defer cancel()
		if err := tel.Shutdown(telCtx); err != nil {
			logger.Warn("telemetry shutdown failed", logging.F("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// shutdown stops intake first so nothing new is queued while the client
// drains for at most drain, then stops the replay trigger.
func shutdown(logger *logging.Logger, drain time.Duration, rcv *receiver.HTTPReceiver, cl *client.Client, trigger *offline.TimerTrigger, statsServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rcv != nil {
		if err := rcv.Stop(ctx); err != nil {
			logger.Warn("receiver shutdown failed", logging.F("error", err.Error()))
		}
	}

	if drain > 0 && cl.QueueLen() > 0 {
		drainCtx, cancelDrain := context.WithTimeout(ctx, drain)
		if err := cl.Flush(drainCtx); err != nil {
			logger.Warn("background queue not drained", logging.F("error", err.Error(), "queued", cl.QueueLen()))
		}
		cancelDrain()
	}
	if err := cl.Close(); err != nil {
		logger.Warn("client shutdown failed", logging.F("error", err.Error(), "queued", cl.QueueLen()))
	}
	if trigger != nil {
		_ = trigger.Close()
	}
	if statsServer != nil {
		if err := statsServer.Shutdown(ctx); err != nil {
			logger.Warn("stats server shutdown failed", logging.F("error", err.Error()))
		}
	}
}
