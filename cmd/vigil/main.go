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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilops/vigil/internal/alerting"
	"github.com/vigilops/vigil/internal/api"
	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/collector"
	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/detector"
	"github.com/vigilops/vigil/internal/heartbeat"
	"github.com/vigilops/vigil/internal/logging"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/scheduler"
	"github.com/vigilops/vigil/internal/services"
	"github.com/vigilops/vigil/internal/sshexec"
	"github.com/vigilops/vigil/internal/statussvc"
	"github.com/vigilops/vigil/internal/store"
	"github.com/vigilops/vigil/internal/telemetry"
	"github.com/vigilops/vigil/internal/verrors"
	"github.com/vigilops/vigil/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Vigil - agentless infrastructure monitoring server",
	Long:    `Vigil monitors Linux hosts over SSH: metric collection, anomaly detection, alerting and liveness tracking without a mandatory agent.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vigil %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(scanServicesCmd)
	rootCmd.AddCommand(heartbeatCheckCmd)
	rootCmd.AddCommand(appHeartbeatCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by the server and the one-shot
// commands.
type app struct {
	cfg       *config.Config
	store     *store.Store
	cache     *cache.Cache
	exec      *sshexec.Executor
	collector *collector.Collector
	detector  *detector.Detector
	engine    *alerting.Engine
	mailer    *alerting.SMTPMailer
	heartbeat *heartbeat.Manager
	checker   *services.Checker
	status    *statussvc.Service
	hub       *websocket.Hub
}

func buildApp() (*app, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vigil"})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "vigil"})

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	ca, err := cache.New(cfg.RedisURL)
	if err != nil {
		// The cache is best effort; the server runs read-through without it.
		log.Warn().Err(err).Msg("Cache unavailable, running without it")
		ca = cache.NewFromClient(nil)
	}

	exec := sshexec.New(cfg.SSHPrivateKeyPath, cfg.SSHPublicKeyPath)
	mailer := alerting.NewSMTPMailer(cfg.SMTPSettings())
	engine := alerting.NewEngine(st, ca, mailer)
	hub := websocket.NewHub()
	engine.SetBroadcaster(hub)

	col := collector.New(st, ca, exec, time.Duration(cfg.ProbeTimeoutSecs)*time.Second)
	col.AddSink(engine)
	col.AddSink(hub)

	det := detector.New(st, ca, detector.Options{})
	hb := heartbeat.NewManager(st, ca, exec, engine, heartbeat.Options{
		HeartbeatFile: cfg.HeartbeatFile,
		ProbeTimeout:  time.Duration(cfg.HeartbeatProbeSecs) * time.Second,
		BaseGrace:     time.Duration(cfg.BaseGraceSecs) * time.Second,
		AdaptiveGrace: time.Duration(cfg.AdaptiveGraceSecs) * time.Second,
	})
	checker := services.NewChecker(st, exec, engine, 10*time.Second)
	status := statussvc.New(st, ca)

	return &app{
		cfg:       cfg,
		store:     st,
		cache:     ca,
		exec:      exec,
		collector: col,
		detector:  det,
		engine:    engine,
		mailer:    mailer,
		heartbeat: hb,
		checker:   checker,
		status:    status,
		hub:       hub,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
}

func runServer() {
	a, err := buildApp()
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer a.close()

	log.Info().Str("version", Version).Msg("Starting Vigil monitoring server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Config hot reload: .env edits and API-driven changes take effect
	// without a restart.
	watcher, err := config.NewWatcher(a.cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		watcher.OnReload(func(cfg *config.Config) {
			a.mailer.UpdateConfig(cfg.SMTPSettings())
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher start failed")
		}
		defer watcher.Stop()
	}

	telemetry.Serve(a.cfg.MetricsAddr)
	go a.hub.Run(ctx)

	sched := scheduler.New(a.store, a.cfg.WorkerPoolSize)
	a.registerJobs(sched)
	go sched.Run(ctx)

	router := api.NewRouter(a.store, a.cache, a.status, a.heartbeat, a.collector, a.checker, a.exec, a.hub)
	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", a.cfg.ListenAddr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}
}

func (a *app) registerJobs(sched *scheduler.Scheduler) {
	probeTimeout := time.Duration(a.cfg.ProbeTimeoutSecs) * time.Second

	sched.Register(scheduler.JobClass{
		Name:    "collect-metrics",
		Period:  30 * time.Second,
		Timeout: probeTimeout,
		PerHost: func(ctx context.Context, host *models.Host) error {
			_, err := a.collector.CollectOnce(ctx, host)
			if verrors.IsKind(err, verrors.KindSkipped) {
				return nil
			}
			return err
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "detect-anomalies",
		Period:  60 * time.Second,
		Timeout: 30 * time.Second,
		PerHost: func(ctx context.Context, host *models.Host) error {
			cfg, err := a.store.GetConfig(ctx, host.ID)
			if err != nil {
				return err
			}
			if !cfg.Enabled || cfg.Suspended {
				return nil
			}
			_, err = a.detector.Detect(ctx, host, cfg)
			return err
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "heartbeat-probe",
		Period:  30 * time.Second,
		Timeout: time.Duration(a.cfg.HeartbeatProbeSecs+5) * time.Second,
		PerHost: func(ctx context.Context, host *models.Host) error {
			// An unreachable host is a normal outcome here; the probe
			// feeds the connection alerts itself.
			_ = a.heartbeat.ProbeHost(ctx, host)
			return nil
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "service-check",
		Period:  30 * time.Second,
		Timeout: 2 * time.Minute,
		PerHost: func(ctx context.Context, host *models.Host) error {
			return a.checker.CheckMonitored(ctx, host)
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "service-discovery",
		Period:  time.Hour,
		Timeout: 2 * time.Minute,
		PerHost: func(ctx context.Context, host *models.Host) error {
			return a.checker.Discover(ctx, host)
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "app-heartbeat",
		Period:  30 * time.Second,
		Timeout: 5 * time.Second,
		Global: func(ctx context.Context) error {
			a.heartbeat.WriteAppHeartbeat(ctx)
			return nil
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "aggregate",
		Period:  time.Hour,
		Timeout: 5 * time.Minute,
		Global: func(ctx context.Context) error {
			return a.store.AggregateSamples(ctx, time.Now().UTC().Add(-24*time.Hour))
		},
	})
	sched.Register(scheduler.JobClass{
		Name:    "cleanup",
		Period:  24 * time.Hour,
		Timeout: 10 * time.Minute,
		Global: func(ctx context.Context) error {
			return a.cleanupAllHosts(ctx)
		},
	})
}

// cleanupAllHosts applies each host's own retention window.
func (a *app) cleanupAllHosts(ctx context.Context) error {
	hosts, err := a.store.ListHosts(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range hosts {
		cfg, err := a.store.GetConfig(ctx, hosts[i].ID)
		if err != nil {
			log.Warn().Err(err).Str("host", hosts[i].Name).Msg("Cleanup config lookup failed")
			continue
		}
		cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
		if err := a.store.CleanupHost(ctx, hosts[i].ID, cutoff); err != nil {
			log.Warn().Err(err).Str("host", hosts[i].Name).Msg("Cleanup failed")
		}
	}
	return nil
}
