package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// withApp wires the components for a one-shot command and tears them down
// after fn returns.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return fn(ctx, a)
}

// forEachHost resolves the --server flag (all hosts when empty) and applies fn.
func forEachHost(ctx context.Context, a *app, serverName string, fn func(ctx context.Context, host *models.Host) error) error {
	if serverName != "" {
		host, err := a.store.GetHostByName(ctx, serverName)
		if err != nil {
			return err
		}
		return fn(ctx, host)
	}

	hosts, err := a.store.ListHosts(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range hosts {
		if err := fn(ctx, &hosts[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var serverFlag string

func init() {
	for _, c := range []*cobra.Command{collectCmd, detectCmd, scanServicesCmd, heartbeatCheckCmd} {
		c.Flags().StringVar(&serverFlag, "server", "", "limit to one server by name")
	}
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one metric collection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return forEachHost(ctx, a, serverFlag, func(ctx context.Context, host *models.Host) error {
				sample, err := a.collector.CollectOnce(ctx, host)
				if verrors.IsKind(err, verrors.KindSkipped) {
					fmt.Printf("%s: skipped\n", host.Name)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s: cpu=%.1f%% mem=%.1f%% disk=%.1f%%\n",
					host.Name, sample.CPUPercent, sample.MemoryPercent, sample.MaxDiskPercent())
				return nil
			})
		})
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run one anomaly detection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return forEachHost(ctx, a, serverFlag, func(ctx context.Context, host *models.Host) error {
				cfg, err := a.store.GetConfig(ctx, host.ID)
				if err != nil {
					return err
				}
				if !cfg.Enabled || cfg.Suspended {
					fmt.Printf("%s: monitoring disabled\n", host.Name)
					return nil
				}
				anomalies, err := a.detector.Detect(ctx, host, cfg)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d anomalies\n", host.Name, len(anomalies))
				return nil
			})
		})
	},
}

var scanServicesCmd = &cobra.Command{
	Use:   "scan-services",
	Short: "Discover services and check the monitored ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return forEachHost(ctx, a, serverFlag, func(ctx context.Context, host *models.Host) error {
				if err := a.checker.Discover(ctx, host); err != nil {
					return err
				}
				return a.checker.CheckMonitored(ctx, host)
			})
		})
	},
}

var heartbeatCheckCmd = &cobra.Command{
	Use:   "heartbeat-check",
	Short: "Probe host liveness and print statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return forEachHost(ctx, a, serverFlag, func(ctx context.Context, host *models.Host) error {
				_ = a.heartbeat.ProbeHost(ctx, host)
				status, err := a.heartbeat.Status(ctx, host)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", host.Name, status)
				return nil
			})
		})
	},
}

var appHeartbeatCmd = &cobra.Command{
	Use:   "app-heartbeat",
	Short: "Record that the monitoring app is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.heartbeat.WriteAppHeartbeat(ctx)
			return nil
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Roll samples older than 24h into hourly buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return a.store.AggregateSamples(ctx, time.Now().UTC().Add(-24*time.Hour))
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete samples and resolved anomalies past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return a.cleanupAllHosts(ctx)
		})
	},
}
