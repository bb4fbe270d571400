// Package services discovers systemd units on monitored hosts and checks the
// status of the monitored ones.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/sshexec"
	"github.com/vigilops/vigil/internal/store"
)

// StatusObserver receives per-service check results (the alert engine).
type StatusObserver interface {
	HandleServiceStatus(ctx context.Context, host *models.Host, svc *models.Service)
}

// Checker runs service discovery and status checks over SSH.
type Checker struct {
	store    *store.Store
	exec     *sshexec.Executor
	observer StatusObserver

	checkTimeout time.Duration
}

// NewChecker builds a checker; perServiceTimeout bounds each remote check.
func NewChecker(st *store.Store, ex *sshexec.Executor, observer StatusObserver, perServiceTimeout time.Duration) *Checker {
	if perServiceTimeout <= 0 {
		perServiceTimeout = 10 * time.Second
	}
	return &Checker{store: st, exec: ex, observer: observer, checkTimeout: perServiceTimeout}
}

// Discover lists systemd service units on the host and upserts them. The
// operator's monitoring choices are preserved across rescans.
func (c *Checker) Discover(ctx context.Context, host *models.Host) error {
	res, err := c.exec.Exec(ctx, host,
		`systemctl list-units --type=service --all --no-legend --no-pager --plain`, 30*time.Second)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	count := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ".service") {
			continue
		}
		name := strings.TrimSuffix(fields[0], ".service")
		svc := &models.Service{
			HostID:      host.ID,
			Name:        name,
			Status:      parseActiveState(fields[2], fields[3]),
			ServiceType: "systemd",
			LastChecked: now,
		}
		if err := c.store.UpsertService(ctx, svc); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Str("service", name).
				Msg("Service upsert failed during discovery")
			continue
		}
		count++
	}
	log.Debug().Str("host", host.Name).Int("services", count).Msg("Service discovery complete")
	return nil
}

// CheckMonitored checks every monitored service on the host and feeds the
// results to the observer.
func (c *Checker) CheckMonitored(ctx context.Context, host *models.Host) error {
	monitored, err := c.store.MonitoredServices(ctx, host.ID)
	if err != nil {
		return err
	}

	for i := range monitored {
		svc := &monitored[i]
		status := c.checkOne(ctx, host, svc.Name)
		svc.Status = status
		svc.LastChecked = time.Now().UTC()
		if err := c.store.UpsertService(ctx, svc); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Str("service", svc.Name).
				Msg("Service status upsert failed")
		}
		if c.observer != nil {
			c.observer.HandleServiceStatus(ctx, host, svc)
		}
	}
	return nil
}

// checkOne queries systemd for one unit. is-failed distinguishes a crashed
// unit from one that is merely stopped.
func (c *Checker) checkOne(ctx context.Context, host *models.Host, name string) models.ServiceStatus {
	res, err := c.exec.Exec(ctx, host,
		"systemctl is-active "+name+".service; systemctl is-failed --quiet "+name+".service && echo FAILED",
		c.checkTimeout)
	if err != nil {
		log.Debug().Err(err).Str("host", host.Name).Str("service", name).Msg("Service check failed")
		return models.ServiceUnknown
	}

	out := res.Stdout
	if strings.Contains(out, "FAILED") {
		return models.ServiceFailed
	}
	switch strings.TrimSpace(strings.Split(out, "\n")[0]) {
	case "active", "activating":
		return models.ServiceRunning
	case "inactive", "deactivating":
		return models.ServiceStopped
	case "failed":
		return models.ServiceFailed
	default:
		return models.ServiceUnknown
	}
}

func parseActiveState(active, sub string) models.ServiceStatus {
	switch active {
	case "active":
		return models.ServiceRunning
	case "failed":
		return models.ServiceFailed
	case "inactive":
		return models.ServiceStopped
	default:
		if sub == "failed" {
			return models.ServiceFailed
		}
		return models.ServiceUnknown
	}
}
