package usecase

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instrument_validations_total",
		Help: "Validation requests by outcome.",
	}, []string{"outcome"})

	incompleteSetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instrument_incomplete_sets_total",
		Help: "Validations that found the instrument set incomplete.",
	})

	detectionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "instrument_detection_duration_seconds",
		Help:    "Wall time of external detector calls.",
		Buckets: prometheus.DefBuckets,
	})
)

// StatsSummary aggregates completeness insights over recorded sessions.
type StatsSummary struct {
	TotalSessions    int     `json:"total_sessions"`
	CompleteSessions int     `json:"complete_sessions"`
	CompletenessRate float64 `json:"completeness_rate"`
}

// Stats scans the audit trail and summarizes recorded outcomes.
func (uc *ValidationUseCase) Stats(ctx context.Context) (*StatsSummary, error) {
	ids, err := uc.store.List()
	if err != nil {
		return nil, err
	}

	summary := &StatsSummary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := uc.store.Load(id)
		if err != nil {
			// A corrupt record should not hide the rest of the trail.
			uc.logger.Warn("skipping unreadable session record")
			continue
		}
		summary.TotalSessions++
		if record.Report != nil && record.Report.SetComplete {
			summary.CompleteSessions++
		}
	}

	if summary.TotalSessions > 0 {
		summary.CompletenessRate = float64(summary.CompleteSessions) / float64(summary.TotalSessions)
	}
	return summary, nil
}
