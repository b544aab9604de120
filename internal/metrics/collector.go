package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source is unavailable.
type StatsSource struct {
	DecisionCount func() int
	AppealCount   func() int
	AttemptCount  func() int
	IgnoreCount   func() int
	MessageCount  func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.DecisionCount != nil {
		if n := src.DecisionCount(); n >= 0 {
			LedgerDecisionsTotal.Set(float64(n))
		}
	}
	if src.AppealCount != nil {
		if n := src.AppealCount(); n >= 0 {
			LedgerAppealsTotal.Set(float64(n))
		}
	}
	if src.AttemptCount != nil {
		if n := src.AttemptCount(); n >= 0 {
			LedgerAttemptsTotal.Set(float64(n))
		}
	}
	if src.IgnoreCount != nil {
		if n := src.IgnoreCount(); n >= 0 {
			ActiveIgnoresTotal.Set(float64(n))
		}
	}
	if src.MessageCount != nil {
		if n := src.MessageCount(); n >= 0 {
			IndexedMessagesTotal.Set(float64(n))
		}
	}
}
