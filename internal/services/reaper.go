package services

import (
	"context"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Reaper hands pending claims abandoned by crashed workers back to the
// resume path by marking them processed
type Reaper struct {
	repo       repositories.SubmissionRepository
	staleAfter time.Duration
	batchSize  int
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewReaper creates a reaper releasing rows pending for longer than staleAfter
func NewReaper(repo repositories.SubmissionRepository, staleAfter time.Duration, batchSize int, collector *metrics.Metrics) *Reaper {
	return &Reaper{
		repo:       repo,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		metrics:    collector,
		now:        time.Now,
	}
}

// Run releases stale claims in batches until none are left
func (r *Reaper) Run(ctx context.Context) (int64, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		released, err := r.repo.ReleaseStale(ctx, cutoff, r.batchSize, now)
		if err != nil {
			return total, errors.Wrapf(ErrLedger, "release stale claims: %v", err)
		}
		total += released
		if released < int64(r.batchSize) {
			break
		}
	}

	if total > 0 {
		if r.metrics != nil {
			r.metrics.IncrementCounterBy(metrics.CounterClaimsReaped, total)
		}
		log.Warn().Int64("released", total).Time("cutoff", cutoff).Msg("Released stale submission claims")
	}
	return total, nil
}
