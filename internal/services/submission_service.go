package services

import (
	"context"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Result is the outcome of processing one submission
type Result int

const (
	// ResultFailed means delivery stopped early; the message must stay queued
	ResultFailed Result = iota
	// ResultNotClaimed means another worker owns the submission
	ResultNotClaimed
	// ResultAlreadyComplete means nothing was left to deliver
	ResultAlreadyComplete
	// ResultDelivered means every remaining event was delivered by this call
	ResultDelivered
)

func (r Result) String() string {
	switch r {
	case ResultFailed:
		return "failed"
	case ResultNotClaimed:
		return "not_claimed"
	case ResultAlreadyComplete:
		return "already_complete"
	case ResultDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Acknowledge reports whether the queue message may be deleted
func (r Result) Acknowledge() bool {
	return r == ResultDelivered || r == ResultAlreadyComplete
}

// SubmissionService runs the claim and publish pipeline for one submission
type SubmissionService struct {
	coordinator *Coordinator
	publisher   *Publisher
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
}

// NewSubmissionService creates a new submission service
func NewSubmissionService(coordinator *Coordinator, publisher *Publisher, collector *metrics.Metrics, tracer tracing.Tracer) *SubmissionService {
	return &SubmissionService{
		coordinator: coordinator,
		publisher:   publisher,
		metrics:     collector,
		tracer:      tracer,
	}
}

// Process claims the submission and delivers whatever is left of it
func (s *SubmissionService) Process(ctx context.Context, submission *models.Submission) (result Result, err error) {
	txn := s.tracer.StartTransaction("process-submission")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "submission_id", submission.SubmissionID.String())
	s.tracer.AddAttribute(txn, "device_id", submission.DeviceID.String())

	start := time.Now()
	defer func() {
		s.tracer.AddAttribute(txn, "result", result.String())
		s.tracer.RecordError(txn, err)
		if s.metrics != nil {
			s.metrics.ObserveSince(metrics.TimerSubmission, metrics.RateSubmission, start, err)
		}
	}()

	logger := log.With().
		Str("submission_id", submission.SubmissionID.String()).
		Str("device_id", submission.DeviceID.String()).
		Logger()

	segment := s.tracer.StartSegment(txn, "claim")
	claim, err := s.coordinator.Claim(ctx, submission)
	segment.End()
	if err != nil {
		return ResultFailed, errors.Wrap(err, "failed to claim submission")
	}

	switch claim.Outcome {
	case OutcomeNotClaimed:
		if s.metrics != nil {
			s.metrics.IncrementCounter(metrics.CounterSubmissionsSkipped)
		}
		return ResultNotClaimed, nil
	case OutcomeAlreadyComplete:
		logger.Info().Msg("Submission already delivered")
		return ResultAlreadyComplete, nil
	}

	segment = s.tracer.StartSegment(txn, "publish")
	progress, err := s.publisher.Publish(ctx, submission, claim)
	segment.End()
	if err != nil {
		return ResultFailed, errors.Wrapf(err, "delivered %d of %d events", progress.Delivered, progress.Total)
	}

	logger.Info().
		Int("start_index", claim.StartIndex).
		Int("events", progress.Total).
		Msg("Submission delivered")
	return ResultDelivered, nil
}
