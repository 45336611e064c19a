package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"
	"github.com/AndreyAD1/telemetry-adapter/internal/streaming"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Progress is how far a publish attempt got
type Progress struct {
	Delivered int
	Total     int
	Token     *string
}

// Complete reports whether every event of the submission has been delivered
func (p Progress) Complete() bool {
	return p.Delivered >= p.Total
}

// Publisher delivers a claimed submission's remaining events in order
type Publisher struct {
	repo       repositories.SubmissionRepository
	sink       streaming.EventLog
	streamName string
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewPublisher creates a new publisher writing to streamName
func NewPublisher(repo repositories.SubmissionRepository, sink streaming.EventLog, streamName string, collector *metrics.Metrics) *Publisher {
	return &Publisher{
		repo:       repo,
		sink:       sink,
		streamName: streamName,
		metrics:    collector,
		now:        time.Now,
	}
}

// Publish sends events claim.StartIndex..N-1, chaining each send to the
// previous token. Every event runs in its own ledger transaction: the
// current snapshot is written, the event is sent, and the advanced snapshot
// is written before commit. Publishing stops at the first sink or ledger
// failure. A final write records the reached count and token and marks the
// row processed, so an incomplete attempt can be resumed later.
func (p *Publisher) Publish(ctx context.Context, submission *models.Submission, claim Claim) (Progress, error) {
	events := submission.Events()
	progress := Progress{
		Delivered: claim.StartIndex,
		Total:     len(events),
		Token:     claim.PriorToken,
	}
	id := submission.SubmissionID
	partitionKey := submission.DeviceID.String()

	var publishErr error
	for index := claim.StartIndex; index < len(events); index++ {
		payload, err := json.Marshal(models.NewOutboundRecord(submission.DeviceID, events[index], p.now()))
		if err != nil {
			publishErr = errors.Wrapf(err, "failed to encode event %d", index)
			break
		}

		var (
			token string
			sent  bool
		)
		err = p.repo.WithTransaction(ctx, func(ctx context.Context, tx repositories.SubmissionRepository) error {
			if err := tx.SaveProgress(ctx, id, p.snapshot(models.StatusPending, progress.Delivered, progress.Token)); err != nil {
				return errors.Wrapf(ErrLedger, "save progress before event %d: %v", index, err)
			}

			start := time.Now()
			next, err := p.sink.Put(ctx, p.streamName, payload, partitionKey, progress.Token)
			p.observeSend(start, err)
			if err != nil {
				return err
			}
			token, sent = next, true

			if err := tx.SaveProgress(ctx, id, p.snapshot(models.StatusPending, progress.Delivered+1, &token)); err != nil {
				return errors.Wrapf(ErrLedger, "save progress after event %d: %v", index, err)
			}
			return nil
		})

		// a sent event counts even if its transaction failed to commit
		if sent {
			progress.Delivered++
			progress.Token = &token
		}
		if err != nil {
			if !errors.Is(err, ErrLedger) && !errors.Is(err, streaming.ErrTransport) {
				err = errors.Wrapf(ErrLedger, "event %d: %v", index, err)
			}
			publishErr = err
			log.Warn().Err(err).
				Str("submission_id", id.String()).
				Str("device_id", partitionKey).
				Int("event_index", index).
				Msg("Stopping delivery")
			break
		}
	}

	if err := p.repo.SaveProgress(ctx, id, p.snapshot(models.StatusProcessed, progress.Delivered, progress.Token)); err != nil {
		finalErr := errors.Wrapf(ErrLedger, "save final progress: %v", err)
		if publishErr == nil {
			publishErr = finalErr
		} else {
			log.Error().Err(finalErr).Str("submission_id", id.String()).Msg("Failed to record final progress")
		}
	}

	return progress, publishErr
}

func (p *Publisher) snapshot(status models.SubmissionStatus, delivered int, token *string) repositories.Progress {
	return repositories.Progress{
		Status:          status,
		DeliveredEvents: delivered,
		SequenceNumber:  token,
		UpdatedAt:       p.now(),
	}
}

func (p *Publisher) observeSend(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveSince(metrics.TimerSinkPut, metrics.RateSinkPut, start, err)
	if err == nil {
		p.metrics.IncrementCounter(metrics.CounterEventsSent)
	}
}
