package services

import (
	"context"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrLedger wraps every ledger failure seen while claiming or publishing
var ErrLedger = errors.New("submission ledger failure")

// ClaimOutcome is the coordinator's decision for one submission
type ClaimOutcome int

const (
	// OutcomeNotClaimed means another worker holds the submission; leave the message queued
	OutcomeNotClaimed ClaimOutcome = iota
	// OutcomeAlreadyComplete means every event was delivered by an earlier attempt
	OutcomeAlreadyComplete
	// OutcomeClaimed means this worker may deliver from StartIndex
	OutcomeClaimed
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeNotClaimed:
		return "not_claimed"
	case OutcomeAlreadyComplete:
		return "already_complete"
	case OutcomeClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// Claim is the result of Coordinator.Claim
type Claim struct {
	Outcome    ClaimOutcome
	StartIndex int
	PriorToken *string
}

// Coordinator decides through the ledger which worker may deliver a
// submission and where delivery resumes
type Coordinator struct {
	repo repositories.SubmissionRepository
	now  func() time.Time
}

// NewCoordinator creates a new coordinator
func NewCoordinator(repo repositories.SubmissionRepository) *Coordinator {
	return &Coordinator{repo: repo, now: time.Now}
}

// Claim reads the submission's ledger row and tries to take it over.
// Losing a race is reported as OutcomeNotClaimed, not as an error.
func (c *Coordinator) Claim(ctx context.Context, submission *models.Submission) (Claim, error) {
	total := submission.TotalEvents()
	logger := log.With().Str("submission_id", submission.SubmissionID.String()).Logger()

	record, err := c.repo.Get(ctx, submission.SubmissionID)
	if errors.Is(err, repositories.ErrSubmissionNotFound) {
		err = c.repo.Create(ctx, submission.SubmissionID, c.now())
		if errors.Is(err, repositories.ErrDuplicateSubmission) {
			logger.Debug().Msg("Submission inserted concurrently by another worker")
			return Claim{Outcome: OutcomeNotClaimed}, nil
		}
		if err != nil {
			return Claim{}, errors.Wrapf(ErrLedger, "create: %v", err)
		}
		return Claim{Outcome: OutcomeClaimed}, nil
	}
	if err != nil {
		return Claim{}, errors.Wrapf(ErrLedger, "get: %v", err)
	}

	if record.Status == models.StatusPending {
		logger.Debug().Msg("Submission is pending in another worker")
		return Claim{Outcome: OutcomeNotClaimed}, nil
	}

	delivered := record.NumberOfDeliveredEvents
	switch {
	case delivered == total:
		return Claim{Outcome: OutcomeAlreadyComplete}, nil
	case delivered > total:
		logger.Warn().
			Int("delivered", delivered).
			Int("total", total).
			Msg("Ledger reports more delivered events than the submission carries")
		return Claim{Outcome: OutcomeAlreadyComplete}, nil
	}

	claimed, err := c.repo.ClaimProcessed(ctx, submission.SubmissionID, delivered, c.now())
	if err != nil {
		return Claim{}, errors.Wrapf(ErrLedger, "claim: %v", err)
	}
	if !claimed {
		logger.Debug().Int("delivered", delivered).Msg("Submission claimed concurrently by another worker")
		return Claim{Outcome: OutcomeNotClaimed}, nil
	}

	logger.Info().Int("start_index", delivered).Int("total", total).Msg("Resuming partially delivered submission")
	return Claim{Outcome: OutcomeClaimed, StartIndex: delivered, PriorToken: record.SequenceNumber}, nil
}
