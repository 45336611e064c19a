package repositories

import (
	"context"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrSubmissionNotFound is returned when the ledger has no row for a submission
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrDuplicateSubmission is returned when another worker inserted the row first
	ErrDuplicateSubmission = errors.New("submission already recorded")
	// ErrProgressConflict is returned when a progress write would move the
	// delivered count backwards
	ErrProgressConflict = errors.New("submission progress conflict")
)

const uniqueViolation = "23505"

// Progress is a snapshot of delivery state written to the ledger
type Progress struct {
	Status          models.SubmissionStatus
	DeliveredEvents int
	SequenceNumber  *string
	UpdatedAt       time.Time
}

// SubmissionRepository is the ledger used to coordinate delivery across workers.
// Every state transition is a conditional write.
type SubmissionRepository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo SubmissionRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	Create(ctx context.Context, id uuid.UUID, now time.Time) error
	ClaimProcessed(ctx context.Context, id uuid.UUID, deliveredEvents int, now time.Time) (bool, error)
	SaveProgress(ctx context.Context, id uuid.UUID, progress Progress) error
	ReleaseStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) (int64, error)
}

// submissionRepository implements SubmissionRepository on gorm.
// Soft-deleted rows stay visible so a retained row still blocks redelivery.
type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a new ledger repository
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

// WithTransaction runs fn inside one database transaction; any error rolls it back
func (r *submissionRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo SubmissionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &submissionRepository{db: tx})
	})
}

// Get reads the ledger row for a submission
func (r *submissionRepository) Get(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	var record models.SubmissionRecord
	err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, errors.Wrap(err, "failed to get submission")
	}
	return &record, nil
}

// Create inserts a freshly claimed row {pending, 0}
func (r *submissionRepository) Create(ctx context.Context, id uuid.UUID, now time.Time) error {
	record := models.SubmissionRecord{
		ID:                      id,
		Status:                  models.StatusPending,
		NumberOfDeliveredEvents: 0,
		CreatedAt:               now,
		UpdatedAt:               &now,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateSubmission
		}
		return errors.Wrap(err, "failed to create submission")
	}
	return nil
}

// ClaimProcessed flips a processed row back to pending only if nobody changed
// it since it was read with the given delivered count
func (r *submissionRepository) ClaimProcessed(ctx context.Context, id uuid.UUID, deliveredEvents int, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Model(&models.SubmissionRecord{}).
		Where("id = ? AND status = ? AND number_of_delivered_events = ?", id, models.StatusProcessed, deliveredEvents).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to claim submission")
	}
	return result.RowsAffected == 1, nil
}

// SaveProgress writes a progress snapshot. Inside a transaction the write
// also holds the row lock until commit.
func (r *submissionRepository) SaveProgress(ctx context.Context, id uuid.UUID, progress Progress) error {
	result := r.db.WithContext(ctx).Unscoped().
		Model(&models.SubmissionRecord{}).
		Where("id = ? AND number_of_delivered_events <= ?", id, progress.DeliveredEvents).
		Updates(map[string]interface{}{
			"status":                     progress.Status,
			"number_of_delivered_events": progress.DeliveredEvents,
			"sequence_number":            progress.SequenceNumber,
			"updated_at":                 progress.UpdatedAt,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to save submission progress")
	}
	if result.RowsAffected == 0 {
		return ErrProgressConflict
	}
	return nil
}

// ReleaseStale marks up to limit pending rows untouched since cutoff as
// processed so they can be resumed. Rows locked by a live delivery are skipped.
func (r *submissionRepository) ReleaseStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE submissions SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM submissions
			WHERE status = ? AND COALESCE(updated_at, created_at) < ?
			ORDER BY updated_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		AND status = ? AND COALESCE(updated_at, created_at) < ?`,
		models.StatusProcessed, now,
		models.StatusPending, cutoff, limit,
		models.StatusPending, cutoff,
	)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to release stale submissions")
	}
	return result.RowsAffected, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
