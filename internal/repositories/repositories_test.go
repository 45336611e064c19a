package repositories

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB connects to the database named by TELEMETRY_TEST_DATABASE_DSN
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TELEMETRY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TELEMETRY_TEST_DATABASE_DSN not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	return db
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKey(errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert")))
	assert.False(t, isDuplicateKey(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isDuplicateKey(errors.New("connection reset")))
}

func TestSubmissionRepositoryLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.Get(ctx, id)
	require.ErrorIs(t, err, ErrSubmissionNotFound)

	require.NoError(t, repo.Create(ctx, id, now))
	require.ErrorIs(t, repo.Create(ctx, id, now), ErrDuplicateSubmission)

	record, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.Equal(t, 0, record.NumberOfDeliveredEvents)
	assert.Nil(t, record.SequenceNumber)

	// a pending row cannot be claimed
	claimed, err := repo.ClaimProcessed(ctx, id, 0, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	token := "1700000000000-0"
	require.NoError(t, repo.SaveProgress(ctx, id, Progress{
		Status:          models.StatusProcessed,
		DeliveredEvents: 2,
		SequenceNumber:  &token,
		UpdatedAt:       now,
	}))

	// a stale expected count loses the compare-and-swap
	claimed, err = repo.ClaimProcessed(ctx, id, 1, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = repo.ClaimProcessed(ctx, id, 2, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	record, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	require.NotNil(t, record.SequenceNumber)
	assert.Equal(t, token, *record.SequenceNumber)

	// the delivered count never moves backwards
	err = repo.SaveProgress(ctx, id, Progress{Status: models.StatusPending, DeliveredEvents: 1, UpdatedAt: now})
	require.ErrorIs(t, err, ErrProgressConflict)
}

func TestSubmissionRepositoryConcurrentCreate(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubmissionRepository(db)
	id := uuid.New()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.Create(context.Background(), id, time.Now())
		}(i)
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateSubmission):
			duplicates++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, duplicates)
}

func TestSubmissionRepositoryTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, id, now))

	errSend := errors.New("send failed")
	err := repo.WithTransaction(ctx, func(ctx context.Context, txRepo SubmissionRepository) error {
		if err := txRepo.SaveProgress(ctx, id, Progress{Status: models.StatusPending, DeliveredEvents: 1, UpdatedAt: now}); err != nil {
			return err
		}
		return errSend
	})
	require.ErrorIs(t, err, errSend)

	record, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, record.NumberOfDeliveredEvents)
}

func TestSubmissionRepositoryReleaseStale(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	stale := uuid.New()
	fresh := uuid.New()
	require.NoError(t, repo.Create(ctx, stale, old))
	require.NoError(t, repo.Create(ctx, fresh, time.Now().UTC()))

	released, err := repo.ReleaseStale(ctx, time.Now().UTC().Add(-30*time.Minute), 1000, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, int64(1))

	record, err := repo.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, record.Status)

	record, err = repo.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
}
