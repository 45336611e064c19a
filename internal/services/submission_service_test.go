package services

import (
	"context"
	"sync"
	"testing"

	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories/repotest"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	ledger := repotest.NewLedger()
	sink := &memorySink{}
	service := newPipeline(ledger, sink)
	submission := newSubmission(2, 3)

	result, err := service.Process(context.Background(), submission)
	require.NoError(t, err)
	assert.Equal(t, ResultDelivered, result)
	assert.True(t, result.Acknowledge())

	result, err = service.Process(context.Background(), submission)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyComplete, result)
	assert.True(t, result.Acknowledge())

	assert.Len(t, sink.Puts(), 5)
	record, _ := ledger.Record(submission.SubmissionID)
	assert.Equal(t, 5, record.NumberOfDeliveredEvents)
	assert.Equal(t, models.StatusProcessed, record.Status)
}

func TestProcessResumesAfterPartialFailure(t *testing.T) {
	ledger := repotest.NewLedger()
	submission := newSubmission(3, 2)

	failing := &memorySink{failOn: failAtCall(2)}
	result, err := newPipeline(ledger, failing).Process(context.Background(), submission)
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result)
	assert.False(t, result.Acknowledge())

	record, _ := ledger.Record(submission.SubmissionID)
	assert.Equal(t, 2, record.NumberOfDeliveredEvents)
	assert.Equal(t, models.StatusProcessed, record.Status)

	healthy := &memorySink{}
	result, err = newPipeline(ledger, healthy).Process(context.Background(), submission)
	require.NoError(t, err)
	assert.Equal(t, ResultDelivered, result)

	// events 0 and 1 are never sent again; the chain continues from the stored token
	resumed := healthy.Puts()
	require.Len(t, resumed, 3)
	require.NotNil(t, resumed[0].Prior)
	assert.Equal(t, failing.Puts()[1].Token, *resumed[0].Prior)
	assert.Equal(t, "new_process", resumed[0].Record["event_type"])
	assert.Equal(t, "network_connection", resumed[1].Record["event_type"])

	record, _ = ledger.Record(submission.SubmissionID)
	assert.Equal(t, 5, record.NumberOfDeliveredEvents)
	assert.Equal(t, models.StatusProcessed, record.Status)
}

func TestProcessSkipsSubmissionHeldByAnotherWorker(t *testing.T) {
	ledger := repotest.NewLedger()
	sink := &memorySink{}
	submission := newSubmission(1, 1)
	seed(ledger, submission.SubmissionID, models.StatusPending, 0, nil)

	result, err := newPipeline(ledger, sink).Process(context.Background(), submission)
	require.NoError(t, err)
	assert.Equal(t, ResultNotClaimed, result)
	assert.False(t, result.Acknowledge())
	assert.Empty(t, sink.Puts())
}

func TestProcessConcurrentWorkersDeliverOnce(t *testing.T) {
	ledger := repotest.NewLedger()
	sink := &memorySink{}
	submission := newSubmission(4, 4)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := newPipeline(ledger, sink).Process(context.Background(), submission)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	delivered := 0
	for _, r := range results {
		if r == ResultDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Len(t, sink.Puts(), 8)
}

func TestProcessReportsLedgerFailure(t *testing.T) {
	ledger := repotest.NewLedger()
	ledger.FailOn = func(op string, _ uuid.UUID) error {
		if op == repotest.OpCreate {
			return errors.New("too many connections")
		}
		return nil
	}

	result, err := newPipeline(ledger, &memorySink{}).Process(context.Background(), newSubmission(1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLedger))
	assert.Equal(t, ResultFailed, result)
}
