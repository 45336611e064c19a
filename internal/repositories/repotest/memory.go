// Package repotest provides an in-memory submission ledger for tests.
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"

	"github.com/google/uuid"
)

// Operation names passed to Ledger.FailOn
const (
	OpGet            = "get"
	OpCreate         = "create"
	OpClaimProcessed = "claim_processed"
	OpSaveProgress   = "save_progress"
	OpReleaseStale   = "release_stale"
)

// Ledger is a SubmissionRepository kept in memory. Transactions are
// serialized and buffer their writes until commit.
type Ledger struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	records map[uuid.UUID]models.SubmissionRecord

	// FailOn, when set, is consulted before every operation; a non-nil
	// return fails the operation with that error
	FailOn func(op string, id uuid.UUID) error
}

// NewLedger creates an empty in-memory ledger
func NewLedger() *Ledger {
	return &Ledger{records: make(map[uuid.UUID]models.SubmissionRecord)}
}

// Put seeds a record
func (l *Ledger) Put(record models.SubmissionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.ID] = record
}

// Record returns a copy of the stored row
func (l *Ledger) Record(id uuid.UUID) (models.SubmissionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[id]
	return record, ok
}

// Len returns the number of stored rows
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) fail(op string, id uuid.UUID) error {
	if l.FailOn == nil {
		return nil
	}
	return l.FailOn(op, id)
}

func (l *Ledger) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repositories.SubmissionRepository) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	tx := &txLedger{parent: l, writes: make(map[uuid.UUID]models.SubmissionRecord)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, record := range tx.writes {
		l.records[id] = record
	}
	return nil
}

func (l *Ledger) Get(_ context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	if err := l.fail(OpGet, id); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return get(l.records, nil, id)
}

func (l *Ledger) Create(_ context.Context, id uuid.UUID, now time.Time) error {
	if err := l.fail(OpCreate, id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return create(l.records, nil, l.records, id, now)
}

func (l *Ledger) ClaimProcessed(_ context.Context, id uuid.UUID, deliveredEvents int, now time.Time) (bool, error) {
	if err := l.fail(OpClaimProcessed, id); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return claimProcessed(l.records, nil, l.records, id, deliveredEvents, now), nil
}

func (l *Ledger) SaveProgress(_ context.Context, id uuid.UUID, progress repositories.Progress) error {
	if err := l.fail(OpSaveProgress, id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return saveProgress(l.records, nil, l.records, id, progress)
}

func (l *Ledger) ReleaseStale(_ context.Context, cutoff time.Time, limit int, now time.Time) (int64, error) {
	if err := l.fail(OpReleaseStale, uuid.Nil); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var released int64
	for id, record := range l.records {
		if released >= int64(limit) {
			break
		}
		if record.Status != models.StatusPending || !lastTouched(record).Before(cutoff) {
			continue
		}
		record.Status = models.StatusProcessed
		record.UpdatedAt = &now
		l.records[id] = record
		released++
	}
	return released, nil
}

// txLedger reads through its own writes to the parent and buffers writes until commit
type txLedger struct {
	parent *Ledger
	writes map[uuid.UUID]models.SubmissionRecord
}

func (t *txLedger) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repositories.SubmissionRepository) error) error {
	return fn(ctx, t)
}

func (t *txLedger) Get(_ context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	if err := t.parent.fail(OpGet, id); err != nil {
		return nil, err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return get(t.parent.records, t.writes, id)
}

func (t *txLedger) Create(_ context.Context, id uuid.UUID, now time.Time) error {
	if err := t.parent.fail(OpCreate, id); err != nil {
		return err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return create(t.parent.records, t.writes, t.writes, id, now)
}

func (t *txLedger) ClaimProcessed(_ context.Context, id uuid.UUID, deliveredEvents int, now time.Time) (bool, error) {
	if err := t.parent.fail(OpClaimProcessed, id); err != nil {
		return false, err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return claimProcessed(t.parent.records, t.writes, t.writes, id, deliveredEvents, now), nil
}

func (t *txLedger) SaveProgress(_ context.Context, id uuid.UUID, progress repositories.Progress) error {
	if err := t.parent.fail(OpSaveProgress, id); err != nil {
		return err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return saveProgress(t.parent.records, t.writes, t.writes, id, progress)
}

func (t *txLedger) ReleaseStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) (int64, error) {
	return 0, nil
}

func lookup(base, overlay map[uuid.UUID]models.SubmissionRecord, id uuid.UUID) (models.SubmissionRecord, bool) {
	if record, ok := overlay[id]; ok {
		return record, true
	}
	record, ok := base[id]
	return record, ok
}

func get(base, overlay map[uuid.UUID]models.SubmissionRecord, id uuid.UUID) (*models.SubmissionRecord, error) {
	record, ok := lookup(base, overlay, id)
	if !ok {
		return nil, repositories.ErrSubmissionNotFound
	}
	return &record, nil
}

func create(base, overlay, target map[uuid.UUID]models.SubmissionRecord, id uuid.UUID, now time.Time) error {
	if _, ok := lookup(base, overlay, id); ok {
		return repositories.ErrDuplicateSubmission
	}
	target[id] = models.SubmissionRecord{
		ID:        id,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: &now,
	}
	return nil
}

func claimProcessed(base, overlay, target map[uuid.UUID]models.SubmissionRecord, id uuid.UUID, deliveredEvents int, now time.Time) bool {
	record, ok := lookup(base, overlay, id)
	if !ok || record.Status != models.StatusProcessed || record.NumberOfDeliveredEvents != deliveredEvents {
		return false
	}
	record.Status = models.StatusPending
	record.UpdatedAt = &now
	target[id] = record
	return true
}

func saveProgress(base, overlay, target map[uuid.UUID]models.SubmissionRecord, id uuid.UUID, progress repositories.Progress) error {
	record, ok := lookup(base, overlay, id)
	if !ok || record.NumberOfDeliveredEvents > progress.DeliveredEvents {
		return repositories.ErrProgressConflict
	}
	updatedAt := progress.UpdatedAt
	record.Status = progress.Status
	record.NumberOfDeliveredEvents = progress.DeliveredEvents
	record.SequenceNumber = progress.SequenceNumber
	record.UpdatedAt = &updatedAt
	target[id] = record
	return nil
}

func lastTouched(record models.SubmissionRecord) time.Time {
	if record.UpdatedAt != nil {
		return *record.UpdatedAt
	}
	return record.CreatedAt
}
