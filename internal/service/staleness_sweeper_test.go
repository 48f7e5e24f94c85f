package service

import (
	"context"
	"testing"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepCancelsOnlyStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.sweeper.now = func() time.Time { return base }

	stale := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, base.Add(-31*time.Minute))
	fresh := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, base.Add(-29*time.Minute))
	paid := f.pendingTxn(t, 2, course.ID, domain.MethodRedirectSigned, 150000, base.Add(-2*time.Hour))
	_, err := f.txRepo.Apply(ctx, paid.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCompleted})
	require.NoError(t, err)

	n, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reloadTxn(t, stale.ID)
	assert.Equal(t, domain.TxStatusCancelled, got.Status)
	assert.Contains(t, got.Notes, "automatically cancelled")
	assert.Equal(t, domain.TxStatusPending, f.reloadTxn(t, fresh.ID).Status)
	assert.Equal(t, domain.TxStatusCompleted, f.reloadTxn(t, paid.ID).Status)

	require.Len(t, f.feed.events, 1)
	assert.Equal(t, stale.Code, f.feed.events[0].Code)
	assert.Equal(t, "expired", f.feed.events[0].Reason)
	assert.Equal(t, 1, f.pub.count(events.TopicTransactionFailed))

	n, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepLosesToConcurrentCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC().Add(-time.Hour))
	snapshot := *txn

	// The callback completes the payment after the sweeper listed it.
	_, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCompleted})
	require.NoError(t, err)

	assert.Zero(t, f.sweeper.cancelAll(ctx, []models.Transaction{snapshot}))
	assert.Equal(t, domain.TxStatusCompleted, f.reloadTxn(t, txn.ID).Status)
	assert.Equal(t, int64(0), f.historyCount(t, txn.ID, domain.TxStatusCancelled))
}

func TestHistorySweepsOnlyCallersTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.sweeper.now = func() time.Time { return base }

	mine := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, base.Add(-45*time.Minute))
	theirs := f.pendingTxn(t, 2, course.ID, domain.MethodRedirectSigned, 150000, base.Add(-45*time.Minute))
	f.pendingTxn(t, 1, course.ID, domain.MethodManualProof, 150000, base.Add(-5*time.Minute))

	list, total, err := f.svc.History(ctx, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, list, 2)
	assert.Equal(t, domain.MethodManualProof, list[0].Method)
	assert.Equal(t, domain.TxStatusCancelled, list[1].Status)

	assert.Equal(t, domain.TxStatusCancelled, f.reloadTxn(t, mine.ID).Status)
	assert.Equal(t, domain.TxStatusPending, f.reloadTxn(t, theirs.ID).Status)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
