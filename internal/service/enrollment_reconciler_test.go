package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"
	"edupay/pkg/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileRequiresCompleted(t *testing.T) {
	f := newFixture(t)
	course := f.course(t, 150000, "VND")
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC())

	_, err := f.reconciler.Reconcile(context.Background(), txn)
	assert.ErrorIs(t, err, ErrNotCompleted)
	assert.Equal(t, int64(0), f.enrollmentCount(t, 1, course.ID))
}

func TestConcurrentReconcileCreatesOneEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC())
	completed, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCompleted})
	require.NoError(t, err)

	const workers = 10
	ids := make([]uint, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := f.reconciler.Reconcile(ctx, completed)
			if assert.NoError(t, err) {
				ids[i] = e.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int64(1), f.enrollmentCount(t, 1, course.ID))
	assert.Equal(t, int64(1), f.reloadCourse(t, course.ID).EnrolledCount)
	assert.Len(t, f.notifier.confirmed, 1)
}

func TestReconcileKeepsExistingEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 0, "VND")
	e, _, err := f.reconciler.EnrollFree(ctx, 1, course.ID, studentAudit)
	require.NoError(t, err)

	// A second completed transaction for the same course must not re-enroll.
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodManualProof, 1000, time.Now().UTC())
	completed, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCompleted})
	require.NoError(t, err)

	got, err := f.reconciler.Reconcile(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, int64(1), f.reloadCourse(t, course.ID).EnrolledCount)
}

func TestReplayAfterDropDoesNotReEnroll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 399000, "VND")

	res := createRedirect(t, f, 1, course.ID)
	cb := redirectCallback(t, res.SessionURL, "00")
	out := f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: cb}, Audit{})
	require.Equal(t, payment.AckConfirmed, out.Ack)
	require.NotNil(t, out.Enrollment)

	drop := func() {
		require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", out.Enrollment.ID).
			Update("status", domain.EnrollmentDropped).Error)
	}
	for i := 0; i < 3; i++ {
		drop()
		again := f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: cb}, Audit{})
		assert.Equal(t, payment.AckAlreadyHandled, again.Ack)
		require.NotNil(t, again.Enrollment)
		assert.Equal(t, domain.EnrollmentDropped, again.Enrollment.Status)
	}
	confirmed, err := f.svc.Confirm(ctx, res.Transaction.ID, Audit{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentDropped, confirmed.Enrollment.Status)

	assert.Equal(t, int64(1), f.reloadCourse(t, course.ID).EnrolledCount)
	assert.Len(t, f.notifier.confirmed, 1)
	assert.Equal(t, 1, f.pub.count(events.TopicEnrollmentCreated))

	// The repository refuses the same grant even when asked directly.
	err = f.enrollRepo.Reactivate(ctx, out.Enrollment.ID, res.Transaction.ID, time.Now().UTC())
	assert.ErrorIs(t, err, repository.ErrGuardFailed)
}
