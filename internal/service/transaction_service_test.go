package service

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"
	"edupay/pkg/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")

	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: 9999, Method: domain.MethodRedirectSigned})
	assert.ErrorIs(t, err, ErrCourseNotFound)

	_, err = f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: "crypto"})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = f.svc.createPending(ctx, 1, course.ID, decimal.Zero, "VND", domain.MethodRedirectSigned, Audit{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	list, total, err := f.txRepo.ListByUser(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func TestCreateRejectsEnrolledUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	res := createRedirect(t, f, 1, course.ID)
	f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: redirectCallback(t, res.SessionURL, "00")}, Audit{})

	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: domain.MethodRedirectSigned})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	// Another user is unaffected.
	createRedirect(t, f, 2, course.ID)
}

func TestSessionFailureMarksTransactionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 25, "USD")
	f.oauth.sessionErr = payment.ErrNotConfigured

	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: domain.MethodOAuthCapture, Audit: studentAudit})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrNotConfigured)

	list, total, err := f.txRepo.ListByUser(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, domain.TxStatusFailed, list[0].Status)
	assert.Contains(t, list[0].Notes, "session creation failed")
	assert.Equal(t, int64(1), f.historyCount(t, list[0].ID, domain.TxStatusFailed))
}

func TestUnstorableSessionDetailsFailTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 25, "USD")
	// A channel cannot be encoded into the JSON details column.
	f.oauth.extra = map[string]interface{}{"oauth.bad": make(chan int)}

	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: domain.MethodOAuthCapture, Audit: studentAudit})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store session details")

	list, total, err := f.txRepo.ListByUser(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, domain.TxStatusFailed, list[0].Status)
	assert.Contains(t, list[0].Notes, "session creation failed")
	assert.Equal(t, int64(0), f.historyCount(t, list[0].ID, domain.HistorySessionCreated))
	assert.Equal(t, 1, f.pub.count(events.TopicTransactionFailed))
}

func TestFreeCourseEnrollsDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 0, "VND")

	res, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Audit: studentAudit})
	require.NoError(t, err)
	require.NotNil(t, res.Enrollment)
	require.NotNil(t, res.Transaction)
	assert.Empty(t, res.SessionURL)
	assert.Equal(t, domain.MethodZeroCost, res.Transaction.Method)
	assert.Equal(t, domain.TxStatusCompleted, res.Transaction.Status)
	assert.True(t, res.Transaction.Amount.IsZero())
	assert.Equal(t, int64(1), f.reloadCourse(t, course.ID).EnrolledCount)

	_, err = f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Audit: studentAudit})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	paid := f.course(t, 10000, "VND")
	_, _, err = f.reconciler.EnrollFree(ctx, 1, paid.ID, studentAudit)
	assert.ErrorIs(t, err, ErrPaymentRequired)
}

func TestGetIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	res := createRedirect(t, f, 1, course.ID)

	txn, err := f.svc.Get(ctx, res.Transaction.ID, 1)
	require.NoError(t, err)
	require.Len(t, txn.History, 2)
	assert.Equal(t, domain.TxStatusPending, txn.History[0].Status)
	assert.Equal(t, domain.HistorySessionCreated, txn.History[1].Status)

	_, err = f.svc.Get(ctx, res.Transaction.ID, 2)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestDeleteOnlyCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	pending := createRedirect(t, f, 1, course.ID)
	assert.ErrorIs(t, f.svc.Delete(ctx, pending.Transaction.ID, 1), ErrNotDeletable)

	f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: redirectCallback(t, pending.SessionURL, "24")}, Audit{})
	assert.ErrorIs(t, f.svc.Delete(ctx, pending.Transaction.ID, 2), ErrTransactionNotFound)
	require.NoError(t, f.svc.Delete(ctx, pending.Transaction.ID, 1))

	_, err := f.txRepo.FindByID(ctx, pending.Transaction.ID)
	assert.Error(t, err)
	assert.Equal(t, int64(0), f.historyCount(t, pending.Transaction.ID, domain.TxStatusCancelled))
	assert.ErrorIs(t, f.svc.Delete(ctx, pending.Transaction.ID, 1), ErrTransactionNotFound)
}

func TestConfirmVerifiesOrderCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 25, "USD")
	res, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: domain.MethodOAuthCapture, Audit: studentAudit})
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.test/approve/ORDER-"+res.Transaction.Code, res.SessionURL)

	_, err = f.svc.Confirm(ctx, res.Transaction.ID, Audit{UserID: 2})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	out, err := f.svc.Confirm(ctx, res.Transaction.ID, studentAudit)
	require.NoError(t, err)
	assert.Equal(t, payment.AckConfirmed, out.Ack)
	assert.Equal(t, domain.TxStatusCompleted, out.Status)
	require.NotNil(t, out.Enrollment)

	again, err := f.svc.Confirm(ctx, res.Transaction.ID, studentAudit)
	require.NoError(t, err)
	assert.Equal(t, payment.AckAlreadyHandled, again.Ack)
	assert.Equal(t, out.Enrollment.ID, again.Enrollment.ID)
	assert.Equal(t, 1, f.oauth.verifies)
}

func TestConfirmRepairsMissingEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC())
	paidAt := time.Now().UTC()
	_, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCompleted, PaymentDate: &paidAt})
	require.NoError(t, err)
	require.Equal(t, int64(0), f.enrollmentCount(t, 1, course.ID))

	out, err := f.svc.Confirm(ctx, txn.ID, studentAudit)
	require.NoError(t, err)
	require.NotNil(t, out.Enrollment)
	assert.Equal(t, int64(1), f.enrollmentCount(t, 1, course.ID))
}

func TestConfirmTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 500000, "VND")
	res, err := f.svc.Create(ctx, CreateInput{UserID: 1, CourseID: course.ID, Method: domain.MethodManualProof, Audit: studentAudit})
	require.NoError(t, err)
	admin := Audit{UserID: 99, IPAddress: "10.0.0.1"}

	short := decimal.NewFromInt(400000)
	out, err := f.svc.ConfirmTransfer(ctx, res.Transaction.Code, &short, admin)
	require.NoError(t, err)
	assert.Equal(t, payment.AckInvalidAmount, out.Ack)
	assert.Equal(t, domain.TxStatusPending, f.reloadTxn(t, res.Transaction.ID).Status)

	full := decimal.NewFromInt(500000)
	out, err = f.svc.ConfirmTransfer(ctx, res.Transaction.Code, &full, admin)
	require.NoError(t, err)
	assert.Equal(t, payment.AckConfirmed, out.Ack)
	require.NotNil(t, out.Enrollment)

	txn := f.reloadTxn(t, res.Transaction.ID)
	assert.Equal(t, domain.TxStatusCompleted, txn.Status)
	assert.Equal(t, "operator", txn.Details["manual.verified_by"])
	assert.Equal(t, "99", txn.Details["manual.operator_id"])
	assert.Equal(t, payment.TrustLevelLow, txn.Details["manual.trust_level"])

	_, err = f.svc.ConfirmTransfer(ctx, "TXN-MISSING", nil, admin)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	other := createRedirect(t, f, 2, course.ID)
	_, err = f.svc.ConfirmTransfer(ctx, other.Transaction.Code, nil, admin)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRefundOnlyFromCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	res := createRedirect(t, f, 1, course.ID)
	admin := Audit{UserID: 99}

	_, err := f.svc.MarkRefunded(ctx, res.Transaction.Code, "", admin)
	assert.ErrorIs(t, err, ErrInvalidState)

	cb := redirectCallback(t, res.SessionURL, "00")
	f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: cb}, Audit{})

	refunded, err := f.svc.MarkRefunded(ctx, res.Transaction.Code, "chargeback 4411", admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusRefunded, refunded.Status)
	assert.Equal(t, "chargeback 4411", refunded.Notes)

	_, err = f.svc.MarkRefunded(ctx, res.Transaction.Code, "", admin)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.MarkRefunded(ctx, "TXN-MISSING", "", admin)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	// Refund leaves the enrollment alone and later callbacks change nothing.
	assert.Equal(t, int64(1), f.enrollmentCount(t, 1, course.ID))
	out := f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: cb}, Audit{})
	assert.Equal(t, payment.AckAlreadyHandled, out.Ack)
	assert.Equal(t, domain.TxStatusRefunded, out.Status)
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	txn := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC())
	_, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusFailed, Notes: "declined"})
	require.NoError(t, err)

	for _, to := range []string{domain.TxStatusCompleted, domain.TxStatusCancelled, domain.TxStatusPending} {
		_, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: domain.TxStatusPending, To: to})
		assert.True(t, errors.Is(err, repository.ErrGuardFailed), to)
	}
	// The store itself refuses to leave a final status, whatever the caller claims.
	for _, from := range []string{domain.TxStatusFailed, domain.TxStatusCancelled, domain.TxStatusRefunded, domain.TxStatusCompleted} {
		_, err := f.txRepo.Apply(ctx, txn.ID, repository.Transition{From: from, To: domain.TxStatusPending})
		assert.ErrorIs(t, err, repository.ErrTerminalStatus, from)
	}
	assert.Equal(t, domain.TxStatusFailed, f.reloadTxn(t, txn.ID).Status)
	assert.Equal(t, int64(1), f.historyCount(t, txn.ID, domain.TxStatusFailed))
	assert.Equal(t, int64(1), f.historyCount(t, txn.ID, domain.TxStatusPending))

	cancelled := f.pendingTxn(t, 1, course.ID, domain.MethodRedirectSigned, 150000, time.Now().UTC())
	_, err = f.txRepo.Apply(ctx, cancelled.ID, repository.Transition{From: domain.TxStatusPending, To: domain.TxStatusCancelled})
	require.NoError(t, err)
	_, err = f.txRepo.Apply(ctx, cancelled.ID, repository.Transition{From: domain.TxStatusCancelled, To: domain.TxStatusPending})
	assert.ErrorIs(t, err, repository.ErrTerminalStatus)
	assert.Equal(t, domain.TxStatusCancelled, f.reloadTxn(t, cancelled.ID).Status)
}

func TestRepurchaseReactivatesDroppedEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course(t, 150000, "VND")
	dropped := &models.Enrollment{UserID: 1, CourseID: course.ID, Status: domain.EnrollmentDropped, Progress: 40, EnrolledAt: time.Now().UTC()}
	require.NoError(t, f.db.Create(dropped).Error)

	res := createRedirect(t, f, 1, course.ID)
	out := f.verifier.Handle(ctx, domain.MethodRedirectSigned, payment.InboundPayload{Query: redirectCallback(t, res.SessionURL, "00")}, Audit{})
	require.NotNil(t, out.Enrollment)
	assert.Equal(t, dropped.ID, out.Enrollment.ID)
	assert.Equal(t, domain.EnrollmentActive, out.Enrollment.Status)
	require.NotNil(t, out.Enrollment.TransactionID)
	assert.Equal(t, res.Transaction.ID, *out.Enrollment.TransactionID)
	assert.Equal(t, int64(1), f.enrollmentCount(t, 1, course.ID))
	assert.Equal(t, int64(1), f.reloadCourse(t, course.ID).EnrolledCount)
}

func TestCallbackURL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "https://api.example.test/api/v1/transactions/callback/oauth_capture", f.svc.CallbackURL(domain.MethodOAuthCapture, nil))
	assert.Equal(t,
		"https://api.example.test/api/v1/transactions/callback/oauth_capture?cancel=1&return=1",
		f.svc.CallbackURL(domain.MethodOAuthCapture, url.Values{"return": {"1"}, "cancel": {"1"}}))
}
