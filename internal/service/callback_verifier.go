package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"
	"edupay/pkg/payment"

	"gorm.io/gorm"
)

// CallbackResult is the verifier's verdict on one inbound notification. It never carries
// raw provider payloads.
type CallbackResult struct {
	Ack         payment.AckResult
	Transaction *models.Transaction
	Enrollment  *models.Enrollment
	Status      string // transaction status after handling, empty when no transaction matched
	Reason      string
	Duplicate   bool
}

// CallbackVerifier is the single entry point for gateway notifications, payer proofs and
// operator confirmations.
type CallbackVerifier struct {
	txRepo     *repository.TransactionRepository
	gateways   *payment.Registry
	reconciler *EnrollmentReconciler
	notifier   Notifier
	events     events.Publisher
	feed       StatusFeed
	now        func() time.Time
}

func NewCallbackVerifier(
	txRepo *repository.TransactionRepository,
	gateways *payment.Registry,
	reconciler *EnrollmentReconciler,
	notifier Notifier,
	publisher events.Publisher,
	feed StatusFeed,
) *CallbackVerifier {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if feed == nil {
		feed = noopFeed{}
	}
	return &CallbackVerifier{
		txRepo:     txRepo,
		gateways:   gateways,
		reconciler: reconciler,
		notifier:   notifier,
		events:     publisher,
		feed:       feed,
		now:        time.Now,
	}
}

// Handle authenticates an inbound notification for method and applies its outcome. Errors
// are absorbed into the result; the caller always gets something to acknowledge with.
func (v *CallbackVerifier) Handle(ctx context.Context, method string, in payment.InboundPayload, audit Audit) *CallbackResult {
	gw, ok := v.gateways.Get(method)
	if !ok {
		return &CallbackResult{Ack: payment.AckError, Reason: ErrUnknownMethod.Error()}
	}

	code, err := gw.TransactionCode(ctx, in)
	if err != nil {
		log.Printf("[Callback] %s: no transaction reference (ip=%s): %v", method, audit.IPAddress, err)
		return &CallbackResult{Ack: payment.AckNotFound, Reason: "unknown transaction"}
	}
	txn, err := v.txRepo.FindByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[Callback] %s lookup code=%s: %v", method, code, err)
			return &CallbackResult{Ack: payment.AckError, Reason: "internal error"}
		}
		log.Printf("[Callback] %s: unknown code=%s (ip=%s)", method, code, audit.IPAddress)
		return &CallbackResult{Ack: payment.AckNotFound, Reason: "unknown transaction"}
	}
	if txn.Method != method {
		log.Printf("[Callback] code=%s belongs to %s, callback came in on %s (ip=%s)", code, txn.Method, method, audit.IPAddress)
		return &CallbackResult{Ack: payment.AckNotFound, Reason: "unknown transaction"}
	}

	if !txn.IsPending() {
		return v.alreadyHandled(ctx, txn, audit)
	}

	outcome, err := gw.VerifyInbound(ctx, payment.Expected{
		Code:     txn.Code,
		Amount:   txn.Amount,
		Currency: txn.Currency,
		Details:  txn.Details,
	}, in)
	if err != nil {
		log.Printf("[Callback] txn=%s verification error: %v", txn.Code, err)
		return v.finish(ctx, txn, domain.TxStatusFailed, "gateway verification failed: "+err.Error(), nil, audit)
	}

	switch outcome.Disposition {
	case payment.DispositionRejected:
		return v.reject(ctx, txn, payment.AckBadSignature, outcome.RejectionReason, audit)
	case payment.DispositionPending:
		v.appendHistory(ctx, txn.ID, domain.HistoryAwaitingReview, pendingMessage(outcome), audit)
		return &CallbackResult{Ack: payment.AckConfirmed, Transaction: txn, Status: txn.Status, Reason: outcome.RejectionReason}
	case payment.DispositionFailed:
		return v.finish(ctx, txn, domain.TxStatusFailed, outcome.RejectionReason, outcome.Details, audit)
	case payment.DispositionCancelled:
		return v.finish(ctx, txn, domain.TxStatusCancelled, outcome.RejectionReason, outcome.Details, audit)
	case payment.DispositionPaid:
		if reason := amountMismatch(txn, outcome); reason != "" {
			return v.reject(ctx, txn, payment.AckInvalidAmount, reason, audit)
		}
		return v.complete(ctx, txn, outcome, audit)
	default:
		log.Printf("[Callback] txn=%s unexpected disposition %q", txn.Code, outcome.Disposition)
		return &CallbackResult{Ack: payment.AckError, Transaction: txn, Status: txn.Status, Reason: "internal error"}
	}
}

func pendingMessage(o *payment.VerificationOutcome) string {
	msg := "verification not final"
	if o.GatewayStatus != "" {
		msg += ": gateway status " + o.GatewayStatus
	}
	if o.RejectionReason != "" {
		msg += " (" + o.RejectionReason + ")"
	}
	return msg
}

// amountMismatch returns a reason when the gateway reports a different amount or currency.
func amountMismatch(txn *models.Transaction, o *payment.VerificationOutcome) string {
	if !o.AmountReported {
		return ""
	}
	if !o.GatewayAmount.Equal(txn.Amount) {
		return fmt.Sprintf("amount mismatch: expected %s, gateway reported %s", txn.Amount.String(), o.GatewayAmount.String())
	}
	if o.GatewayCurrency != "" && !strings.EqualFold(o.GatewayCurrency, txn.Currency) {
		return fmt.Sprintf("currency mismatch: expected %s, gateway reported %s", txn.Currency, o.GatewayCurrency)
	}
	return ""
}

// reject records a suspicious notification without touching the transaction status.
func (v *CallbackVerifier) reject(ctx context.Context, txn *models.Transaction, ack payment.AckResult, reason string, audit Audit) *CallbackResult {
	log.Printf("[Callback] REJECTED txn=%s reason=%q ip=%s ua=%q", txn.Code, reason, audit.IPAddress, audit.UserAgent)
	v.appendHistory(ctx, txn.ID, domain.HistoryRejected, reason, audit)
	return &CallbackResult{Ack: ack, Transaction: txn, Status: txn.Status, Reason: "verification failed"}
}

func (v *CallbackVerifier) complete(ctx context.Context, txn *models.Transaction, o *payment.VerificationOutcome, audit Audit) *CallbackResult {
	paidAt := v.now()
	updated, err := v.txRepo.Apply(ctx, txn.ID, repository.Transition{
		From:        domain.TxStatusPending,
		To:          domain.TxStatusCompleted,
		Details:     o.Details,
		PaymentDate: &paidAt,
		Notes:       fmt.Sprintf("verified via %s (gateway status %s)", txn.Method, o.GatewayStatus),
		Message:     "payment verified",
		IPAddress:   audit.IPAddress,
		UserAgent:   audit.UserAgent,
	})
	if errors.Is(err, repository.ErrGuardFailed) {
		return v.alreadyHandled(ctx, txn, audit)
	}
	if err != nil {
		log.Printf("[Callback] txn=%s complete: %v", txn.Code, err)
		return &CallbackResult{Ack: payment.AckError, Transaction: txn, Status: txn.Status, Reason: "internal error"}
	}
	log.Printf("[Callback] txn=%s completed via %s", updated.Code, updated.Method)
	v.events.Publish(events.TopicTransactionCompleted, updated.Code, transactionEvent(updated, "", paidAt))
	v.feed.PublishStatus(updated.UserID, StatusEvent{
		Type: "transaction_status", TransactionID: updated.ID, Code: updated.Code, Status: updated.Status, At: paidAt,
	})

	res := &CallbackResult{Ack: payment.AckConfirmed, Transaction: updated, Status: updated.Status}
	e, err := v.reconciler.Reconcile(ctx, updated)
	if err != nil {
		// The payment is recorded; the confirm endpoint or a duplicate callback retries this.
		log.Printf("[Callback] txn=%s reconcile: %v", updated.Code, err)
		return res
	}
	res.Enrollment = e
	return res
}

// finish moves a pending transaction to a non-success terminal status.
func (v *CallbackVerifier) finish(ctx context.Context, txn *models.Transaction, to, reason string, details map[string]interface{}, audit Audit) *CallbackResult {
	updated, err := v.txRepo.Apply(ctx, txn.ID, repository.Transition{
		From:      domain.TxStatusPending,
		To:        to,
		Details:   details,
		Notes:     reason,
		Message:   reason,
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
	})
	if errors.Is(err, repository.ErrGuardFailed) {
		return v.alreadyHandled(ctx, txn, audit)
	}
	if err != nil {
		log.Printf("[Callback] txn=%s mark %s: %v", txn.Code, to, err)
		return &CallbackResult{Ack: payment.AckError, Transaction: txn, Status: txn.Status, Reason: "internal error"}
	}
	log.Printf("[Callback] txn=%s %s: %s", updated.Code, to, reason)
	now := v.now()
	v.events.Publish(events.TopicTransactionFailed, updated.Code, transactionEvent(updated, reason, now))
	v.feed.PublishStatus(updated.UserID, StatusEvent{
		Type: "transaction_status", TransactionID: updated.ID, Code: updated.Code, Status: to, Reason: publicReason(to), At: now,
	})
	v.notifier.NotifyPaymentFailed(updated.UserID, updated.Code, to, publicReason(to))
	return &CallbackResult{Ack: payment.AckConfirmed, Transaction: updated, Status: to, Reason: publicReason(to)}
}

// alreadyHandled answers a notification for a transaction that is no longer pending with
// its recorded outcome. No status change and no new side effects.
func (v *CallbackVerifier) alreadyHandled(ctx context.Context, txn *models.Transaction, audit Audit) *CallbackResult {
	current, err := v.txRepo.FindByID(ctx, txn.ID)
	if err != nil {
		current = txn
	}
	v.appendHistory(ctx, current.ID, domain.HistoryDuplicate, "notification for "+current.Status+" transaction ignored", audit)
	res := &CallbackResult{
		Ack:         payment.AckAlreadyHandled,
		Transaction: current,
		Status:      current.Status,
		Duplicate:   true,
	}
	if current.Status == domain.TxStatusCompleted {
		if e, err := v.reconciler.Reconcile(ctx, current); err == nil {
			res.Enrollment = e
		} else {
			log.Printf("[Callback] txn=%s reconcile on duplicate: %v", current.Code, err)
		}
	} else {
		res.Reason = publicReason(current.Status)
	}
	return res
}

func (v *CallbackVerifier) appendHistory(ctx context.Context, txnID uint, status, message string, audit Audit) {
	err := v.txRepo.AppendHistory(ctx, &models.PaymentHistory{
		TransactionID: txnID,
		Status:        status,
		Message:       message,
		IPAddress:     audit.IPAddress,
		UserAgent:     audit.UserAgent,
	})
	if err != nil {
		log.Printf("[Callback] history txn=%d status=%s: %v", txnID, status, err)
	}
}

// publicReason is the user-facing explanation; provider messages stay in Notes and logs.
func publicReason(status string) string {
	switch status {
	case domain.TxStatusFailed:
		return "payment failed"
	case domain.TxStatusCancelled:
		return "payment cancelled"
	case domain.TxStatusRefunded:
		return "payment refunded"
	}
	return ""
}
