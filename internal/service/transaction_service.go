package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"
	"edupay/pkg/payment"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionService struct {
	txRepo       *repository.TransactionRepository
	courseRepo   *repository.CourseRepository
	enrollRepo   *repository.EnrollmentRepository
	gateways     *payment.Registry
	reconciler   *EnrollmentReconciler
	verifier     *CallbackVerifier
	sweeper      *StalenessSweeper
	events       events.Publisher
	callbackBase string // public base URL + /api/v1/transactions/callback
}

func NewTransactionService(
	txRepo *repository.TransactionRepository,
	courseRepo *repository.CourseRepository,
	enrollRepo *repository.EnrollmentRepository,
	gateways *payment.Registry,
	reconciler *EnrollmentReconciler,
	verifier *CallbackVerifier,
	sweeper *StalenessSweeper,
	publisher events.Publisher,
	publicBaseURL string,
) *TransactionService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &TransactionService{
		txRepo:       txRepo,
		courseRepo:   courseRepo,
		enrollRepo:   enrollRepo,
		gateways:     gateways,
		reconciler:   reconciler,
		verifier:     verifier,
		sweeper:      sweeper,
		events:       publisher,
		callbackBase: strings.TrimRight(publicBaseURL, "/") + "/api/v1/transactions/callback",
	}
}

type CreateInput struct {
	UserID   uint
	CourseID uint
	Method   string
	Hints    map[string]string
	Audit    Audit
}

// CreateResult carries either a session (paid course) or an enrollment (free course).
type CreateResult struct {
	Transaction    *models.Transaction
	SessionURL     string
	DisplayPayload map[string]interface{}
	Enrollment     *models.Enrollment
}

// CallbackURL is where method's gateway sends the payer back.
func (s *TransactionService) CallbackURL(method string, extra url.Values) string {
	u := s.callbackBase + "/" + method
	if len(extra) > 0 {
		u += "?" + extra.Encode()
	}
	return u
}

// Create starts a payment for a course. Free courses are enrolled directly.
func (s *TransactionService) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	course, err := s.courseRepo.GetByID(ctx, in.CourseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	if course.IsFree() {
		e, txn, err := s.reconciler.EnrollFree(ctx, in.UserID, in.CourseID, in.Audit)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Transaction: txn, Enrollment: e}, nil
	}

	gw, ok := s.gateways.Get(in.Method)
	if !ok {
		return nil, ErrUnknownMethod
	}
	if err := s.ensureNotEnrolled(ctx, in.UserID, in.CourseID); err != nil {
		return nil, err
	}

	txn, err := s.createPending(ctx, in.UserID, in.CourseID, course.Price, course.Currency, in.Method, in.Audit)
	if err != nil {
		return nil, err
	}

	session, err := gw.CreateSession(ctx, payment.SessionRequest{
		TransactionID: txn.ID,
		Code:          txn.Code,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Description:   "Course " + course.Title,
		ClientIP:      in.Audit.IPAddress,
		ReturnURL:     s.CallbackURL(in.Method, url.Values{"return": {"1"}}),
		CancelURL:     s.CallbackURL(in.Method, url.Values{"return": {"1"}, "cancel": {"1"}}),
		Hints:         in.Hints,
	})
	if err != nil {
		s.failSession(ctx, txn, err, in.Audit)
		return nil, fmt.Errorf("create %s session: %w", in.Method, err)
	}

	if len(session.Details) > 0 {
		if err := s.txRepo.UpdateDetails(ctx, txn.ID, session.Details); err != nil {
			err = fmt.Errorf("store session details: %w", err)
			s.failSession(ctx, txn, err, in.Audit)
			return nil, err
		}
	}
	err = s.txRepo.AppendHistory(ctx, &models.PaymentHistory{
		TransactionID: txn.ID,
		Status:        domain.HistorySessionCreated,
		Message:       "payment session created",
		IPAddress:     in.Audit.IPAddress,
		UserAgent:     in.Audit.UserAgent,
	})
	if err != nil {
		log.Printf("[Transaction] txn=%s session history: %v", txn.Code, err)
	}
	return &CreateResult{Transaction: txn, SessionURL: session.SessionURL, DisplayPayload: session.DisplayPayload}, nil
}

func (s *TransactionService) ensureNotEnrolled(ctx context.Context, userID, courseID uint) error {
	_, err := s.enrollRepo.FindActive(ctx, userID, courseID)
	if err == nil {
		return ErrAlreadyEnrolled
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// createPending is the store-level create: amount must be positive for paid methods.
func (s *TransactionService) createPending(ctx context.Context, userID, courseID uint, amount decimal.Decimal, currency, method string, audit Audit) (*models.Transaction, error) {
	if domain.IsPaidMethod(method) && amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	txn := &models.Transaction{
		UserID:   userID,
		CourseID: courseID,
		Amount:   amount,
		Currency: currency,
		Method:   method,
		Status:   domain.TxStatusPending,
	}
	err := s.txRepo.Create(ctx, txn, models.PaymentHistory{
		Status:    domain.TxStatusPending,
		Message:   "transaction created",
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *TransactionService) failSession(ctx context.Context, txn *models.Transaction, cause error, audit Audit) {
	log.Printf("[Transaction] txn=%s session creation failed: %v", txn.Code, cause)
	note := "session creation failed: " + cause.Error()
	updated, err := s.txRepo.Apply(ctx, txn.ID, repository.Transition{
		From:      domain.TxStatusPending,
		To:        domain.TxStatusFailed,
		Notes:     note,
		Message:   note,
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
	})
	if err != nil {
		log.Printf("[Transaction] txn=%s mark failed: %v", txn.Code, err)
		return
	}
	s.events.Publish(events.TopicTransactionFailed, updated.Code, transactionEvent(updated, note, time.Now()))
}

// Get returns a transaction with its history, scoped to its owner.
func (s *TransactionService) Get(ctx context.Context, id, userID uint) (*models.Transaction, error) {
	t, err := s.txRepo.FindByIDForUser(ctx, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// History lists the user's transactions, newest first. Stale pending rows of this user are
// cancelled first so the list reflects expiry.
func (s *TransactionService) History(ctx context.Context, userID uint, page, limit int) ([]models.Transaction, int64, error) {
	if s.sweeper != nil {
		if _, err := s.sweeper.SweepUser(ctx, userID); err != nil {
			log.Printf("[Transaction] sweep user=%d: %v", userID, err)
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	return s.txRepo.ListByUser(ctx, userID, limit, (page-1)*limit)
}

// Delete removes a cancelled transaction of the caller along with its history.
func (s *TransactionService) Delete(ctx context.Context, id, userID uint) error {
	t, err := s.txRepo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return ErrTransactionNotFound
	}
	if t.Status != domain.TxStatusCancelled {
		return ErrNotDeletable
	}
	if err := s.txRepo.DeleteCancelled(ctx, id, userID); err != nil {
		if errors.Is(err, repository.ErrGuardFailed) {
			return ErrNotDeletable
		}
		return err
	}
	return nil
}

// Confirm is the client's "I paid" fallback for when the callback is slow or lost. A
// completed transaction is reconciled (idempotently); a pending order/capture transaction
// is verified against the gateway.
func (s *TransactionService) Confirm(ctx context.Context, id uint, audit Audit) (*CallbackResult, error) {
	t, err := s.txRepo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && t.UserID != audit.UserID) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status == domain.TxStatusCompleted:
		e, err := s.reconciler.Reconcile(ctx, t)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{Ack: payment.AckAlreadyHandled, Transaction: t, Enrollment: e, Status: t.Status}, nil
	case t.Status == domain.TxStatusPending && t.Method == domain.MethodOAuthCapture:
		orderID, _ := t.Details["oauth.order_id"].(string)
		if orderID == "" {
			return nil, ErrInvalidState
		}
		body := []byte(fmt.Sprintf(`{"order_id":%q}`, orderID))
		return s.verifier.Handle(ctx, t.Method, payment.InboundPayload{Body: body}, audit), nil
	case t.Status == domain.TxStatusPending:
		return &CallbackResult{Ack: payment.AckConfirmed, Transaction: t, Status: t.Status, Reason: "awaiting payment confirmation"}, nil
	default:
		return &CallbackResult{Ack: payment.AckAlreadyHandled, Transaction: t, Status: t.Status, Reason: publicReason(t.Status)}, nil
	}
}

// ConfirmTransfer is the operator signal for a manual bank transfer.
func (s *TransactionService) ConfirmTransfer(ctx context.Context, code string, amount *decimal.Decimal, audit Audit) (*CallbackResult, error) {
	t, err := s.txRepo.FindByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Method != domain.MethodManualProof {
		return nil, ErrInvalidState
	}
	in := payment.InboundPayload{
		Query:          url.Values{"code": {t.Code}},
		Operator:       true,
		OperatorID:     audit.UserID,
		OperatorAmount: amount,
	}
	return s.verifier.Handle(ctx, t.Method, in, audit), nil
}

// MarkRefunded records that money was returned out of band. It is the only way out of
// completed and does not touch the enrollment.
func (s *TransactionService) MarkRefunded(ctx context.Context, code, note string, audit Audit) (*models.Transaction, error) {
	t, err := s.txRepo.FindByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "refunded by operator"
	}
	updated, err := s.txRepo.Apply(ctx, t.ID, repository.Transition{
		From:      domain.TxStatusCompleted,
		To:        domain.TxStatusRefunded,
		Notes:     note,
		Message:   fmt.Sprintf("marked refunded by operator %d", audit.UserID),
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
	})
	if errors.Is(err, repository.ErrGuardFailed) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[Transaction] txn=%s refunded by operator=%d", updated.Code, audit.UserID)
	return updated, nil
}
