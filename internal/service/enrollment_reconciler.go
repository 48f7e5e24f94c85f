package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EnrollmentReconciler turns a completed transaction into exactly one enrollment. The
// unique (user_id, course_id) index is the concurrency control: losing an insert race means
// another path already enrolled the user.
type EnrollmentReconciler struct {
	enrollRepo *repository.EnrollmentRepository
	txRepo     *repository.TransactionRepository
	courseRepo *repository.CourseRepository
	notifier   Notifier
	events     events.Publisher
	now        func() time.Time
}

func NewEnrollmentReconciler(
	enrollRepo *repository.EnrollmentRepository,
	txRepo *repository.TransactionRepository,
	courseRepo *repository.CourseRepository,
	notifier Notifier,
	publisher events.Publisher,
) *EnrollmentReconciler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &EnrollmentReconciler{
		enrollRepo: enrollRepo,
		txRepo:     txRepo,
		courseRepo: courseRepo,
		notifier:   notifier,
		events:     publisher,
		now:        time.Now,
	}
}

// Reconcile returns the enrollment granted by txn, creating it on first call.
func (r *EnrollmentReconciler) Reconcile(ctx context.Context, txn *models.Transaction) (*models.Enrollment, error) {
	if txn.Status != domain.TxStatusCompleted {
		return nil, ErrNotCompleted
	}

	existing, err := r.enrollRepo.FindByUserCourse(ctx, txn.UserID, txn.CourseID)
	switch {
	case err == nil && existing.Status != domain.EnrollmentDropped:
		return existing, nil
	case err == nil && grantedBy(existing, txn):
		// This payment already granted the row once; a later drop is not undone by replays.
		return existing, nil
	case err == nil:
		return r.reactivate(ctx, txn, existing)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	txID := txn.ID
	e := &models.Enrollment{
		UserID:        txn.UserID,
		CourseID:      txn.CourseID,
		TransactionID: &txID,
		Status:        domain.EnrollmentActive,
		Progress:      0,
		EnrolledAt:    r.now(),
	}
	if err := r.enrollRepo.Insert(ctx, e); err != nil {
		if errors.Is(err, repository.ErrEnrollmentExists) {
			log.Printf("[Reconcile] txn=%s user=%d course=%d already enrolled by another path", txn.Code, txn.UserID, txn.CourseID)
			return r.enrollRepo.FindByUserCourse(ctx, txn.UserID, txn.CourseID)
		}
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	log.Printf("[Reconcile] txn=%s enrolled user=%d course=%d enrollment=%d", txn.Code, txn.UserID, txn.CourseID, e.ID)
	r.enrolled(txn, e)
	return e, nil
}

func grantedBy(e *models.Enrollment, txn *models.Transaction) bool {
	return e.TransactionID != nil && *e.TransactionID == txn.ID
}

func (r *EnrollmentReconciler) reactivate(ctx context.Context, txn *models.Transaction, e *models.Enrollment) (*models.Enrollment, error) {
	txID := txn.ID
	err := r.enrollRepo.Reactivate(ctx, e.ID, txID, r.now())
	if err != nil && !errors.Is(err, repository.ErrGuardFailed) {
		return nil, fmt.Errorf("reactivate enrollment: %w", err)
	}
	fresh, ferr := r.enrollRepo.FindByUserCourse(ctx, txn.UserID, txn.CourseID)
	if ferr != nil {
		return nil, ferr
	}
	if err == nil {
		log.Printf("[Reconcile] txn=%s reactivated enrollment=%d", txn.Code, e.ID)
		r.enrolled(txn, fresh)
	}
	return fresh, nil
}

func (r *EnrollmentReconciler) enrolled(txn *models.Transaction, e *models.Enrollment) {
	r.events.Publish(events.TopicEnrollmentCreated, fmt.Sprintf("%d:%d", e.UserID, e.CourseID), events.EnrollmentEvent{
		EnrollmentID:  e.ID,
		UserID:        e.UserID,
		CourseID:      e.CourseID,
		TransactionID: e.TransactionID,
		OccurredAt:    r.now(),
	})
	r.notifier.NotifyEnrollmentConfirmed(e.UserID, e.CourseID, txn.Code)
}

// EnrollFree enrolls a user in a zero-price course, recording a completed zero_cost
// transaction alongside.
func (r *EnrollmentReconciler) EnrollFree(ctx context.Context, userID, courseID uint, audit Audit) (*models.Enrollment, *models.Transaction, error) {
	course, err := r.courseRepo.GetByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrCourseNotFound
		}
		return nil, nil, err
	}
	if !course.IsFree() {
		return nil, nil, ErrPaymentRequired
	}
	if _, err := r.enrollRepo.FindActive(ctx, userID, courseID); err == nil {
		return nil, nil, ErrAlreadyEnrolled
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	now := r.now()
	txn := &models.Transaction{
		UserID:      userID,
		CourseID:    courseID,
		Amount:      decimal.Zero,
		Currency:    course.Currency,
		Method:      domain.MethodZeroCost,
		Status:      domain.TxStatusCompleted,
		PaymentDate: &now,
		Notes:       "free course",
	}
	err = r.txRepo.Create(ctx, txn, models.PaymentHistory{
		Status:    domain.TxStatusCompleted,
		Message:   "free course enrollment",
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("record free enrollment: %w", err)
	}
	e, err := r.Reconcile(ctx, txn)
	if err != nil {
		return nil, nil, err
	}
	return e, txn, nil
}
