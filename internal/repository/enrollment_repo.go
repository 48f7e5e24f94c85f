package repository

import (
	"context"
	"errors"
	"time"

	"edupay/internal/domain"
	"edupay/internal/models"

	"gorm.io/gorm"
)

// ErrEnrollmentExists is returned by Insert when (user, course) is already enrolled.
var ErrEnrollmentExists = errors.New("enrollment already exists")

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) FindByUserCourse(ctx context.Context, userID, courseID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).Where("user_id = ? AND course_id = ?", userID, courseID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindActive returns the enrollment that currently grants access, i.e. any row that is not dropped.
func (r *EnrollmentRepository) FindActive(ctx context.Context, userID, courseID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ? AND status <> ?", userID, courseID, domain.EnrollmentDropped).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert creates e and bumps the course's enrolled_count in one database transaction.
// The unique (user_id, course_id) index decides races: the loser gets ErrEnrollmentExists
// and nothing is counted.
func (r *EnrollmentRepository) Insert(ctx context.Context, e *models.Enrollment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		return incrementEnrolledCount(tx, e.CourseID)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEnrollmentExists
	}
	return err
}

// Reactivate flips a dropped enrollment back to active for a new payment. Returns
// ErrGuardFailed if the row is no longer dropped or was already granted by transactionID.
func (r *EnrollmentRepository) Reactivate(ctx context.Context, id, transactionID uint, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", id, domain.EnrollmentDropped).
			Where("(transaction_id IS NULL OR transaction_id <> ?)", transactionID).
			Updates(map[string]interface{}{
				"status":         domain.EnrollmentActive,
				"transaction_id": transactionID,
				"enrolled_at":    at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrGuardFailed
		}
		var e models.Enrollment
		if err := tx.Select("course_id").First(&e, id).Error; err != nil {
			return err
		}
		return incrementEnrolledCount(tx, e.CourseID)
	})
}

func (r *EnrollmentRepository) CountForCourse(ctx context.Context, userID, courseID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Count(&n).Error
	return n, err
}

func incrementEnrolledCount(tx *gorm.DB, courseID uint) error {
	return tx.Model(&models.Course{}).Where("id = ?", courseID).
		UpdateColumn("enrolled_count", gorm.Expr("enrolled_count + 1")).Error
}
