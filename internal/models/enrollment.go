package models

import "time"

// Enrollment grants a user access to a course. The composite unique index is what keeps
// reconciliation exactly-once; there is deliberately no soft delete on this table.
type Enrollment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"not null;uniqueIndex:idx_enrollment_user_course" json:"user_id"`
	CourseID      uint      `gorm:"not null;uniqueIndex:idx_enrollment_user_course;index" json:"course_id"`
	TransactionID *uint     `gorm:"index" json:"transaction_id"`
	Status        string    `gorm:"size:20;not null;default:'active'" json:"status"` // active, completed, dropped, suspended
	Progress      int       `gorm:"not null;default:0" json:"progress"`            // 0-100
	EnrolledAt    time.Time `json:"enrolled_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}
