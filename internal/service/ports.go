package service

import "time"

// Audit carries who and where a state change came from; it ends up in payment history.
type Audit struct {
	UserID    uint
	IPAddress string
	UserAgent string
}

// Notifier tells users about payment outcomes.
type Notifier interface {
	NotifyEnrollmentConfirmed(userID, courseID uint, code string)
	NotifyPaymentFailed(userID uint, code, status, reason string)
}

// StatusFeed pushes live status changes to a user's open sessions.
type StatusFeed interface {
	PublishStatus(userID uint, payload interface{})
}

// StatusEvent is what a StatusFeed receives.
type StatusEvent struct {
	Type          string    `json:"type"`
	TransactionID uint      `json:"transaction_id"`
	Code          string    `json:"code"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

type noopNotifier struct{}

func (noopNotifier) NotifyEnrollmentConfirmed(uint, uint, string)     {}
func (noopNotifier) NotifyPaymentFailed(uint, string, string, string) {}

type noopFeed struct{}

func (noopFeed) PublishStatus(uint, interface{}) {}
