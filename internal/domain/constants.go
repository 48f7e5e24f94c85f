package domain

const (
	RoleStudent = "STUDENT"
	RoleAdmin   = "ADMIN"
)

// Payment methods. The first three map one-to-one onto a payment gateway.
const (
	MethodRedirectSigned = "redirect_signed"
	MethodOAuthCapture   = "oauth_capture"
	MethodManualProof    = "manual_proof"
	MethodZeroCost       = "zero_cost"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
	TxStatusRefunded  = "refunded"
)

// History-only statuses: recorded in payment history, never stored on a transaction.
const (
	HistorySessionCreated = "session_created"
	HistoryRejected       = "rejected"
	HistoryDuplicate      = "duplicate"
	HistoryAwaitingReview = "awaiting_review"
)

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentDropped   = "dropped"
	EnrollmentSuspended = "suspended"
)

// IsTerminal reports whether no regular transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusCancelled, TxStatusRefunded:
		return true
	}
	return false
}

// IsPaidMethod reports whether method goes through an external gateway.
func IsPaidMethod(method string) bool {
	switch method {
	case MethodRedirectSigned, MethodOAuthCapture, MethodManualProof:
		return true
	}
	return false
}
