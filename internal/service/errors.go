package service

import "errors"

var (
	ErrAlreadyEnrolled     = errors.New("already enrolled in this course")
	ErrInvalidAmount       = errors.New("amount must be greater than zero for paid methods")
	ErrCourseNotFound      = errors.New("course not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotDeletable        = errors.New("only cancelled transactions can be deleted")
	ErrUnknownMethod       = errors.New("unknown payment method")
	ErrNotCompleted        = errors.New("transaction is not completed")
	ErrPaymentRequired     = errors.New("course is not free")
	ErrInvalidState        = errors.New("transaction is not in a state that allows this action")
)
