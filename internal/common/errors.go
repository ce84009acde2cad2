package common

import (
	"fmt"
)

// NotFoundError is returned when the required value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return fmt.Sprintf("%s", nf.Message)
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// LockTimeoutError is returned when a lock request couldn't be granted within the timeout.
type LockTimeoutError struct {
	Message string
}

func (lt LockTimeoutError) Error() string {
	return fmt.Sprintf("%s", lt.Message)
}

// NewLockTimeoutError creates a new instance of LockTimeoutError with the given message.
func NewLockTimeoutError(message string) LockTimeoutError {
	return LockTimeoutError{
		Message: message,
	}
}

// ConflictError is returned when a key was modified after the txn snapshot was taken.
type ConflictError struct {
	Message string
}

func (ce ConflictError) Error() string {
	return fmt.Sprintf("%s", ce.Message)
}

// NewConflictError creates a new instance of ConflictError with the given message.
func NewConflictError(message string) ConflictError {
	return ConflictError{
		Message: message,
	}
}

// ExpiredError is returned when an operation is attempted on an expired txn.
type ExpiredError struct {
	Message string
}

func (ee ExpiredError) Error() string {
	return fmt.Sprintf("%s", ee.Message)
}

// NewExpiredError creates a new instance of ExpiredError with the given message.
func NewExpiredError(message string) ExpiredError {
	return ExpiredError{
		Message: message,
	}
}

// TransactionCommitError is returned when a commit operation fails on a txn.
type TransactionCommitError struct {
	Message string
}

func (tce TransactionCommitError) Error() string {
	return fmt.Sprintf("%s", tce.Message)
}

// NewTransactionCommitError creates a new instance of TransactionCommitError with the given message.
func NewTransactionCommitError(message string) TransactionCommitError {
	return TransactionCommitError{
		Message: message,
	}
}
