package sqsio

import (
	"errors"
	"fmt"
)

var (
	ErrMissingQueueURL   = errors.New("queue URL is required")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrQueueDoesNotExist = errors.New("queue does not exist")
	ErrNilService        = errors.New("sqs service is required")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidVisibility = errors.New("visibility timeout out of range")
	ErrWriterClosed      = errors.New("writer is closed")
)

type Error struct {
	cause error
	msg   string
}

func (e Error) Cause() error {
	return e.cause
}

func (e Error) Unwrap() error {
	return e.cause
}

func (e Error) String() string {
	return e.Error()
}

func (e Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("sqsio: %s", e.msg)
	}
	return fmt.Sprintf("sqsio: %s\n\t%v", e.msg, e.cause)
}

func errorf(cause error, msg string, args ...interface{}) error {
	return &Error{
		cause: cause,
		msg:   fmt.Sprintf(msg, args...),
	}
}

// BatchEntryError reports a single entry the service rejected inside an
// otherwise successful SendMessageBatch call.
type BatchEntryError struct {
	ID          string
	Code        string
	Message     string
	SenderFault bool
}

func (e *BatchEntryError) Error() string {
	return fmt.Sprintf("sqsio: batch entry %q failed\n\tCode=%q Message=%q SenderFault=%t", e.ID, e.Code, e.Message, e.SenderFault)
}

// Retryable reports whether resending the entry can succeed.
func (e *BatchEntryError) Retryable() bool {
	return !e.SenderFault
}
