package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrBillNotFound is returned when a bill cannot be found.
	ErrBillNotFound = errors.New("bill not found")
	// ErrProvisionNotFound is returned when a provision cannot be found.
	ErrProvisionNotFound = errors.New("provision not found")
	// ErrReviewNotFound is returned when a constitutional review cannot be found.
	ErrReviewNotFound = errors.New("review not found")
	// ErrEngagementNotFound is returned when an engagement record cannot be found.
	ErrEngagementNotFound = errors.New("engagement record not found")
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a state machine transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict is returned when optimistic-concurrency retries are exhausted.
	// Callers should resubmit the operation.
	ErrConflict = errors.New("conflict, resubmit")
	// ErrDegraded is returned when infrastructure retries are exhausted and the
	// service is operating in a degraded mode.
	ErrDegraded = errors.New("service degraded")
	// ErrBillWithdrawn is returned when an operation targets a withdrawn bill.
	ErrBillWithdrawn = errors.New("bill withdrawn")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context. The original error stays in
// the chain so sentinel checks with Is keep working.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// LogWithError logs the error with context and returns a wrapped error. Use
// this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
