package workflow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownType            = "WORKFLOW_UNKNOWN_TYPE"
	ErrCodeNotFound               = "WORKFLOW_NOT_FOUND"
	ErrCodeInvalidTransition      = "WORKFLOW_INVALID_TRANSITION"
	ErrCodeDuplicateKey           = "WORKFLOW_DUPLICATE_KEY"
	ErrCodeClaimLost              = "WORKFLOW_CLAIM_LOST"
	ErrCodeCompensationConflict   = "WORKFLOW_COMPENSATION_CONFLICT"
	ErrCodeCompensationIneligible = "WORKFLOW_COMPENSATION_INELIGIBLE"
	ErrCodeStepHandlerMissing     = "WORKFLOW_STEP_HANDLER_MISSING"
	ErrCodeStepPanic              = "WORKFLOW_STEP_PANIC"
	ErrCodeStoreFailure           = "WORKFLOW_STORE_FAILURE"
	ErrCodeHookFailed             = "WORKFLOW_HOOK_FAILED"
)

var (
	ErrUnknownType = apperrors.New("unknown workflow type", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownType)
	ErrNotFound = apperrors.New("workflow not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrInvalidTransition = apperrors.New("transition not valid for current state", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidTransition)
	ErrDuplicateKey = apperrors.New("idempotency key already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateKey)
	ErrClaimLost = apperrors.New("workflow claimed by another executor", apperrors.CategoryConflict).
			WithTextCode(ErrCodeClaimLost)
	ErrCompensationConflict = apperrors.New("retry conflicts with pending compensation", apperrors.CategoryConflict).
				WithTextCode(ErrCodeCompensationConflict)
	ErrCompensationIneligible = apperrors.New("workflow not eligible for compensation", apperrors.CategoryConflict).
					WithTextCode(ErrCodeCompensationIneligible)
	ErrStepHandlerMissing = apperrors.New("no handler registered for step", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStepHandlerMissing)
	ErrHookFailed = apperrors.New("lifecycle hook rejected transition", apperrors.CategoryHandler).
			WithTextCode(ErrCodeHookFailed)
)

func cloneEngineError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidTransition
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// PermanentError marks a step failure as a business-logic error that must
// never be retried. Handlers wrap validation failures in it; everything
// else is treated as transient and retried per the step's backoff policy.
type PermanentError struct {
	Message string
	Cause   error
}

func (e *PermanentError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "permanent step error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent wraps err so the engine fails the step without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// IsPermanent reports whether err is marked as a non-retryable business
// failure. Errors carrying the validation or bad-input categories from
// go-errors count as permanent too: invalid input does not become valid by
// retrying.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if stderrors.As(err, &pe) {
		return true
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		switch ge.Category {
		case apperrors.CategoryValidation, apperrors.CategoryBadInput:
			return true
		}
	}
	return false
}
