package common

import "errors"

const (
	ErrCodeStorageFailure           = "storage_failure"
	ErrCodeSerialization            = "serialization"
	ErrCodeRemoteUnavailable        = "remote.unavailable"
	ErrCodeRemoteRejected           = "remote.rejected"
	ErrCodeConflictQueue            = "conflict.queue"
	ErrCodeNotFoundMessage          = "not_found.message"
	ErrCodeBadRequestInvalidBody    = "bad_request.body.invalid"
	ErrCodeBadRequestEmptySelection = "bad_request.body.message_ids.empty"
	ErrCodeBadRequestQueueName      = "bad_request.queue_name.missing"
	ErrCodeBadRequestInvalidId      = "bad_request.path.invalid_id"
	ErrCodeInternal                 = "internal"
)

var (
	ErrStorageFailure    = &AppError{Code: ErrCodeStorageFailure}
	ErrSerialization     = &AppError{Code: ErrCodeSerialization}
	ErrRemoteUnavailable = &AppError{Code: ErrCodeRemoteUnavailable}
	ErrRemoteRejected    = &AppError{Code: ErrCodeRemoteRejected}
	ErrConflict          = &AppError{Code: ErrCodeConflictQueue}
	ErrMessageNotFound   = &AppError{Code: ErrCodeNotFoundMessage}
	ErrInvalidRequest    = &AppError{Code: ErrCodeBadRequestInvalidBody}
	ErrEmptySelection    = &AppError{Code: ErrCodeBadRequestEmptySelection, kind: ErrInvalidRequest}
	ErrMissingQueueName  = &AppError{Code: ErrCodeBadRequestQueueName, kind: ErrInvalidRequest}
	ErrInternal          = &AppError{Code: ErrCodeInternal}
)

// AppError carries a stable code for the API layer and, optionally, the underlying cause.
// Two AppErrors match under errors.Is when their codes are equal; request validation
// errors additionally match ErrInvalidRequest.
type AppError struct {
	Code string
	Err  error
	kind *AppError
}

func (ae *AppError) Error() string {
	if ae.Err != nil {
		return ae.Code + ": " + ae.Err.Error()
	}
	return ae.Code
}

func (ae *AppError) Unwrap() error {
	return ae.Err
}

func (ae *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	if ae.Code == t.Code {
		return true
	}
	return ae.kind != nil && ae.kind.Code == t.Code
}

// Wrap returns a copy of the sentinel that remembers cause.
func Wrap(sentinel *AppError, cause error) error {
	return &AppError{Code: sentinel.Code, Err: cause, kind: sentinel.kind}
}
