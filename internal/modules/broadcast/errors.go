package broadcast

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("candidate does not own request")
	ErrAlreadyResolved = errors.New("already resolved")
	ErrExpired         = errors.New("request expired")
	ErrNoCandidates    = errors.New("no eligible candidates")
	// ErrTransientStore wraps persistence failures; the whole operation may be retried.
	ErrTransientStore    = errors.New("transient store error")
	ErrInvalidTransition = errors.New("invalid broadcast transition")
	// ErrConflict means another writer advanced the broadcast first.
	ErrConflict = errors.New("broadcast version conflict")
)
