package domain

import (
	"errors"
	"fmt"
)

// AuthError is a fatal authentication failure. The bridge does not start,
// or stops, when one is observed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "authentication failed: " + e.Op
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

var (
	ErrNotFound          = errors.New("attachment not found")
	ErrAuthExpired       = errors.New("attachment credential rejected")
	ErrUnsupportedSource = errors.New("attachment source not fetchable through media endpoint")
)

// AttachmentError describes a failed attachment retrieval. Kind is one of
// the sentinel errors above, or nil for other failures.
type AttachmentError struct {
	Resource   string
	StatusCode int
	Kind       error
	Err        error
}

func (e *AttachmentError) Error() string {
	msg := "fetch attachment " + e.Resource
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match the sentinel kind.
func (e *AttachmentError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *AttachmentError) Unwrap() error { return e.Err }
