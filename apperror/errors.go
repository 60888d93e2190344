// Package apperror defines the error taxonomy shared by the upload server.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSessionNotFound = errors.New("upload session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrSessionBusy     = errors.New("upload session is being reassembled")
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindContainment
	KindMissingChunk
	KindIO
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindContainment:
		return "containment"
	case KindMissingChunk:
		return "missing_chunk"
	case KindIO:
		return "io"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error carries a Kind and, for rejections, the security rule that fired.
// Msg is safe to show to a client; Err is not.
type Error struct {
	Kind Kind
	Rule string
	Msg  string
	Err  error

	// Status overrides the default status for the kind when non-zero.
	Status int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(rule, msg string) *Error {
	return &Error{Kind: KindValidation, Rule: rule, Msg: msg}
}

func TooLarge(rule, msg string) *Error {
	return &Error{Kind: KindValidation, Rule: rule, Msg: msg, Status: http.StatusRequestEntityTooLarge}
}

func Containment(rule, msg string) *Error {
	return &Error{Kind: KindContainment, Rule: rule, Msg: msg}
}

func MissingChunk(msg string) *Error {
	return &Error{Kind: KindMissingChunk, Msg: msg}
}

func IO(msg string, err error) *Error {
	return &Error{Kind: KindIO, Msg: msg, Err: err}
}

func Conflict(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Msg: msg, Err: err}
}

func NotFound(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Sentinel errors map to their natural kind,
// anything unclassified is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrSessionBusy):
		return KindConflict
	}
	return KindInternal
}

// RuleOf returns the security rule attached to err, if any.
func RuleOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Rule
	}
	return ""
}

// IsRejection reports whether err is a client-caused rejection that must
// be recorded as a security event.
func IsRejection(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindContainment
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	switch KindOf(err) {
	case KindValidation, KindContainment:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message a client may see. Missing chunk and I/O
// failures are reported generically so no path information leaks.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindContainment, KindConflict, KindNotFound:
			return e.Msg
		}
		return "upload failed"
	}
	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return err.Error()
	}
	return "internal error"
}
