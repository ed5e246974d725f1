// Package apperr defines the failure taxonomy shared by every stage of a job.
// Each stage returns an *Error carrying one Kind; the HTTP layer maps the Kind
// to a status code and a short message, and logs Details server-side.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes a job failure.
type Kind string

const (
	// KindClientInput covers malformed requests: empty highlight lists, bad URLs, bad times.
	KindClientInput Kind = "client_input"
	// KindNoValidSegments is returned when every highlight has end <= start.
	KindNoValidSegments Kind = "no_valid_segments"
	// KindDownload covers non-2xx responses, network faults and timeouts while fetching the source.
	KindDownload Kind = "download_error"
	// KindProcessing covers media tool failures: non-zero exit, timeout, missing output.
	KindProcessing Kind = "processing_error"
	// KindUpload covers a missing credential and blob store rejections.
	KindUpload Kind = "upload_error"
	// KindCanceled means the caller went away before the job finished.
	KindCanceled Kind = "canceled"
	// KindInternal is anything else (scratch allocation, local I/O).
	KindInternal Kind = "internal"
)

// StatusClientClosedRequest is logged when the caller disconnects mid-job.
const StatusClientClosedRequest = 499

// Error is a classified job failure.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, message, details string) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap classifies err. The cause's text becomes Details.
// A cancelled context always wins over the requested kind.
func Wrap(err error, kind Kind, message string) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Message: message, Details: details, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// HTTPStatus maps a kind onto the response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindClientInput, KindNoValidSegments, KindDownload:
		return http.StatusBadRequest
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code renders the kind as the UPPER_SNAKE code used in error responses.
func Code(kind Kind) string {
	if kind == "" {
		return strings.ToUpper(string(KindInternal))
	}
	return strings.ToUpper(string(kind))
}

// PublicMessage returns the message safe to show a caller.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
