// Package apierr defines the fixed error taxonomy the upload pipeline and
// changeset lifecycle endpoints raise, and maps each kind onto the
// echo.HTTPError envelope documented in spec.md §7.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"mapedit.dev/apiserver/internal/obslog"
)

// Kind identifies one of the fixed error categories the pipeline can raise.
// Every Kind maps onto exactly one HTTP status; never invent a new one.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindGone               Kind = "gone"
	KindPreconditionFailed Kind = "precondition_failed"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindUnsupportedMedia   Kind = "unsupported_media_type"
	KindTooManyRequests    Kind = "too_many_requests"
	KindServerError        Kind = "server_error"
)

var statusByKind = map[Kind]int{
	KindBadRequest:         http.StatusBadRequest,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindGone:               http.StatusGone,
	KindPreconditionFailed: http.StatusPreconditionFailed,
	KindPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	KindUnsupportedMedia:   http.StatusUnsupportedMediaType,
	KindTooManyRequests:    http.StatusTooManyRequests,
	KindServerError:        http.StatusInternalServerError,
}

// Error is the typed error value threaded through every fallible pipeline
// operation. It names the failing entity in Message so the HTTP response can
// surface it verbatim, per spec.md §7 ("a human-readable message that names
// the failing entity").
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for KindTooManyRequests
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a typed pipeline error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimited constructs a TooManyRequests error carrying a retry-after
// interval, per spec.md §5's BandwidthLimitExceeded formula.
func NewRateLimited(retryAfterSeconds int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTooManyRequests, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfterSeconds}
}

// BadRequest, NotFound, Conflict, Gone, PreconditionFailed, PayloadTooLarge,
// and UnsupportedMediaType are convenience constructors for the remaining
// taxonomy entries in spec.md §7.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Gone(format string, args ...interface{}) *Error {
	return New(KindGone, format, args...)
}

func PreconditionFailed(format string, args ...interface{}) *Error {
	return New(KindPreconditionFailed, format, args...)
}

func PayloadTooLarge(format string, args ...interface{}) *Error {
	return New(KindPayloadTooLarge, format, args...)
}

func UnsupportedMediaType(format string, args ...interface{}) *Error {
	return New(KindUnsupportedMedia, format, args...)
}

func ServerError(format string, args ...interface{}) *Error {
	return New(KindServerError, format, args...)
}

// ToHTTPError converts a pipeline error into the echo.HTTPError envelope,
// following api/rest.go's echo.NewHTTPError(status, message) convention.
// Errors that are not *Error are treated as opaque server errors.
func ToHTTPError(err error) *echo.HTTPError {
	var pe *Error
	if errors.As(err, &pe) {
		status, ok := statusByKind[pe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		he := echo.NewHTTPError(status, pe.Message)
		if pe.RetryAfter > 0 {
			he.Internal = fmt.Errorf("retry-after=%d", pe.RetryAfter)
		}
		return he
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// ErrorHandler is the echo.HTTPErrorHandler installed on every server built
// by internal/httpserver. It logs the failure and writes the fixed error
// envelope; the transaction behind the failing operation has already been
// rolled back by the time this runs.
func ErrorHandler(err error, c echo.Context) {
	he := ToHTTPError(err)
	var retryAfter string
	if he.Internal != nil {
		retryAfter = he.Internal.Error()
	}

	obslog.Logger.WithFields(map[string]interface{}{
		"status": he.Code,
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Warn(fmt.Sprintf("%v", he.Message))

	if c.Response().Committed {
		return
	}

	if retryAfter != "" {
		c.Response().Header().Set("Retry-After", retryAfter[len("retry-after="):])
	}

	message := fmt.Sprintf("%v", he.Message)
	if werr := c.String(he.Code, message); werr != nil {
		obslog.Logger.WithError(werr).Error("failed writing error response")
	}
}
