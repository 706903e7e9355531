package shared

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionClosed = errors.New("session closed")
	ErrMicLost       = errors.New("microphone lost")
)

// CaptureErrorKind classifies device acquisition failures. Each kind maps to
// a user-facing message and remediation steps; the session always continues
// text-only.
type CaptureErrorKind string

const (
	CaptureDenied          CaptureErrorKind = "permission_denied"
	CaptureNotFound        CaptureErrorKind = "device_not_found"
	CaptureBusy            CaptureErrorKind = "device_busy"
	CaptureOverconstrained CaptureErrorKind = "overconstrained"
	CaptureUnsupported     CaptureErrorKind = "unsupported"
	CaptureTrackLost       CaptureErrorKind = "track_lost"
)

type CaptureError struct {
	Kind        CaptureErrorKind
	Message     string
	Remediation []string
	Err         error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func NewCaptureError(kind CaptureErrorKind, err error) *CaptureError {
	ce := &CaptureError{Kind: kind, Err: err}
	switch kind {
	case CaptureDenied:
		ce.Message = "Microphone access was blocked."
		ce.Remediation = []string{
			"Allow microphone access for this app in your system settings.",
			"You can keep chatting by typing in the meantime.",
		}
	case CaptureNotFound:
		ce.Message = "No microphone was found."
		ce.Remediation = []string{
			"Plug in or enable a microphone, then try again.",
			"You can keep chatting by typing in the meantime.",
		}
	case CaptureBusy:
		ce.Message = "Another app is using the microphone."
		ce.Remediation = []string{
			"Close other apps that might be using the microphone.",
		}
	case CaptureOverconstrained:
		ce.Message = "The selected microphone is no longer available."
		ce.Remediation = []string{
			"Pick a different microphone from the device list.",
		}
	case CaptureUnsupported:
		ce.Message = "Voice input is not supported on this device."
		ce.Remediation = []string{
			"You can still use the tutor with text chat.",
		}
	case CaptureTrackLost:
		ce.Message = "The microphone stopped working and could not be recovered."
		ce.Remediation = []string{
			"Check that your microphone is still connected.",
			"You can keep chatting by typing in the meantime.",
		}
	}
	return ce
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFoundError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
