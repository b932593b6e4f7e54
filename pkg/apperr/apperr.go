package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes surfaced to API clients. Guard failures are
// user-recoverable and returned verbatim; infrastructure failures map to
// CodeInternal.
const (
	CodeMissingInstrumentToken = "MISSING_INSTRUMENT_TOKEN"
	CodeInvalidInstrumentToken = "INVALID_INSTRUMENT_TOKEN"
	CodeInvalidInstrumentType  = "INVALID_INSTRUMENT_TYPE"
	CodeInstrumentNotAllowed   = "INSTRUMENT_NOT_ALLOWED"
	CodeExpiredInstrument      = "EXPIRED_INSTRUMENT"
	CodeExpiryPositionBlocked  = "EXPIRY_POSITION_BLOCKED"
	CodeStalePrice             = "STALE_PRICE"
	CodeIlliquidContract       = "ILLIQUID_CONTRACT"
	CodeInvalidLotSize         = "INVALID_LOT_SIZE"
	CodeLeverageExceeded       = "LEVERAGE_EXCEEDED"
	CodeMarginTooHigh          = "MARGIN_TOO_HIGH"
	CodeMarketPriceUnavailable = "MARKET_PRICE_UNAVAILABLE"
	CodeMarketClosed           = "MARKET_CLOSED"
	CodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	CodeDuplicateOrder         = "DUPLICATE_ORDER"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeInvalidOrder           = "INVALID_ORDER"
	CodeNotFound               = "NOT_FOUND"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInternal               = "INTERNAL_ERROR"
)

var statusByCode = map[string]int{
	CodeMarketPriceUnavailable: http.StatusServiceUnavailable,
	CodeNotFound:               http.StatusNotFound,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is a typed application error carrying a machine code and an HTTP
// status class alongside the human-readable message.
type Error struct {
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Status returns the HTTP status class for the error code. Guard failures
// default to 400.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// New creates a typed error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a typed code to an underlying error.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// Internal wraps an infrastructure failure as a server error.
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, err: err}
}

// CodeOf extracts the application error code, or CodeInternal when the error
// is not typed.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given application code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
