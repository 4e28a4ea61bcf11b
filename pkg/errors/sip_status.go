package errors

import (
	"errors"
)

// SIP response codes the proxy answers with when processing fails locally.
const (
	StatusBadRequest          = 400
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusNotAcceptableHere   = 488
)

var errorStatusCodes = map[error]int{
	ErrInvalidInput:        StatusBadRequest,
	ErrInvalidSIPMessage:   StatusBadRequest,
	ErrMalformedMangledURI: StatusBadRequest,
	ErrInvalidSDP:          StatusNotAcceptableHere,
	ErrPoolExhausted:       StatusServiceUnavailable,
	ErrResourceExhausted:   StatusServiceUnavailable,
	ErrRelayBind:           StatusServiceUnavailable,
}

var statusReasons = map[int]string{
	StatusBadRequest:          "Bad Request",
	StatusInternalServerError: "Server Internal Error",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusNotAcceptableHere:   "Not Acceptable Here",
}

// SIPStatusFromError determines the SIP response code for a failed request
func SIPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == err {
			break
		}
		err = unwrapped
	}
	return StatusInternalServerError
}

// SIPReason returns the reason phrase for a code returned by SIPStatusFromError
func SIPReason(code int) string {
	if reason, ok := statusReasons[code]; ok {
		return reason
	}
	return "Server Internal Error"
}
