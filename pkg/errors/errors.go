package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values shared by the SBC packages.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Signalling
	ErrInvalidSIPMessage   = errors.New("invalid SIP message")
	ErrMalformedMangledURI = errors.New("malformed mangled URI")

	// Media
	ErrInvalidSDP    = errors.New("invalid SDP message")
	ErrPoolExhausted = errors.New("no free ports available in range")
	ErrRelayBind     = errors.New("relay socket bind failed")
	ErrCallNotFound  = errors.New("call not found")

	ErrAddressDiscovery = errors.New("media address discovery failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error represents a structured error with the location it was raised at
// and contextual fields suitable for logrus.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(2)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), "", fields)
}

// Wrap wraps an existing error with additional context.
// Returns nil when err is nil.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, fields)
}

func (e *Error) clone() *Error {
	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return &result
}

// WithField returns a copy of the error carrying one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error carrying the given fields
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error with a categorization code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether the wrapped chain matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// NewPoolExhausted reports that a port range has no free port left
func NewPoolExhausted(minPort, maxPort int) *Error {
	err := newError(ErrPoolExhausted, "", []map[string]interface{}{{
		"min_port": minPort,
		"max_port": maxPort,
	}})
	err.Code = "POOL_EXHAUSTED"
	return err
}

// NewMalformedURI reports an unstuffed URI that does not parse
func NewMalformedURI(user string, cause error) *Error {
	err := newError(ErrMalformedMangledURI, fmt.Sprintf("cannot restore %q: %v", user, cause), nil)
	err.fields["user"] = user
	err.Code = "MALFORMED_MANGLED_URI"
	return err
}

// NewInvalidSDP reports a session description that could not be processed
func NewInvalidSDP(details string, fields ...map[string]interface{}) *Error {
	err := newError(ErrInvalidSDP, details, fields)
	err.Code = "INVALID_SDP"
	return err
}

// NewInvalidSIP reports a SIP message that could not be processed
func NewInvalidSIP(details string, fields ...map[string]interface{}) *Error {
	err := newError(ErrInvalidSIPMessage, details, fields)
	err.Code = "INVALID_SIP_MESSAGE"
	return err
}

// NewRelayBind reports a relay socket that could not be opened
func NewRelayBind(host string, port int, cause error) *Error {
	err := newError(ErrRelayBind, cause.Error(), []map[string]interface{}{{
		"host": host,
		"port": port,
	}})
	err.Code = "RELAY_BIND"
	return err
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
