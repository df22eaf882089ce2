package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalError     = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Domain-specific error sentinel values
	ErrSessionNotFound    = errors.New("conversation session not found")
	ErrSessionNotWritable = errors.New("session does not accept messages")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrUserOffline        = errors.New("user is offline")
	ErrUserBusy           = errors.New("user is busy")
	ErrRoomNotFound       = errors.New("call room not found")
	ErrGenerativeFailure  = errors.New("generative backend failure")
	ErrPersistenceFailure = errors.New("session persistence failure")
	ErrAlertFailure       = errors.New("alert delivery failure")
)

// Error represents a structured error with caller location and additional context.
// Code is surfaced verbatim as the typed error event code on the wire.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

func firstFieldMap(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
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

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.Code = code
	return result
}

func (e *Error) clone() *Error {
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	return &Error{
		original: e.original,
		message:  e.message,
		fields:   fields,
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
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

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}
	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(details string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidInput,
		message:  fmt.Sprintf("invalid input: %s", details),
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
		Code:     "INVALID_INPUT",
	}
}

// NewSessionNotFound creates a new ErrSessionNotFound with additional context
func NewSessionNotFound(sessionID string, fields ...map[string]interface{}) *Error {
	fieldMap := firstFieldMap(fields)
	fieldMap["session_id"] = sessionID

	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrSessionNotFound,
		message:  fmt.Sprintf("conversation session not found: %s", sessionID),
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     "SESSION_NOT_FOUND",
	}
}

// NewRoomNotFound creates a new ErrRoomNotFound with additional context
func NewRoomNotFound(roomID string, fields ...map[string]interface{}) *Error {
	fieldMap := firstFieldMap(fields)
	fieldMap["room_id"] = roomID

	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrRoomNotFound,
		message:  fmt.Sprintf("call room not found: %s", roomID),
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     "ROOM_NOT_FOUND",
	}
}

// NewUserOffline reports a call attempt toward a user with no live connection
func NewUserOffline(userID string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrUserOffline,
		message:  fmt.Sprintf("user is offline: %s", userID),
		fields:   map[string]interface{}{"user_id": userID},
		file:     file,
		line:     line,
		Code:     "user_offline",
	}
}

// NewUserBusy reports a call attempt toward a user who is not available
func NewUserBusy(userID, availability string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrUserBusy,
		message:  fmt.Sprintf("user is busy: %s", userID),
		fields:   map[string]interface{}{"user_id": userID, "availability": availability},
		file:     file,
		line:     line,
		Code:     "user_busy",
	}
}

// NewInvalidTransition reports an illegal session lifecycle transition
func NewInvalidTransition(from, to string, fields ...map[string]interface{}) *Error {
	fieldMap := firstFieldMap(fields)
	fieldMap["from"] = from
	fieldMap["to"] = to

	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidTransition,
		message:  fmt.Sprintf("invalid session state transition: %s -> %s", from, to),
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     "INVALID_TRANSITION",
	}
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
