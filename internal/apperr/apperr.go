package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an AppError for clients and HTTP responses
type ErrorCode string

const (
	CodeInternal         ErrorCode = "INTERNAL"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	CodeJoinBlocked      ErrorCode = "JOIN_BLOCKED"
	CodeJoinRejected     ErrorCode = "JOIN_REJECTED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNotAMember       ErrorCode = "NOT_A_MEMBER"
	CodeChatDisabled     ErrorCode = "CHAT_DISABLED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
)

func (c ErrorCode) String() string { return string(c) }

// AppError is the error type shared by the coordinator, the API and the client
type AppError struct {
	Raw      error
	HTTPCode int
	Code     ErrorCode
	Message  string
	Details  map[string]string
}

func (e *AppError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Raw)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Raw }

// Is matches on code so sentinel values work with errors.Is
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of the error carrying an extra detail
func (e *AppError) WithDetail(key, value string) *AppError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf extracts the code of an AppError anywhere in the chain
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps any error to a status code
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is checks
var (
	ErrNotFound         = &AppError{Code: CodeNotFound}
	ErrRoomNotFound     = &AppError{Code: CodeRoomNotFound}
	ErrJoinBlocked      = &AppError{Code: CodeJoinBlocked}
	ErrJoinRejected     = &AppError{Code: CodeJoinRejected}
	ErrPermissionDenied = &AppError{Code: CodePermissionDenied}
	ErrNotAMember       = &AppError{Code: CodeNotAMember}
	ErrChatDisabled     = &AppError{Code: CodeChatDisabled}
	ErrInvalidArgument  = &AppError{Code: CodeInvalidArgument}
)

func Internal(err error) *AppError {
	return &AppError{
		Raw:      err,
		HTTPCode: http.StatusInternalServerError,
		Code:     CodeInternal,
		Message:  "Internal server error",
	}
}

func InvalidArgument(message string) *AppError {
	return &AppError{
		HTTPCode: http.StatusBadRequest,
		Code:     CodeInvalidArgument,
		Message:  message,
	}
}

func InvalidPayload(err error) *AppError {
	return &AppError{
		Raw:      err,
		HTTPCode: http.StatusBadRequest,
		Code:     CodeInvalidPayload,
		Message:  "Invalid payload",
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		HTTPCode: http.StatusNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
	}
}

// Room admission

func RoomNotFound(roomID string) *AppError {
	return (&AppError{
		HTTPCode: http.StatusNotFound,
		Code:     CodeRoomNotFound,
		Message:  "Room does not exist or the host has ended the meeting",
	}).WithDetail("room_id", roomID)
}

func JoinBlocked(roomID string) *AppError {
	return (&AppError{
		HTTPCode: http.StatusForbidden,
		Code:     CodeJoinBlocked,
		Message:  "You are not allowed to join this room",
	}).WithDetail("room_id", roomID)
}

func JoinRejected(roomID string) *AppError {
	return (&AppError{
		HTTPCode: http.StatusForbidden,
		Code:     CodeJoinRejected,
		Message:  "Your join request has been rejected",
	}).WithDetail("room_id", roomID)
}

// Moderation and membership

func PermissionDenied(action string) *AppError {
	return &AppError{
		HTTPCode: http.StatusForbidden,
		Code:     CodePermissionDenied,
		Message:  fmt.Sprintf("Permission denied: %s", action),
	}
}

func NotAMember(roomID string) *AppError {
	return (&AppError{
		HTTPCode: http.StatusForbidden,
		Code:     CodeNotAMember,
		Message:  "Not a member of this room",
	}).WithDetail("room_id", roomID)
}

func ChatDisabled(roomID string) *AppError {
	return (&AppError{
		HTTPCode: http.StatusForbidden,
		Code:     CodeChatDisabled,
		Message:  "The host has disabled messages for participants",
	}).WithDetail("room_id", roomID)
}

func RateLimited() *AppError {
	return &AppError{
		HTTPCode: http.StatusTooManyRequests,
		Code:     CodeRateLimited,
		Message:  "Too many requests",
	}
}
