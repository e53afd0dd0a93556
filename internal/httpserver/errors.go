package httpserver

import (
	"net/http"
)

type ErrorCode string

const (
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeUsernameExists     ErrorCode = "USERNAME_EXISTS"
	ErrCodeUserNotFound       ErrorCode = "USER_NOT_FOUND"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenInvalid       ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed   ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

var errorHTTPStatus = map[ErrorCode]int{
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeUsernameExists:     http.StatusConflict,
	ErrCodeUserNotFound:       http.StatusNotFound,
	ErrCodeInvalidCredentials: http.StatusUnauthorized,
	ErrCodeTokenInvalid:       http.StatusUnauthorized,
	ErrCodeTokenExpired:       http.StatusUnauthorized,
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	ErrCodeNotFound:           http.StatusNotFound,
}

func httpStatusForCode(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
