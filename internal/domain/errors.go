package domain

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable failure code. Callers branch on codes;
// messages may change.
type Code string

const (
	CodeInvalidAmount    Code = "INVALID_AMOUNT"
	CodeInvalidPinFormat Code = "INVALID_PIN_FORMAT"
	CodeInvalidPinLength Code = "INVALID_PIN_LENGTH"
	CodeInvalidInput     Code = "INVALID_INPUT"

	CodeUnauthorized Code = "UNAUTHORIZED"

	CodeRecipientNotFound Code = "RECIPIENT_NOT_FOUND"
	CodeSenderNotFound    Code = "SENDER_NOT_FOUND"
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeNotFound          Code = "NOT_FOUND"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"

	CodeSelfTransfer         Code = "SELF_TRANSFER"
	CodeSelfRequest          Code = "SELF_REQUEST"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeAlreadyResponded     Code = "ALREADY_RESPONDED"
	CodeInvalidStatus        Code = "INVALID_STATUS"
	CodeInvalidSessionStatus Code = "INVALID_SESSION_STATUS"
	CodeCurrentPinRequired   Code = "CURRENT_PIN_REQUIRED"
	CodeInvalidCurrentPin    Code = "INVALID_CURRENT_PIN"
	CodePinNotSet            Code = "PIN_NOT_SET"
	CodeInvalidPin           Code = "INVALID_PIN"
	CodeUserExists           Code = "USER_EXISTS"

	CodeExpired        Code = "EXPIRED"
	CodeSessionExpired Code = "SESSION_EXPIRED"

	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"

	CodeCreateError        Code = "CREATE_ERROR"
	CodeRespondError       Code = "RESPOND_ERROR"
	CodeCancelError        Code = "CANCEL_ERROR"
	CodeRetryError         Code = "RETRY_ERROR"
	CodeSetPinError        Code = "SET_PIN_ERROR"
	CodeVerifyPinError     Code = "VERIFY_PIN_ERROR"
	CodeCreateSessionError Code = "CREATE_SESSION_ERROR"
	CodeGetSessionError    Code = "GET_SESSION_ERROR"
	CodeProcessingError    Code = "PROCESSING_ERROR"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Error is a business failure with a stable code. Cause, when set, is the
// infrastructure error behind an *_ERROR code and is never shown to callers.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Fail builds a business failure.
func Fail(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an infrastructure failure that keeps the underlying cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the stable code from err. Errors that are not *Error map
// to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternalError
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "An unexpected error occurred"
}
