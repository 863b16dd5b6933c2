package common

import (
	"errors"
	"fmt"
)

// Code 에러 분류 코드
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeDisabled            Code = "DISABLED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeSecurityCheckFailed Code = "SECURITY_CHECK_FAILED"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeEncryption          Code = "ENCRYPTION_ERROR"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInternal            Code = "INTERNAL"
)

// AppError typed business error
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError carrying the same code, so
// errors.Is(wrapped, ErrNotFound) works for every not-found variant.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message || t.isGeneric())
}

func (e *AppError) isGeneric() bool {
	_, ok := genericMessages[e.Message]
	return ok
}

// New creates an AppError
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError with a cause
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first AppError in the chain, or CodeInternal
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

const (
	msgNotFound            = "resource not found"
	msgDisabled            = "not accepting new activity"
	msgInvalidState        = "invalid state"
	msgInvalidTransition   = "invalid status transition"
	msgAccessDenied        = "access denied"
	msgSecurityCheckFailed = "security check failed"
	msgServiceUnavailable  = "service unavailable"
	msgEncryption          = "encryption error"
	msgInvalidInput        = "invalid input"
	msgUnauthorized        = "authentication required"
)

var genericMessages = map[string]struct{}{
	msgNotFound: {}, msgDisabled: {}, msgInvalidState: {}, msgInvalidTransition: {},
	msgAccessDenied: {}, msgSecurityCheckFailed: {}, msgServiceUnavailable: {},
	msgEncryption: {}, msgInvalidInput: {}, msgUnauthorized: {},
}

// Business logic errors
var (
	// General errors
	ErrNotFound           = New(CodeNotFound, msgNotFound)
	ErrDisabled           = New(CodeDisabled, msgDisabled)
	ErrInvalidState       = New(CodeInvalidState, msgInvalidState)
	ErrInvalidTransition  = New(CodeInvalidTransition, msgInvalidTransition)
	ErrAccessDenied       = New(CodeAccessDenied, msgAccessDenied)
	ErrSecurityCheck      = New(CodeSecurityCheckFailed, msgSecurityCheckFailed)
	ErrServiceUnavailable = New(CodeServiceUnavailable, msgServiceUnavailable)
	ErrEncryption         = New(CodeEncryption, msgEncryption)
	ErrInvalidInput       = New(CodeInvalidInput, msgInvalidInput)
	ErrUnauthorized       = New(CodeUnauthorized, msgUnauthorized)

	// Bag / conversation errors
	ErrBagNotFound          = New(CodeNotFound, "bag not found")
	ErrBagDisabled          = New(CodeDisabled, "bag is not accepting messages")
	ErrConversationNotFound = New(CodeNotFound, "conversation not found")
	ErrConversationResolved = New(CodeInvalidState, "cannot send messages in a resolved conversation")
	ErrConversationArchived = New(CodeInvalidState, "cannot send messages in an archived conversation")

	// Auth errors
	ErrInvalidLink = New(CodeUnauthorized, "magic link is invalid or already used")
	ErrExpiredLink = New(CodeUnauthorized, "magic link has expired")
)
