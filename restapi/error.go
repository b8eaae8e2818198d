/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package restapi contains helpers for JSON REST endpoints: the error envelope,
// strict request decoding and a small client for calling the API back.
package restapi

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

// Error is the body of every error response: {"error": {"domain": ..., "code": ..., "message": ...}}.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Debug   map[string]interface{} `json:"debug,omitempty"`
}

// Error codes shared by all endpoints.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeInternal         = "internalError"
	ErrCodeNotFound         = "notFound"
	ErrCodeMethodNotAllowed = "methodNotAllowed"
	ErrCodeTooManyRequests  = "tooManyRequests"
	ErrCodeInvalidArgument  = "invalidArgument"
	ErrCodeUnavailable      = "serviceUnavailable"
)

// Error messages shared by all endpoints.
var (
	ErrMessageInternal         = "Internal error."
	ErrMessageNotFound         = "Not found."
	ErrMessageMethodNotAllowed = "Method not allowed."
	ErrMessageTooManyRequests  = "Too many requests."
	ErrMessageUnavailable      = "Service is temporarily unavailable."
)

// NewError creates a new Error with specified params.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError creates a new internal error with specified domain.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// AddContext adds value to error context.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[field] = value
	return e
}

// AddDebug adds value to debug info.
func (e *Error) AddDebug(field string, value interface{}) *Error {
	if e.Debug == nil {
		e.Debug = make(map[string]interface{})
	}
	e.Debug[field] = value
	return e
}

func (e *Error) String() string {
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

// httpCode2ErrorCode turns the status text into a lower camel case code ("Request Entity Too Large" -> "requestEntityTooLarge").
func httpCode2ErrorCode(httpCode int) string {
	if httpCode == http.StatusInternalServerError {
		return ErrCodeInternal
	}
	var b strings.Builder
	upperNext := false
	for _, r := range http.StatusText(httpCode) {
		switch {
		case unicode.IsSpace(r) || r == '-':
			upperNext = true
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
