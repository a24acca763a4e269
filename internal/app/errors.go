package app

import (
	"fmt"
	"net/http"
)

// DomainError is a service-layer failure that already knows how to present
// itself over HTTP. mapError unwraps it; anything else becomes a 500.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errForbidden(message string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: message}
}

func errValidation(message string) *DomainError {
	return &DomainError{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: message}
}

func errNotFound(code, message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: code, Message: message}
}

func errConflict(code, message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: code, Message: message}
}
