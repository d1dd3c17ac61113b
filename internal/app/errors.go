package app

import "fmt"

// DomainError is the API error envelope. Status drives the HTTP response
// code; Code is the stable machine-readable identifier clients switch on
// (LOCKED carries the holder's identity in Details).
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
