package utils

import (
	"fmt"
)

// ValidationError reports bad caller input. It never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// GatewayError represents a transport or provider-side failure talking to M-Pesa.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("mpesa %s failed [%d]: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("mpesa %s failed: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// AuthError is returned when the credential exchange is rejected or cannot complete.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mpesa auth error [%d]: %s", e.StatusCode, e.Message)
	}
	return "mpesa auth error: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
