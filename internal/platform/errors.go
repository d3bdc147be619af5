package platform

import (
	"errors"
	"fmt"
)

// ErrorClass partitions platform failures by how the engine must react.
type ErrorClass string

const (
	// ClassValidation: the platform rejected this specific definition.
	// Scoped to one task, never retried.
	ClassValidation ErrorClass = "validation"
	// ClassTransient: network, timeout, 5xx. Retried with bounded backoff.
	ClassTransient ErrorClass = "transient"
	// ClassQuota: the platform itself said 429. Expected under load; the
	// whole batch parks until quota frees up.
	ClassQuota ErrorClass = "quota"
	// ClassAuth: credential invalid or revoked. Catastrophic for the batch.
	ClassAuth ErrorClass = "auth"
)

// Error is a classified platform failure.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform %s error: %s", e.Class, e.Message)
}

// Classify returns the error class, treating anything unclassified (network
// failures, timeouts) as transient.
func Classify(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

func classForStatus(code int) ErrorClass {
	switch {
	case code == 401 || code == 403:
		return ClassAuth
	case code == 429:
		return ClassQuota
	case code >= 400 && code < 500:
		return ClassValidation
	default:
		return ClassTransient
	}
}
