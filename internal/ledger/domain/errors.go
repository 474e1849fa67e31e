package domain

import "errors"

var (
	// ErrRecordNotFound is returned when a failed record does not exist or
	// was already resolved
	ErrRecordNotFound = errors.New("failed record not found or already resolved")
)
