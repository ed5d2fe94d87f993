package models

import "errors"

var (
	// caller errors, never partially applied
	ErrInvalidPoint       = errors.New("invalid point")
	ErrInvalidSchedule    = errors.New("invalid schedule")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrAliasTaken         = errors.New("alias already taken")

	// query errors
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrCancelled           = errors.New("cancelled")
)
