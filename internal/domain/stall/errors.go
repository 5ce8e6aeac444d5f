package stall

import "errors"

var (
	ErrStallNotFound            = errors.New("stall not found")
	ErrParticipationNotFound    = errors.New("participation not found")
	ErrStallClosed              = errors.New("stall is not accepting participants")
	ErrCapacityExceeded         = errors.New("this event is full")
	ErrParticipantCountMismatch = errors.New("number of participants does not match group members")
	ErrParticipantNameRequired  = errors.New("stage programs require a participant name")
	ErrUnauthorized             = errors.New("not an admin of this stall")
	ErrAlreadyAwarded           = errors.New("already awarded")
	ErrParticipationCancelled   = errors.New("participation was cancelled")
	ErrInvalidPoints            = errors.New("points must be greater than zero")
	ErrNotCancellable           = errors.New("only pending participations can be cancelled")
	ErrCapacityBelowCurrent     = errors.New("max participants cannot be below current participants")
	ErrInvalidTokenCost         = errors.New("token cost cannot be negative")
	ErrExportUnavailable        = errors.New("statement storage is not configured")
	ErrCodeCollision            = errors.New("stall code already taken")
)
