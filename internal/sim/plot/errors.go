package plot

import (
	"errors"
	"fmt"
)

var (
	ErrRegionExists    = errors.New("region already has a plot")
	ErrLevelOutOfRange = errors.New("level index out of range")
	ErrAlreadyMember   = errors.New("already a member")
	ErrSecondOwner     = errors.New("plot already has an owner")
	ErrOwnerRemoval    = errors.New("owner cannot be removed")
	ErrNotMember       = errors.New("not a member")
	ErrNotOwner        = errors.New("not the owner")
	ErrNotFound        = errors.New("plot not found")

	// ErrCorrupted marks state that can only come from bad stored data.
	ErrCorrupted      = errors.New("corrupted plot state")
	ErrNoOwner        = fmt.Errorf("%w: no owner", ErrCorrupted)
	ErrMultipleOwners = fmt.Errorf("%w: multiple owners", ErrCorrupted)
)

// Code maps an operation error to the wire code used by transports.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "E_NOT_FOUND"
	case errors.Is(err, ErrCorrupted):
		return "E_CORRUPT"
	case errors.Is(err, ErrRegionExists), errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrSecondOwner):
		return "E_CONFLICT"
	case errors.Is(err, ErrOwnerRemoval), errors.Is(err, ErrNotMember), errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrLevelOutOfRange):
		return "E_BAD_REQUEST"
	default:
		return "E_INTERNAL"
	}
}
