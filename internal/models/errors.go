package models

import (
	"errors"
)

// Errors returned by device and registry operations. Each maps to a
// stable wire name via ErrorName.
var (
	ErrClaimDevice        = errors.New("device was not claimed before use")
	ErrAlreadyInUse       = errors.New("device already in use")
	ErrInternal           = errors.New("internal error")
	ErrPermissionDenied   = errors.New("not authorized")
	ErrNoEnrolledPrints   = errors.New("no enrolled prints")
	ErrNoActionInProgress = errors.New("no action in progress")
	ErrInvalidFingername  = errors.New("invalid finger name")
	ErrNoSuchDevice       = errors.New("no such device")
	ErrPrintsNotDeleted   = errors.New("prints not deleted")
)

var errorNames = []struct {
	err  error
	name string
}{
	{ErrClaimDevice, "ClaimDevice"},
	{ErrAlreadyInUse, "AlreadyInUse"},
	{ErrInternal, "Internal"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrNoEnrolledPrints, "NoEnrolledPrints"},
	{ErrNoActionInProgress, "NoActionInProgress"},
	{ErrInvalidFingername, "InvalidFingername"},
	{ErrNoSuchDevice, "NoSuchDevice"},
	{ErrPrintsNotDeleted, "PrintsNotDeleted"},
}

// ErrorName returns the wire name of the taxonomy error wrapped by err,
// or "Internal" for anything outside the taxonomy.
func ErrorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "Internal"
}

// ErrorFromName is the inverse of ErrorName. Unknown names map to
// ErrInternal.
func ErrorFromName(name string) error {
	for _, e := range errorNames {
		if e.name == name {
			return e.err
		}
	}
	return ErrInternal
}
