// Package xerror holds the error taxonomy shared by the gateway subsystems.
//
// Errors returned by the registry, tunnel manager and DPS client wrap one of
// the sentinels below, so callers test them with errors.Is.
package xerror

import "errors"

var (
	// ErrConfiguration reports a duplicate or invalid name, type or record.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrBusy reports that the bounded lock retry budget was exhausted.
	ErrBusy = errors.New("resource busy")
	// ErrNotFound reports a missing service entry or record.
	ErrNotFound = errors.New("not found")
	// ErrFull reports that no free slot is left in a bounded collection.
	ErrFull = errors.New("no free slot")
	// ErrExists reports that a structurally equal record is already present.
	ErrExists = errors.New("already exists")
	// ErrTransport reports a failed send to a remote party.
	ErrTransport = errors.New("transport error")
	// ErrProtocol reports an oversized, malformed or unexpected message.
	ErrProtocol = errors.New("protocol error")
	// ErrDependency reports a delete blocked by a record that still refers to
	// the deleted one.
	ErrDependency = errors.New("dependency error")
)
