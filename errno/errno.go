/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package errno carries the core's error taxonomy. Every operation in
// captable, router, ipc, bootstrap, and reqreply returns one of these
// values (or nil) so that a caller sitting where a real trap frame would
// sit can recover the same -errno value a syscall would have produced.
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a kernel-style error: a POSIX errno plus the symbolic condition
// name that produced it. Several conditions can share an errno (QueueEmpty
// and QueueFull both surface EAGAIN) so identity is by pointer, not by
// errno value; use errors.Is against the package-level Err* variables.
type Error struct {
	Errno int
	Name  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (errno %d)", e.Name, e.Errno)
}

// Negated returns the signed a0 value a syscall trap would place in the
// return register: -errno.
func (e *Error) Negated() int32 {
	return -int32(e.Errno)
}

// Precedence order matches spec.md section 7.
var (
	ErrInvalidInput     = &Error{Errno: int(unix.EINVAL), Name: "InvalidInput"}
	ErrPermissionDenied = &Error{Errno: int(unix.EPERM), Name: "PermissionDenied"}
	ErrNoSuchEndpoint   = &Error{Errno: int(unix.ESRCH), Name: "NoSuchEndpoint"}
	ErrQueueEmpty       = &Error{Errno: int(unix.EAGAIN), Name: "QueueEmpty"}
	ErrQueueFull        = &Error{Errno: int(unix.EAGAIN), Name: "QueueFull"}
	ErrNoSpace          = &Error{Errno: int(unix.ENOSPC), Name: "NoSpace"}
	ErrTimedOut         = &Error{Errno: int(unix.ETIMEDOUT), Name: "TimedOut"}
	ErrUnsupported      = &Error{Errno: int(unix.ENOSYS), Name: "Unsupported"}
)

// FromErrno maps a raw POSIX errno back to the core's canonical condition.
// Used at the syscall-surface boundary when an error arrives as a bare
// number (e.g. replayed from a trap frame) rather than a typed *Error.
func FromErrno(e int) *Error {
	switch e {
	case int(unix.EINVAL):
		return ErrInvalidInput
	case int(unix.EPERM):
		return ErrPermissionDenied
	case int(unix.ESRCH):
		return ErrNoSuchEndpoint
	case int(unix.EAGAIN):
		return ErrQueueFull // ambiguous; caller context disambiguates Empty vs Full
	case int(unix.ENOSPC):
		return ErrNoSpace
	case int(unix.ETIMEDOUT):
		return ErrTimedOut
	case int(unix.ENOSYS):
		return ErrUnsupported
	}
	return nil
}
