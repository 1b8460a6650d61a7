package container

import "errors"

var (
	ErrMountNotAllowed = errors.New("container: mount not allowed")
	ErrCircuitOpen     = errors.New("container: spawn circuit open")
	ErrInputClosed     = errors.New("container: input closed")
	ErrUnknownRuntime  = errors.New("container: unknown runtime")
)
