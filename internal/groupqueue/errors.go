package groupqueue

import "errors"

var (
	ErrShutdown    = errors.New("group queue shutting down")
	ErrNoWorker    = errors.New("no worker registered for group")
	ErrNotKillable = errors.New("worker process does not support hard stop")
)
