package app

import (
	"context"

	"microclaw/internal/container"
	"microclaw/internal/groupqueue"
)

// Worker is a running agent bound to one chat.
type Worker interface {
	groupqueue.Process
	groupqueue.Killer
	Name() string
	// Wait blocks until the worker exits and returns its exit error.
	Wait(ctx context.Context) error
}

// Launcher starts workers. onFrame is called in order from a single goroutine.
type Launcher interface {
	Launch(ctx context.Context, req container.StartRequest, onFrame func(container.Frame)) (Worker, error)
}

type containerLauncher struct {
	r *container.Runner
}

func (l containerLauncher) Launch(ctx context.Context, req container.StartRequest, onFrame func(container.Frame)) (Worker, error) {
	p, err := l.r.Start(ctx, req, func(_ *container.Process, f container.Frame) { onFrame(f) })
	if err != nil {
		return nil, err
	}
	return p, nil
}
