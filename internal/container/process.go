package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	logx "microclaw/pkg/logx"
)

// Process is one running agent container.
type Process struct {
	name    string
	group   string
	runtime *Runner
	cmd     *exec.Cmd
	log     logx.Logger

	inMu   sync.Mutex
	stdin  io.WriteCloser
	closed bool

	frames   atomic.Int64
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func (p *Process) Name() string  { return p.name }
func (p *Process) Group() string { return p.group }

// Frames reports how many frames the agent has produced so far.
func (p *Process) Frames() int64 { return p.frames.Load() }

// SendInput writes a follow-up message as one JSON line.
func (p *Process) SendInput(text string) error {
	return p.write(Input{Type: InputMessage, Text: text})
}

func (p *Process) write(in Input) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	p.inMu.Lock()
	defer p.inMu.Unlock()
	if p.closed {
		return ErrInputClosed
	}
	select {
	case <-p.done:
		return ErrInputClosed
	default:
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("container %s: write input: %w", p.name, err)
	}
	return nil
}

// CloseInput closes stdin; the agent finishes its turn and exits.
func (p *Process) CloseInput() error {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.stdin.Close()
}

// Kill stops the container by name and, if the CLI is still alive
// afterwards, kills it.
func (p *Process) Kill(ctx context.Context) error {
	var err error
	p.killOnce.Do(func() {
		_ = p.CloseInput()
		err = p.runtime.stop(ctx, p.name)
		select {
		case <-p.done:
			return
		case <-time.After(p.runtime.killGrace):
		case <-ctx.Done():
		}
		if p.cmd.Process != nil {
			if kerr := p.cmd.Process.Kill(); kerr != nil && err == nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
	})
	return err
}

// Done is closed once the process has exited and stdout is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
