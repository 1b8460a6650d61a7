package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	logx "microclaw/pkg/logx"
)

// Config describes how agent containers are launched.
type Config struct {
	Runtime Runtime
	// Binary overrides the runtime CLI path.
	Binary  string
	Image   string
	Command []string

	// GroupsDir holds one folder per chat, mounted read-write at GroupMountTarget.
	GroupsDir string
	// Mounts are added to every container and must pass Allowlist.
	Mounts    []Mount
	Allowlist []string
	Env       map[string]string
	Timezone  string

	// Timeout kills a container that runs longer than this. 0 disables it.
	Timeout     time.Duration
	BreakerBase time.Duration
	BreakerMax  time.Duration
}

const GroupMountTarget = "/workspace/group"

// CommandFunc builds the OS command for a CLI invocation.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// StartRequest is one worker launch for a chat.
type StartRequest struct {
	Group     string
	Folder    string
	Prompt    string
	SessionID string
	Mounts    []Mount
	Env       map[string]string
}

// FrameHandler receives agent frames in order. It runs on the reader goroutine.
type FrameHandler func(p *Process, f Frame)

// Runner launches agent containers.
type Runner struct {
	mu      sync.RWMutex
	cfg     Config
	policy  MountPolicy
	binary  string
	breaker *breaker

	log       logx.Logger
	clock     clockwork.Clock
	command   CommandFunc
	killGrace time.Duration

	running atomic.Int64
	started atomic.Uint64
	failed  atomic.Uint64
}

type Option func(*Runner)

func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithCommand(fn CommandFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.command = fn
		}
	}
}

func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{
		log:       log,
		clock:     clockwork.NewRealClock(),
		command:   exec.CommandContext,
		killGrace: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply swaps the launch configuration. Running containers are unaffected.
func (r *Runner) Apply(cfg Config) error {
	rt, err := ParseRuntime(string(cfg.Runtime))
	if err != nil {
		return err
	}
	cfg.Runtime = rt
	if strings.TrimSpace(cfg.Image) == "" {
		return errors.New("container: image is required")
	}
	policy := NewMountPolicy(cfg.Allowlist)
	if err := policy.Validate(cfg.Mounts); err != nil {
		return err
	}
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = rt.DefaultBinary()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.policy = policy
	r.binary = bin
	if r.breaker == nil {
		r.breaker = newBreaker(r.clock, cfg.BreakerBase, cfg.BreakerMax)
	} else {
		r.breaker.mu.Lock()
		fresh := newBreaker(r.clock, cfg.BreakerBase, cfg.BreakerMax)
		r.breaker.base, r.breaker.max = fresh.base, fresh.max
		r.breaker.mu.Unlock()
	}
	return nil
}

func (r *Runner) snapshotCfg() (Config, MountPolicy, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.policy, r.binary
}

// Spec builds the run spec for req without starting anything.
func (r *Runner) Spec(req StartRequest) (RunSpec, error) {
	cfg, policy, _ := r.snapshotCfg()
	return buildSpec(cfg, policy, req)
}

func buildSpec(cfg Config, policy MountPolicy, req StartRequest) (RunSpec, error) {
	if err := policy.Validate(req.Mounts); err != nil {
		return RunSpec{}, err
	}
	folder := req.Folder
	if folder == "" {
		folder = req.Group
	}
	folder = sanitizeName(folder)
	if folder == "" {
		return RunSpec{}, errors.New("container: group folder is required")
	}

	spec := RunSpec{
		Name:    "microclaw-" + folder + "-" + uuid.NewString()[:8],
		Image:   cfg.Image,
		Command: append([]string(nil), cfg.Command...),
		Env:     map[string]string{},
	}
	if cfg.GroupsDir != "" {
		spec.Mounts = append(spec.Mounts, Mount{Source: filepath.Join(cfg.GroupsDir, folder), Target: GroupMountTarget})
	}
	spec.Mounts = append(spec.Mounts, cfg.Mounts...)
	spec.Mounts = append(spec.Mounts, req.Mounts...)
	for k, v := range cfg.Env {
		spec.Env[k] = v
	}
	if cfg.Timezone != "" {
		spec.Env["TZ"] = cfg.Timezone
	}
	for k, v := range req.Env {
		spec.Env[k] = v
	}
	return spec, nil
}

// sanitizeName keeps characters valid in a container name.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// Start launches a worker and writes req.Prompt as its first input.
// The container is stopped when ctx ends.
func (r *Runner) Start(ctx context.Context, req StartRequest, onFrame FrameHandler) (*Process, error) {
	cfg, policy, bin := r.snapshotCfg()
	if wait := r.breaker.allow(); wait > 0 {
		return nil, fmt.Errorf("%w: retry in %s", ErrCircuitOpen, wait.Round(time.Millisecond))
	}
	spec, err := buildSpec(cfg, policy, req)
	if err != nil {
		return nil, err
	}
	if cfg.GroupsDir != "" {
		if err := os.MkdirAll(spec.Mounts[0].Source, 0o755); err != nil {
			return nil, fmt.Errorf("container: group dir: %w", err)
		}
	}

	// The run itself is not bound to ctx; cancellation goes through Kill so
	// the container is stopped by name rather than orphaned.
	cmd := r.command(context.WithoutCancel(ctx), bin, cfg.Runtime.RunArgs(spec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	log := r.log.With(logx.String("container", spec.Name), logx.Group(req.Group))
	if err := cmd.Start(); err != nil {
		r.failed.Add(1)
		d := r.breaker.failure()
		log.Error("container.spawn_failed", logx.Err(err), logx.Duration("breaker_open", d))
		return nil, fmt.Errorf("container: start %s: %w", bin, err)
	}
	r.started.Add(1)
	r.running.Add(1)
	log.Info("container.started", logx.String("image", spec.Image), logx.Int("mounts", len(spec.Mounts)))

	p := &Process{
		name:    spec.Name,
		group:   req.Group,
		runtime: r,
		cmd:     cmd,
		log:     log,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	go r.reap(p, stdout, stderr, onFrame)
	go r.watch(ctx, p, cfg.Timeout)

	if err := p.write(Input{Type: InputPrompt, Text: req.Prompt, Group: req.Group, SessionID: req.SessionID}); err != nil {
		_ = p.Kill(context.WithoutCancel(ctx))
		return nil, err
	}
	return p, nil
}

func (r *Runner) reap(p *Process, stdout, stderr io.Reader, onFrame FrameHandler) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				p.log.Debug("container.stderr", logx.String("line", line))
			}
		}
	}()
	err := readFrames(stdout, func(f Frame) {
		p.frames.Add(1)
		if onFrame != nil {
			onFrame(p, f)
		}
	}, func(line string) {
		p.log.Debug("container.stdout", logx.String("line", line))
	})
	if err != nil {
		p.log.Warn("container.stdout_failed", logx.Err(err))
	}
	wg.Wait()

	p.waitErr = p.cmd.Wait()
	r.running.Add(-1)
	if p.waitErr != nil && p.frames.Load() == 0 {
		r.failed.Add(1)
		d := r.breaker.failure()
		p.log.Warn("container.exited", logx.Err(p.waitErr), logx.Duration("breaker_open", d))
	} else {
		r.breaker.success()
		p.log.Info("container.exited", logx.Int64("frames", p.frames.Load()), logx.Err(p.waitErr))
	}
	close(p.done)
}

func (r *Runner) watch(ctx context.Context, p *Process, timeout time.Duration) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := r.clock.NewTimer(timeout)
		defer t.Stop()
		deadline = t.Chan()
	}
	select {
	case <-p.done:
		return
	case <-ctx.Done():
		p.log.Info("container.cancelled")
	case <-deadline:
		p.log.Warn("container.timeout", logx.Duration("timeout", timeout))
	}
	kctx, cancel := context.WithTimeout(context.Background(), r.killGrace+5*time.Second)
	defer cancel()
	if err := p.Kill(kctx); err != nil {
		p.log.Warn("container.kill_failed", logx.Err(err))
	}
}

func (r *Runner) stop(ctx context.Context, name string) error {
	cfg, _, bin := r.snapshotCfg()
	out, err := r.command(ctx, bin, cfg.Runtime.StopArgs(name)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("container: stop %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Stats is a point-in-time view of the runner.
type Stats struct {
	Running         int64
	Started         uint64
	Failed          uint64
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func (r *Runner) Stats() Stats {
	failures, _ := r.breaker.state()
	return Stats{
		Running:         r.running.Load(),
		Started:         r.started.Load(),
		Failed:          r.failed.Load(),
		BreakerFailures: failures,
		BreakerOpenFor:  r.breaker.allow(),
	}
}
