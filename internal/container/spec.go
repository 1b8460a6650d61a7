package container

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimeApple  Runtime = "apple"
)

// ParseRuntime maps a config value to a Runtime. Empty means docker.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(strings.ToLower(strings.TrimSpace(s))) {
	case "", RuntimeDocker:
		return RuntimeDocker, nil
	case RuntimeApple:
		return RuntimeApple, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRuntime, s)
	}
}

// DefaultBinary is the CLI used when none is configured.
func (r Runtime) DefaultBinary() string {
	if r == RuntimeApple {
		return "container"
	}
	return "docker"
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) dockerArg() string {
	if m.ReadOnly {
		return m.Source + ":" + m.Target + ":ro"
	}
	return m.Source + ":" + m.Target
}

func (m Mount) appleArg() string {
	arg := "type=bind,src=" + m.Source + ",dst=" + m.Target
	if m.ReadOnly {
		arg += ",readonly"
	}
	return arg
}

// RunSpec fully describes one container run.
type RunSpec struct {
	Name    string
	Image   string
	Command []string
	Mounts  []Mount
	Env     map[string]string
}

// RunArgs returns the CLI arguments (without the binary) for spec.
// Env keys are sorted so the argument list is deterministic.
func (r Runtime) RunArgs(spec RunSpec) []string {
	args := []string{"run", "-i", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, m := range spec.Mounts {
		if r == RuntimeApple {
			args = append(args, "--mount", m.appleArg())
		} else {
			args = append(args, "-v", m.dockerArg())
		}
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envFlag := "-e"
	if r == RuntimeApple {
		envFlag = "--env"
	}
	for _, k := range keys {
		args = append(args, envFlag, k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// StopArgs returns the CLI arguments that stop a named container.
func (r Runtime) StopArgs(name string) []string {
	return []string{"stop", name}
}

// MountPolicy restricts host paths that may be mounted into a worker.
type MountPolicy struct {
	prefixes []string
}

func NewMountPolicy(prefixes []string) MountPolicy {
	p := MountPolicy{}
	for _, pre := range prefixes {
		pre = strings.TrimSpace(pre)
		if pre == "" {
			continue
		}
		p.prefixes = append(p.prefixes, filepath.Clean(pre))
	}
	return p
}

// Validate rejects any mount whose source is not under an allowed prefix.
// An empty policy allows nothing.
func (p MountPolicy) Validate(mounts []Mount) error {
	for _, m := range mounts {
		if !p.allows(m.Source) {
			return fmt.Errorf("%w: %s", ErrMountNotAllowed, m.Source)
		}
	}
	return nil
}

func (p MountPolicy) allows(source string) bool {
	src := filepath.Clean(source)
	for _, pre := range p.prefixes {
		if src == pre || strings.HasPrefix(src, pre+string(filepath.Separator)) || pre == string(filepath.Separator) {
			return true
		}
	}
	return false
}
