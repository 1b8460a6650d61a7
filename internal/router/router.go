package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"microclaw/internal/storage"
)

// Chat is the per-chat routing policy.
type Chat struct {
	Name   string
	Folder string
	// RequiresTrigger nil means the default (true outside the main chat).
	RequiresTrigger *bool
}

type Config struct {
	Trigger       string
	MainChat      string
	Allowlist     []string
	Chats         map[string]Chat
	PrefixReplies bool
}

// Router is safe for concurrent use; Apply swaps the policy atomically.
type Router struct {
	mu        sync.RWMutex
	cfg       Config
	pattern   *regexp.Regexp
	allowlist map[string]struct{}
}

func New(cfg Config) (*Router, error) {
	r := &Router{}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) Apply(cfg Config) error {
	pattern, err := TriggerPattern(cfg.Trigger)
	if err != nil {
		return err
	}
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = struct{}{}
		}
	}
	r.mu.Lock()
	r.cfg = cfg
	r.pattern = pattern
	r.allowlist = allow
	r.mu.Unlock()
	return nil
}

// TriggerPattern matches "@<trigger>" as a whole word at the start of a
// message, case-insensitively. A leading "@" in trigger is optional.
func TriggerPattern(trigger string) (*regexp.Regexp, error) {
	t := strings.TrimSpace(trigger)
	t = strings.TrimPrefix(t, "@")
	if t == "" {
		return nil, errors.New("router: trigger is required")
	}
	re, err := regexp.Compile(`(?i)^@` + regexp.QuoteMeta(t) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("router: trigger %q: %w", trigger, err)
	}
	return re, nil
}

func (r *Router) Trigger() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.TrimPrefix(strings.TrimSpace(r.cfg.Trigger), "@")
}

// Allowed reports whether inbound messages from chat are accepted.
// An empty allowlist accepts every chat.
func (r *Router) Allowed(chat string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowlist) == 0 {
		return true
	}
	if chat == r.cfg.MainChat && chat != "" {
		return true
	}
	_, ok := r.allowlist[chat]
	return ok
}

func (r *Router) IsMain(chat string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return chat != "" && chat == r.cfg.MainChat
}

// Folder is the workspace folder name for chat.
func (r *Router) Folder(chat string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cfg.Chats[chat]; ok && strings.TrimSpace(c.Folder) != "" {
		return c.Folder
	}
	if chat != "" && chat == r.cfg.MainChat {
		return "main"
	}
	return "chat-" + chat
}

// RequiresTrigger reports whether chat only wakes the agent on a trigger.
func (r *Router) RequiresTrigger(chat string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requiresTriggerLocked(chat)
}

func (r *Router) requiresTriggerLocked(chat string) bool {
	if chat != "" && chat == r.cfg.MainChat {
		return false
	}
	if c, ok := r.cfg.Chats[chat]; ok && c.RequiresTrigger != nil {
		return *c.RequiresTrigger
	}
	return true
}

// ShouldProcess reports whether the pending batch for chat should be sent to
// the agent. Without a trigger requirement any message counts.
func (r *Router) ShouldProcess(chat string, msgs []storage.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.requiresTriggerLocked(chat) {
		return true
	}
	for _, m := range msgs {
		if r.pattern.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

// Outbound prepares agent text for the chat. It returns "" when nothing is
// left to send.
func (r *Router) Outbound(text string) string {
	r.mu.RLock()
	prefix := r.cfg.PrefixReplies
	name := strings.TrimPrefix(strings.TrimSpace(r.cfg.Trigger), "@")
	r.mu.RUnlock()
	return FormatOutbound(prefix, name, text)
}
