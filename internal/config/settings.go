package config

import (
	"strings"

	"microclaw/internal/container"
	"microclaw/internal/router"
	"microclaw/internal/task/scheduler"
)

// ContainerSettings maps the container section onto the runner config.
func (c *Config) ContainerSettings() (container.Config, error) {
	cc := c.Container
	timeout, err := ParseDurationField("container.timeout", cc.Timeout)
	if err != nil {
		return container.Config{}, err
	}
	base, err := ParseDurationOrDefault("container.breaker_base", cc.BreakerBase, DefaultBreakerBase)
	if err != nil {
		return container.Config{}, err
	}
	max, err := ParseDurationOrDefault("container.breaker_max", cc.BreakerMax, DefaultBreakerMax)
	if err != nil {
		return container.Config{}, err
	}
	mounts := make([]container.Mount, 0, len(cc.Mounts))
	for _, m := range cc.Mounts {
		mounts = append(mounts, container.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	tz := strings.TrimSpace(cc.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(c.Scheduler.Timezone)
	}
	return container.Config{
		Runtime:     container.Runtime(cc.Runtime),
		Binary:      cc.Binary,
		Image:       cc.Image,
		Command:     cc.Command,
		GroupsDir:   cc.GroupsDir,
		Mounts:      mounts,
		Allowlist:   cc.MountAllowlist,
		Env:         cc.Env,
		Timezone:    tz,
		Timeout:     timeout,
		BreakerBase: base,
		BreakerMax:  max,
	}, nil
}

func (c *Config) RouterSettings() router.Config {
	rc := c.Router
	chats := make(map[string]router.Chat, len(rc.Chats))
	for _, ch := range rc.Chats {
		chats[strings.TrimSpace(ch.ID)] = router.Chat{Name: ch.Name, Folder: ch.Folder, RequiresTrigger: ch.RequiresTrigger}
	}
	return router.Config{
		Trigger:       rc.Trigger,
		MainChat:      strings.TrimSpace(rc.MainChat),
		Allowlist:     rc.Allowlist,
		Chats:         chats,
		PrefixReplies: rc.PrefixReplies,
	}
}

func (c *Config) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		Enabled:      c.Scheduler.Enabled,
		PollInterval: c.SchedulerPoll(),
		Location:     c.Location(),
	}
}
