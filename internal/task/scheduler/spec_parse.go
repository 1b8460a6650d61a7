package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"microclaw/internal/storage"
)

// ParsedSpec is a validated schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 9 * * 1-5", "@hourly", "@every 55m"
//   - Interval: "55m", "2h30m", "02:30" (HH:MM), or milliseconds "3600000"
//   - Once: an RFC 3339 timestamp, or "2006-01-02 15:04" in the scheduler zone
//
// Prefixes "cron:", "interval:" (or "every:") and "once:" force the kind.
// Without a prefix, whitespace or a leading '@' means cron and anything
// else is tried as an interval, then a timestamp.
type ParsedSpec struct {
	Type  storage.ScheduleType
	Cron  string
	Every time.Duration
	At    time.Time

	sched cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses a user supplied schedule. loc resolves timestamps
// without an offset and cron expressions.
func ParseSchedule(raw string, loc *time.Location) (ParsedSpec, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range []struct {
		prefix string
		typ    storage.ScheduleType
	}{
		{"cron:", storage.ScheduleCron},
		{"interval:", storage.ScheduleInterval},
		{"every:", storage.ScheduleInterval},
		{"once:", storage.ScheduleOnce},
	} {
		if strings.HasPrefix(low, p.prefix) {
			return ParseTyped(p.typ, strings.TrimSpace(s[len(p.prefix):]), loc)
		}
	}

	if strings.ContainsAny(s, " \t\n\r") && !looksLikeTimestamp(s) || strings.HasPrefix(s, "@") {
		return ParseTyped(storage.ScheduleCron, s, loc)
	}
	if spec, err := ParseTyped(storage.ScheduleInterval, s, loc); err == nil {
		return spec, nil
	}
	if spec, err := ParseTyped(storage.ScheduleOnce, s, loc); err == nil {
		return spec, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * *', an interval like '55m' or '02:30', or a timestamp)",
		raw,
	)
}

// ParseTyped parses a value whose kind is already known, as stored in the
// scheduled_tasks table.
func ParseTyped(typ storage.ScheduleType, value string, loc *time.Location) (ParsedSpec, error) {
	if loc == nil {
		loc = time.Local
	}
	v := strings.TrimSpace(value)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%s schedule requires a value", typ)
	}
	switch typ {
	case storage.ScheduleCron:
		sched, err := cronParser.Parse(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", v, err)
		}
		return ParsedSpec{Type: typ, Cron: v, sched: sched}, nil
	case storage.ScheduleInterval:
		d, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Type: typ, Every: d}, nil
	case storage.ScheduleOnce:
		at, err := parseTimestamp(v, loc)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Type: typ, At: at}, nil
	default:
		return ParsedSpec{}, fmt.Errorf("unknown schedule type %q", typ)
	}
}

// Value is the canonical string persisted next to Type.
func (p ParsedSpec) Value() string {
	switch p.Type {
	case storage.ScheduleCron:
		return p.Cron
	case storage.ScheduleInterval:
		return strconv.FormatInt(p.Every.Milliseconds(), 10)
	case storage.ScheduleOnce:
		return p.At.UTC().Format(time.RFC3339)
	}
	return ""
}

// Next returns the first run strictly after from. A zero time means the
// schedule has no further runs.
func (p ParsedSpec) Next(from time.Time, loc *time.Location) time.Time {
	switch p.Type {
	case storage.ScheduleCron:
		if p.sched == nil {
			return time.Time{}
		}
		if loc == nil {
			loc = time.Local
		}
		return p.sched.Next(from.In(loc))
	case storage.ScheduleInterval:
		if p.Every <= 0 {
			return time.Time{}
		}
		return from.Add(p.Every)
	case storage.ScheduleOnce:
		if p.At.After(from) {
			return p.At
		}
	}
	return time.Time{}
}

// First returns the initial run for a newly created task. Overdue one-shot
// tasks run right away.
func (p ParsedSpec) First(now time.Time, loc *time.Location) time.Time {
	if p.Type == storage.ScheduleOnce {
		return p.At
	}
	return p.Next(now, loc)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		err error
	)
	switch {
	case reHHMM.MatchString(v):
		d, err = parseHHMMDuration(v)
	case isDigits(v):
		var ms int64
		ms, err = strconv.ParseInt(v, 10, 64)
		d = time.Duration(ms) * time.Millisecond
	default:
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM, milliseconds or a duration like '55m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func parseTimestamp(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (use RFC 3339 or '2006-01-02 15:04')", v)
}

func looksLikeTimestamp(s string) bool {
	return len(s) >= 10 && s[4] == '-' && s[7] == '-' && isDigits(s[:4])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
