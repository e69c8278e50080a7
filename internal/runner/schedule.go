package runner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed job schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 3 * * *" (with seconds), "@hourly", "@every 90s"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "00:50" is every 50 minutes, "02:30" every 2h30m
//
// The prefixes "cron:", "interval:" and "every:" skip the guessing.
type Schedule struct {
	Kind  Kind
	Expr  string        // cron expression, KindCron only
	Every time.Duration // KindInterval only
	Form  string        // "cron" | "duration" | "hhmm"
}

// String renders the schedule the way cron would accept it.
func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Expr
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule classifies raw. Cron expressions are only checked for
// presence here; the cron parser validates them when the job is registered.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return Schedule{}, errors.New("cron expression required after 'cron:'")
		}
		return Schedule{Kind: KindCron, Expr: rest, Form: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}

	// Whitespace or a descriptor means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return Schedule{Kind: KindCron, Expr: s, Form: "cron"}, nil
	}
	if sc, err := parseInterval(s); err == nil {
		return sc, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, errors.New("interval required")
	}
	var (
		d    time.Duration
		form string
	)
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, form = time.Duration(h)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
		form = "duration"
	}
	if d <= 0 {
		return Schedule{}, errors.New("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Form: form}, nil
}
