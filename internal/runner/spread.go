package runner

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupSpread bounds the random delay added to an interval job's first run.
const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first activation so interval jobs registered
// together do not all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns a schedule firing every d, first at now+d plus up
// to min(d, maxStartupSpread) of jitter seeded by name.
func intervalSchedule(name string, d time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(d)
	spread := min(d, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(d + jitter)}, jitter
}
