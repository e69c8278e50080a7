package config

import (
	"reflect"
	"sort"
	"strings"

	logx "keyq/pkg/logx"
)

// SummarizeChange returns the sections that differ between two configs,
// attrs suitable for a single reload log line, and the names of jobs that
// were added, removed or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oq, nq := oldCfg.Queue, newCfg.Queue
	if oq.MaxPending != nq.MaxPending ||
		strings.TrimSpace(oq.DefaultTimeout) != strings.TrimSpace(nq.DefaultTimeout) ||
		strings.TrimSpace(oq.LockWait) != strings.TrimSpace(nq.LockWait) ||
		oq.Lock != nq.Lock ||
		!reflect.DeepEqual(normKeys(oq.Keys), normKeys(nq.Keys)) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_pending", nq.MaxPending),
			logx.String("queue.default_timeout", nq.DefaultTimeout),
			logx.Bool("queue.lock_enabled", nq.Lock.Enabled),
			logx.Int("queue.key_overrides", len(nq.Keys)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs, logx.String("runner.timezone", newCfg.Runner.Timezone))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.total", len(newCfg.Jobs)), logx.Int("jobs.changed", len(jobs)))
	}

	return changed, attrs, jobs
}

func normKeys(m map[string]KeyConfig) map[string]KeyConfig {
	if len(m) == 0 {
		return nil
	}
	return m
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]uint64 {
		out := make(map[string]uint64, len(js))
		for _, j := range js {
			out[strings.TrimSpace(j.Name)] = hashJSON(j)
		}
		return out
	}
	o, n := index(oldJobs), index(newJobs)

	var out []string
	for name, h := range n {
		if oh, ok := o[name]; !ok || oh != h {
			out = append(out, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
