package runner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"keyq/internal/config"
	"keyq/internal/eventbus"
	"keyq/internal/storage"
	"keyq/pkg/keyq"
	logx "keyq/pkg/logx"
)

// EventJobFinished carries a storage.RunRecord for every job outcome.
const EventJobFinished = "job.finished"

// storeTimeout bounds a single history write.
const storeTimeout = 5 * time.Second

var (
	ErrUnknownJob = errors.New("runner: unknown job")
	ErrStopped    = errors.New("runner: stopped")
)

// Options wires a Runner. Store, Bus and Units are optional; unit jobs fail
// without Units.
type Options struct {
	Scheduler *keyq.Scheduler
	Store     storage.Store
	Bus       eventbus.Bus
	Units     UnitController
	Logger    logx.Logger
}

// Runner triggers jobs on their schedules and runs them through a keyq.Scheduler.
type Runner struct {
	sched  *keyq.Scheduler
	store  storage.Store
	bus    eventbus.Bus
	units  UnitController
	log    logx.Logger
	parser cron.Parser

	// A full backlog can reject every tick; warn at most once a second.
	rejectLog *rate.Limiter

	mu          sync.Mutex
	c           *cron.Cron
	loc         *time.Location
	outputLimit int
	jobs        map[string]*job
	keys        map[string]struct{} // keys carrying a per-key override
	lockEnabled bool
	lockDir     string
	stopped     bool

	inflight sync.WaitGroup
}

type job struct {
	name    string
	cfg     config.JobConfig
	sched   Schedule
	spec    cron.Schedule // KindCron only
	key     string
	timeout time.Duration

	entry  cron.EntryID
	jitter time.Duration
}

func New(opts Options) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("runner: scheduler required")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		sched: opts.Scheduler,
		store: opts.Store,
		bus:   opts.Bus,
		units: opts.Units,
		log:   log.With(logx.String("comp", "runner")),
		// SecondOptional accepts both 5- and 6-field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
		jobs:   map[string]*job{},
		keys:   map[string]struct{}{},
	}
	r.rejectLog = rate.NewLimiter(rate.Every(time.Second), 3)
	return r, nil
}

// Validate checks what config.Validate cannot: schedule expressions.
// It has the signature config.Manager expects of a validator.
func (r *Runner) Validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("runner: nil config")
	}
	_, err := r.compile(cfg.Jobs)
	return err
}

func (r *Runner) compile(jcs []config.JobConfig) (map[string]*job, error) {
	out := make(map[string]*job, len(jcs))
	var errs []error
	for i, jc := range jcs {
		path := fmt.Sprintf("jobs[%d]", i)
		sc, err := ParseSchedule(jc.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
			continue
		}
		j := &job{name: strings.TrimSpace(jc.Name), cfg: jc, sched: sc, key: jc.QueueKey()}
		if sc.Kind == KindCron {
			if j.spec, err = r.parser.Parse(sc.Expr); err != nil {
				errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
				continue
			}
		}
		if j.timeout, err = config.ParseDurationField(path+".timeout", jc.Timeout); err != nil {
			errs = append(errs, err)
			continue
		}
		out[j.name] = j
	}
	return out, errors.Join(errs...)
}

// Apply installs cfg: scheduler limits, per-key overrides, the cross-process
// lock and the job set. Nothing changes if any part of cfg is invalid.
// Jobs whose definition did not change keep their timers.
func (r *Runner) Apply(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("runner: nil config")
	}
	qs, err := cfg.Queue.Settings()
	if err != nil {
		return err
	}
	jobs, err := r.compile(cfg.Jobs)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Runner.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("runner.timezone: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.applyQueueLocked(qs); err != nil {
		return err
	}
	r.outputLimit = cfg.Runner.OutputLimit

	if loc.String() != r.loc.String() {
		r.loc = loc
		r.jobs = jobs
		if r.c != nil {
			r.restartLocked()
		}
		r.log.Info("jobs applied", logx.String("tz", loc.String()), logx.Int("jobs", len(jobs)))
		return nil
	}

	var added, removed, kept int
	for name, old := range r.jobs {
		nj, ok := jobs[name]
		if ok && reflect.DeepEqual(old.cfg, nj.cfg) {
			jobs[name] = old
			kept++
			continue
		}
		r.unregisterLocked(old)
		if !ok {
			removed++
		}
	}
	for _, j := range jobs {
		if j.entry == 0 {
			r.registerLocked(j)
			if j.entry != 0 {
				added++
			}
		}
	}
	r.jobs = jobs
	r.log.Info("jobs applied", logx.Int("jobs", len(jobs)), logx.Int("registered", added), logx.Int("removed", removed), logx.Int("unchanged", kept))
	return nil
}

func (r *Runner) applyQueueLocked(qs config.QueueSettings) error {
	if qs.LockEnabled != r.lockEnabled || (qs.LockEnabled && qs.LockDir != r.lockDir) {
		if err := r.sched.EnableCrossProcessLock(qs.LockEnabled, qs.LockDir); err != nil {
			return fmt.Errorf("queue.lock: %w", err)
		}
		r.lockEnabled, r.lockDir = qs.LockEnabled, qs.LockDir
	}

	if prev := r.sched.SetMaxPending(qs.MaxPending); prev != qs.MaxPending {
		r.log.Debug("queue limit changed", logx.Int("from", prev), logx.Int("to", qs.MaxPending))
	}
	if prev := r.sched.SetDefaultTimeout(qs.DefaultTimeout); prev != qs.DefaultTimeout {
		r.log.Debug("queue timeout changed", logx.Duration("from", prev), logx.Duration("to", qs.DefaultTimeout))
	}
	r.sched.SetLockWait(qs.LockWait)

	for k := range r.keys {
		if _, ok := qs.Keys[k]; !ok {
			r.sched.SetQueueMaxPending(k, 0)
			r.sched.SetQueueTimeout(k, 0)
		}
	}
	keys := make(map[string]struct{}, len(qs.Keys))
	for k, ks := range qs.Keys {
		r.sched.SetQueueMaxPending(k, ks.MaxPending)
		r.sched.SetQueueTimeout(k, ks.Timeout)
		keys[k] = struct{}{}
	}
	r.keys = keys
	return nil
}

// Start begins firing schedules. Jobs applied earlier are registered now.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || r.stopped {
		return
	}
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, j := range r.jobs {
		r.registerLocked(j)
	}
	r.c.Start()
	r.log.Info("runner started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
}

// Run starts the runner and stops firing when ctx ends. Outcomes of runs
// still in flight are recorded later; see Wait.
func (r *Runner) Run(ctx context.Context) error {
	r.Start()
	<-ctx.Done()
	r.halt()
	return nil
}

// Stop stops firing and waits for in-flight runs to be recorded.
func (r *Runner) Stop(ctx context.Context) error {
	r.halt()
	return r.Wait(ctx)
}

func (r *Runner) halt() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.stopped = true
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		r.log.Info("runner stopped")
	}
}

// Wait blocks until every triggered run has been recorded or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restartLocked rebuilds the cron instance, e.g. for a new timezone.
func (r *Runner) restartLocked() {
	old := r.c
	old.Stop()
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, j := range r.jobs {
		j.entry = 0
		r.registerLocked(j)
	}
	r.c.Start()
}

func (r *Runner) registerLocked(j *job) {
	if r.c == nil || j.cfg.Disabled {
		return
	}
	name := j.name
	fire := cron.FuncJob(func() { _, _ = r.Trigger(name) })

	sched := j.spec
	if j.sched.Kind == KindInterval {
		sched, j.jitter = intervalSchedule(name, j.sched.Every, time.Now().In(r.loc))
	}
	j.entry = r.c.Schedule(sched, fire)

	fields := []logx.Field{logx.String("job", name), logx.String("key", j.key), logx.String("schedule", j.sched.String())}
	if j.jitter > 0 {
		fields = append(fields, logx.Duration("first_delay", j.jitter))
	}
	if next := r.c.Entry(j.entry).Next; !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	r.log.Debug("job registered", fields...)
}

func (r *Runner) unregisterLocked(j *job) {
	if r.c != nil && j.entry != 0 {
		r.c.Remove(j.entry)
	}
	j.entry = 0
}

// Trigger submits one run of the named job now, whether or not it is
// disabled. Submission failures are recorded like any other outcome.
func (r *Runner) Trigger(name string) (*keyq.Future, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	j := r.jobs[name]
	if j == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	limit := r.outputLimit
	r.inflight.Add(1)
	r.mu.Unlock()

	jc := j.cfg
	opts := []keyq.SubmitOption{keyq.WithTimeout(j.timeout)}
	if jc.Priority != nil {
		opts = append(opts, keyq.WithPriority(*jc.Priority))
	}
	queued := time.Now()
	units := r.units
	fut, err := r.sched.Submit(j.key, func(ctx context.Context) (any, error) {
		if jc.Unit != nil {
			return runUnit(ctx, units, *jc.Unit)
		}
		return runCommand(ctx, jc.Command, jc.Dir, jc.Env, limit)
	}, opts...)
	if err != nil {
		r.record(j, uuid.NewString(), queued, nil, err)
		r.inflight.Done()
		return nil, err
	}

	go func() {
		defer r.inflight.Done()
		<-fut.Done()
		v, err := fut.Result()
		res, _ := v.(*execResult)
		r.record(j, fut.ID(), queued, res, err)
	}()
	return fut, nil
}

// StatusOf maps a run error onto a storage status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return storage.StatusOK
	case errors.Is(err, keyq.ErrTimeout):
		return storage.StatusTimeout
	case errors.Is(err, keyq.ErrLockFailed):
		return storage.StatusLockFailed
	case errors.Is(err, keyq.ErrCapacityExceeded):
		return storage.StatusRejected
	case errors.Is(err, keyq.ErrClosed), errors.Is(err, context.Canceled):
		return storage.StatusCanceled
	default:
		return storage.StatusFailed
	}
}

func (r *Runner) record(j *job, id string, queued time.Time, res *execResult, err error) {
	rec := storage.RunRecord{
		ID:       id,
		Job:      j.name,
		Key:      j.key,
		Queued:   queued,
		Finished: time.Now(),
		Status:   StatusOf(err),
		ExitCode: -1,
	}
	if res != nil {
		rec.Started = res.Started
		rec.ExitCode = res.ExitCode
		rec.Output = res.Output
		if !res.Finished.IsZero() {
			rec.Finished = res.Finished
		}
		rec.Duration = rec.Finished.Sub(rec.Started)
	}
	if err != nil {
		rec.Error = err.Error()
	}

	fields := []logx.Field{
		logx.String("job", rec.Job),
		logx.String("key", rec.Key),
		logx.String("id", rec.ID),
		logx.String("status", rec.Status),
		logx.Int("exit_code", rec.ExitCode),
		logx.Duration("dur", rec.Duration),
	}
	switch {
	case rec.Status == storage.StatusRejected && !r.rejectLog.Allow():
		r.log.Debug("job finished", append(fields, logx.Err(err))...)
	case err != nil:
		r.log.Warn("job finished", append(fields, logx.Err(err))...)
	default:
		r.log.Info("job finished", fields...)
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventJobFinished, Time: rec.Finished, Data: rec})
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.store.AppendRun(ctx, rec); err != nil {
			r.log.Error("run history write failed", logx.String("job", rec.Job), logx.Err(err))
		}
		cancel()
	}
}

// JobInfo describes one configured job.
type JobInfo struct {
	Name     string        `json:"name"`
	Key      string        `json:"key"`
	Schedule string        `json:"schedule"`
	Kind     string        `json:"kind"`
	Unit     string        `json:"unit,omitempty"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Disabled bool          `json:"disabled,omitempty"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Running: r.c != nil, Timezone: r.loc.String()}
	for _, j := range r.jobs {
		it := JobInfo{
			Name:     j.name,
			Key:      j.key,
			Schedule: j.sched.String(),
			Kind:     j.sched.Kind.String(),
			Priority: keyq.DefaultPriority,
			Timeout:  j.timeout,
			Disabled: j.cfg.Disabled,
		}
		if u := j.cfg.Unit; u != nil {
			it.Unit = u.Name
		}
		if j.cfg.Priority != nil {
			it.Priority = *j.cfg.Priority
		}
		if r.c != nil && j.entry != 0 {
			e := r.c.Entry(j.entry)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].Name < snap.Jobs[b].Name })
	return snap
}
