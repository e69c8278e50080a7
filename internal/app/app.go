// Package app wires the keyq daemon: config, logging, run history, the
// per-key scheduler and the job runner, under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"keyq/internal/config"
	"keyq/internal/eventbus"
	"keyq/internal/observability/debug"
	"keyq/internal/runner"
	"keyq/internal/runtime/supervisor"
	"keyq/internal/storage"
	"keyq/pkg/keyq"
	logx "keyq/pkg/logx"
	"keyq/pkg/unitctl"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched  *keyq.Scheduler
	runner *runner.Runner
	debug  *debug.Service
	units  *unitctl.Manager

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Components tag their own comp field on the root logger.
	logSvc, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := OpenStore(cfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))
	}

	// Limits and the lock are pushed by the runner's Apply below.
	sched, err := keyq.New(keyq.Config{Logger: root, Bus: bus})
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}
	// The system bus is dialed on the first unit job.
	units := unitctl.New()
	run, err := runner.New(runner.Options{Scheduler: sched, Store: store, Bus: bus, Units: units, Logger: root})
	if err == nil {
		err = run.Apply(cfg)
	}
	if err != nil {
		_ = sched.Close()
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		root:   root,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sched:  sched,
		runner: run,
		units:  units,
	}
	a.debug = debug.New(mapDebugConfig(cfg.Debug), a.status, root)
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Scheduler() *keyq.Scheduler { return a.sched }
func (a *App) Runner() *runner.Runner     { return a.runner }
func (a *App) Debug() *debug.Service      { return a.debug }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads are validated before they are committed or published.
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.runner.Validate)

	a.sup.Go("runner", a.runner.Run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(jobs) > 0 {
		a.log.Debug("job definitions changed", logx.Any("jobs", jobs))
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(newCfg.Logging.Logx())
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg.Debug))
	if err := a.runner.Apply(newCfg); err != nil {
		a.log.Warn("config apply failed; keeping previous", logx.Err(err))
		return
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the daemon down: triggers stop, waiting tasks fail with
// keyq.ErrClosed, running commands are canceled, and every outcome is
// recorded before storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("supervisor", 3*time.Second, a.sup.Wait)
	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	step("scheduler", 0, func(context.Context) error { return a.sched.Close() })
	step("scheduler.drain", 5*time.Second, a.sched.Drain)
	step("runner", 2*time.Second, a.runner.Wait)
	step("units", time.Second, func(context.Context) error { return a.units.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// notify reports state to systemd when running under a Type=notify unit.
func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
