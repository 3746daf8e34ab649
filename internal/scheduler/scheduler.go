// Package scheduler implements the pull task engine (C7): a process-wide
// supervisor that wakes every minute, decides which providers' pull tasks
// are due, and executes each under a cluster-wide lock. Ported from
// Scheduler/PullTask in core/scheduler.py and ThetaProviderPullTask in
// theta/platform/pull_task.py.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// ScheduleKind selects how a task's next run is computed.
type ScheduleKind string

const (
	ScheduleHourly   ScheduleKind = "hourly"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleManual   ScheduleKind = "manual"
)

// hourlySchedule computes top-of-hour boundaries for ScheduleHourly tasks.
var hourlySchedule cron.Schedule

func init() {
	sched, err := cron.ParseStandard("0 * * * *")
	if err != nil {
		panic(err)
	}
	hourlySchedule = sched
}

// LockService is the slice of the distributed lock service the engine needs.
type LockService interface {
	TryAcquire(ctx context.Context, slug string, duration time.Duration, force bool) (string, error)
	Release(ctx context.Context, slug, executionID string) error
	GetLastTimestamp(ctx context.Context, slug string) (int64, bool, error)
	SetLastTimestamp(ctx context.Context, slug string, unixSeconds int64) error
	ClearLastTimestamp(ctx context.Context, slug string) error
	SaveStats(ctx context.Context, slug string, blob string) error
}

// CredentialSource lists the linked users the pull loop iterates.
type CredentialSource interface {
	ListCredentialsForProvider(ctx context.Context, provider string, authKind vault.AuthKind) ([]vault.UserCredential, error)
}

// Pusher re-enters pulled payloads into the normalization pipeline.
type Pusher interface {
	PushData(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) bool
}

// TaskConfig parameterizes one provider's pull task.
type TaskConfig struct {
	Slug              string
	PlatformName      string
	Kind              ScheduleKind
	IntervalMinutes   int
	ExecutionInterval time.Duration
	// LockDuration defaults to ExecutionInterval - 30m, floored at 6m.
	LockDuration time.Duration
	// LookbackWindow is the pull window used when no last-execution
	// timestamp is recorded.
	LookbackWindow time.Duration
	// PullConcurrency bounds how many users are pulled at once.
	PullConcurrency int
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.Kind == "" {
		c.Kind = ScheduleHourly
	}
	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = 30
	}
	if c.ExecutionInterval <= 0 {
		c.ExecutionInterval = time.Hour
	}
	if c.LockDuration <= 0 {
		c.LockDuration = c.ExecutionInterval - 30*time.Minute
		if c.LockDuration < 6*time.Minute {
			c.LockDuration = 6 * time.Minute
		}
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = 24 * time.Hour
	}
	if c.PullConcurrency <= 0 {
		c.PullConcurrency = 5
	}
	return c
}

// Status is a task's scheduler-side state snapshot.
type Status struct {
	Slug               string       `json:"provider_slug"`
	Kind               ScheduleKind `json:"schedule_kind"`
	IntervalMinutes    int          `json:"interval_minutes"`
	ExecutionInterval  string       `json:"execution_interval"`
	LockDuration       string       `json:"lock_duration"`
	LastRun            *time.Time   `json:"last_run"`
	NextRun            *time.Time   `json:"next_run"`
	IsRunning          bool         `json:"is_running"`
	SuccessCount       int          `json:"success_count"`
	ErrorCount         int          `json:"error_count"`
	LastError          string       `json:"last_error,omitempty"`
	CurrentExecutionID string       `json:"current_execution_id,omitempty"`
}

// Engine owns the slug -> Task map and the supervisor loop.
type Engine struct {
	mu    sync.Mutex
	tasks map[string]*Task

	locks LockService
	creds CredentialSource
	push  Pusher

	tick    time.Duration
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// now is injectable for tests.
	now func() time.Time
}

// NewEngine builds an Engine over the lock service, credential source, and
// push service.
func NewEngine(locks LockService, creds CredentialSource, push Pusher) *Engine {
	return &Engine{
		tasks: make(map[string]*Task),
		locks: locks,
		creds: creds,
		push:  push,
		tick:  time.Minute,
		now:   time.Now,
	}
}

// RegisterTask creates and registers a pull task for p under cfg. Providers
// that decline scheduled pulls (RegisterPullTask() == false) are skipped.
func (e *Engine) RegisterTask(p provider.Provider, cfg TaskConfig) *Task {
	if !p.RegisterPullTask() {
		log.Info().Str("provider", p.Info().Slug).Msg("scheduler: provider declined pull task registration")
		return nil
	}

	cfg = cfg.withDefaults()
	if cfg.Slug == "" {
		cfg.Slug = p.Info().Slug
	}

	t := &Task{
		cfg:      cfg,
		provider: p,
		locks:    e.locks,
		creds:    e.creds,
		push:     e.push,
		now:      e.now,
	}
	t.calculateNextRun()

	e.mu.Lock()
	e.tasks[cfg.Slug] = t
	e.mu.Unlock()

	log.Info().
		Str("provider", cfg.Slug).
		Str("kind", string(cfg.Kind)).
		Dur("execution_interval", cfg.ExecutionInterval).
		Dur("lock_duration", cfg.LockDuration).
		Msg("scheduler: registered pull task")
	return t
}

// Task returns the registered task for slug, if any.
func (e *Engine) Task(slug string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[slug]
	return t, ok
}

// StatusAll snapshots every task's state.
func (e *Engine) StatusAll() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Status, len(e.tasks))
	for slug, t := range e.tasks {
		out[slug] = t.Status()
	}
	return out
}

// Start launches the supervisor loop. Safe to call once; subsequent calls
// are no-ops until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		log.Warn().Msg("scheduler: already running")
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx)
	log.Info().Msg("scheduler: started")
}

// Stop cancels the supervisor and waits for in-flight executions to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	log.Info().Msg("scheduler: stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		e.checkTasks(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: loop cancelled")
			return
		case <-ticker.C:
		}
	}
}

// checkTasks spawns an execution for every due task. Executions run
// concurrently across providers; per-provider exclusion is enforced by
// Task.isRunning locally and the distributed lock cluster-wide.
func (e *Engine) checkTasks(ctx context.Context) {
	e.mu.Lock()
	due := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if t.ShouldRun() {
			due = append(due, t)
		}
	}
	e.mu.Unlock()

	for _, t := range due {
		t := t
		log.Info().Str("provider", t.cfg.Slug).Msg("scheduler: executing scheduled task")
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			t.TryExecuteWithLock(ctx, false)
		}()
	}
}

// ManualTrigger runs slug's task outside its schedule. force bypasses the
// execution-interval gate, forces lock acquisition, and clears the recorded
// last timestamp so the run uses its full lookback window.
func (e *Engine) ManualTrigger(ctx context.Context, slug string, force bool) bool {
	t, ok := e.Task(slug)
	if !ok {
		log.Error().Str("provider", slug).Msg("scheduler: manual trigger for unknown task")
		return false
	}
	return t.ManualTrigger(ctx, force)
}

// taskStats is the JSON blob persisted under stats:<slug>.
type taskStats struct {
	Slug          string `json:"provider_slug"`
	ExecutionID   string `json:"execution_id"`
	StartedAt     string `json:"started_at"`
	DurationMs    int64  `json:"duration_ms"`
	UsersTotal    int    `json:"users_total"`
	UsersOK       int    `json:"users_ok"`
	UsersFailed   int    `json:"users_failed"`
	PayloadsTotal int    `json:"payloads_total"`
	PushErrors    int    `json:"push_errors"`
	LastError     string `json:"last_error,omitempty"`
}

func (s taskStats) blob() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}
