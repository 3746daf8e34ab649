package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Task is one provider's pull task: scheduling state plus the per-run
// pull-and-push loop.
type Task struct {
	cfg      TaskConfig
	provider provider.Provider
	locks    LockService
	creds    CredentialSource
	push     Pusher
	now      func() time.Time

	mu                 sync.Mutex
	lastRun            time.Time
	nextRun            time.Time
	isRunning          bool
	successCount       int
	errorCount         int
	lastError          string
	currentExecutionID string
}

// Status snapshots the task's scheduler-side state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Slug:               t.cfg.Slug,
		Kind:               t.cfg.Kind,
		IntervalMinutes:    t.cfg.IntervalMinutes,
		ExecutionInterval:  t.cfg.ExecutionInterval.String(),
		LockDuration:       t.cfg.LockDuration.String(),
		IsRunning:          t.isRunning,
		SuccessCount:       t.successCount,
		ErrorCount:         t.errorCount,
		LastError:          t.lastError,
		CurrentExecutionID: t.currentExecutionID,
	}
	if !t.lastRun.IsZero() {
		lr := t.lastRun
		st.LastRun = &lr
	}
	if !t.nextRun.IsZero() {
		nr := t.nextRun
		st.NextRun = &nr
	}
	return st
}

// ShouldRun reports whether the scheduler loop should spawn an execution
// now: the schedule time is reached, the real execution interval since the
// last run has elapsed, and no run is already in flight on this instance.
func (t *Task) ShouldRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning || t.cfg.Kind == ScheduleManual {
		return false
	}

	now := t.now()
	if !t.nextRun.IsZero() && now.Before(t.nextRun) {
		return false
	}
	if !t.lastRun.IsZero() && now.Before(t.lastRun.Add(t.cfg.ExecutionInterval)) {
		return false
	}
	return true
}

// TryExecuteWithLock acquires the cluster-wide lock, runs the pull, and
// releases the lock on every path. Returns whether the run executed and
// succeeded; a skipped run (lock held elsewhere) returns false.
func (t *Task) TryExecuteWithLock(ctx context.Context, force bool) bool {
	executionID, err := t.locks.TryAcquire(ctx, t.cfg.Slug, t.cfg.LockDuration, force)
	if err != nil {
		log.Error().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: lock acquire error")
		return false
	}
	if executionID == "" {
		log.Info().Str("provider", t.cfg.Slug).Msg("scheduler: skipping execution, lock held by another instance")
		return false
	}

	t.mu.Lock()
	t.currentExecutionID = executionID
	t.mu.Unlock()

	defer func() {
		if err := t.locks.Release(ctx, t.cfg.Slug, executionID); err != nil {
			log.Error().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: lock release error")
		}
		t.mu.Lock()
		t.currentExecutionID = ""
		t.mu.Unlock()
	}()

	log.Info().Str("provider", t.cfg.Slug).Str("execution_id", executionID).Msg("scheduler: starting execution")
	return t.executeInternal(ctx, executionID)
}

// executeInternal runs one pull under the already-held lock, maintaining
// counters and the next-run time.
func (t *Task) executeInternal(ctx context.Context, executionID string) bool {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		log.Warn().Str("provider", t.cfg.Slug).Msg("scheduler: task already running on this instance")
		return false
	}
	t.isRunning = true
	t.lastRun = t.now()
	t.mu.Unlock()

	err := t.pullAndPush(ctx, executionID)

	t.mu.Lock()
	if err != nil {
		t.errorCount++
		t.lastError = err.Error()
		log.Error().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: task failed")
	} else {
		t.successCount++
		t.lastError = ""
		log.Info().Str("provider", t.cfg.Slug).Msg("scheduler: task completed")
	}
	t.isRunning = false
	t.calculateNextRunLocked()
	t.mu.Unlock()

	return err == nil
}

// ManualTrigger runs the task outside its schedule. force bypasses the
// execution-interval gate, forces the lock, and clears the last-execution
// timestamp so the run falls back to its full lookback window.
func (t *Task) ManualTrigger(ctx context.Context, force bool) bool {
	log.Info().Str("provider", t.cfg.Slug).Bool("force", force).Msg("scheduler: manual trigger")

	if force {
		if err := t.locks.ClearLastTimestamp(ctx, t.cfg.Slug); err != nil {
			log.Warn().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: clear last timestamp failed")
		}
		return t.TryExecuteWithLock(ctx, true)
	}

	t.mu.Lock()
	tooSoon := !t.lastRun.IsZero() && t.now().Before(t.lastRun.Add(t.cfg.ExecutionInterval))
	t.mu.Unlock()
	if tooSoon {
		log.Info().Str("provider", t.cfg.Slug).Msg("scheduler: skipping manual trigger, execution interval not reached")
		return false
	}
	return t.TryExecuteWithLock(ctx, false)
}

// pullAndPush is the per-run flow: list linked users, pull each user's
// window of vendor data, and push every payload back through the platform.
// Per-user failures are isolated and counted; the run errors only when at
// least one user failed. Ported from BaseThetaProvider.pull_and_push /
// _pull_and_push_for_user, with the sequential user loop generalized to a
// bounded errgroup fan-out.
func (t *Task) pullAndPush(ctx context.Context, executionID string) error {
	started := t.now()
	info := t.provider.Info()

	creds, err := t.creds.ListCredentialsForProvider(ctx, t.cfg.Slug, info.AuthKind)
	if err != nil {
		return fmt.Errorf("scheduler: list credentials for %s: %w", t.cfg.Slug, err)
	}
	if len(creds) == 0 {
		log.Info().Str("provider", t.cfg.Slug).Msg("scheduler: no linked users")
		return nil
	}

	stats := taskStats{
		Slug:        t.cfg.Slug,
		ExecutionID: executionID,
		StartedAt:   started.UTC().Format(time.RFC3339),
		UsersTotal:  len(creds),
	}
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.PullConcurrency)
	for _, cred := range creds {
		cred := cred
		g.Go(func() error {
			payloads, pushErrs, err := t.pullAndPushForUser(gctx, cred)

			statsMu.Lock()
			defer statsMu.Unlock()
			stats.PayloadsTotal += payloads
			stats.PushErrors += pushErrs
			if err != nil || pushErrs > 0 {
				stats.UsersFailed++
				if err != nil {
					stats.LastError = err.Error()
					log.Error().Err(err).Str("provider", t.cfg.Slug).Str("user_id", cred.UserID).Msg("scheduler: user pull failed")
				}
			} else {
				stats.UsersOK++
			}
			// Per-user errors never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	stats.DurationMs = t.now().Sub(started).Milliseconds()
	if err := t.locks.SaveStats(ctx, t.cfg.Slug, stats.blob()); err != nil {
		log.Warn().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: save stats failed")
	}

	if stats.UsersFailed == 0 {
		if err := t.locks.SetLastTimestamp(ctx, t.cfg.Slug, t.now().Unix()); err != nil {
			log.Warn().Err(err).Str("provider", t.cfg.Slug).Msg("scheduler: set last timestamp failed")
		}
	}

	log.Info().
		Str("provider", t.cfg.Slug).
		Int("users_ok", stats.UsersOK).
		Int("users_failed", stats.UsersFailed).
		Int("payloads", stats.PayloadsTotal).
		Msg("scheduler: pull and push completed")

	if stats.UsersFailed > 0 {
		return fmt.Errorf("scheduler: %d of %d users failed for %s", stats.UsersFailed, stats.UsersTotal, t.cfg.Slug)
	}
	return nil
}

// pullWindow derives the incremental-sync window from the last recorded
// execution timestamp, falling back to the configured lookback.
func (t *Task) pullWindow(ctx context.Context) provider.TimeWindow {
	now := t.now()
	since := now.Add(-t.cfg.LookbackWindow)
	if ts, ok, err := t.locks.GetLastTimestamp(ctx, t.cfg.Slug); err == nil && ok {
		recorded := time.Unix(ts, 0)
		if recorded.After(since) {
			since = recorded
		}
	}
	return provider.TimeWindow{Since: since, Until: now}
}

func (t *Task) pullAndPushForUser(ctx context.Context, cred vault.UserCredential) (payloads, pushErrors int, err error) {
	window := t.pullWindow(ctx)
	raws, err := t.provider.PullFromVendor(ctx, cred, &window)
	if err != nil {
		return 0, 0, err
	}
	if len(raws) == 0 {
		log.Info().Str("provider", t.cfg.Slug).Str("user_id", cred.UserID).Msg("scheduler: no data pulled")
		return 0, 0, nil
	}

	for _, raw := range raws {
		raw.ThetaUserID = cred.UserID
		if processed, err := t.provider.IsAlreadyProcessed(ctx, raw); err == nil && processed {
			log.Info().Str("provider", t.cfg.Slug).Str("user_id", cred.UserID).Msg("scheduler: payload already processed")
			continue
		}
		payloads++
		if !t.push.PushData(ctx, t.cfg.PlatformName, t.cfg.Slug, raw, uuid.NewString()) {
			pushErrors++
		}
	}
	return payloads, pushErrors, nil
}

// calculateNextRun recomputes nextRun outside a held lock.
func (t *Task) calculateNextRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calculateNextRunLocked()
}

// calculateNextRunLocked implements the per-kind next-run rules: hourly runs
// at the top of the next hour, interval runs interval minutes after the last
// run (doubled after an error), manual never auto-runs.
func (t *Task) calculateNextRunLocked() {
	now := t.now()
	switch t.cfg.Kind {
	case ScheduleManual:
		t.nextRun = time.Time{}
	case ScheduleHourly:
		t.nextRun = hourlySchedule.Next(now)
	case ScheduleInterval:
		interval := time.Duration(t.cfg.IntervalMinutes) * time.Minute
		if t.lastRun.IsZero() {
			t.nextRun = now.Add(interval)
			return
		}
		if t.lastError != "" {
			interval *= 2
		}
		t.nextRun = t.lastRun.Add(interval)
	}
}
