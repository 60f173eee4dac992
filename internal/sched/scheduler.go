// Package sched runs persisted cron and one-shot jobs. Every state
// transition is written to the store before the handler fires, which is
// what makes a fire exactly-once across process restarts. Cron
// expressions are evaluated in the configured location; a fire whose
// instant fell inside a DST-skipped hour runs once at the next tick
// after resume rather than being dropped.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"clawd/internal/logging"
	"clawd/internal/store"
)

var (
	// ErrHandlerNotFound means a job names a handler nobody registered.
	ErrHandlerNotFound = errors.New("handler not registered")
	// ErrBadSpec means the cron expression or trigger time is invalid.
	ErrBadSpec = errors.New("invalid schedule spec")
)

// Messenger delivers handler messages back to chats. Implementations
// must be safe to call from worker goroutines concurrently.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
}

// Handler executes one job fire. A non-empty returned message is
// delivered to the chat recorded in params["chatId"]. Handlers must be
// idempotent; a duplicate fire caused by operator action must not
// corrupt state.
type Handler func(ctx context.Context, params map[string]any) (string, error)

// Options configures a Scheduler.
type Options struct {
	Store     *store.Store
	Messenger Messenger
	Location  *time.Location
	Workers   int64
	TickEvery time.Duration
}

// Scheduler owns the tick loop, the handler registry, and the bounded
// worker pool. Jobs sharing a name never overlap themselves; unrelated
// jobs run in parallel up to the pool size.
type Scheduler struct {
	store     *store.Store
	messenger Messenger
	loc       *time.Location
	parser    cron.Parser
	tickEvery time.Duration

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	flightMu sync.Mutex
	inFlight map[string]bool

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	pool *semaphore.Weighted
	wg   sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	wake     chan struct{}

	now func() time.Time

	log *logging.Logger
}

// New builds a scheduler. Start must be called before jobs fire.
func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TickEvery <= 0 {
		opts.TickEvery = 15 * time.Second
	}
	return &Scheduler{
		store:     opts.Store,
		messenger: opts.Messenger,
		loc:       opts.Location,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tickEvery: opts.TickEvery,
		handlers:  make(map[string]Handler),
		inFlight:  make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		pool:      semaphore.NewWeighted(opts.Workers),
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		log:       logging.Get(logging.CategorySched),
	}
}

// RegisterHandler installs a named handler. Re-registering replaces.
func (s *Scheduler) RegisterHandler(name string, fn Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[name] = fn
}

func (s *Scheduler) handler(name string) (Handler, bool) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	fn, ok := s.handlers[name]
	return fn, ok
}

// ScheduleCron persists a recurring job. Unknown handler names are
// rejected up front so a typo surfaces at schedule time, not at fire
// time.
func (s *Scheduler) ScheduleCron(name, spec, handler string, params map[string]any, userID string, replace bool) error {
	if _, ok := s.handler(handler); !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, handler)
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	// Evaluate in the configured location, persist in UTC: the store
	// compares next_run against a UTC instant.
	next := sched.Next(s.now().In(s.loc)).UTC()
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	return s.store.UpsertJob(store.ScheduledJob{
		Name:     name,
		Kind:     store.JobCron,
		CronExpr: spec,
		Handler:  handler,
		Params:   raw,
		Enabled:  true,
		NextRun:  &next,
		Status:   store.JobPending,
		UserID:   userID,
	}, replace)
}

// ScheduleAt persists a one-shot job for an absolute instant. Delays
// under a minute also arm an in-memory timer for precision; the
// persisted row covers a restart during the delay (it fires late at
// the first tick after resume).
func (s *Scheduler) ScheduleAt(name string, at time.Time, handler string, params map[string]any, userID string, replace bool) error {
	if _, ok := s.handler(handler); !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, handler)
	}
	if at.Before(s.now()) {
		return fmt.Errorf("%w: trigger time %s is in the past", ErrBadSpec, at.Format(time.RFC3339))
	}
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	trigger := at.UTC()
	if err := s.store.UpsertJob(store.ScheduledJob{
		Name:      name,
		Kind:      store.JobOneShot,
		TriggerAt: &trigger,
		Handler:   handler,
		Params:    raw,
		Enabled:   true,
		NextRun:   &trigger,
		Status:    store.JobPending,
		UserID:    userID,
	}, replace); err != nil {
		return err
	}

	if delay := at.Sub(s.now()); delay < time.Minute {
		s.armTimer(name, delay)
	}
	return nil
}

func (s *Scheduler) armTimer(name string, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if old, ok := s.timers[name]; ok {
		old.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		delete(s.timers, name)
		s.timerMu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

// CancelByName cancels a job: the row is marked cancelled and any
// in-memory timer is cleared.
func (s *Scheduler) CancelByName(name string) error {
	s.timerMu.Lock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	s.timerMu.Unlock()
	return s.store.CancelJob(name)
}

// GetJobByName returns the persisted job row.
func (s *Scheduler) GetJobByName(name string) (*store.ScheduledJob, error) {
	return s.store.GetJob(name)
}

// JobsForUser lists a user's jobs, optionally by status.
func (s *Scheduler) JobsForUser(userID string, status store.JobStatus) ([]store.ScheduledJob, error) {
	return s.store.JobsByUser(userID, status)
}

// Start resumes persisted state and runs the tick loop until Stop.
func (s *Scheduler) Start() error {
	if err := s.resume(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	s.log.Info("scheduler started (tick=%s, tz=%s)", s.tickEvery, s.loc)
	return nil
}

// resume repairs pending rows after a restart: cron jobs with a stale
// next_run get it recomputed; failed cron jobs are re-armed. One-shots
// whose instant passed stay due and fire late at the first tick.
func (s *Scheduler) resume() error {
	jobs, err := s.store.PendingJobs()
	if err != nil {
		return fmt.Errorf("resume scheduler: %w", err)
	}
	now := s.now().In(s.loc)
	for _, j := range jobs {
		if j.Kind != store.JobCron {
			continue
		}
		if _, ok := s.handler(j.Handler); !ok {
			s.log.Warn("job %s references unregistered handler %s", j.Name, j.Handler)
		}
		if j.NextRun == nil {
			sched, err := s.parser.Parse(j.CronExpr)
			if err != nil {
				s.log.Error("job %s has unparseable cron %q: %v", j.Name, j.CronExpr, err)
				continue
			}
			next := sched.Next(now).UTC()
			if err := s.store.MarkJobFiring(j.Name, now, &next); err != nil {
				s.log.Error("repair next_run for %s: %v", j.Name, err)
			}
		}
	}
	s.log.Info("resumed %d pending jobs", len(jobs))
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(s.now())
		case <-s.wake:
			s.Tick(s.now())
		}
	}
}

// Tick fires every due job at most once per due instant. Exported so
// tests and the kernel can drive time explicitly.
func (s *Scheduler) Tick(now time.Time) {
	jobs, err := s.store.DueJobs(now)
	if err != nil {
		s.log.Error("due-jobs query failed: %v", err)
		return
	}
	for _, job := range jobs {
		s.fire(job, now)
	}
}

// fire claims the job (single-flight by name), durably records the fire,
// then runs the handler on the pool.
func (s *Scheduler) fire(job store.ScheduledJob, now time.Time) {
	s.flightMu.Lock()
	if s.inFlight[job.Name] {
		s.flightMu.Unlock()
		return
	}
	s.inFlight[job.Name] = true
	s.flightMu.Unlock()

	release := func() {
		s.flightMu.Lock()
		delete(s.inFlight, job.Name)
		s.flightMu.Unlock()
	}

	fn, ok := s.handler(job.Handler)
	if !ok {
		s.log.Error("job %s fired with no handler %s, marking failed", job.Name, job.Handler)
		_ = s.store.MarkJobResult(job.Name, false)
		release()
		return
	}

	var next *time.Time
	if job.Kind == store.JobCron {
		sched, err := s.parser.Parse(job.CronExpr)
		if err != nil {
			s.log.Error("job %s cron %q unparseable at fire time: %v", job.Name, job.CronExpr, err)
			_ = s.store.MarkJobResult(job.Name, false)
			release()
			return
		}
		n := sched.Next(now.In(s.loc)).UTC()
		next = &n
	}

	// Durable before dispatch: a crash from here on re-fires nothing
	// for this due instant.
	if err := s.store.MarkJobFiring(job.Name, now, next); err != nil {
		s.log.Error("mark firing %s: %v", job.Name, err)
		release()
		return
	}

	if err := s.pool.Acquire(context.Background(), 1); err != nil {
		release()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pool.Release(1)
		defer release()
		s.run(job, fn)
	}()
}

func (s *Scheduler) run(job store.ScheduledJob, fn Handler) {
	params, err := decodeParams(job.Params)
	if err != nil {
		s.log.Error("job %s params undecodable: %v", job.Name, err)
		_ = s.store.MarkJobResult(job.Name, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := s.safeRun(ctx, fn, params)
	if err != nil {
		s.log.Error("job %s handler failed: %v", job.Name, err)
		if rerr := s.store.MarkJobResult(job.Name, false); rerr != nil {
			s.log.Error("mark result %s: %v", job.Name, rerr)
		}
		if job.Kind == store.JobCron {
			if rerr := s.store.RearmCronJob(job.Name); rerr != nil {
				s.log.Error("rearm %s: %v", job.Name, rerr)
			}
		}
		return
	}

	if err := s.store.MarkJobResult(job.Name, true); err != nil {
		s.log.Error("mark result %s: %v", job.Name, err)
	}

	if msg != "" && s.messenger != nil {
		chatID, _ := params["chatId"].(string)
		if chatID == "" {
			chatID, _ = params["userId"].(string)
		}
		if chatID != "" {
			if err := s.messenger.Send(ctx, chatID, msg); err != nil {
				s.log.Error("job %s delivery to %s failed: %v", job.Name, chatID, err)
			}
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, fn Handler, params map[string]any) (msg string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, params)
}

// Stop drains the loop, timers, and in-flight workers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.timerMu.Lock()
		for name, t := range s.timers {
			t.Stop()
			delete(s.timers, name)
		}
		s.timerMu.Unlock()
		s.wg.Wait()
		s.log.Info("scheduler stopped")
	})
}

func encodeParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode job params: %w", err)
	}
	return string(raw), nil
}

func decodeParams(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
