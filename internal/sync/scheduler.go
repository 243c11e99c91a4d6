package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
)

type Runner interface {
	RunOnce(ctx context.Context) (*RunReport, error)
	Snapshot() (State, bool, *RunReport)
}

// IntervalStore persists the scheduler interval.
type IntervalStore interface {
	Interval(ctx context.Context) int
	SetInterval(ctx context.Context, minutes int) error
}

// intervalSchedule is a cron.Schedule whose period can change while cron is running.
// cron asks for Next after every activation, so a new interval applies from the next sleep.
type intervalSchedule struct {
	minutes *atomic.Int64
	unit    time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(s.minutes.Load()) * s.unit)
}

type Scheduler struct {
	runner     Runner
	intervals  IntervalStore
	runOnStart bool
	minutes    atomic.Int64
	unit       time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	// inflight tracks runs of the current start/stop cycle. Start replaces it;
	// a pending Stop keeps waiting on the one it captured.
	inflight *sync.WaitGroup
	cronDone <-chan struct{}
}

func NewScheduler(ctx context.Context, runner Runner, intervals IntervalStore, runOnStart bool) *Scheduler {
	s := &Scheduler{
		runner:     runner,
		intervals:  intervals,
		runOnStart: runOnStart,
		unit:       time.Minute,
	}
	s.minutes.Store(int64(intervals.Interval(ctx)))
	return s
}

// Start begins periodic runs. Calling Start on a running scheduler only logs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		logger.Log.Warn("Scheduler already running")
		return
	}

	inflight := &sync.WaitGroup{}
	s.inflight = inflight

	cl := cronLogger{}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.cron.Schedule(intervalSchedule{minutes: &s.minutes, unit: s.unit}, cron.FuncJob(func() { s.tick(inflight) }))
	s.cron.Start()
	s.running = true

	logger.Log.Info("Started scheduler", zap.Int64("interval_minutes", s.minutes.Load()), zap.Bool("run_on_start", s.runOnStart))

	if s.runOnStart {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.run()
		}()
	}
}

// Stop halts the timer immediately. The returned context is done once any
// run started by the scheduler has finished; runs are never interrupted.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if s.running {
		s.cronDone = s.cron.Stop().Done()
		s.running = false
		logger.Log.Info("Stopped scheduler")
	} else {
		logger.Log.Debug("Scheduler not running")
	}

	cronDone, inflight := s.cronDone, s.inflight
	go func() {
		if cronDone != nil {
			<-cronDone
		}
		if inflight != nil {
			inflight.Wait()
		}
		cancel()
	}()
	return ctx
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Interval() int {
	return int(s.minutes.Load())
}

// SetInterval persists the interval and applies it from the next sleep cycle.
func (s *Scheduler) SetInterval(ctx context.Context, minutes int) error {
	if err := s.intervals.SetInterval(ctx, minutes); err != nil {
		return err
	}
	s.minutes.Store(int64(minutes))
	logger.Log.Info("Updated sync interval", zap.Int("interval_minutes", minutes))
	return nil
}

func (s *Scheduler) Status() Status {
	state, inProgress, last := s.runner.Snapshot()
	st := Status{
		IsRunning:       s.IsRunning(),
		RunInProgress:   inProgress,
		State:           state,
		IntervalMinutes: s.Interval(),
		LastRun:         last,
	}
	if last != nil {
		at := last.StartedAt
		if last.FinishedAt != nil {
			at = *last.FinishedAt
		}
		st.LastRunAt = &at
	}
	return st
}

func (s *Scheduler) tick(inflight *sync.WaitGroup) {
	inflight.Add(1)
	defer inflight.Done()
	s.run()
}

func (s *Scheduler) run() {
	logger.Log.Info("Triggering scheduled reconciliation")
	_, err := s.runner.RunOnce(context.Background())
	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.Log.Warn("Reconciliation already running, skipping scheduled run")
	case err != nil:
		logger.Log.Error("Scheduled reconciliation failed, retrying next tick", zap.Error(err))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
