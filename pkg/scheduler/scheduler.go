// Package scheduler drives training cycles from a daily schedule, an hourly
// trigger check and operator requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/robfig/cron/v3"

	"github.com/HatiCode/modelkeeper/pkg/cycle"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
)

// Scheduler states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateBackoff = "backoff"
)

// Scheduler events.
const (
	EventStart   = "start"
	EventSucceed = "succeed"
	EventFail    = "fail"
	EventRecover = "recover"
)

// ErrHalted is returned by Run when a cycle left production undefined.
var ErrHalted = errors.New("scheduler halted")

// Cycler is the part of the orchestrator the loop drives.
type Cycler interface {
	RunCycle(ctx context.Context, trig report.Trigger, reasons []string) (report.CycleReport, error)
	ShouldTrain(ctx context.Context) (trigger.Decision, error)
}

// Config configures the loop.
type Config struct {
	// DailyAt is the local "HH:MM" of the unconditional daily cycle.
	DailyAt string

	// Location is the time zone of DailyAt. Nil means UTC.
	Location *time.Location

	// HourlyInterval is how often the trigger rules are evaluated.
	HourlyInterval time.Duration

	// StageBackoff follows stage, validation and data failures.
	StageBackoff time.Duration

	// ErrorBackoff follows unexpected errors and recovered panics.
	ErrorBackoff time.Duration

	// CheckOnStart evaluates the trigger rules once when the loop starts.
	CheckOnStart bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DailyAt:        "03:00",
		Location:       time.UTC,
		HourlyInterval: time.Hour,
		StageBackoff:   5 * time.Minute,
		ErrorBackoff:   15 * time.Minute,
		CheckOnStart:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, _, err := ParseDailyAt(c.DailyAt); err != nil {
		return err
	}
	if c.HourlyInterval <= 0 {
		return fmt.Errorf("hourly interval must be > 0, got %v", c.HourlyInterval)
	}
	if c.StageBackoff <= 0 || c.ErrorBackoff <= 0 {
		return fmt.Errorf("backoff delays must be > 0, got stage=%v error=%v", c.StageBackoff, c.ErrorBackoff)
	}
	if c.StageBackoff >= c.HourlyInterval || c.ErrorBackoff >= c.HourlyInterval {
		return fmt.Errorf("backoff delays must be shorter than the hourly interval %v, got stage=%v error=%v",
			c.HourlyInterval, c.StageBackoff, c.ErrorBackoff)
	}
	return nil
}

// ParseDailyAt parses an "HH:MM" time of day.
func ParseDailyAt(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("daily tick time %q must be HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("daily tick time %q: invalid hour", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("daily tick time %q: invalid minute", s)
	}
	return hour, minute, nil
}

// Option configures a Loop.
type Option func(*Loop)

// WithTicks replaces the daily cron schedule and the hourly ticker with the
// given channels.
func WithTicks(daily, hourly <-chan time.Time) Option {
	return func(l *Loop) {
		l.daily = daily
		l.hourly = hourly
	}
}

// WithObserver is called with the new state on every transition.
func WithObserver(fn func(state string)) Option {
	return func(l *Loop) {
		l.observe = fn
	}
}

// Loop is the scheduler. A single goroutine runs Run; cycles never overlap.
type Loop struct {
	cycler  Cycler
	cfg     Config
	fsm     *fsm.FSM
	manual  chan []string
	daily   <-chan time.Time
	hourly  <-chan time.Time
	observe func(state string)
	logger  *slog.Logger

	mu       sync.RWMutex
	last     report.CycleReport
	lastErr  error
	retryAt  time.Time
	runCount int
}

// New creates a Loop.
func New(cycler Cycler, cfg Config, logger *slog.Logger, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		cycler: cycler,
		cfg:    cfg,
		manual: make(chan []string, 1),
		logger: logger.With("component", "scheduler"),
	}
	for _, o := range opts {
		o(l)
	}

	l.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: EventSucceed, Src: []string{StateRunning}, Dst: StateIdle},
			{Name: EventFail, Src: []string{StateRunning}, Dst: StateBackoff},
			{Name: EventRecover, Src: []string{StateBackoff}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				l.logger.Debug("scheduler state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
				if l.observe != nil {
					l.observe(e.Dst)
				}
			},
		},
	)

	return l, nil
}

// State returns the current scheduler state.
func (l *Loop) State() string {
	return l.fsm.Current()
}

// Status is a point-in-time view of the loop for operators.
type Status struct {
	State      string              `json:"state"`
	Cycles     int                 `json:"cycles"`
	RetryAt    *time.Time          `json:"retry_at,omitempty"`
	LastCycle  *report.CycleReport `json:"last_cycle,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	DailyAt    string              `json:"daily_at"`
	TimeZone   string              `json:"time_zone"`
	CheckEvery string              `json:"check_every"`
}

// Status returns the loop's current status.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Status{
		State:      l.State(),
		Cycles:     l.runCount,
		DailyAt:    l.cfg.DailyAt,
		TimeZone:   l.cfg.Location.String(),
		CheckEvery: l.cfg.HourlyInterval.String(),
	}
	if !l.retryAt.IsZero() && st.State == StateBackoff {
		t := l.retryAt
		st.RetryAt = &t
	}
	if l.runCount > 0 {
		last := l.last
		st.LastCycle = &last
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

// RequestCycle queues an operator-requested cycle. It returns false when a
// request is already waiting.
func (l *Loop) RequestCycle(reasons ...string) bool {
	if len(reasons) == 0 {
		reasons = []string{"operator_request"}
	}
	select {
	case l.manual <- reasons:
		return true
	default:
		return false
	}
}

// Run drives cycles until ctx is cancelled, returning ctx.Err(), or until a
// cycle leaves production undefined, returning an error wrapping ErrHalted.
func (l *Loop) Run(ctx context.Context) error {
	daily, hourly := l.daily, l.hourly

	if daily == nil {
		c, ch, err := l.startCron()
		if err != nil {
			return err
		}
		defer c.Stop()
		daily = ch
	}
	if hourly == nil {
		ticker := time.NewTicker(l.cfg.HourlyInterval)
		defer ticker.Stop()
		hourly = ticker.C
	}

	l.logger.Info("starting scheduler loop",
		"daily_at", l.cfg.DailyAt,
		"time_zone", l.cfg.Location.String(),
		"check_every", l.cfg.HourlyInterval,
	)

	if l.cfg.CheckOnStart {
		if err := l.evaluate(ctx, report.TriggerStartup); err != nil {
			return err
		}
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopped")
			return ctx.Err()
		case <-daily:
			err = l.cycle(ctx, report.TriggerDaily, []string{"daily_schedule"})
		case <-hourly:
			err = l.evaluate(ctx, report.TriggerHourly)
		case reasons := <-l.manual:
			err = l.cycle(ctx, report.TriggerManual, reasons)
		}
		if err != nil {
			return err
		}
	}
}

// startCron schedules the daily tick. Ticks that arrive while a cycle runs
// are kept, one deep, so the daily cycle is not lost.
func (l *Loop) startCron() (*cron.Cron, <-chan time.Time, error) {
	hour, minute, _ := ParseDailyAt(l.cfg.DailyAt)
	ch := make(chan time.Time, 1)

	c := cron.New(cron.WithLocation(l.cfg.Location))
	_, err := c.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		select {
		case ch <- time.Now():
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("schedule daily tick: %w", err)
	}
	c.Start()
	return c, ch, nil
}

// evaluate runs a cycle when the trigger rules fire.
func (l *Loop) evaluate(ctx context.Context, trig report.Trigger) error {
	d, err := l.cycler.ShouldTrain(ctx)
	if err != nil {
		l.logger.Warn("trigger evaluation incomplete", "error", err)
	}
	if !d.Train {
		l.logger.Debug("no training needed", "trigger", trig)
		return nil
	}

	reasons := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		reasons[i] = string(r)
	}
	return l.cycle(ctx, trig, reasons)
}

// cycle runs one cycle through the state machine. It returns an error only
// when the loop must stop.
func (l *Loop) cycle(ctx context.Context, trig report.Trigger, reasons []string) error {
	if err := l.fsm.Event(ctx, EventStart); err != nil {
		return fmt.Errorf("scheduler transition %s: %w", EventStart, err)
	}

	rep, err := l.runCycle(ctx, trig, reasons)

	switch {
	case errors.Is(err, cycle.ErrCycleInProgress):
		// Another instance holds the lock; nothing ran here.
		l.logger.Info("cycle skipped, lock held elsewhere", "trigger", trig)
		return l.transition(ctx, EventSucceed)

	case err == nil:
		l.record(rep, nil)
		return l.transition(ctx, EventSucceed)

	case ctx.Err() != nil:
		l.record(rep, err)
		_ = l.transition(context.WithoutCancel(ctx), EventSucceed)
		return ctx.Err()
	}

	l.record(rep, err)
	if terr := l.transition(ctx, EventFail); terr != nil {
		return terr
	}

	if errors.Is(err, promotion.ErrProductionUndefined) {
		l.logger.Error("production undefined, halting scheduler", "error", err)
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}

	delay := l.backoff(err)
	l.mu.Lock()
	l.retryAt = time.Now().Add(delay)
	l.mu.Unlock()
	l.logger.Warn("cycle failed, backing off", "delay", delay, "error", err)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return l.transition(ctx, EventRecover)
}

// runCycle shields the loop from panics escaping the cycler.
func (l *Loop) runCycle(ctx context.Context, trig report.Trigger, reasons []string) (rep report.CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", cycle.ErrPanic, r)
		}
	}()
	return l.cycler.RunCycle(ctx, trig, reasons)
}

func (l *Loop) backoff(err error) time.Duration {
	if kind, _ := report.Classify(err); kind == report.KindInternal {
		return l.cfg.ErrorBackoff
	}
	return l.cfg.StageBackoff
}

func (l *Loop) transition(ctx context.Context, event string) error {
	if err := l.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("scheduler transition %s: %w", event, err)
	}
	return nil
}

func (l *Loop) record(rep report.CycleReport, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runCount++
	l.last = rep
	l.lastErr = err
}
