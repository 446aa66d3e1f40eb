// Package pipeline runs the collect, train and validate stages of a training
// cycle in order and stops at the first failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names used by the standard pipeline.
const (
	Collect  = "collect"
	Train    = "train"
	Validate = "validate"
)

// ExitDataUnavailable is the exit code a stage process uses to signal that
// there is nothing to train on yet. It follows EX_TEMPFAIL from sysexits.h.
const ExitDataUnavailable = 75

var (
	// ErrStageFailure marks a stage that ran and failed.
	ErrStageFailure = errors.New("stage failed")

	// ErrDataUnavailable marks a stage that reported it had no data to work on.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrStageTimeout marks a stage that did not finish within its timeout.
	ErrStageTimeout = errors.New("stage timed out")
)

// Result is what a successful stage reports.
type Result struct {
	Output   string
	Duration time.Duration
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context) (Result, error)
}

// StageError describes a failed stage.
type StageError struct {
	Stage    string
	ExitCode int
	Output   string
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// FuncStage adapts a function to Stage.
type FuncStage struct {
	StageName string
	Fn        func(ctx context.Context) (string, error)
}

// Name implements Stage.
func (f FuncStage) Name() string { return f.StageName }

// Run implements Stage.
func (f FuncStage) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	out, err := f.Fn(ctx)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return Result{}, err
		}
		return Result{}, &StageError{Stage: f.StageName, Output: out, Err: err}
	}
	return Result{Output: out, Duration: time.Since(start)}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
