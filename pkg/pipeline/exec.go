package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultOutputTail is the number of trailing output bytes kept for reports.
const DefaultOutputTail = 4096

// ExecStage runs an external command. A non-zero exit is a stage failure,
// except ExitDataUnavailable which is reported as ErrDataUnavailable.
type ExecStage struct {
	StageName string
	Command   string
	Args      []string
	Dir       string
	Env       []string

	// OutputTail bounds the captured combined output. Zero uses DefaultOutputTail.
	OutputTail int
}

// Name implements Stage.
func (s *ExecStage) Name() string { return s.StageName }

// Run implements Stage.
func (s *ExecStage) Run(ctx context.Context) (Result, error) {
	if s.Command == "" {
		return Result{}, &StageError{Stage: s.StageName, Err: errors.New("no command configured")}
	}

	tail := s.OutputTail
	if tail <= 0 {
		tail = DefaultOutputTail
	}
	out := &lockedWriter{w: newTailBuffer(tail)}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return Result{}, &StageError{Stage: s.StageName, Output: res.Output, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == ExitDataUnavailable {
			return Result{}, &StageError{Stage: s.StageName, ExitCode: code, Output: res.Output, Err: ErrDataUnavailable}
		}
		return Result{}, &StageError{Stage: s.StageName, ExitCode: code, Output: res.Output, Err: ErrStageFailure}
	}
	return Result{}, &StageError{Stage: s.StageName, Output: res.Output, Err: fmt.Errorf("%w: %w", ErrStageFailure, err)}
}

type lockedWriter struct {
	mu sync.Mutex
	w  *tailBuffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.String()
}
