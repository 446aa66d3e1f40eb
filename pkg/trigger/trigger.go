// Package trigger decides whether a retraining cycle is due.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HatiCode/modelkeeper/pkg/state"
)

// Reason names a condition that fired.
type Reason string

const (
	// ReasonNeverTrained fires when no cycle has completed yet.
	ReasonNeverTrained Reason = "never_trained"

	// ReasonModelAge fires when the last cycle is at least MaxModelAge old.
	ReasonModelAge Reason = "model_age"

	// ReasonNewTrades fires when enough trades arrived since the last cycle.
	ReasonNewTrades Reason = "new_trades"

	// ReasonLowAccuracy fires when the last known accuracy is missing or too low.
	ReasonLowAccuracy Reason = "low_accuracy"
)

// Thresholds configure the evaluator.
type Thresholds struct {
	MaxModelAge  time.Duration
	MinNewTrades int64
	MinAccuracy  float64
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxModelAge:  24 * time.Hour,
		MinNewTrades: 1000,
		MinAccuracy:  0.80,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Train   bool
	Reasons []Reason
}

// String renders the decision for logs.
func (d Decision) String() string {
	if !d.Train {
		return "skip"
	}
	parts := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		parts[i] = string(r)
	}
	return "train: " + strings.Join(parts, ",")
}

// Evaluate applies the trigger rules to a state snapshot. tradeCount is the
// live trade count. The trade rule fires when no count was ever recorded;
// otherwise a nil tradeCount means the count is unknown and the rule cannot
// fire. The rules are independent and every one that fires is listed.
func Evaluate(now time.Time, s state.State, tradeCount *int64, th Thresholds) Decision {
	var d Decision

	switch {
	case !s.HasTrained():
		d.Reasons = append(d.Reasons, ReasonNeverTrained)
	case now.Sub(s.LastTrainTime) >= th.MaxModelAge:
		d.Reasons = append(d.Reasons, ReasonModelAge)
	}

	switch {
	case s.LastTrainTradeCount == nil:
		d.Reasons = append(d.Reasons, ReasonNewTrades)
	case tradeCount != nil && *tradeCount-*s.LastTrainTradeCount >= th.MinNewTrades:
		d.Reasons = append(d.Reasons, ReasonNewTrades)
	}

	if s.LastKnownAccuracy == nil || *s.LastKnownAccuracy < th.MinAccuracy {
		d.Reasons = append(d.Reasons, ReasonLowAccuracy)
	}

	d.Train = len(d.Reasons) > 0
	return d
}

// Evaluator evaluates the trigger rules against the live trade count.
type Evaluator struct {
	counter    state.TradeCounter
	thresholds Thresholds
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Evaluator. A nil counter disables the trade rule.
func New(counter state.TradeCounter, th Thresholds, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		counter:    counter,
		thresholds: th,
		now:        time.Now,
		logger:     logger.With("component", "trigger"),
	}
}

// WithClock replaces the evaluator's clock.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// ShouldTrain reads the trade count and evaluates s. It does not modify any
// state. When the trade count cannot be read the trade rule is treated as not
// firing, the remaining rules still apply, and the read error is returned
// alongside the decision.
func (e *Evaluator) ShouldTrain(ctx context.Context, s state.State) (Decision, error) {
	var count *int64
	var countErr error

	if e.counter != nil {
		n, err := e.counter.Count(ctx)
		if err != nil {
			countErr = fmt.Errorf("read trade count: %w", err)
			e.logger.Warn("trade count unavailable, ignoring trade rule", "error", err)
		} else {
			count = &n
		}
	}

	d := Evaluate(e.now(), s, count, e.thresholds)
	if count != nil {
		e.logger.Debug("trigger evaluated", "decision", d.String(), "trade_count", *count)
	} else {
		e.logger.Debug("trigger evaluated", "decision", d.String())
	}
	return d, countErr
}

// TradeCount reads the live trade count, or nil when no counter is configured.
func (e *Evaluator) TradeCount(ctx context.Context) (*int64, error) {
	if e.counter == nil {
		return nil, nil
	}
	n, err := e.counter.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
