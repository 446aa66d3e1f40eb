// Package router configures the keeper's operator HTTP API.
//
// Routes configured:
//   - POST /promote[?force=true] - Validate and promote staging outside the schedule
//   - POST /rollback[?snapshot=ID] - Restore production from a snapshot (latest by default)
//   - POST /prune?retain=N - Delete all but the newest N snapshots
//   - GET /production - Production models with sizes and checksums
//   - GET /backups - Every backup snapshot
//   - GET /reports/latest - The most recent cycle report
//   - GET /reports[?limit=N] - Cycle report history, newest first
//   - POST /cycles[?wait=true] - Queue a cycle, or run one and wait for its report
//   - GET /status - Scheduler state, training state and the current trigger decision
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// Errors are returned as {"error":"<msg>","kind":"<kind>"}.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/cycle"
	"github.com/HatiCode/modelkeeper/pkg/httpx"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/scheduler"
	"github.com/HatiCode/modelkeeper/pkg/state"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

// Operator is the set of orchestrator actions exposed over HTTP.
type Operator interface {
	Promote(ctx context.Context, force bool) (cycle.PromoteResult, error)
	Rollback(ctx context.Context, snapshotID int64) (promotion.RollbackResult, error)
	Prune(ctx context.Context, retain int) ([]int64, error)
	ProductionReport(ctx context.Context) (promotion.Report, error)
	Backups(ctx context.Context) ([]artifacts.Snapshot, error)
	LatestReport(ctx context.Context) (report.CycleReport, bool, error)
	ListReports(ctx context.Context, limit int) ([]report.CycleReport, error)
	TrainingState(ctx context.Context) (state.State, error)
	ShouldTrain(ctx context.Context) (trigger.Decision, error)
	RunCycle(ctx context.Context, trig report.Trigger, reasons []string) (report.CycleReport, error)
}

// Scheduler is the part of the scheduler loop exposed over HTTP.
type Scheduler interface {
	Status() scheduler.Status
	RequestCycle(reasons ...string) bool
}

// KindNotPassed marks a manual promotion refused by validation.
const KindNotPassed = "not_passed"

// PromoteNotPassed is the 409 body of a refused manual promotion.
type PromoteNotPassed struct {
	httpx.ErrorResponse
	Validation []validator.Result `json:"validation_results"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Scheduler   scheduler.Status `json:"scheduler"`
	State       state.State      `json:"state"`
	ShouldTrain bool             `json:"should_train"`
	Reasons     []string         `json:"reasons"`
	TriggerErr  string           `json:"trigger_error,omitempty"`
}

// CycleQueued is the 202 body of POST /cycles.
type CycleQueued struct {
	Queued bool `json:"queued"`
}

// PruneResponse is the body of POST /prune.
type PruneResponse struct {
	Deleted []int64 `json:"deleted"`
}

type handlers struct {
	op     Operator
	sched  Scheduler
	logger *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the keeper. health may be nil.
func SetupRoutes(op Operator, sched Scheduler, health func(context.Context) error, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{op: op, sched: sched, logger: logger}
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(health))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /promote", h.promote)
	mux.HandleFunc("POST /rollback", h.rollback)
	mux.HandleFunc("POST /prune", h.prune)
	mux.HandleFunc("GET /production", h.production)
	mux.HandleFunc("GET /backups", h.backups)
	mux.HandleFunc("GET /reports/latest", h.latestReport)
	mux.HandleFunc("GET /reports", h.reports)
	mux.HandleFunc("POST /cycles", h.runCycle)
	mux.HandleFunc("GET /status", h.status)

	return mux
}

func (h *handlers) promote(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r, "force")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.op.Promote(r.Context(), force)
	if errors.Is(err, cycle.ErrNotPassed) {
		h.write(w, http.StatusConflict, PromoteNotPassed{
			ErrorResponse: httpx.ErrorResponse{Error: err.Error(), Kind: KindNotPassed},
			Validation:    res.Validation,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, res)
}

func (h *handlers) rollback(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "snapshot", 0)
	if err != nil || id < 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "snapshot must be a non-negative integer")
		return
	}

	res, err := h.op.Rollback(r.Context(), int64(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, res)
}

func (h *handlers) prune(w http.ResponseWriter, r *http.Request) {
	retain, err := intParam(r, "retain", -1)
	if err != nil || retain < 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "retain parameter required (non-negative integer)")
		return
	}

	deleted, err := h.op.Prune(r.Context(), retain)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if deleted == nil {
		deleted = []int64{}
	}
	h.write(w, http.StatusOK, PruneResponse{Deleted: deleted})
}

func (h *handlers) production(w http.ResponseWriter, r *http.Request) {
	rep, err := h.op.ProductionReport(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, rep)
}

func (h *handlers) backups(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.op.Backups(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []artifacts.Snapshot{}
	}
	h.write(w, http.StatusOK, snaps)
}

func (h *handlers) latestReport(w http.ResponseWriter, r *http.Request) {
	rep, found, err := h.op.LatestReport(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "no cycle report yet")
		return
	}
	h.write(w, http.StatusOK, rep)
}

func (h *handlers) reports(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", report.DefaultListLimit)
	if err != nil || limit <= 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	reps, err := h.op.ListReports(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if reps == nil {
		reps = []report.CycleReport{}
	}
	h.write(w, http.StatusOK, reps)
}

func (h *handlers) runCycle(w http.ResponseWriter, r *http.Request) {
	wait, err := boolParam(r, "wait")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if !wait {
		if !h.sched.RequestCycle() {
			httpx.WriteErrorKind(w, http.StatusConflict, string(report.KindLocked), errors.New("a cycle request is already pending"))
			return
		}
		h.write(w, http.StatusAccepted, CycleQueued{Queued: true})
		return
	}

	rep, err := h.op.RunCycle(r.Context(), report.TriggerManual, []string{"operator_request"})
	if errors.Is(err, cycle.ErrCycleInProgress) {
		h.fail(w, r, err)
		return
	}
	// A failed cycle still produced a report; the report carries the error.
	h.write(w, http.StatusOK, rep)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	s, err := h.op.TrainingState(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := StatusResponse{Scheduler: h.sched.Status(), State: s, Reasons: []string{}}
	d, err := h.op.ShouldTrain(r.Context())
	if err != nil {
		resp.TriggerErr = err.Error()
	}
	resp.ShouldTrain = d.Train
	for _, reason := range d.Reasons {
		resp.Reasons = append(resp.Reasons, string(reason))
	}
	h.write(w, http.StatusOK, resp)
}

func (h *handlers) write(w http.ResponseWriter, status int, v any) {
	if err := httpx.WriteJSON(w, status, v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind, _ := report.Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("operator action failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Info("operator action refused", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpx.WriteErrorKind(w, status, string(kind), err)
}

// StatusFor maps an orchestrator error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, cycle.ErrCycleInProgress), errors.Is(err, cycle.ErrNotPassed):
		return http.StatusConflict
	case errors.Is(err, promotion.ErrNoBackup), errors.Is(err, artifacts.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, validator.ErrNoCandidates), errors.Is(err, validator.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter %q", name, v)
	}
	return b, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
