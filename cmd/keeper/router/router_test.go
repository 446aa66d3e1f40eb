package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

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

type fakeOperator struct {
	force      *bool
	rollbackID int64
	retain     int
	promoteRes cycle.PromoteResult
	err        error
	reports    []report.CycleReport
	snapshots  []artifacts.Snapshot
	limit      int
	cycles     int
}

func (f *fakeOperator) Promote(ctx context.Context, force bool) (cycle.PromoteResult, error) {
	f.force = &force
	return f.promoteRes, f.err
}

func (f *fakeOperator) Rollback(ctx context.Context, id int64) (promotion.RollbackResult, error) {
	f.rollbackID = id
	if f.err != nil {
		return promotion.RollbackResult{}, f.err
	}
	return promotion.RollbackResult{Snapshot: artifacts.Snapshot{ID: 3}, Restored: []string{"roi"}}, nil
}

func (f *fakeOperator) Prune(ctx context.Context, retain int) ([]int64, error) {
	f.retain = retain
	return []int64{1, 2}, f.err
}

func (f *fakeOperator) ProductionReport(ctx context.Context) (promotion.Report, error) {
	return promotion.Report{Models: []artifacts.Info{{Name: "roi", Size: 10, Checksum: "abc"}}}, f.err
}

func (f *fakeOperator) Backups(ctx context.Context) ([]artifacts.Snapshot, error) {
	return f.snapshots, f.err
}

func (f *fakeOperator) LatestReport(ctx context.Context) (report.CycleReport, bool, error) {
	if len(f.reports) == 0 {
		return report.CycleReport{}, false, f.err
	}
	return f.reports[0], true, f.err
}

func (f *fakeOperator) ListReports(ctx context.Context, limit int) ([]report.CycleReport, error) {
	f.limit = limit
	return f.reports, f.err
}

func (f *fakeOperator) TrainingState(ctx context.Context) (state.State, error) {
	return state.State{LastTrainTradeCount: state.Int64(5000)}, nil
}

func (f *fakeOperator) ShouldTrain(ctx context.Context) (trigger.Decision, error) {
	return trigger.Decision{Train: true, Reasons: []trigger.Reason{trigger.ReasonNewTrades}}, nil
}

func (f *fakeOperator) RunCycle(ctx context.Context, trig report.Trigger, reasons []string) (report.CycleReport, error) {
	f.cycles++
	if errors.Is(f.err, cycle.ErrCycleInProgress) {
		return report.CycleReport{}, f.err
	}
	return report.CycleReport{ID: "c1", Trigger: trig, Status: report.StatusFailed, Error: "boom"}, f.err
}

type fakeScheduler struct {
	pending bool
}

func (s *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{State: scheduler.StateIdle, DailyAt: "03:00"}
}

func (s *fakeScheduler) RequestCycle(reasons ...string) bool {
	if s.pending {
		return false
	}
	s.pending = true
	return true
}

func setup(op *fakeOperator) (*http.ServeMux, *fakeScheduler) {
	sched := &fakeScheduler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return SetupRoutes(op, sched, nil, logger), sched
}

func do(mux http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httpx.ErrorResponse {
	t.Helper()
	var er httpx.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, w.Body.String())
	}
	return er
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := setup(&fakeOperator{})

	w := do(mux, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("healthz = %d %q, want 200 OK", w.Code, w.Body.String())
	}

	unhealthy := SetupRoutes(&fakeOperator{}, &fakeScheduler{}, func(context.Context) error {
		return errors.New("scheduler halted")
	}, nil)
	if w := do(unhealthy, http.MethodGet, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy healthz = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux, _ := setup(&fakeOperator{})

	w := do(mux, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestPromote(t *testing.T) {
	op := &fakeOperator{promoteRes: cycle.PromoteResult{Promoted: []string{"roi"}, SnapshotID: 4}}
	mux, _ := setup(op)

	w := do(mux, http.MethodPost, "/promote?force=true")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if op.force == nil || !*op.force {
		t.Error("force flag not passed through")
	}

	var res cycle.PromoteResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.SnapshotID != 4 || len(res.Promoted) != 1 {
		t.Errorf("result = %+v", res)
	}

	if w := do(mux, http.MethodPost, "/promote?force=maybe"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid force = %d, want 400", w.Code)
	}
	if w := do(mux, http.MethodGet, "/promote"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /promote = %d, want 405", w.Code)
	}
}

func TestPromote_NotPassed(t *testing.T) {
	baseline, candidate := 0.81, 0.78
	op := &fakeOperator{
		err: cycle.ErrNotPassed,
		promoteRes: cycle.PromoteResult{Validation: []validator.Result{{
			ModelName: "exit", Metric: "accuracy", BaselineMetric: &baseline, CandidateMetric: &candidate,
		}}},
	}
	mux, _ := setup(op)

	w := do(mux, http.MethodPost, "/promote")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	var body PromoteNotPassed
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != KindNotPassed || len(body.Validation) != 1 || body.Validation[0].ModelName != "exit" {
		t.Errorf("body = %+v", body)
	}
}

func TestRollback(t *testing.T) {
	op := &fakeOperator{}
	mux, _ := setup(op)

	w := do(mux, http.MethodPost, "/rollback?snapshot=3")
	if w.Code != http.StatusOK || op.rollbackID != 3 {
		t.Fatalf("status = %d, id = %d", w.Code, op.rollbackID)
	}

	do(mux, http.MethodPost, "/rollback")
	if op.rollbackID != 0 {
		t.Errorf("default snapshot = %d, want 0 (latest)", op.rollbackID)
	}

	if w := do(mux, http.MethodPost, "/rollback?snapshot=-2"); w.Code != http.StatusBadRequest {
		t.Errorf("negative snapshot = %d, want 400", w.Code)
	}
}

func TestRollback_NoBackup(t *testing.T) {
	mux, _ := setup(&fakeOperator{err: promotion.ErrNoBackup})

	w := do(mux, http.MethodPost, "/rollback")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if er := decodeError(t, w); er.Error != "no backup available" {
		t.Errorf("error = %q, want %q", er.Error, "no backup available")
	}
}

func TestPrune(t *testing.T) {
	op := &fakeOperator{}
	mux, _ := setup(op)

	if w := do(mux, http.MethodPost, "/prune"); w.Code != http.StatusBadRequest {
		t.Errorf("missing retain = %d, want 400", w.Code)
	}

	w := do(mux, http.MethodPost, "/prune?retain=5")
	if w.Code != http.StatusOK || op.retain != 5 {
		t.Fatalf("status = %d, retain = %d", w.Code, op.retain)
	}
	var body PruneResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Deleted) != 2 {
		t.Errorf("deleted = %v", body.Deleted)
	}
}

func TestProductionAndBackups(t *testing.T) {
	mux, _ := setup(&fakeOperator{})

	w := do(mux, http.MethodGet, "/production")
	if w.Code != http.StatusOK {
		t.Fatalf("production status = %d", w.Code)
	}
	var rep promotion.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Models) != 1 || rep.Models[0].Checksum != "abc" {
		t.Errorf("report = %+v", rep)
	}

	w = do(mux, http.MethodGet, "/backups")
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("backups = %d %q, want empty JSON array", w.Code, w.Body.String())
	}
}

func TestReports(t *testing.T) {
	op := &fakeOperator{}
	mux, _ := setup(op)

	if w := do(mux, http.MethodGet, "/reports/latest"); w.Code != http.StatusNotFound {
		t.Errorf("latest without reports = %d, want 404", w.Code)
	}

	op.reports = []report.CycleReport{{ID: "b"}, {ID: "a"}}
	w := do(mux, http.MethodGet, "/reports/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("latest = %d", w.Code)
	}
	var latest report.CycleReport
	if err := json.Unmarshal(w.Body.Bytes(), &latest); err != nil {
		t.Fatal(err)
	}
	if latest.ID != "b" {
		t.Errorf("latest = %q, want b", latest.ID)
	}

	do(mux, http.MethodGet, "/reports")
	if op.limit != report.DefaultListLimit {
		t.Errorf("default limit = %d, want %d", op.limit, report.DefaultListLimit)
	}
	do(mux, http.MethodGet, "/reports?limit=7")
	if op.limit != 7 {
		t.Errorf("limit = %d, want 7", op.limit)
	}
	if w := do(mux, http.MethodGet, "/reports?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", w.Code)
	}
}

func TestCycles(t *testing.T) {
	op := &fakeOperator{}
	mux, sched := setup(op)

	if w := do(mux, http.MethodPost, "/cycles"); w.Code != http.StatusAccepted || !sched.pending {
		t.Fatalf("queue = %d, pending = %v", w.Code, sched.pending)
	}
	if w := do(mux, http.MethodPost, "/cycles"); w.Code != http.StatusConflict {
		t.Errorf("second queue = %d, want 409", w.Code)
	}

	op.err = fmt.Errorf("train: %w", errors.New("exit status 1"))
	w := do(mux, http.MethodPost, "/cycles?wait=true")
	if w.Code != http.StatusOK || op.cycles != 1 {
		t.Fatalf("wait = %d, cycles = %d", w.Code, op.cycles)
	}
	var rep report.CycleReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Trigger != report.TriggerManual || rep.Status != report.StatusFailed {
		t.Errorf("report = %+v", rep)
	}

	op.err = fmt.Errorf("%w: held", cycle.ErrCycleInProgress)
	if w := do(mux, http.MethodPost, "/cycles?wait=true"); w.Code != http.StatusConflict {
		t.Errorf("locked wait = %d, want 409", w.Code)
	}
}

func TestStatus(t *testing.T) {
	mux, _ := setup(&fakeOperator{})

	w := do(mux, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Scheduler.State != scheduler.StateIdle || !body.ShouldTrain {
		t.Errorf("body = %+v", body)
	}
	if len(body.Reasons) != 1 || body.Reasons[0] != "new_trades" {
		t.Errorf("reasons = %v", body.Reasons)
	}
	if body.State.LastTrainTradeCount == nil || *body.State.LastTrainTradeCount != 5000 {
		t.Errorf("state = %+v", body.State)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", cycle.ErrCycleInProgress), http.StatusConflict},
		{cycle.ErrNotPassed, http.StatusConflict},
		{promotion.ErrNoBackup, http.StatusNotFound},
		{fmt.Errorf("%w: 9", artifacts.ErrSnapshotNotFound), http.StatusNotFound},
		{validator.ErrNoCandidates, http.StatusUnprocessableEntity},
		{promotion.ErrPartialPromotion, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
