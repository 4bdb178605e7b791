package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"agroops/analytics"
	"agroops/config"
	"agroops/store"
)

type fakeAdapter struct {
	mu      sync.Mutex
	calls   []string
	analyze *analytics.AnalyzeResponse
	merge   map[string]string
	final   *analytics.Result
	fetch   *analytics.Result
	err     error
	gate    chan struct{} // when set, calls block until it is closed
	entered chan string
	lastReq analytics.FinalRequest
}

func (f *fakeAdapter) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- name
	}
	if gate != nil {
		<-gate
	}
	return f.err
}

func (f *fakeAdapter) Analyze(ctx context.Context, orderID int64, indexName string, payload json.RawMessage) (*analytics.AnalyzeResponse, error) {
	if err := f.record("analyze"); err != nil {
		return nil, err
	}
	return f.analyze, nil
}

func (f *fakeAdapter) Merge(ctx context.Context, inputID analytics.InputID, plot1, plot2 string) (map[string]string, error) {
	if err := f.record("merge"); err != nil {
		return nil, err
	}
	return f.merge, nil
}

func (f *fakeAdapter) Final(ctx context.Context, req analytics.FinalRequest) (*analytics.Result, error) {
	f.lastReq = req
	if err := f.record("final"); err != nil {
		return nil, err
	}
	return f.final, nil
}

func (f *fakeAdapter) FetchResult(ctx context.Context, inputID analytics.InputID) (*analytics.Result, error) {
	if err := f.record("fetch"); err != nil {
		return nil, err
	}
	return f.fetch, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingEmitter struct {
	mu        sync.Mutex
	changes   []string
	finalized []analytics.FinalRequest
	failures  []string
}

func (e *recordingEmitter) EmitStageChanged(orderID int64, oldStage, newStage, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, oldStage+">"+newStage)
}

func (e *recordingEmitter) EmitFinalized(orderID int64, req analytics.FinalRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = append(e.finalized, req)
}

func (e *recordingEmitter) EmitActionFailed(orderID int64, action string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, action)
}

func testRoster() []analytics.Drone {
	return []analytics.Drone{
		{ID: 501, Name: "A", Quantity: 2},
		{ID: 502, Name: "B", Quantity: 4},
		{ID: 503, Name: "C", Quantity: 1},
	}
}

func analysisResult() *analytics.Result {
	return &analytics.Result{
		Images: map[string]string{"ndvi": "data:image/png;base64,AAA", "areasImage": "old"},
		Tables: map[string][]analytics.Row{
			"clusters": {{"cluster_id": float64(10)}, {"cluster_id": float64(11)}},
			"stats":    {{"mean": 0.4}},
		},
	}
}

func newTestMachine(t *testing.T) (*Machine, *fakeAdapter, *recordingEmitter) {
	t.Helper()
	a := &fakeAdapter{
		analyze: &analytics.AnalyzeResponse{InputID: "in-7", Result: analysisResult()},
		final: &analytics.Result{
			Images: map[string]string{"routes": "https://cdn/routes.png"},
			Tables: map[string][]analytics.Row{"routes": {{"drone": float64(501)}}},
		},
		merge: map[string]string{"areasImage": "new-areas", "indexWithBoundsImage": "new-bounds"},
		fetch: analysisResult(),
	}
	e := &recordingEmitter{}
	order := analytics.WorkOrder{ID: 42, FieldName: "North", LatestInputID: "in-3"}
	m := NewMachine(order, a, e, nil, Options{Roster: testRoster(), Timeout: time.Second})
	return m, a, e
}

func toAssigning(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.Upload([]byte(`{"type":"Feature"}`)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := m.Analyze(context.Background(), "ndvi"); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := m.Proceed(); err != nil {
		t.Fatalf("proceed: %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	m, a, e := newTestMachine(t)
	toAssigning(t, m)

	if m.CanFinalize() {
		t.Fatal("CanFinalize should be false before assignment")
	}
	m.Assign(10, 2)
	m.Assign(11, 2)
	m.SetQuantity(502, "3")
	if !m.CanFinalize() {
		t.Fatal("CanFinalize should be true once every cluster is assigned")
	}
	if err := m.Finalize(context.Background(), "standard"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	want := analytics.FinalRequest{
		InputID:        "in-7",
		ProcessingMode: "standard",
		DroneIDs:       []int64{502},
		DroneTasks:     map[int64]int{10: 1, 11: 1},
		NumType:        map[int]int{1: 3},
	}
	if diff := cmp.Diff(want, a.lastReq); diff != "" {
		t.Errorf("final request (-want +got):\n%s", diff)
	}

	s := m.Snapshot()
	if s.Stage != StageFinalizing || s.Step != 4 {
		t.Errorf("stage = %s step %d, want finalizing step 4", s.Stage, s.Step)
	}
	// final output merged additively
	if s.Result.Images["ndvi"] == "" || s.Result.Images["routes"] == "" {
		t.Errorf("images not merged: %v", s.Result.Images)
	}
	if _, ok := s.Result.Tables["stats"]; !ok {
		t.Error("analysis table dropped by final merge")
	}
	if len(e.finalized) != 1 {
		t.Errorf("finalized events = %d, want 1", len(e.finalized))
	}

	if err := m.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	wantChanges := []string{
		"uploading>reviewing",
		"reviewing>assigning",
		"assigning>finalizing",
		"finalizing>closed",
	}
	if diff := cmp.Diff(wantChanges, e.changes); diff != "" {
		t.Errorf("stage changes (-want +got):\n%s", diff)
	}
	if err := m.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Back after finish = %v, want ErrInvalidTransition", err)
	}
}

func TestInvalidDescriptorMakesNoCall(t *testing.T) {
	m, a, _ := newTestMachine(t)

	var verr *ValidationError
	if err := m.Upload([]byte(`{"type":`)); !errors.As(err, &verr) {
		t.Fatalf("Upload = %v, want ValidationError", err)
	}
	if err := m.Analyze(context.Background(), "ndvi"); !errors.As(err, &verr) {
		t.Fatalf("Analyze without descriptor = %v, want ValidationError", err)
	}
	if a.callCount() != 0 {
		t.Errorf("adapter calls = %d, want 0", a.callCount())
	}
	s := m.Snapshot()
	if s.Stage != StageUploading {
		t.Errorf("stage = %s, want uploading", s.Stage)
	}
	if s.LastError == "" {
		t.Error("LastError should surface the validation failure")
	}
}

func TestOnlySuccessfulAnalyzeReachesReviewing(t *testing.T) {
	m, a, e := newTestMachine(t)

	if err := m.Proceed(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Proceed from uploading = %v, want ErrInvalidTransition", err)
	}

	m.Upload([]byte(`{}`))
	a.err = errors.New("502 bad gateway")
	err := m.Analyze(context.Background(), "ndvi")
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Action != "analyze" {
		t.Fatalf("Analyze = %v, want AdapterError", err)
	}
	s := m.Snapshot()
	if s.Stage != StageUploading || s.InFlight != "" {
		t.Errorf("after failure stage=%s inFlight=%q", s.Stage, s.InFlight)
	}
	if diff := cmp.Diff([]string{"analyze"}, e.failures); diff != "" {
		t.Errorf("failures (-want +got):\n%s", diff)
	}

	a.err = nil
	if err := m.Analyze(context.Background(), "ndvi"); err != nil {
		t.Fatalf("retry analyze: %v", err)
	}
	if got := m.Stage(); got != StageReviewing {
		t.Errorf("stage = %s, want reviewing", got)
	}
	if m.Snapshot().LastError != "" {
		t.Error("LastError should clear on success")
	}
}

func TestFinalizeRequiresEveryCluster(t *testing.T) {
	m, a, _ := newTestMachine(t)
	toAssigning(t, m)
	m.Assign(10, 1)

	if err := m.Finalize(context.Background(), "standard"); !errors.Is(err, ErrClustersUnassigned) {
		t.Fatalf("Finalize = %v, want ErrClustersUnassigned", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want only the analyze call", a.callCount())
	}
	if m.Stage() != StageAssigning {
		t.Errorf("stage = %s, want assigning", m.Stage())
	}
}

func TestFinalizeFailureStaysInAssigning(t *testing.T) {
	m, a, _ := newTestMachine(t)
	toAssigning(t, m)
	m.Assign(10, 1)
	m.Assign(11, 3)

	a.err = errors.New("timeout")
	if err := m.Finalize(context.Background(), "standard"); err == nil {
		t.Fatal("expected error")
	}
	s := m.Snapshot()
	if s.Stage != StageAssigning || s.Final != nil {
		t.Errorf("stage=%s final=%v, want assigning with no final", s.Stage, s.Final)
	}
	if !s.CanFinalize {
		t.Error("CanFinalize should be true again after the failed call")
	}
}

func TestAssignValidation(t *testing.T) {
	m, _, _ := newTestMachine(t)

	if err := m.Assign(10, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Assign outside assigning = %v", err)
	}
	toAssigning(t, m)

	var verr *ValidationError
	if err := m.Assign(99, 1); !errors.As(err, &verr) {
		t.Errorf("unknown cluster = %v, want ValidationError", err)
	}
	if err := m.Assign(10, 4); !errors.As(err, &verr) {
		t.Errorf("slot beyond roster = %v, want ValidationError", err)
	}
	if err := m.SetQuantity(999, "1"); !errors.As(err, &verr) {
		t.Errorf("unknown drone = %v, want ValidationError", err)
	}
	if err := m.SetQuantity(501, "x"); !errors.As(err, &verr) {
		t.Errorf("non-numeric quantity = %v, want ValidationError", err)
	}

	m.Assign(10, 1)
	m.Assign(10, 0)
	if _, ok := m.Snapshot().Assignments[10]; ok {
		t.Error("slot 0 should clear the assignment")
	}
}

func TestClearedQuantitySubmitsDefault(t *testing.T) {
	m, a, _ := newTestMachine(t)
	toAssigning(t, m)
	m.Assign(10, 2)
	m.Assign(11, 2)

	if err := m.SetQuantity(502, ""); err != nil {
		t.Fatalf("clear quantity: %v", err)
	}
	if q := m.Snapshot().Quantities[502]; q != 0 {
		t.Errorf("quantity while editing = %d, want 0", q)
	}
	m.Finalize(context.Background(), "standard")
	if q := a.lastReq.NumType[1]; q != 4 {
		t.Errorf("submitted quantity = %d, want drone default 4", q)
	}
}

func TestRosterShrinkPrunesAssignments(t *testing.T) {
	m, _, _ := newTestMachine(t)
	toAssigning(t, m)
	m.Assign(10, 1)
	m.Assign(11, 3)

	m.SetRoster(testRoster()[:2])
	s := m.Snapshot()
	if _, ok := s.Assignments[11]; ok {
		t.Error("assignment to removed slot should be pruned")
	}
	if s.CanFinalize {
		t.Error("CanFinalize should be false after pruning")
	}
}

func TestViewOnlyGuard(t *testing.T) {
	m, a, _ := newTestMachine(t)

	if err := m.View(context.Background()); err != nil {
		t.Fatalf("view: %v", err)
	}
	s := m.Snapshot()
	if s.Stage != StageViewing || !s.ViewOnly || s.Step != 2 {
		t.Fatalf("stage = %s viewOnly=%v step=%d", s.Stage, s.ViewOnly, s.Step)
	}
	if s.InputID != "in-3" {
		t.Errorf("InputID = %q, want in-3", s.InputID)
	}

	if err := m.Proceed(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Proceed in view = %v, want ErrInvalidTransition", err)
	}
	if err := m.Merge(context.Background(), "1", "2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Merge in view = %v, want ErrInvalidTransition", err)
	}
	if err := m.Finalize(context.Background(), "standard"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finalize in view = %v, want ErrInvalidTransition", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", a.callCount())
	}

	if err := m.Edit(); err != nil {
		t.Fatalf("edit: %v", err)
	}
	s = m.Snapshot()
	if s.Stage != StageUploading || s.ViewOnly {
		t.Errorf("after edit stage=%s viewOnly=%v", s.Stage, s.ViewOnly)
	}
	if s.Result != nil || s.InputID != "" || s.Final != nil {
		t.Errorf("edit should clear results, got result=%v input=%q", s.Result, s.InputID)
	}
}

func TestViewWithoutStoredResult(t *testing.T) {
	a := &fakeAdapter{}
	m := NewMachine(analytics.WorkOrder{ID: 1}, a, &recordingEmitter{}, nil, Options{})
	var verr *ValidationError
	if err := m.View(context.Background()); !errors.As(err, &verr) {
		t.Fatalf("View = %v, want ValidationError", err)
	}
	if a.callCount() != 0 {
		t.Error("no call expected")
	}
}

func TestBackNavigation(t *testing.T) {
	m, _, _ := newTestMachine(t)
	toAssigning(t, m)
	m.Assign(10, 1)
	m.Assign(11, 1)
	m.Finalize(context.Background(), "standard")

	for _, want := range []Stage{StageAssigning, StageReviewing, StageUploading} {
		if err := m.Back(); err != nil {
			t.Fatalf("back: %v", err)
		}
		if got := m.Stage(); got != want {
			t.Fatalf("stage = %s, want %s", got, want)
		}
	}
	if err := m.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Back from uploading = %v, want ErrInvalidTransition", err)
	}
}

func TestMergeSplicesImages(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Upload([]byte(`{}`))
	m.Analyze(context.Background(), "ndvi")

	var verr *ValidationError
	if err := m.Merge(context.Background(), "1", ""); !errors.As(err, &verr) {
		t.Errorf("missing plot = %v, want ValidationError", err)
	}
	if err := m.Merge(context.Background(), "1", "2"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	s := m.Snapshot()
	want := map[string]string{
		"ndvi":                 "data:image/png;base64,AAA",
		"areasImage":           "new-areas",
		"indexWithBoundsImage": "new-bounds",
	}
	if diff := cmp.Diff(want, s.Result.Images); diff != "" {
		t.Errorf("images (-want +got):\n%s", diff)
	}
	if len(s.Result.Tables) != 2 {
		t.Errorf("tables changed: %v", s.Result.Tables)
	}
	if s.Stage != StageReviewing {
		t.Errorf("stage = %s, want reviewing", s.Stage)
	}
}

func TestSecondCallWhileBusy(t *testing.T) {
	m, a, _ := newTestMachine(t)
	m.Upload([]byte(`{}`))
	a.gate = make(chan struct{})
	a.entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- m.Analyze(context.Background(), "ndvi") }()
	<-a.entered

	if err := m.Analyze(context.Background(), "ndvi"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Analyze = %v, want ErrBusy", err)
	}
	if err := m.Edit(); !errors.Is(err, ErrBusy) {
		t.Errorf("Edit while busy = %v, want ErrBusy", err)
	}
	if s := m.Snapshot(); s.InFlight != "analyze" {
		t.Errorf("InFlight = %q, want analyze", s.InFlight)
	}

	close(a.gate)
	if err := <-done; err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", a.callCount())
	}
}

func TestClosedViewDropsLateResult(t *testing.T) {
	m, a, e := newTestMachine(t)
	m.Upload([]byte(`{}`))
	a.gate = make(chan struct{})
	a.entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- m.Analyze(context.Background(), "ndvi") }()
	<-a.entered
	m.Close()
	close(a.gate)

	if err := <-done; !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Analyze = %v, want ErrDiscarded", err)
	}
	s := m.Snapshot()
	if s.Stage != StageUploading || s.Result != nil || s.InFlight != "" {
		t.Errorf("late result applied: stage=%s result=%v inFlight=%q", s.Stage, s.Result, s.InFlight)
	}
	if len(e.changes) != 0 {
		t.Errorf("stage changes = %v, want none", e.changes)
	}
}

func TestAdapterTimeout(t *testing.T) {
	a := &slowAdapter{}
	m := NewMachine(analytics.WorkOrder{ID: 3}, a, &recordingEmitter{}, nil, Options{Timeout: 20 * time.Millisecond})
	m.Upload([]byte(`{}`))

	err := m.Analyze(context.Background(), "ndvi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Analyze = %v, want deadline exceeded", err)
	}
	if m.Snapshot().InFlight != "" {
		t.Error("in-flight action should clear after timeout")
	}
}

type slowAdapter struct{ fakeAdapter }

func (s *slowAdapter) Analyze(ctx context.Context, orderID int64, indexName string, payload json.RawMessage) (*analytics.AnalyzeResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransitionsAreLogged(t *testing.T) {
	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "wf.db")},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a := &fakeAdapter{analyze: &analytics.AnalyzeResponse{InputID: "in-1", Result: analysisResult()}}
	m := NewMachine(analytics.WorkOrder{ID: 9}, a, &recordingEmitter{}, db, Options{Roster: testRoster()})
	m.SetOperator("alice")
	toAssigning(t, m)

	entries, err := db.ListWorkflowLog(9, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].FromStage != "reviewing" || entries[0].ToStage != "assigning" || entries[0].Operator != "alice" {
		t.Errorf("latest entry = %+v", entries[0])
	}
}

func TestStageNames(t *testing.T) {
	b, err := json.Marshal(map[string]Stage{"s": StageViewing})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"viewing"}` {
		t.Errorf("json = %s", b)
	}
	if StageClosed.Step() != 0 || StageAssigning.Step() != 3 {
		t.Error("unexpected step numbers")
	}
}

func TestNilEmitterRunsWithoutEvents(t *testing.T) {
	a := &fakeAdapter{
		analyze: &analytics.AnalyzeResponse{InputID: "in-1", Result: analysisResult()},
		final:   &analytics.Result{},
	}
	m := NewMachine(analytics.WorkOrder{ID: 8}, a, nil, nil, Options{Roster: testRoster()})
	toAssigning(t, m)
	m.Assign(10, 1)
	m.Assign(11, 2)

	a.err = errors.New("backend down")
	var aerr *AdapterError
	if err := m.Finalize(context.Background(), "standard"); !errors.As(err, &aerr) {
		t.Fatalf("failed finalize = %v, want *AdapterError", err)
	}
	a.err = nil
	if err := m.Finalize(context.Background(), "standard"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if m.Stage() != StageClosed {
		t.Errorf("stage = %s, want closed", m.Stage())
	}
}

func TestOrderIDWhileOrderRefreshes(t *testing.T) {
	m, _, _ := newTestMachine(t)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.SetOrder(analytics.WorkOrder{ID: 42, FieldName: "North", LatestInputID: analytics.InputID(fmt.Sprint(i))})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if id := m.OrderID(); id != 42 {
				t.Errorf("OrderID = %d, want 42", id)
				return
			}
		}
	}()
	wg.Wait()

	m.SetOrder(analytics.WorkOrder{ID: 7})
	if m.OrderID() != 42 {
		t.Error("SetOrder with another id must be ignored")
	}
}
