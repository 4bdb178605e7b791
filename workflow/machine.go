// Package workflow drives one work order through the operator steps:
// upload a descriptor, review the analysis, assign drones to clusters and
// submit the final route request.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agroops/analytics"
	"agroops/assign"
)

// DefaultTimeout bounds every adapter call when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options configures a Machine. Zero values select defaults.
type Options struct {
	ClusterTable string
	Timeout      time.Duration
	Roster       []analytics.Drone
	Logger       *zap.Logger
}

// Machine manages the workflow state of a single work order. At most one
// adapter call is outstanding at a time; calls run without holding the lock.
type Machine struct {
	mu           sync.Mutex
	adapter      Adapter
	emitter      EventEmitter
	tlog         TransitionLogger
	log          *zap.Logger
	clusterTable string
	timeout      time.Duration

	order       analytics.WorkOrder
	operator    string
	stage       Stage
	descriptor  json.RawMessage
	inputID     analytics.InputID
	result      *analytics.Result
	final       *analytics.FinalRequest
	assignments map[int64]int
	quantities  map[int64]int
	roster      []analytics.Drone
	inFlight    string
	gen         uint64
	lastErr     string
}

// NewMachine creates a workflow machine for order, starting at Uploading.
// emitter and tlog may be nil.
func NewMachine(order analytics.WorkOrder, adapter Adapter, emitter EventEmitter, tlog TransitionLogger, opts Options) *Machine {
	m := &Machine{
		adapter:      adapter,
		emitter:      emitter,
		tlog:         tlog,
		log:          opts.Logger,
		clusterTable: opts.ClusterTable,
		timeout:      opts.Timeout,
		order:        order,
		stage:        StageUploading,
		assignments:  make(map[int64]int),
		quantities:   make(map[int64]int),
		roster:       opts.Roster,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.emitter == nil {
		m.emitter = nopEmitter{}
	}
	if m.clusterTable == "" {
		m.clusterTable = "clusters"
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m
}

// OrderID returns the work order this machine belongs to.
func (m *Machine) OrderID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.ID
}

// Stage returns the current stage.
func (m *Machine) Stage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// SetOperator records who is acting on the order for the transition log.
func (m *Machine) SetOperator(name string) {
	m.mu.Lock()
	m.operator = name
	m.mu.Unlock()
}

// SetOrder replaces the order metadata after the order list was refreshed.
func (m *Machine) SetOrder(order analytics.WorkOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.ID == m.order.ID {
		m.order = order
	}
}

// SetRoster replaces the drone roster and drops assignments whose slot no
// longer exists.
func (m *Machine) SetRoster(roster []analytics.Drone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = roster
	if n := assign.Prune(m.assignments, len(roster)); n > 0 {
		m.log.Info("dropped stale drone assignments",
			zap.Int64("order", m.order.ID), zap.Int("count", n))
	}
}

// Upload stores the field descriptor used by the next analysis.
func (m *Machine) Upload(descriptor []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("upload", StageUploading); err != nil {
		return err
	}
	if !json.Valid(descriptor) {
		return m.reject(&ValidationError{Field: "descriptor", Msg: "not valid JSON"})
	}
	m.descriptor = append(json.RawMessage(nil), descriptor...)
	m.lastErr = ""
	return nil
}

// Analyze submits the uploaded descriptor and moves to Reviewing on success.
func (m *Machine) Analyze(ctx context.Context, indexName string) error {
	m.mu.Lock()
	if err := m.checkIdle("analyze", StageUploading); err != nil {
		m.mu.Unlock()
		return err
	}
	if len(m.descriptor) == 0 {
		err := m.reject(&ValidationError{Field: "descriptor", Msg: "nothing uploaded"})
		m.mu.Unlock()
		return err
	}
	if !json.Valid(m.descriptor) {
		err := m.reject(&ValidationError{Field: "descriptor", Msg: "not valid JSON"})
		m.mu.Unlock()
		return err
	}
	payload, orderID := m.descriptor, m.order.ID
	gen := m.begin("analyze")
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resp, err := m.adapter.Analyze(ctx, orderID, indexName, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.end(gen) {
		return ErrDiscarded
	}
	if err != nil {
		return m.fail("analyze", err)
	}

	m.inputID = resp.InputID
	m.order.LatestInputID = resp.InputID
	m.result = resp.Result
	if m.result == nil {
		m.result = &analytics.Result{}
	}
	m.final = nil
	clear(m.assignments)
	clear(m.quantities)
	m.lastErr = ""
	m.transition(StageReviewing, "analysis complete")
	return nil
}

// Merge joins two plots of the current analysis and splices the returned
// images into the result. Tables and other images are left alone.
func (m *Machine) Merge(ctx context.Context, plot1, plot2 string) error {
	m.mu.Lock()
	if err := m.checkIdle("merge", StageReviewing); err != nil {
		m.mu.Unlock()
		return err
	}
	if plot1 == "" || plot2 == "" {
		err := m.reject(&ValidationError{Field: "plot", Msg: "two plot ids are required"})
		m.mu.Unlock()
		return err
	}
	if m.inputID == "" {
		err := m.reject(&ValidationError{Field: "inputId", Msg: "analysis has no input id"})
		m.mu.Unlock()
		return err
	}
	inputID := m.inputID
	gen := m.begin("merge")
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	images, err := m.adapter.Merge(ctx, inputID, plot1, plot2)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.end(gen) {
		return ErrDiscarded
	}
	if err != nil {
		return m.fail("merge", err)
	}

	m.result = m.result.Clone()
	if m.result == nil {
		m.result = &analytics.Result{Images: map[string]string{}}
	}
	for k, v := range images {
		m.result.Images[k] = v
	}
	m.lastErr = ""
	return nil
}

// Proceed moves from Reviewing to Assigning. Viewing never proceeds.
func (m *Machine) Proceed() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("proceed", StageReviewing); err != nil {
		return err
	}
	m.transition(StageAssigning, "")
	return nil
}

// Back moves one step towards Uploading. Leaving Viewing ends view-only mode.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("back", StageReviewing, StageViewing, StageAssigning, StageFinalizing); err != nil {
		return err
	}
	switch m.stage {
	case StageReviewing, StageViewing:
		m.transition(StageUploading, "")
	case StageAssigning:
		m.transition(StageReviewing, "")
	case StageFinalizing:
		m.transition(StageAssigning, "")
	}
	return nil
}

// Assign puts cluster on the drone at the 1-based roster slot. Slot 0 clears it.
func (m *Machine) Assign(clusterID int64, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("assign", StageAssigning); err != nil {
		return err
	}
	if !m.hasCluster(clusterID) {
		return m.reject(&ValidationError{Field: "cluster", Msg: fmt.Sprintf("unknown cluster %d", clusterID)})
	}
	if slot == 0 {
		delete(m.assignments, clusterID)
		return nil
	}
	if slot < 0 || slot > len(m.roster) {
		return m.reject(&ValidationError{Field: "slot", Msg: fmt.Sprintf("slot %d outside roster of %d", slot, len(m.roster))})
	}
	m.assignments[clusterID] = slot
	return nil
}

// SetQuantity records the operator's quantity for a drone. An empty value is
// kept as 0 and resolved to the drone's default on submit.
func (m *Machine) SetQuantity(droneID int64, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("quantity", StageAssigning); err != nil {
		return err
	}
	drone, ok := m.drone(droneID)
	if !ok {
		return m.reject(&ValidationError{Field: "drone", Msg: fmt.Sprintf("unknown drone %d", droneID)})
	}
	q, err := assign.ParseQuantity(raw, drone)
	if err != nil {
		return m.reject(&ValidationError{Field: "quantity", Msg: fmt.Sprintf("%q is not a number", raw)})
	}
	m.quantities[droneID] = q
	return nil
}

// CanFinalize reports whether every cluster of the analysis is assigned to a
// drone on the current roster.
func (m *Machine) CanFinalize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allAssigned()
}

// Finalize submits the compacted assignment and moves to Finalizing. The
// returned images and tables are merged into the analysis result.
func (m *Machine) Finalize(ctx context.Context, processingMode string) error {
	m.mu.Lock()
	if err := m.checkIdle("finalize", StageAssigning); err != nil {
		m.mu.Unlock()
		return err
	}
	if !m.allAssigned() {
		err := m.reject(ErrClustersUnassigned)
		m.mu.Unlock()
		return err
	}
	req := assign.Reduce(assign.Input{
		Assignments:    m.assignments,
		Quantities:     m.quantities,
		Roster:         m.roster,
		InputID:        m.inputID,
		ProcessingMode: processingMode,
	})
	gen := m.begin("finalize")
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.adapter.Final(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.end(gen) {
		return ErrDiscarded
	}
	if err != nil {
		return m.fail("finalize", err)
	}

	merged := m.result.Clone()
	if merged == nil {
		merged = &analytics.Result{}
	}
	merged.Merge(res)
	m.result = merged
	m.final = &req
	m.lastErr = ""
	m.transition(StageFinalizing, fmt.Sprintf("%d drones, %d clusters", len(req.DroneIDs), len(req.DroneTasks)))
	m.emitter.EmitFinalized(m.order.ID, req)
	return nil
}

// Finish closes the order. The machine accepts no further actions.
func (m *Machine) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("finish", StageFinalizing); err != nil {
		return err
	}
	m.reset()
	m.transition(StageClosed, "order finished")
	return nil
}

// View loads the last stored result of the order and shows it read-only.
func (m *Machine) View(ctx context.Context) error {
	m.mu.Lock()
	if err := m.checkIdle("view", StageUploading, StageReviewing, StageViewing, StageAssigning, StageFinalizing); err != nil {
		m.mu.Unlock()
		return err
	}
	inputID := m.order.LatestInputID
	if inputID == "" {
		err := m.reject(&ValidationError{Field: "inputId", Msg: "order has no stored result"})
		m.mu.Unlock()
		return err
	}
	gen := m.begin("view")
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.adapter.FetchResult(ctx, inputID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.end(gen) {
		return ErrDiscarded
	}
	if err != nil {
		return m.fail("view", err)
	}

	m.inputID = inputID
	m.result = res
	if m.result == nil {
		m.result = &analytics.Result{}
	}
	m.final = nil
	m.lastErr = ""
	m.transition(StageViewing, "stored result loaded")
	return nil
}

// Edit discards analysis and final results and returns to Uploading.
func (m *Machine) Edit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle("edit", StageUploading, StageReviewing, StageViewing, StageAssigning, StageFinalizing); err != nil {
		return err
	}
	descriptor := m.descriptor
	m.reset()
	m.descriptor = descriptor
	m.transition(StageUploading, "results cleared for edit")
	return nil
}

// Close tears the view down. A call still outstanding will have its result
// dropped when it arrives.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.inFlight = ""
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		OrderID:       m.order.ID,
		FieldName:     m.order.FieldName,
		Stage:         m.stage,
		Step:          m.stage.Step(),
		ViewOnly:      m.stage == StageViewing,
		InFlight:      m.inFlight,
		HasDescriptor: len(m.descriptor) > 0,
		InputID:       m.inputID,
		Result:        m.result.Clone(),
		Clusters:      m.clusters(),
		Assignments:   make(map[int64]int, len(m.assignments)),
		Quantities:    make(map[int64]int, len(m.quantities)),
		Roster:        append([]analytics.Drone(nil), m.roster...),
		CanProceed:    m.stage == StageReviewing && m.inFlight == "",
		CanFinalize:   m.stage == StageAssigning && m.inFlight == "" && m.allAssigned(),
		LastError:     m.lastErr,
	}
	if s.Clusters == nil {
		s.Clusters = []int64{}
	}
	for k, v := range m.assignments {
		s.Assignments[k] = v
	}
	for k, v := range m.quantities {
		s.Quantities[k] = v
	}
	if m.final != nil {
		f := *m.final
		s.Final = &f
	}
	return s
}

// checkIdle fails with ErrBusy while a call is outstanding and with
// ErrInvalidTransition when the stage is not one of allowed. Caller holds mu.
func (m *Machine) checkIdle(action string, allowed ...Stage) error {
	if m.inFlight != "" {
		return ErrBusy
	}
	for _, s := range allowed {
		if m.stage == s {
			return nil
		}
	}
	return invalidTransition(action, m.stage)
}

func (m *Machine) begin(action string) uint64 {
	m.inFlight = action
	return m.gen
}

// end clears the in-flight action and reports whether the result of the call
// started at gen should still be applied.
func (m *Machine) end(gen uint64) bool {
	if gen != m.gen {
		m.log.Info("dropping result for closed view", zap.Int64("order", m.order.ID))
		return false
	}
	m.inFlight = ""
	return true
}

type nopEmitter struct{}

func (nopEmitter) EmitStageChanged(int64, string, string, string) {}
func (nopEmitter) EmitFinalized(int64, analytics.FinalRequest)    {}
func (nopEmitter) EmitActionFailed(int64, string, error)          {}

func (m *Machine) fail(action string, err error) error {
	aerr := &AdapterError{Action: action, Err: err}
	m.lastErr = aerr.Error()
	m.log.Warn("workflow action failed",
		zap.Int64("order", m.order.ID), zap.String("action", action), zap.Error(err))
	m.emitter.EmitActionFailed(m.order.ID, action, aerr)
	return aerr
}

func (m *Machine) reject(err error) error {
	m.lastErr = err.Error()
	return err
}

func (m *Machine) transition(to Stage, detail string) {
	from := m.stage
	m.stage = to
	if m.tlog != nil {
		if _, err := m.tlog.InsertWorkflowLog(m.order.ID, from.String(), to.String(), detail, m.operator); err != nil {
			m.log.Warn("insert workflow log", zap.Int64("order", m.order.ID), zap.Error(err))
		}
	}
	m.emitter.EmitStageChanged(m.order.ID, from.String(), to.String(), detail)
}

func (m *Machine) reset() {
	m.descriptor = nil
	m.inputID = ""
	m.result = nil
	m.final = nil
	m.lastErr = ""
	clear(m.assignments)
	clear(m.quantities)
}

func (m *Machine) clusters() []int64 {
	return m.result.ClusterIDs(m.clusterTable)
}

func (m *Machine) hasCluster(id int64) bool {
	for _, c := range m.clusters() {
		if c == id {
			return true
		}
	}
	return false
}

func (m *Machine) allAssigned() bool {
	clusters := m.clusters()
	if len(clusters) == 0 {
		return false
	}
	for _, c := range clusters {
		slot := m.assignments[c]
		if slot < 1 || slot > len(m.roster) {
			return false
		}
	}
	return true
}

func (m *Machine) drone(id int64) (analytics.Drone, bool) {
	for _, d := range m.roster {
		if d.ID == id {
			return d, true
		}
	}
	return analytics.Drone{}, false
}
