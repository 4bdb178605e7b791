package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"agroops/analytics"
	"agroops/config"
	"agroops/remap"
	"agroops/store"
	"agroops/workflow"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// ErrOrderNotFound is returned for an order the analytics service does not list.
var ErrOrderNotFound = errors.New("order not found")

// Engine owns the per-order workflow machines and the state they share: the
// order list, the drone roster and the field id mapping.
type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	api        *analytics.Client
	fields     *remap.Remapper
	zlog       *zap.Logger
	logFn      LogFunc
	debugFn    LogFunc

	wfEmit *workflowEmitter

	// mu is never held while calling into a machine: machines emit events
	// with their own lock held and handlers may take mu.
	mu        sync.RWMutex
	machines  map[int64]*workflow.Machine
	orders    map[int64]analytics.WorkOrder
	roster    []analytics.Drone
	hasRoster bool

	Events   *EventBus
	stopChan chan struct{}
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	Analytics  *analytics.Client
	// Mappings stores field id mappings; nil falls back to memory.
	Mappings remap.KV
	Logger   *zap.Logger
	LogFunc  LogFunc
	Debug    bool
}

// New creates a new Engine. Call Start() to wire event handlers.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	debugFn := LogFunc(func(string, ...interface{}) {})
	if c.Debug {
		debugFn = logFn
	}
	zlog := c.Logger
	if zlog == nil {
		zlog = zap.NewNop()
	}
	kv := c.Mappings
	if kv == nil {
		kv = remap.NewMemoryKV()
	}
	e := &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		db:         c.DB,
		api:        c.Analytics,
		zlog:       zlog,
		logFn:      logFn,
		debugFn:    debugFn,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
		machines:   make(map[int64]*workflow.Machine),
		orders:     make(map[int64]analytics.WorkOrder),
	}
	e.fields = remap.New(kv, "fields", zlog.Named("remap"))
	e.wfEmit = &workflowEmitter{bus: e.Events}
	return e
}

// Start wires the event chain.
func (e *Engine) Start() {
	e.wireEventHandlers()
	e.logFn("Engine started: namespace=%s station=%s analytics=%s",
		e.cfg.Namespace, e.cfg.StationID, e.api.BaseURL())
}

// Stop closes every open workflow so late results are dropped.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	e.mu.Lock()
	open := e.machines
	e.machines = make(map[int64]*workflow.Machine)
	e.mu.Unlock()
	for _, m := range open {
		e.debugFn("closing workflow: order=%d", m.OrderID())
		m.Close()
	}

	e.logFn("Engine stopped")
}

func (e *Engine) DB() *store.DB { return e.db }

func (e *Engine) AppConfig() *config.Config { return e.cfg }

func (e *Engine) ConfigPath() string { return e.configPath }

func (e *Engine) Analytics() *analytics.Client { return e.api }

// Fields returns the field id remapper.
func (e *Engine) Fields() *remap.Remapper { return e.fields }

// Ping checks that the analytics service answers.
func (e *Engine) Ping(ctx context.Context) error {
	return e.api.Ping(ctx)
}

// RefreshOrders reloads the operator's order list. Open workflows get the new
// order metadata; workflows whose order disappeared are closed.
func (e *Engine) RefreshOrders(ctx context.Context) ([]analytics.WorkOrder, error) {
	list, err := e.api.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	var evicted []int64
	kept := make(map[*workflow.Machine]analytics.WorkOrder)
	var closed []*workflow.Machine
	e.mu.Lock()
	e.orders = make(map[int64]analytics.WorkOrder, len(list))
	for _, o := range list {
		e.orders[o.ID] = o
	}
	for id, m := range e.machines {
		if o, ok := e.orders[id]; ok {
			kept[m] = o
			continue
		}
		delete(e.machines, id)
		closed = append(closed, m)
		evicted = append(evicted, id)
	}
	e.mu.Unlock()

	for m, o := range kept {
		m.SetOrder(o)
	}
	for _, m := range closed {
		e.debugFn("workflow evicted: order=%d", m.OrderID())
		m.Close()
	}

	e.debugFn("orders refreshed: %d orders, %d workflows evicted", len(list), len(evicted))
	e.Events.Emit(Event{Type: EventOrdersRefreshed, Payload: OrdersRefreshedEvent{Count: len(list), Evicted: evicted}})
	return list, nil
}

// Roster returns the drone roster, fetching it on first use.
func (e *Engine) Roster(ctx context.Context) ([]analytics.Drone, error) {
	e.mu.RLock()
	roster, ok := e.roster, e.hasRoster
	e.mu.RUnlock()
	if ok {
		return roster, nil
	}
	return e.RefreshRoster(ctx)
}

// RefreshRoster reloads the roster and hands it to every open workflow, which
// drops assignments to slots that no longer exist.
func (e *Engine) RefreshRoster(ctx context.Context) ([]analytics.Drone, error) {
	roster, err := e.api.ListDrones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list drones: %w", err)
	}

	e.mu.Lock()
	e.roster = roster
	e.hasRoster = true
	machines := make([]*workflow.Machine, 0, len(e.machines))
	for _, m := range e.machines {
		machines = append(machines, m)
	}
	e.mu.Unlock()

	for _, m := range machines {
		m.SetRoster(roster)
	}
	e.Events.Emit(Event{Type: EventRosterRefreshed, Payload: RosterRefreshedEvent{Count: len(roster)}})
	return roster, nil
}

// Workflow returns the machine for orderID, creating it at Uploading when the
// order has none. operator is recorded on subsequent transitions.
func (e *Engine) Workflow(ctx context.Context, orderID int64, operator string) (*workflow.Machine, error) {
	e.mu.RLock()
	m, ok := e.machines[orderID]
	e.mu.RUnlock()
	if ok {
		m.SetOperator(operator)
		return m, nil
	}

	order, err := e.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	roster, err := e.Roster(ctx)
	if err != nil {
		return nil, err
	}

	var tlog workflow.TransitionLogger
	if e.db != nil {
		tlog = e.db
	}
	fresh := workflow.NewMachine(order, e.api, e.wfEmit, tlog, workflow.Options{
		ClusterTable: e.cfg.Analytics.ClusterTable,
		Timeout:      e.cfg.Analytics.Timeout,
		Roster:       roster,
		Logger:       e.zlog.Named("workflow"),
	})

	e.mu.Lock()
	m, ok = e.machines[orderID]
	if !ok {
		m = fresh
		e.machines[orderID] = m
	}
	e.mu.Unlock()

	if !ok {
		e.debugFn("workflow opened: order=%d", orderID)
	}
	m.SetOperator(operator)
	return m, nil
}

// OpenWorkflow returns the machine for orderID if one exists.
func (e *Engine) OpenWorkflow(orderID int64) (*workflow.Machine, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[orderID]
	return m, ok
}

// CloseWorkflow tears down the order's view. An outstanding call's result is
// dropped on arrival.
func (e *Engine) CloseWorkflow(orderID int64) bool {
	e.mu.Lock()
	m, ok := e.machines[orderID]
	delete(e.machines, orderID)
	e.mu.Unlock()
	if ok {
		m.Close()
	}
	return ok
}

// WorkflowHistory returns the newest transitions logged for an order.
func (e *Engine) WorkflowHistory(orderID int64, limit int) ([]store.WorkflowLogEntry, error) {
	return e.db.ListWorkflowLog(orderID, limit)
}

func (e *Engine) order(ctx context.Context, orderID int64) (analytics.WorkOrder, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if ok {
		return o, nil
	}
	if _, err := e.RefreshOrders(ctx); err != nil {
		return analytics.WorkOrder{}, err
	}
	e.mu.RLock()
	o, ok = e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return analytics.WorkOrder{}, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return o, nil
}

// forget drops a finished machine without closing it. Called from event
// handlers while the machine holds its own lock.
func (e *Engine) forget(orderID int64) {
	e.mu.Lock()
	delete(e.machines, orderID)
	e.mu.Unlock()
}
