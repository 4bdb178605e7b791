package engine

import "agroops/analytics"

// workflowEmitter adapts the engine's EventBus to the workflow.EventEmitter interface.
type workflowEmitter struct {
	bus *EventBus
}

func (e *workflowEmitter) EmitStageChanged(orderID int64, oldStage, newStage, detail string) {
	e.bus.Emit(Event{Type: EventStageChanged, Payload: StageChangedEvent{
		OrderID: orderID, OldStage: oldStage, NewStage: newStage, Detail: detail,
	}})
}

func (e *workflowEmitter) EmitFinalized(orderID int64, req analytics.FinalRequest) {
	e.bus.Emit(Event{Type: EventFinalized, Payload: FinalizedEvent{OrderID: orderID, Request: req}})
}

func (e *workflowEmitter) EmitActionFailed(orderID int64, action string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	e.bus.Emit(Event{Type: EventActionFailed, Payload: ActionFailedEvent{
		OrderID: orderID, Action: action, Error: errStr,
	}})
}
