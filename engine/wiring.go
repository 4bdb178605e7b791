package engine

import (
	"log"

	"agroops/messaging"
	"agroops/workflow"
)

// wireEventHandlers sets up the event chain:
// StageChanged(closed) -> drop the finished machine
// StageChanged, Finalized -> outbox envelope for the messaging drainer
// ActionFailed -> log
func (e *Engine) wireEventHandlers() {
	e.Events.Subscribe(func(evt Event) {
		changed := evt.Payload.(StageChangedEvent)
		e.handleStageChanged(changed)
	}, EventStageChanged)

	e.Events.Subscribe(func(evt Event) {
		finalized := evt.Payload.(FinalizedEvent)
		e.handleFinalized(finalized)
	}, EventFinalized)

	e.Events.Subscribe(func(evt Event) {
		failed := evt.Payload.(ActionFailedEvent)
		log.Printf("order %d: %s failed: %s", failed.OrderID, failed.Action, failed.Error)
	}, EventActionFailed)
}

func (e *Engine) handleStageChanged(changed StageChangedEvent) {
	e.debugFn("workflow: order=%d %s -> %s %s", changed.OrderID, changed.OldStage, changed.NewStage, changed.Detail)

	if changed.NewStage == workflow.StageClosed.String() {
		e.forget(changed.OrderID)
	}
	e.enqueue(messaging.TypeStageChanged, messaging.StageChanged{
		OrderID:  changed.OrderID,
		OldStage: changed.OldStage,
		NewStage: changed.NewStage,
		Detail:   changed.Detail,
	})
}

func (e *Engine) handleFinalized(finalized FinalizedEvent) {
	req := finalized.Request
	e.logFn("order %d finalized: input=%s drones=%d clusters=%d",
		finalized.OrderID, req.InputID, len(req.DroneIDs), len(req.DroneTasks))

	e.enqueue(messaging.TypeWorkflowFinalized, messaging.WorkflowFinalized{
		OrderID:        finalized.OrderID,
		InputID:        req.InputID,
		ProcessingMode: req.ProcessingMode,
		DroneIDs:       req.DroneIDs,
		DroneTasks:     req.DroneTasks,
		NumType:        req.NumType,
	})
}

// enqueue writes an envelope to the outbox when messaging is enabled.
func (e *Engine) enqueue(msgType string, payload any) {
	if e.db == nil || !e.cfg.Messaging.Enabled {
		return
	}
	src := messaging.Source{Namespace: e.cfg.Namespace, StationID: e.cfg.StationID}
	env, err := messaging.NewEnvelope(msgType, src, payload)
	if err != nil {
		log.Printf("build %s envelope: %v", msgType, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Printf("encode %s envelope: %v", msgType, err)
		return
	}
	if err := e.db.EnqueueOutbox(e.cfg.Messaging.WorkflowTopic, data, msgType); err != nil {
		log.Printf("enqueue %s: %v", msgType, err)
	}
}
