package engine

import (
	"time"

	"agroops/analytics"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Workflow events
	EventStageChanged EventType = iota + 1
	EventFinalized
	EventActionFailed

	// Order list events
	EventOrdersRefreshed
	EventRosterRefreshed

	// Field events
	EventFieldRegistered
	EventFieldDeleted
)

var eventNames = map[EventType]string{
	EventStageChanged:    "stage-changed",
	EventFinalized:       "finalized",
	EventActionFailed:    "action-failed",
	EventOrdersRefreshed: "orders-refreshed",
	EventRosterRefreshed: "roster-refreshed",
	EventFieldRegistered: "field-registered",
	EventFieldDeleted:    "field-deleted",
}

// Name is the SSE event name for t.
func (t EventType) Name() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// StageChangedEvent is emitted on every workflow transition.
type StageChangedEvent struct {
	OrderID  int64  `json:"order_id"`
	OldStage string `json:"old_stage"`
	NewStage string `json:"new_stage"`
	Detail   string `json:"detail,omitempty"`
}

// FinalizedEvent carries the request that was accepted by the final call.
type FinalizedEvent struct {
	OrderID int64                  `json:"order_id"`
	Request analytics.FinalRequest `json:"request"`
}

// ActionFailedEvent is emitted when an analytics call fails.
type ActionFailedEvent struct {
	OrderID int64  `json:"order_id"`
	Action  string `json:"action"`
	Error   string `json:"error"`
}

type OrdersRefreshedEvent struct {
	Count   int     `json:"count"`
	Evicted []int64 `json:"evicted,omitempty"`
}

type RosterRefreshedEvent struct {
	Count int `json:"count"`
}

// FieldEvent is emitted when a field is registered or deleted.
type FieldEvent struct {
	FieldID   int64  `json:"field_id"`
	LocalID   int    `json:"local_id,omitempty"`
	DisplayID string `json:"display_id"`
	Partial   bool   `json:"partial,omitempty"`
}
