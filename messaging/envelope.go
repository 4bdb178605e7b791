package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"agroops/analytics"
)

// Version is the envelope schema version.
const Version = 1

// Message types
const (
	TypeWorkflowFinalized = "workflow.finalized"
	TypeStageChanged      = "workflow.stage_changed"
)

// Source identifies the operator station that produced a message.
type Source struct {
	Namespace string `json:"namespace"`
	StationID string `json:"station_id"`
}

// Envelope wraps every message published by the service.
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Src       Source          `json:"src"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"p"`
}

// NewEnvelope creates an outbound envelope with a fresh id.
func NewEnvelope(msgType string, src Source, payload any) (*Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        uuid.New().String(),
		Src:       src,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// WorkflowFinalized announces a route request accepted by the analytics service.
type WorkflowFinalized struct {
	OrderID        int64             `json:"order_id"`
	InputID        analytics.InputID `json:"input_id"`
	ProcessingMode string            `json:"processing_mode"`
	DroneIDs       []int64           `json:"drone_ids"`
	DroneTasks     map[int64]int     `json:"drone_tasks"`
	NumType        map[int]int       `json:"num_type"`
}

// StageChanged mirrors a workflow transition for downstream dashboards.
type StageChanged struct {
	OrderID  int64  `json:"order_id"`
	OldStage string `json:"old_stage"`
	NewStage string `json:"new_stage"`
	Detail   string `json:"detail,omitempty"`
}
