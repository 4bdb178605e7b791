package workflow

import (
	"context"
	"encoding/json"

	"agroops/analytics"
)

// Stage is the position of a work order in the operator workflow. Viewing is
// the read-only variant of Reviewing entered from the order list.
type Stage int

const (
	StageUploading Stage = iota
	StageReviewing
	StageViewing
	StageAssigning
	StageFinalizing
	StageClosed
)

var stageNames = map[Stage]string{
	StageUploading:  "uploading",
	StageReviewing:  "reviewing",
	StageViewing:    "viewing",
	StageAssigning:  "assigning",
	StageFinalizing: "finalizing",
	StageClosed:     "closed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// Step returns the wizard step shown to the operator (1-4), or 0 once closed.
func (s Stage) Step() int {
	switch s {
	case StageUploading:
		return 1
	case StageReviewing, StageViewing:
		return 2
	case StageAssigning:
		return 3
	case StageFinalizing:
		return 4
	}
	return 0
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Adapter is the part of the analytics service the machine drives.
// *analytics.Client satisfies it.
type Adapter interface {
	Analyze(ctx context.Context, orderID int64, indexName string, payload json.RawMessage) (*analytics.AnalyzeResponse, error)
	Merge(ctx context.Context, inputID analytics.InputID, plot1, plot2 string) (map[string]string, error)
	Final(ctx context.Context, req analytics.FinalRequest) (*analytics.Result, error)
	FetchResult(ctx context.Context, inputID analytics.InputID) (*analytics.Result, error)
}

// EventEmitter is the interface the workflow package uses to emit events.
type EventEmitter interface {
	EmitStageChanged(orderID int64, oldStage, newStage, detail string)
	EmitFinalized(orderID int64, req analytics.FinalRequest)
	EmitActionFailed(orderID int64, action string, err error)
}

// TransitionLogger records stage transitions. *store.DB satisfies it.
type TransitionLogger interface {
	InsertWorkflowLog(orderID int64, fromStage, toStage, detail, operator string) (int64, error)
}

// Snapshot is a copy of the machine state safe to hand to other goroutines.
type Snapshot struct {
	OrderID       int64                   `json:"orderId"`
	FieldName     string                  `json:"fieldName"`
	Stage         Stage                   `json:"stage"`
	Step          int                     `json:"step"`
	ViewOnly      bool                    `json:"viewOnly"`
	InFlight      string                  `json:"inFlight,omitempty"`
	HasDescriptor bool                    `json:"hasDescriptor"`
	InputID       analytics.InputID       `json:"inputId,omitempty"`
	Result        *analytics.Result       `json:"result,omitempty"`
	Clusters      []int64                 `json:"clusters"`
	Assignments   map[int64]int           `json:"assignments"`
	Quantities    map[int64]int           `json:"quantities"`
	Roster        []analytics.Drone       `json:"roster"`
	Final         *analytics.FinalRequest `json:"final,omitempty"`
	CanProceed    bool                    `json:"canProceed"`
	CanFinalize   bool                    `json:"canFinalize"`
	LastError     string                  `json:"lastError,omitempty"`
}
