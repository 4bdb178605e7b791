package www

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"agroops/workflow"
)

const maxDescriptorBytes = 10 << 20

// workflowAction resolves the order's machine, runs fn and replies with the
// resulting snapshot. Adapter calls are detached from the request context so a
// dropped connection does not abort them; the machine's own timeout applies.
func (h *Handlers) workflowAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, m *workflow.Machine) error) {
	orderID, err := parseID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	m, err := h.engine.Workflow(r.Context(), orderID, operatorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := fn(context.WithoutCancel(r.Context()), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, m.Snapshot())
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

func (h *Handlers) apiWorkflowSnapshot(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(context.Context, *workflow.Machine) error { return nil })
}

func (h *Handlers) apiWorkflowClose(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	writeJSON(w, map[string]bool{"closed": h.engine.CloseWorkflow(orderID)})
}

func (h *Handlers) apiWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.engine.WorkflowHistory(orderID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, entries)
}

// apiWorkflowUpload takes the descriptor document as the raw request body.
func (h *Handlers) apiWorkflowUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDescriptorBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "descriptor too large")
		return
	}
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Upload(body)
	})
}

func (h *Handlers) apiWorkflowAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IndexName string `json:"indexName"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IndexName == "" {
		req.IndexName = h.engine.AppConfig().Analytics.IndexName
	}
	h.workflowAction(w, r, func(ctx context.Context, m *workflow.Machine) error {
		return m.Analyze(ctx, req.IndexName)
	})
}

func (h *Handlers) apiWorkflowMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plot1 string `json:"plot1"`
		Plot2 string `json:"plot2"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.workflowAction(w, r, func(ctx context.Context, m *workflow.Machine) error {
		return m.Merge(ctx, req.Plot1, req.Plot2)
	})
}

func (h *Handlers) apiWorkflowProceed(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Proceed()
	})
}

func (h *Handlers) apiWorkflowBack(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Back()
	})
}

// apiWorkflowAssign sets a cluster's drone slot; slot 0 clears it.
func (h *Handlers) apiWorkflowAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClusterID int64 `json:"clusterId"`
		Slot      int   `json:"slot"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Assign(req.ClusterID, req.Slot)
	})
}

// apiWorkflowQuantity accepts the quantity as a number or as the raw text the
// operator typed. An empty value resets to the drone's default.
func (h *Handlers) apiWorkflowQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DroneID  int64           `json:"droneId"`
		Quantity json.RawMessage `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw := string(bytes.TrimSpace(req.Quantity))
	if raw == "null" {
		raw = ""
	}
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(req.Quantity, &raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid quantity")
			return
		}
	}
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.SetQuantity(req.DroneID, raw)
	})
}

func (h *Handlers) apiWorkflowFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessingMode string `json:"processingMode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProcessingMode == "" {
		req.ProcessingMode = h.engine.AppConfig().Analytics.ProcessingMode
	}
	h.workflowAction(w, r, func(ctx context.Context, m *workflow.Machine) error {
		return m.Finalize(ctx, req.ProcessingMode)
	})
}

func (h *Handlers) apiWorkflowFinish(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Finish()
	})
}

func (h *Handlers) apiWorkflowView(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(ctx context.Context, m *workflow.Machine) error {
		return m.View(ctx)
	})
}

func (h *Handlers) apiWorkflowEdit(w http.ResponseWriter, r *http.Request) {
	h.workflowAction(w, r, func(_ context.Context, m *workflow.Machine) error {
		return m.Edit()
	})
}
