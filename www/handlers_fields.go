package www

import (
	"encoding/json"
	"errors"
	"net/http"

	"agroops/analytics"
	"agroops/engine"
)

// apiListFields returns the remote field list numbered by local id.
func (h *Handlers) apiListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := h.engine.SyncFields(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, fields)
}

func (h *Handlers) apiSyncFields(w http.ResponseWriter, r *http.Request) {
	h.apiListFields(w, r)
}

func (h *Handlers) apiCreateField(w http.ResponseWriter, r *http.Request) {
	var req analytics.FieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.engine.RegisterField(r.Context(), req)
	var perr *engine.PartialError
	if errors.As(err, &perr) {
		writeJSONStatus(w, http.StatusMultiStatus, map[string]any{
			"field": view,
			"error": perr.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, view)
}

func (h *Handlers) apiDeleteField(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fieldID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid field ID")
		return
	}
	if err := h.engine.DeleteField(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
