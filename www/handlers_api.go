package www

import (
	"context"
	"net/http"
	"time"
)

func (h *Handlers) apiHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]any{
		"status":     "ok",
		"analytics":  "ok",
		"sseClients": h.eventHub.clientCount(),
	}
	if err := h.engine.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["analytics"] = err.Error()
	}
	writeJSON(w, status)
}

// apiListOrders always reloads from the analytics service.
func (h *Handlers) apiListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.RefreshOrders(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, orders)
}

// apiListDrones serves the cached roster; ?refresh=1 reloads it.
func (h *Handlers) apiListDrones(w http.ResponseWriter, r *http.Request) {
	load := h.engine.Roster
	if r.URL.Query().Get("refresh") != "" {
		load = h.engine.RefreshRoster
	}
	drones, err := load(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, drones)
}
