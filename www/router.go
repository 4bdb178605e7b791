package www

import (
	"net/http"

	"agroops/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	eventHub *EventHub
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web),
		eventHub: NewEventHub(),
	}

	h.eventHub.Start()
	h.eventHub.SetupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/login", h.handleLogin)
	r.Get("/logout", h.handleLogout)
	r.Get("/events", h.eventHub.HandleSSE)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.apiHealth)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware)
			r.Use(middleware.Compress(5, "application/json"))

			r.Get("/orders", h.apiListOrders)
			r.Get("/drones", h.apiListDrones)

			r.Route("/orders/{orderID}/workflow", func(r chi.Router) {
				r.Get("/", h.apiWorkflowSnapshot)
				r.Delete("/", h.apiWorkflowClose)
				r.Get("/history", h.apiWorkflowHistory)
				r.Post("/upload", h.apiWorkflowUpload)
				r.Post("/analyze", h.apiWorkflowAnalyze)
				r.Post("/merge", h.apiWorkflowMerge)
				r.Post("/proceed", h.apiWorkflowProceed)
				r.Post("/back", h.apiWorkflowBack)
				r.Post("/assign", h.apiWorkflowAssign)
				r.Post("/quantity", h.apiWorkflowQuantity)
				r.Post("/finalize", h.apiWorkflowFinalize)
				r.Post("/finish", h.apiWorkflowFinish)
				r.Post("/view", h.apiWorkflowView)
				r.Post("/edit", h.apiWorkflowEdit)
			})

			r.Get("/fields", h.apiListFields)
			r.Post("/fields", h.apiCreateField)
			r.Post("/fields/sync", h.apiSyncFields)
			r.Delete("/fields/{fieldID}", h.apiDeleteField)
		})
	})

	return r, func() {
		eng.Events.Unsubscribe(h.eventHub.subID)
		h.eventHub.Stop()
	}
}

func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), username)))
	})
}
