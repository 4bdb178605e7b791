package www

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agroops/analytics"
	"agroops/engine"
	"agroops/workflow"
)

type operatorKey struct{}

func withOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey{}, name)
}

func operatorFrom(r *http.Request) string {
	name, _ := r.Context().Value(operatorKey{}).(string)
	return name
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func parseID(r *http.Request, param string) (int64, error) {
	s := chi.URLParam(r, param)
	return strconv.ParseInt(s, 10, 64)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var verr *workflow.ValidationError
	var aerr *workflow.AdapterError
	var herr *analytics.HTTPError
	var perr *engine.PartialError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrBusy),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrClustersUnassigned),
		errors.Is(err, workflow.ErrDiscarded):
		return http.StatusConflict
	case errors.Is(err, engine.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr):
		return http.StatusMultiStatus
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &aerr), errors.As(err, &herr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}
