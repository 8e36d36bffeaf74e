package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"leaddispatch/internal/dispatch"
	"leaddispatch/internal/geo"
	"leaddispatch/internal/ledger"
	"leaddispatch/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps engine errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := http.StatusInternalServerError, "Internal Error"
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate), errors.Is(err, dispatch.ErrInvalidLead),
		errors.Is(err, dispatch.ErrUnknownServiceType), errors.Is(err, dispatch.ErrInvalidDecision),
		errors.Is(err, errBadRequest):
		status, title = http.StatusBadRequest, "Invalid Request"
	case errors.Is(err, dispatch.ErrUnknownLead), errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownContractor):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, dispatch.ErrLeadInFlight), errors.Is(err, dispatch.ErrNoPendingOffer),
		errors.Is(err, dispatch.ErrLeadTerminal), errors.Is(err, store.ErrAlreadyAssigned):
		status, title = http.StatusConflict, "Conflict"
	default:
		s.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}
