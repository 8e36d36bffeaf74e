package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"leaddispatch/internal/config"
	"leaddispatch/internal/dispatch"
	"leaddispatch/internal/model"
)

// LeadsHandler handles POST /v1/leads
func (s *Server) LeadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var lead model.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	// Runs outlive the request; they end with the server's base context.
	ch, err := s.Coord.Start(s.base, lead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/leads/"+lead.ID)

	if r.URL.Query().Get("wait") == "true" {
		select {
		case o := <-ch:
			if o.Err != nil {
				s.writeError(w, r, o.Err)
				return
			}
			writeJSON(w, http.StatusOK, o.Result)
			return
		case <-r.Context().Done():
			return
		}
	}
	state := model.LeadQueued
	if st, err := s.Coord.Status(r.Context(), lead.ID); err == nil {
		state = st.State
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"leadId": lead.ID, "state": state})
}

// LeadByIDHandler handles /v1/leads/{id}[/cancel|/responses|/complete|/events]
func (s *Server) LeadByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/leads/"), "/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = strings.Join(parts[1:], "/")
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		st, err := s.Coord.Status(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)

	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Coord.Cancel(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"leadId": id, "cancelRequested": true})

	case "responses":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req responseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateResponse(&req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.Coord.Respond(id, req.ContractorID, req.Decision); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"leadId": id, "contractorId": req.ContractorID, "decision": req.Decision})

	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a, err := s.Coord.CompleteJob(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"leadId": id, "contractorId": a.ContractorID, "completed": true})

	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.streamLeadEvents(w, r, id)

	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// streamLeadEvents serves a lead's events as SSE until the lead finishes or
// the client goes away. The first event is a status snapshot.
func (s *Server) streamLeadEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	// subscribe before the snapshot so no transition falls between them
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	st, err := s.Coord.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	snap, _ := json.Marshal(st)
	writeSSE(w, "lead.status", snap)
	flusher.Flush()
	if st.State.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Data)
			flusher.Flush()
			if isTerminalEvent(evt.Type) {
				return
			}
		case <-heartbeat.C:
			writeSSE(w, "heartbeat", []byte(fmt.Sprintf(`{"leadId":%q,"ts":%q}`, id, time.Now().UTC().Format(time.RFC3339))))
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func isTerminalEvent(t string) bool {
	return t == dispatch.EventLeadAssigned || t == dispatch.EventLeadExpired || t == dispatch.EventLeadCancelled
}

// ContractorsHandler handles GET /v1/contractors
func (s *Server) ContractorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ListContractors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Contractor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ContractorByIDHandler handles /v1/contractors/{id}[/capacity|/offers/ws]
func (s *Server) ContractorByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/contractors/"), "/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	action := strings.Join(parts[1:], "/")

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			c, err := s.Store.GetContractor(r.Context(), id)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
		case http.MethodPut:
			var c model.Contractor
			if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
				return
			}
			if err := validateContractor(id, &c); err != nil {
				s.writeError(w, r, err)
				return
			}
			c.UpdatedAt = time.Now().UTC()
			if err := s.Store.UpsertContractor(r.Context(), c); err != nil {
				s.writeError(w, r, err)
				return
			}
			if err := s.Ledger.Track(r.Context(), c.ID, c.MaxActiveJobs, c.CurrentActiveJobs); err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case "capacity":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		u, err := s.Ledger.Usage(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)

	case "offers/ws":
		s.serveContractor(w, r, id)

	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// AdminCapacityHandler handles GET /v1/admin/capacity
func (s *Server) AdminCapacityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Ledger.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.CapacityUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "inflight": s.Coord.InFlight()})
}

// AdminConfigHandler handles GET/PUT /v1/admin/config as YAML. Changes apply
// to dispatch runs started afterwards.
func (s *Server) AdminConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeConfig(w, r, s.Config.Get())
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), r.URL.Path)
			return
		}
		next, err := config.Parse(body, s.Config.Get())
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		if err := s.Config.Set(next); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		s.log.Infof("config replaced via admin endpoint")
		s.writeConfig(w, r, s.Config.Get())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeConfig(w http.ResponseWriter, r *http.Request, cfg config.Config) {
	out, err := cfg.Marshal()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, 503, "Not Ready", "store: "+err.Error(), r.URL.Path)
		return
	}
	if p, ok := s.Ledger.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", "ledger: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
