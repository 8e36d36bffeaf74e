package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leaddispatch/internal/logx"
	"leaddispatch/internal/model"
	"leaddispatch/internal/webhooks"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

var ErrNotConnected = errors.New("contractor not connected")

// wsMessage is the envelope in both directions on the offer socket.
type wsMessage struct {
	Type     string                `json:"type"`
	LeadID   string                `json:"leadId,omitempty"`
	Decision model.Decision        `json:"decision,omitempty"`
	Offer    *model.Offer          `json:"offer,omitempty"`
	Lead     *webhooks.LeadSummary `json:"lead,omitempty"`
	Error    string                `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *wsClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// Hub tracks one live offer socket per contractor and delivers offers over
// it. The newest connection for a contractor replaces any older one.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
	log     *logx.Logger
}

func NewHub() *Hub {
	return &Hub{clients: map[string]*wsClient{}, log: logx.New("ws")}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) attach(contractorID string, c *wsClient) {
	h.mu.Lock()
	old := h.clients[contractorID]
	h.clients[contractorID] = c
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

func (h *Hub) detach(contractorID string, c *wsClient) {
	h.mu.Lock()
	if h.clients[contractorID] == c {
		delete(h.clients, contractorID)
	}
	h.mu.Unlock()
}

// Connected reports whether the contractor has a live socket.
func (h *Hub) Connected(contractorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[contractorID] != nil
}

func (h *Hub) client(contractorID string) *wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[contractorID]
}

func (h *Hub) NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error {
	cl := h.client(c.ID)
	if cl == nil {
		return ErrNotConnected
	}
	msg := wsMessage{
		Type:   "offer",
		LeadID: lead.ID,
		Offer:  &offer,
		Lead: &webhooks.LeadSummary{
			ID: lead.ID, ServiceType: lead.ServiceType, Priority: lead.Priority, Address: lead.Address,
			EstimatedValue: lead.EstimatedValue, Lat: lead.Location.Lat, Lng: lead.Location.Lng,
		},
	}
	if err := cl.write(msg); err != nil {
		h.detach(c.ID, cl)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (h *Hub) NotifyClosed(ctx context.Context, c model.Contractor, offer model.Offer) {
	if cl := h.client(c.ID); cl != nil {
		_ = cl.write(wsMessage{Type: "offer." + string(offer.State), LeadID: offer.LeadID, Offer: &offer})
	}
}

// serveContractor runs the socket for one contractor: offers flow out through
// the hub, decisions flow back in and are relayed to the coordinator.
func (s *Server) serveContractor(w http.ResponseWriter, r *http.Request, contractorID string) {
	if _, err := s.Store.GetContractor(r.Context(), contractorID); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cl := &wsClient{conn: conn}
	s.Hub.attach(contractorID, cl)
	s.Hub.log.Infof("contractor=%s connected", contractorID)
	defer func() {
		s.Hub.detach(contractorID, cl)
		_ = conn.Close()
		s.Hub.log.Infof("contractor=%s disconnected", contractorID)
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cl.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				cl.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = cl.write(wsMessage{Type: "pong"})
		case "response":
			if err := s.Coord.Respond(msg.LeadID, contractorID, msg.Decision); err != nil {
				_ = cl.write(wsMessage{Type: "error", LeadID: msg.LeadID, Error: err.Error()})
				continue
			}
			// received, not decided: the offer can still lapse before the
			// coordinator acts, in which case an offer.timed_out follows
			_ = cl.write(wsMessage{Type: "received", LeadID: msg.LeadID, Decision: msg.Decision})
		default:
			b, _ := json.Marshal(msg.Type)
			_ = cl.write(wsMessage{Type: "error", Error: "unknown message type " + string(b)})
		}
	}
}
