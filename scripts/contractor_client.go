// Package main runs a demo contractor: it registers itself, holds an offer
// socket open and answers each offer, then files a lead to dispatch to it.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type     string          `json:"type"`
	LeadID   string          `json:"leadId,omitempty"`
	Decision string          `json:"decision,omitempty"`
	Offer    json.RawMessage `json:"offer,omitempty"`
	Lead     json.RawMessage `json:"lead,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func main() {
	id := flag.String("id", "demo-contractor", "contractor id")
	decision := flag.String("decision", "accept", "accept or decline every offer")
	lat := flag.Float64("lat", -33.8688, "service area centre latitude")
	lng := flag.Float64("lng", 151.2093, "service area centre longitude")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	contractor := map[string]any{
		"id":                *id,
		"name":              "Demo Restoration",
		"serviceArea":       map[string]any{"center": map[string]float64{"lat": *lat, "lng": *lng}, "primaryRadiusKm": 10, "maxRadiusKm": 40},
		"serviceTypes":      []string{"water_damage", "mould_remediation"},
		"availability":      "available",
		"maxActiveJobs":     3,
		"currentActiveJobs": 0,
		"kpiScore":          85,
		"leadSharePct":      5,
	}
	mustDo(http.MethodPut, base+"/v1/contractors/"+*id, contractor)
	log.Printf("registered contractor %s", *id)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/contractors/" + *id + "/offers/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s lead=%s %s", m.Type, m.LeadID, string(m.Offer))
			if m.Type == "offer" {
				if err := c.WriteJSON(wsMessage{Type: "response", LeadID: m.LeadID, Decision: *decision}); err != nil {
					log.Printf("write: %v", err)
					return
				}
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	lead := map[string]any{
		"location":    map[string]float64{"lat": *lat + 0.01, "lng": *lng},
		"serviceType": "water_damage",
		"priority":    "high",
		"address":     "1 Demo St",
	}
	mustDo(http.MethodPost, base+"/v1/leads", lead)

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}

func mustDo(method, target string, body any) {
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %s", method, target, resp.Status)
	}
}
