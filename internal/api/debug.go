package api

import (
	"net/http"
	"time"

	"leaddispatch/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                 cfg.HTTP.Port,
			"RATE_RPS":             cfg.HTTP.RateRPS,
			"RATE_BURST":           cfg.HTTP.RateBurst,
			"WEBHOOK_MAX_ATTEMPTS": cfg.Webhooks.MaxAttempts,
			"WEBHOOK_TIMEOUT":      cfg.Webhooks.Timeout.String(),
			"HAS_WEBHOOK_SECRET":   cfg.Webhooks.Secret != "",
			"HAS_DATABASE_URL":     cfg.DatabaseURL != "",
			"HAS_REDIS_URL":        cfg.RedisURL != "",
			"LOAD_POLICY":          cfg.Scoring.LoadBalancing.Policy,
		},
		"inflight": len(s.Coord.InFlight()),
	})
}
