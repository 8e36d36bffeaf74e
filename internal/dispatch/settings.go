package dispatch

import (
	"strings"
	"time"

	"leaddispatch/internal/matching"
	"leaddispatch/internal/model"
)

// Settings is the per-cycle view of configuration. A dispatch run reads it
// once at start and keeps that snapshot until it finishes.
type Settings struct {
	Weights          matching.Weights
	Filter           matching.FilterOptions
	OfferDeadlines   map[model.Priority]time.Duration
	MaxOffersPerLead int           // 0 = unlimited
	RecentWindow     time.Duration // 0 disables the recent-assignment term
	HistoryLimit     int           // finished runs kept in memory
	ServiceTypes     []string      // known catalog; empty accepts any non-empty type
}

var defaultDeadlines = map[model.Priority]time.Duration{
	model.PriorityCritical: 2 * time.Minute,
	model.PriorityHigh:     5 * time.Minute,
	model.PriorityMedium:   15 * time.Minute,
	model.PriorityLow:      30 * time.Minute,
}

func DefaultSettings() Settings {
	d := make(map[model.Priority]time.Duration, len(defaultDeadlines))
	for k, v := range defaultDeadlines {
		d[k] = v
	}
	return Settings{
		Weights:        matching.DefaultWeights(),
		Filter:         matching.FilterOptions{MaxUtilizationPct: 100, SpeedKmh: 56, EmergencySpeedKmh: 72},
		OfferDeadlines: d,
		RecentWindow:   24 * time.Hour,
		HistoryLimit:   1000,
	}
}

// Deadline returns the offer window for p, falling back to the built-in table.
func (s Settings) Deadline(p model.Priority) time.Duration {
	if d, ok := s.OfferDeadlines[p]; ok && d > 0 {
		return d
	}
	if d, ok := defaultDeadlines[p]; ok {
		return d
	}
	return defaultDeadlines[model.PriorityMedium]
}

func (s Settings) knownServiceType(t string) bool {
	if strings.TrimSpace(t) == "" {
		return false
	}
	if len(s.ServiceTypes) == 0 {
		return true
	}
	for _, k := range s.ServiceTypes {
		if strings.EqualFold(k, t) {
			return true
		}
	}
	return false
}
