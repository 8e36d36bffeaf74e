// Package config loads service configuration from compiled defaults, an
// optional YAML file and environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"leaddispatch/internal/dispatch"
	"leaddispatch/internal/matching"
	"leaddispatch/internal/model"
)

type Config struct {
	HTTP         HTTP             `yaml:"http"`
	Scoring      matching.Weights `yaml:"scoring"`
	Dispatch     Dispatch         `yaml:"dispatch"`
	Travel       Travel           `yaml:"travel"`
	ServiceTypes []string         `yaml:"serviceTypes"`
	Webhooks     Webhooks         `yaml:"webhooks"`

	// Environment only; never serialized.
	DatabaseURL string `yaml:"-"`
	RedisURL    string `yaml:"-"`
}

type HTTP struct {
	Port      string  `yaml:"port"`
	RateRPS   float64 `yaml:"rateRps"`
	RateBurst int     `yaml:"rateBurst"`
}

type Dispatch struct {
	OfferDeadlines    map[model.Priority]time.Duration `yaml:"offerDeadlines"`
	MaxOffersPerLead  int                              `yaml:"maxOffersPerLead"`
	MaxUtilizationPct float64                          `yaml:"maxUtilizationPct"`
	HistoryLimit      int                              `yaml:"historyLimit"`
	RecentWindow      time.Duration                    `yaml:"recentWindow"`
}

type Travel struct {
	SpeedKmh          float64 `yaml:"speedKmh"`
	EmergencySpeedKmh float64 `yaml:"emergencySpeedKmh"`
}

type Webhooks struct {
	Secret      string        `yaml:"-"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// DefaultServiceTypes is the restoration catalog accepted out of the box.
var DefaultServiceTypes = []string{
	"water_damage", "fire_damage", "mould_remediation", "storm_damage", "flood_recovery",
	"sewage_cleanup", "biohazard_cleaning", "trauma_scene_cleaning", "vandalism_repair",
	"emergency_board_up", "asbestos_removal",
}

func Default() Config {
	return Config{
		HTTP:    HTTP{Port: "8080", RateRPS: 20, RateBurst: 40},
		Scoring: matching.DefaultWeights(),
		Dispatch: Dispatch{
			OfferDeadlines: map[model.Priority]time.Duration{
				model.PriorityCritical: 2 * time.Minute,
				model.PriorityHigh:     5 * time.Minute,
				model.PriorityMedium:   15 * time.Minute,
				model.PriorityLow:      30 * time.Minute,
			},
			MaxUtilizationPct: 100,
			HistoryLimit:      1000,
			RecentWindow:      24 * time.Hour,
		},
		Travel:       Travel{SpeedKmh: 56, EmergencySpeedKmh: 72},
		ServiceTypes: append([]string(nil), DefaultServiceTypes...),
		Webhooks:     Webhooks{Timeout: 5 * time.Second, MaxAttempts: 3},
	}
}

// Load builds the config: defaults, then the YAML file at path (if any), then
// environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data, cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over a copy of base. Unknown keys are rejected.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base.clone()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Marshal renders the serializable part of the config.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv overlays environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.HTTP.Port = v
	}
	c.DatabaseURL = getenv("DATABASE_URL")
	c.RedisURL = getenv("REDIS_URL")
	if v := getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.HTTP.RateRPS = f
	}
	if v := getenv("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		c.HTTP.RateBurst = n
	}
	if v := getenv("WEBHOOK_SECRET"); v != "" {
		c.Webhooks.Secret = v
	}
	if v := getenv("OFFER_WEBHOOK_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFER_WEBHOOK_TIMEOUT_MS: %w", err)
		}
		c.Webhooks.Timeout = time.Duration(n) * time.Millisecond
	}
	if v := getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		c.Webhooks.MaxAttempts = n
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	for p, d := range c.Dispatch.OfferDeadlines {
		if !p.IsValid() {
			return fmt.Errorf("dispatch.offerDeadlines: unknown priority %q", p)
		}
		if d <= 0 {
			return fmt.Errorf("dispatch.offerDeadlines[%s] must be > 0", p)
		}
	}
	if c.Dispatch.MaxOffersPerLead < 0 || c.Dispatch.HistoryLimit < 0 || c.Dispatch.RecentWindow < 0 {
		return fmt.Errorf("dispatch limits must be >= 0")
	}
	if c.Dispatch.MaxUtilizationPct < 0 || c.Dispatch.MaxUtilizationPct > 100 {
		return fmt.Errorf("dispatch.maxUtilizationPct must be in [0,100]")
	}
	if c.Travel.SpeedKmh <= 0 || c.Travel.EmergencySpeedKmh < 0 {
		return fmt.Errorf("travel speeds must be positive")
	}
	if len(c.ServiceTypes) == 0 {
		return fmt.Errorf("serviceTypes must not be empty")
	}
	for _, s := range c.ServiceTypes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("serviceTypes contains an empty entry")
		}
	}
	if c.HTTP.RateRPS < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("http rate limits must be >= 0")
	}
	if c.Webhooks.Timeout < 0 || c.Webhooks.MaxAttempts < 0 {
		return fmt.Errorf("webhooks values must be >= 0")
	}
	return nil
}

// Settings projects the config onto what one dispatch cycle needs.
func (c Config) Settings() dispatch.Settings {
	return dispatch.Settings{
		Weights: c.Scoring,
		Filter: matching.FilterOptions{
			MaxUtilizationPct: c.Dispatch.MaxUtilizationPct,
			SpeedKmh:          c.Travel.SpeedKmh,
			EmergencySpeedKmh: c.Travel.EmergencySpeedKmh,
		},
		OfferDeadlines:   c.Dispatch.OfferDeadlines,
		MaxOffersPerLead: c.Dispatch.MaxOffersPerLead,
		RecentWindow:     c.Dispatch.RecentWindow,
		HistoryLimit:     c.Dispatch.HistoryLimit,
		ServiceTypes:     c.ServiceTypes,
	}
}

func (c Config) clone() Config {
	out := c
	out.ServiceTypes = append([]string(nil), c.ServiceTypes...)
	out.Dispatch.OfferDeadlines = make(map[model.Priority]time.Duration, len(c.Dispatch.OfferDeadlines))
	for k, v := range c.Dispatch.OfferDeadlines {
		out.Dispatch.OfferDeadlines[k] = v
	}
	out.Scoring.ProximityFactor = make(map[model.Priority]float64, len(c.Scoring.ProximityFactor))
	for k, v := range c.Scoring.ProximityFactor {
		out.Scoring.ProximityFactor[k] = v
	}
	return out
}

// Live holds the current config. Readers get a consistent value; writers
// replace it whole.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(c Config) *Live {
	l := &Live{}
	l.p.Store(&c)
	return l
}

func (l *Live) Get() Config { return *l.p.Load() }

// Set validates and installs c. Environment-only fields are carried over.
func (l *Live) Set(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cur := l.p.Load()
	c.DatabaseURL, c.RedisURL, c.Webhooks.Secret = cur.DatabaseURL, cur.RedisURL, cur.Webhooks.Secret
	l.p.Store(&c)
	return nil
}

func (l *Live) Settings() dispatch.Settings { return l.Get().Settings() }
