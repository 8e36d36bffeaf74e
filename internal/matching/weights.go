// Package matching turns a lead and a contractor snapshot into a ranked offer
// queue. Everything here is pure: no locking, no I/O.
package matching

import (
	"fmt"

	"leaddispatch/internal/model"
)

// LoadPolicy selects the load-balancing adjustment function.
type LoadPolicy string

const (
	// PolicyProportional scales the adjustment by share relative to the cohort average.
	PolicyProportional LoadPolicy = "proportional"
	// PolicyLinear uses the raw percentage-point difference from the cohort average.
	PolicyLinear LoadPolicy = "linear"
	// PolicyThreshold penalises shares over a cap and boosts shares under half of it.
	PolicyThreshold LoadPolicy = "threshold"
)

// LoadBalancing tunes the fairness term subtracted from the score.
type LoadBalancing struct {
	Policy        LoadPolicy `yaml:"policy"`
	Weight        float64    `yaml:"weight"`
	MaxAdjustment float64    `yaml:"maxAdjustment"`
	MaxSharePct   float64    `yaml:"maxSharePct"` // threshold policy only
	Penalty       float64    `yaml:"penalty"`     // threshold policy only
	Boost         float64    `yaml:"boost"`       // threshold policy only
	RecentWeight  float64    `yaml:"recentWeight"`
	RecentCap     float64    `yaml:"recentCap"`
}

// Weights are the operator-tunable scoring and ranking constants.
type Weights struct {
	BaseScore       float64                    `yaml:"baseScore"`
	MinMultiplier   float64                    `yaml:"minMultiplier"`
	MaxMultiplier   float64                    `yaml:"maxMultiplier"`
	ProximityCap    float64                    `yaml:"proximityCap"`
	ProximityWeight float64                    `yaml:"proximityWeight"` // points lost per km
	ProximityFactor map[model.Priority]float64 `yaml:"proximityFactor,omitempty"`
	LoadBalancing   LoadBalancing              `yaml:"loadBalancing"`
	TieEpsilon      float64                    `yaml:"tieEpsilon"`
}

// DefaultWeights mirrors the production allocation defaults.
func DefaultWeights() Weights {
	return Weights{
		BaseScore:       100,
		MinMultiplier:   0.5,
		MaxMultiplier:   1.5,
		ProximityCap:    20,
		ProximityWeight: 1,
		ProximityFactor: map[model.Priority]float64{
			model.PriorityCritical: 1.5,
			model.PriorityHigh:     1.2,
			model.PriorityMedium:   1,
			model.PriorityLow:      1,
		},
		LoadBalancing: LoadBalancing{
			Policy:        PolicyProportional,
			Weight:        0.25,
			MaxAdjustment: 30,
			MaxSharePct:   30,
			Penalty:       20,
			Boost:         10,
			RecentWeight:  2,
			RecentCap:     20,
		},
		TieEpsilon: 1e-6,
	}
}

// Validate rejects weight sets that would break scoring invariants.
func (w Weights) Validate() error {
	if w.BaseScore <= 0 {
		return fmt.Errorf("baseScore must be > 0")
	}
	if w.MinMultiplier < 0 || w.MaxMultiplier < w.MinMultiplier {
		return fmt.Errorf("multiplier bounds must satisfy 0 <= min <= max (got %v..%v)", w.MinMultiplier, w.MaxMultiplier)
	}
	if w.ProximityCap < 0 || w.ProximityWeight <= 0 {
		return fmt.Errorf("proximityCap must be >= 0 and proximityWeight > 0")
	}
	for p, f := range w.ProximityFactor {
		if !p.IsValid() {
			return fmt.Errorf("proximityFactor: unknown priority %q", p)
		}
		if f < 0 {
			return fmt.Errorf("proximityFactor[%s] must be >= 0", p)
		}
	}
	lb := w.LoadBalancing
	switch lb.Policy {
	case PolicyProportional, PolicyLinear, PolicyThreshold:
	case "":
		return fmt.Errorf("loadBalancing.policy required")
	default:
		return fmt.Errorf("unknown loadBalancing.policy %q", lb.Policy)
	}
	if lb.Weight < 0 || lb.MaxAdjustment < 0 || lb.Penalty < 0 || lb.Boost < 0 || lb.RecentWeight < 0 || lb.RecentCap < 0 {
		return fmt.Errorf("loadBalancing values must be >= 0")
	}
	if w.TieEpsilon < 0 {
		return fmt.Errorf("tieEpsilon must be >= 0")
	}
	return nil
}

func (w Weights) proximityFactor(p model.Priority) float64 {
	if f, ok := w.ProximityFactor[p]; ok {
		return f
	}
	return 1
}
