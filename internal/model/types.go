package model

import (
	"fmt"
	"strings"
	"time"

	"leaddispatch/internal/geo"
)

// Availability is the contractor's self-reported working state.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	OffDuty   Availability = "off_duty"
	Suspended Availability = "suspended"
)

// IsValid reports whether a is a known availability state.
func (a Availability) IsValid() bool {
	switch a {
	case Available, Busy, OffDuty, Suspended:
		return true
	}
	return false
}

// Priority is the urgency class of a lead.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority, most urgent first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ServiceArea is where a contractor is willing to work.
type ServiceArea struct {
	Center          geo.Coordinates  `json:"center"`
	PrimaryRadiusKm float64          `json:"primaryRadiusKm"`
	MaxRadiusKm     float64          `json:"maxRadiusKm"`
	ResponseMinutes map[Priority]int `json:"responseMinutes,omitempty"` // target arrival per priority
}

// Validate enforces 0 <= primary radius <= max radius and a valid center.
func (a ServiceArea) Validate() error {
	if err := a.Center.Validate(); err != nil {
		return err
	}
	if a.MaxRadiusKm < 0 || a.PrimaryRadiusKm < 0 {
		return fmt.Errorf("service area radius must be >= 0")
	}
	if a.PrimaryRadiusKm > a.MaxRadiusKm {
		return fmt.Errorf("primary radius %.2f exceeds max radius %.2f", a.PrimaryRadiusKm, a.MaxRadiusKm)
	}
	return nil
}

// ResponseTarget returns the contractor's response target for p, or 0 if none is declared.
func (a ServiceArea) ResponseTarget(p Priority) time.Duration {
	if m, ok := a.ResponseMinutes[p]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	return 0
}

// Contractor is a directory record as of the dispatch snapshot.
type Contractor struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name,omitempty"`
	ServiceArea        ServiceArea  `json:"serviceArea"`
	ServiceTypes       []string     `json:"serviceTypes"`
	Availability       Availability `json:"availability"`
	MaxActiveJobs      int          `json:"maxActiveJobs"`
	CurrentActiveJobs  int          `json:"currentActiveJobs"`
	KPIScore           float64      `json:"kpiScore"`           // 0..100
	KPIBonusMultiplier float64      `json:"kpiBonusMultiplier"` // derived from KPIScore by back-office
	LeadSharePct       float64      `json:"leadSharePct"`       // trailing share of leads, percent
	NotifyURL          string       `json:"notifyUrl,omitempty"`
	UpdatedAt          time.Time    `json:"updatedAt,omitempty"`
}

// Offers reports whether the contractor declares serviceType.
func (c Contractor) Offers(serviceType string) bool {
	for _, s := range c.ServiceTypes {
		if strings.EqualFold(s, serviceType) {
			return true
		}
	}
	return false
}

// Utilization returns current/max as a percentage; 100 when max is zero.
func (c Contractor) Utilization() float64 {
	if c.MaxActiveJobs <= 0 {
		return 100
	}
	return float64(c.CurrentActiveJobs) / float64(c.MaxActiveJobs) * 100
}

func (c Contractor) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("contractor id required")
	}
	if !c.Availability.IsValid() {
		return fmt.Errorf("invalid availability %q", c.Availability)
	}
	if c.MaxActiveJobs < 0 || c.CurrentActiveJobs < 0 {
		return fmt.Errorf("capacity must be >= 0")
	}
	if c.KPIScore < 0 || c.KPIScore > 100 {
		return fmt.Errorf("kpiScore must be in [0,100]")
	}
	return c.ServiceArea.Validate()
}

// LeadState is the dispatch state of a lead.
type LeadState string

const (
	LeadQueued    LeadState = "queued"
	LeadOffering  LeadState = "offering"
	LeadAssigned  LeadState = "assigned"
	LeadExpired   LeadState = "expired"
	LeadCancelled LeadState = "cancelled"
)

// IsTerminal returns true for assigned, expired and cancelled.
func (s LeadState) IsTerminal() bool {
	return s == LeadAssigned || s == LeadExpired || s == LeadCancelled
}

// Lead is an incoming restoration job.
type Lead struct {
	ID             string          `json:"id"`
	Location       geo.Coordinates `json:"location"`
	Address        string          `json:"address,omitempty"`
	ServiceType    string          `json:"serviceType"`
	Priority       Priority        `json:"priority"`
	EstimatedValue float64         `json:"estimatedValue,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Score is the per-contractor scoring breakdown.
type Score struct {
	Base           float64 `json:"base"`
	KPIBonus       float64 `json:"kpiBonus"`
	ProximityBonus float64 `json:"proximityBonus"`
	LoadBalancing  float64 `json:"loadBalancing"`
	Final          float64 `json:"final"`
}

// EligibleContractor is a contractor that passed the hard filters for one lead.
// It is recomputed every dispatch cycle and never shared between leads.
type EligibleContractor struct {
	ContractorID         string  `json:"contractorId"`
	DistanceKm           float64 `json:"distanceKm"`
	DriveSec             int     `json:"driveSec"`
	ActiveJobs           int     `json:"activeJobs"`
	MaxActiveJobs        int     `json:"maxActiveJobs"`
	KPIBonusMultiplier   float64 `json:"kpiBonusMultiplier"`
	LeadSharePct         float64 `json:"leadSharePct"`
	RecentAssignments    int     `json:"recentAssignments,omitempty"`
	WithinPrimaryRadius  bool    `json:"withinPrimaryRadius"`
	WithinResponseTarget bool    `json:"withinResponseTarget"`
	Score                Score   `json:"score"`
	Rank                 int     `json:"rank"`
}

// OfferState is the lifecycle of a single offer.
type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferDeclined  OfferState = "declined"
	OfferTimedOut  OfferState = "timed_out"
	OfferWithdrawn OfferState = "withdrawn" // preempted by lead cancellation
)

func (s OfferState) IsTerminal() bool { return s != OfferPending && s != "" }

// Offer is a time-boxed proposal of a lead to one contractor.
type Offer struct {
	ID           string     `json:"id"`
	LeadID       string     `json:"leadId"`
	ContractorID string     `json:"contractorId"`
	State        OfferState `json:"state"`
	Rank         int        `json:"rank"`
	Score        float64    `json:"score"`
	IssuedAt     time.Time  `json:"issuedAt"`
	Deadline     time.Time  `json:"deadline"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Decision is a contractor's answer relayed by the acceptance channel.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

func (d Decision) IsValid() bool { return d == DecisionAccept || d == DecisionDecline }

// Assignment is the immutable, write-once outcome of a successful dispatch.
type Assignment struct {
	ID           string    `json:"id"`
	LeadID       string    `json:"leadId"`
	ContractorID string    `json:"contractorId"`
	Score        float64   `json:"score"`
	AssignedAt   time.Time `json:"assignedAt"`
}

// Outcome reasons reported with non-assigned results.
const (
	ReasonNoEligibleContractors = "no_eligible_contractors"
	ReasonQueueExhausted        = "queue_exhausted"
	ReasonOfferBudgetExhausted  = "offer_budget_exhausted"
	ReasonCancelled             = "cancelled"
	ReasonContextDone           = "context_done"
	ReasonRegistryUnavailable   = "registry_unavailable"
	ReasonLedgerUnavailable     = "ledger_unavailable"
	ReasonInvariantViolated     = "invariant_violated"
	ReasonPersistFailed         = "persist_failed"
	ReasonUnreachable           = "unreachable"
)

// AssignmentResult is what a caller of Dispatch sees: one of assigned,
// expired or cancelled.
type AssignmentResult struct {
	LeadID       string      `json:"leadId"`
	State        LeadState   `json:"state"`
	ContractorID string      `json:"contractorId,omitempty"`
	Score        float64     `json:"score,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	OffersMade   int         `json:"offersMade"`
	Assignment   *Assignment `json:"assignment,omitempty"`
	FinishedAt   time.Time   `json:"finishedAt"`
}

// CapacityUsage is the ledger view of one contractor.
type CapacityUsage struct {
	ContractorID string `json:"contractorId"`
	Current      int    `json:"current"`
	Max          int    `json:"max"`
}
