package store

import (
	"context"
	"errors"
	"time"

	"leaddispatch/internal/model"
)

// Store is the persistence contract the dispatch engine needs: a contractor
// directory to snapshot, and a sink for lead, offer and assignment history.
type Store interface {
	// Contractor directory
	ListContractors(ctx context.Context) ([]model.Contractor, error)
	GetContractor(ctx context.Context, id string) (model.Contractor, error)
	UpsertContractor(ctx context.Context, c model.Contractor) error

	// Leads
	SaveLead(ctx context.Context, lead model.Lead) error
	GetLead(ctx context.Context, id string) (LeadRecord, error)
	UpdateLeadState(ctx context.Context, id string, state model.LeadState, reason string) error

	// Offers (upsert by offer id)
	RecordOffer(ctx context.Context, offer model.Offer) error
	ListOffers(ctx context.Context, leadID string) ([]model.Offer, error)

	// Assignments are write-once per lead.
	SaveAssignment(ctx context.Context, a model.Assignment) error
	GetAssignment(ctx context.Context, leadID string) (model.Assignment, error)
	RecentAssignmentCounts(ctx context.Context, since time.Time) (map[string]int, error)
	CompleteJob(ctx context.Context, leadID string, at time.Time) (model.Assignment, error)

	Ping(ctx context.Context) error
}

// LeadRecord is a lead plus its persisted dispatch state.
type LeadRecord struct {
	Lead      model.Lead      `json:"lead"`
	State     model.LeadState `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyAssigned  = errors.New("lead already assigned")
	ErrAlreadyCompleted = errors.New("job already completed")
)
