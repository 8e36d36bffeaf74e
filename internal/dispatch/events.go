package dispatch

import (
	"context"
	"time"

	"leaddispatch/internal/model"
)

// Lead event types published on every transition.
const (
	EventLeadQueued     = "lead.queued"
	EventOfferPending   = "offer.pending"
	EventOfferAccepted  = "offer.accepted"
	EventOfferDeclined  = "offer.declined"
	EventOfferTimedOut  = "offer.timed_out"
	EventOfferWithdrawn = "offer.withdrawn"
	EventLeadAssigned   = "lead.assigned"
	EventLeadExpired    = "lead.expired"
	EventLeadCancelled  = "lead.cancelled"
)

type Event struct {
	Type   string                  `json:"type"`
	LeadID string                  `json:"leadId"`
	State  model.LeadState         `json:"state"`
	Offer  *model.Offer            `json:"offer,omitempty"`
	Result *model.AssignmentResult `json:"result,omitempty"`
	At     time.Time               `json:"at"`
}

// EventSink receives lead events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

// Notifier delivers offers to contractors. An error from NotifyOffer means
// the contractor could not be reached and is treated as a decline.
// NotifyClosed tells the contractor a pending offer ended without their
// decision taking effect (withdrawn or timed out); it is best effort.
type Notifier interface {
	NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error
	NotifyClosed(ctx context.Context, c model.Contractor, offer model.Offer)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

type nopNotifier struct{}

func (nopNotifier) NotifyOffer(context.Context, model.Contractor, model.Lead, model.Offer) error {
	return nil
}
func (nopNotifier) NotifyClosed(context.Context, model.Contractor, model.Offer) {}

func offerEventType(s model.OfferState) string {
	switch s {
	case model.OfferPending:
		return EventOfferPending
	case model.OfferAccepted:
		return EventOfferAccepted
	case model.OfferDeclined:
		return EventOfferDeclined
	case model.OfferTimedOut:
		return EventOfferTimedOut
	default:
		return EventOfferWithdrawn
	}
}

func leadEventType(s model.LeadState) string {
	switch s {
	case model.LeadAssigned:
		return EventLeadAssigned
	case model.LeadCancelled:
		return EventLeadCancelled
	case model.LeadExpired:
		return EventLeadExpired
	default:
		return EventLeadQueued
	}
}
