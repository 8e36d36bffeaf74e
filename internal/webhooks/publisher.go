package webhooks

import (
	"context"
	"errors"
	"fmt"

	"leaddispatch/internal/metrics"
	"leaddispatch/internal/model"
)

// Channel is one way of reaching a contractor.
type Channel interface {
	Name() string
	NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error
	NotifyClosed(ctx context.Context, c model.Contractor, offer model.Offer)
}

// Publisher fans an offer out to every channel. Delivery succeeds when at
// least one channel accepts it.
type Publisher struct {
	Channels []Channel
}

func NewPublisher(channels ...Channel) *Publisher {
	return &Publisher{Channels: channels}
}

func (p *Publisher) NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error {
	if len(p.Channels) == 0 {
		return nil
	}
	var errs []error
	delivered := false
	for _, ch := range p.Channels {
		if err := ch.NotifyOffer(ctx, c, lead, offer); err != nil {
			metrics.Notifications.WithLabelValues(ch.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.Notifications.WithLabelValues(ch.Name(), "delivered").Inc()
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

func (p *Publisher) NotifyClosed(ctx context.Context, c model.Contractor, offer model.Offer) {
	for _, ch := range p.Channels {
		ch.NotifyClosed(ctx, c, offer)
	}
}
