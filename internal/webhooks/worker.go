package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"leaddispatch/internal/logx"
	"leaddispatch/internal/model"
)

var ErrNoEndpoint = errors.New("contractor has no webhook endpoint")

// Event types posted to contractor endpoints.
const (
	EventOfferPending   = "offer.pending"
	EventOfferWithdrawn = "offer.withdrawn"
	EventOfferTimedOut  = "offer.timed_out"
)

// closedEventType maps a lapsed offer to the event posted for it.
func closedEventType(s model.OfferState) string {
	if s == model.OfferTimedOut {
		return EventOfferTimedOut
	}
	return EventOfferWithdrawn
}

// OfferPayload is the JSON body of an offer webhook.
type OfferPayload struct {
	ID    string       `json:"id"`
	Type  string       `json:"type"`
	TS    string       `json:"ts"`
	Offer model.Offer  `json:"offer"`
	Lead  *LeadSummary `json:"lead,omitempty"`
}

// LeadSummary is what a contractor sees of a lead before accepting it.
type LeadSummary struct {
	ID             string         `json:"id"`
	ServiceType    string         `json:"serviceType"`
	Priority       model.Priority `json:"priority"`
	Address        string         `json:"address,omitempty"`
	EstimatedValue float64        `json:"estimatedValue,omitempty"`
	Lat            float64        `json:"lat"`
	Lng            float64        `json:"lng"`
}

// Worker delivers signed offer webhooks to contractor endpoints. Delivery of
// a pending offer retries with backoff until it succeeds, attempts run out
// or ctx (bounded by the offer deadline) ends.
type Worker struct {
	HTTP        *http.Client
	Secret      string
	MaxAttempts int
	BaseBackoff time.Duration
	log         *logx.Logger
}

func NewWorker(secret string, timeout time.Duration, maxAttempts int) *Worker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		HTTP:        &http.Client{Timeout: timeout},
		Secret:      secret,
		MaxAttempts: maxAttempts,
		BaseBackoff: 250 * time.Millisecond,
		log:         logx.New("webhooks"),
	}
}

func (w *Worker) Name() string { return "webhook" }

func (w *Worker) NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error {
	if c.NotifyURL == "" {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(OfferPayload{
		ID:    "evt_" + uuid.NewString(),
		Type:  EventOfferPending,
		TS:    time.Now().UTC().Format(time.RFC3339),
		Offer: offer,
		Lead: &LeadSummary{
			ID: lead.ID, ServiceType: lead.ServiceType, Priority: lead.Priority, Address: lead.Address,
			EstimatedValue: lead.EstimatedValue, Lat: lead.Location.Lat, Lng: lead.Location.Lng,
		},
	})
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < w.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("offer %s: %w (last: %v)", offer.ID, ctx.Err(), lastErr)
			case <-time.After(nextBackoff(attempt-1, w.BaseBackoff)):
			}
		}
		code, err := w.post(ctx, c.NotifyURL, EventOfferPending, body)
		if err == nil && code >= 200 && code < 300 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("status %d", code)
		}
		lastErr = err
		w.log.Warnf("offer=%s contractor=%s attempt=%d delivery failed: %v", offer.ID, c.ID, attempt+1, err)
		// 4xx other than 429 will not get better on retry.
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			break
		}
	}
	return fmt.Errorf("offer %s to %s: %w", offer.ID, c.ID, lastErr)
}

// NotifyClosed makes a single best-effort delivery.
func (w *Worker) NotifyClosed(ctx context.Context, c model.Contractor, offer model.Offer) {
	if c.NotifyURL == "" {
		return
	}
	typ := closedEventType(offer.State)
	body, err := json.Marshal(OfferPayload{
		ID:    "evt_" + uuid.NewString(),
		Type:  typ,
		TS:    time.Now().UTC().Format(time.RFC3339),
		Offer: offer,
	})
	if err != nil {
		return
	}
	if code, err := w.post(ctx, c.NotifyURL, typ, body); err != nil || code >= 300 {
		w.log.Infof("offer=%s %s notice to %s not delivered: code=%d err=%v", offer.ID, typ, c.ID, code, err)
	}
}

func (w *Worker) post(ctx context.Context, url, eventType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, eventType)
	if w.Secret != "" {
		ts := time.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, SignHMAC(w.Secret, ts, body))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	return resp.StatusCode, nil
}

func nextBackoff(attempts int, base time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	d := base * time.Duration(1<<attempts)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
