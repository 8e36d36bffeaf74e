// Package dispatch drives the offer protocol for each lead: one goroutine per
// lead walks the ranked queue, holds at most one pending offer, and commits
// the assignment exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"leaddispatch/internal/ledger"
	"leaddispatch/internal/logx"
	"leaddispatch/internal/matching"
	"leaddispatch/internal/metrics"
	"leaddispatch/internal/model"
	"leaddispatch/internal/store"
)

var (
	ErrInvalidLead        = errors.New("invalid lead")
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrInvalidDecision    = errors.New("invalid decision")
	ErrLeadInFlight       = errors.New("lead already dispatching")
	ErrUnknownLead        = errors.New("unknown lead")
	ErrNoPendingOffer     = errors.New("no pending offer for contractor")
	ErrLeadTerminal       = errors.New("lead already terminal")
	// ErrInvariant wraps faults that must never happen: ledger underflow,
	// a corrupt ledger entry or a second assignment for one lead.
	ErrInvariant = errors.New("dispatch invariant violated")
)

// Outcome is delivered once per run on the channel returned by Start.
type Outcome struct {
	Result model.AssignmentResult
	Err    error
}

// Status is the observable state of one lead's dispatch.
type Status struct {
	Lead         model.Lead                 `json:"lead"`
	State        model.LeadState            `json:"state"`
	CurrentOffer *model.Offer               `json:"currentOffer,omitempty"`
	Offers       []model.Offer              `json:"offers"`
	Queue        []model.EligibleContractor `json:"queue,omitempty"`
	// ExpiresBy bounds an in-flight dispatch: every queued contractor
	// letting its offer run to the deadline.
	ExpiresBy *time.Time              `json:"expiresBy,omitempty"`
	Result    *model.AssignmentResult `json:"result,omitempty"`
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }
func WithEvents(s EventSink) Option  { return func(c *Coordinator) { c.events = s } }

// WithSettings installs the settings source read at the start of every run.
func WithSettings(fn func() Settings) Option { return func(c *Coordinator) { c.settings = fn } }

type Coordinator struct {
	store    store.Store
	ledger   ledger.Ledger
	notifier Notifier
	events   EventSink
	settings func() Settings
	log      *logx.Logger

	mu       sync.Mutex
	runs     map[string]*run
	finished []string // lead ids in completion order, for pruning
	wg       sync.WaitGroup
}

func New(st store.Store, l ledger.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		ledger:   l,
		notifier: nopNotifier{},
		events:   nopSink{},
		settings: DefaultSettings,
		log:      logx.New("dispatch"),
		runs:     map[string]*run{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type response struct {
	offerID  string
	decision model.Decision
}

type run struct {
	lead      model.Lead
	started   time.Time
	cancelCh  chan struct{}
	responses chan response
	done      chan struct{}
	out       chan Outcome

	cancelOnce sync.Once

	mu        sync.Mutex
	state     model.LeadState
	cancelled bool
	current   *model.Offer
	offers    []model.Offer
	queue     []model.EligibleContractor
	expiresBy time.Time
	result    *model.AssignmentResult
}

// Start validates the lead and launches its dispatch. Validation failures are
// returned synchronously and never enter the state machine. ctx bounds the
// whole run; its cancellation ends the lead as cancelled.
func (c *Coordinator) Start(ctx context.Context, lead model.Lead) (<-chan Outcome, error) {
	set := c.settings()
	lead, err := c.validate(lead, set)
	if err != nil {
		return nil, err
	}
	r := &run{
		lead:      lead,
		started:   time.Now(),
		cancelCh:  make(chan struct{}),
		responses: make(chan response, 8),
		done:      make(chan struct{}),
		out:       make(chan Outcome, 1),
		state:     model.LeadQueued,
	}

	c.mu.Lock()
	if prev, ok := c.runs[lead.ID]; ok {
		c.mu.Unlock()
		select {
		case <-prev.done:
			return nil, fmt.Errorf("lead %s: %w", lead.ID, ErrLeadTerminal)
		default:
			return nil, fmt.Errorf("lead %s: %w", lead.ID, ErrLeadInFlight)
		}
	}
	c.runs[lead.ID] = r
	c.mu.Unlock()

	if rec, err := c.store.GetLead(ctx, lead.ID); err == nil && rec.State.IsTerminal() {
		c.mu.Lock()
		delete(c.runs, lead.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("lead %s: %w", lead.ID, ErrLeadTerminal)
	}

	if err := c.store.SaveLead(ctx, lead); err != nil {
		c.mu.Lock()
		delete(c.runs, lead.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("save lead: %w", err)
	}
	c.publish(r, Event{Type: EventLeadQueued, State: model.LeadQueued})

	c.wg.Add(1)
	go c.execute(ctx, r, set)
	return r.out, nil
}

// Dispatch runs a lead to a terminal state and returns its result.
func (c *Coordinator) Dispatch(ctx context.Context, lead model.Lead) (model.AssignmentResult, error) {
	ch, err := c.Start(ctx, lead)
	if err != nil {
		return model.AssignmentResult{}, err
	}
	o := <-ch
	return o.Result, o.Err
}

// Cancel asks the lead's run to stop. Once Cancel returns nil the lead will
// never become assigned.
func (c *Coordinator) Cancel(leadID string) error {
	r, err := c.lookup(leadID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("lead %s: %w", leadID, ErrLeadTerminal)
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	return nil
}

// Respond relays a contractor's decision on the lead's pending offer.
func (c *Coordinator) Respond(leadID, contractorID string, d model.Decision) error {
	if !d.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	r, err := c.lookup(leadID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return fmt.Errorf("lead %s: %w", leadID, ErrLeadTerminal)
	}
	if r.current == nil || r.current.ContractorID != contractorID {
		return fmt.Errorf("lead %s contractor %s: %w", leadID, contractorID, ErrNoPendingOffer)
	}
	select {
	case r.responses <- response{offerID: r.current.ID, decision: d}:
		return nil
	default:
		return fmt.Errorf("lead %s contractor %s: %w", leadID, contractorID, ErrNoPendingOffer)
	}
}

// Status reports a lead's dispatch. Leads no longer held in memory are read
// back from the store.
func (c *Coordinator) Status(ctx context.Context, leadID string) (Status, error) {
	c.mu.Lock()
	r, ok := c.runs[leadID]
	c.mu.Unlock()
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		st := Status{
			Lead:   r.lead,
			State:  r.state,
			Offers: append([]model.Offer(nil), r.offers...),
			Queue:  append([]model.EligibleContractor(nil), r.queue...),
		}
		if r.current != nil {
			cur := *r.current
			st.CurrentOffer = &cur
		}
		if r.result != nil {
			res := *r.result
			st.Result = &res
		} else if !r.expiresBy.IsZero() {
			exp := r.expiresBy
			st.ExpiresBy = &exp
		}
		return st, nil
	}

	rec, err := c.store.GetLead(ctx, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("lead %s: %w", leadID, ErrUnknownLead)
	}
	if err != nil {
		return Status{}, err
	}
	offers, err := c.store.ListOffers(ctx, leadID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Lead: rec.Lead, State: rec.State, Offers: offers}
	if rec.State.IsTerminal() {
		res := model.AssignmentResult{LeadID: leadID, State: rec.State, Reason: rec.Reason, OffersMade: len(offers), FinishedAt: rec.UpdatedAt}
		if a, err := c.store.GetAssignment(ctx, leadID); err == nil {
			res.ContractorID = a.ContractorID
			res.Score = a.Score
			res.Assignment = &a
		}
		st.Result = &res
	}
	return st, nil
}

// CompleteJob releases the capacity unit held by an assigned lead. Repeated
// calls for the same lead release nothing.
func (c *Coordinator) CompleteJob(ctx context.Context, leadID string) (model.Assignment, error) {
	a, err := c.store.CompleteJob(ctx, leadID, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return a, fmt.Errorf("lead %s has no assignment: %w", leadID, ErrUnknownLead)
	case errors.Is(err, store.ErrAlreadyCompleted):
		return a, nil
	case err != nil:
		return a, err
	}
	if err := c.release(ctx, a.ContractorID); err != nil {
		return a, err
	}
	c.log.Infof("job completed lead=%s contractor=%s", leadID, a.ContractorID)
	return a, nil
}

// Wait blocks until every started run has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// InFlight returns the ids of leads still dispatching.
func (c *Coordinator) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, r := range c.runs {
		select {
		case <-r.done:
		default:
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) lookup(leadID string) (*run, error) {
	c.mu.Lock()
	r, ok := c.runs[leadID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", leadID, ErrUnknownLead)
	}
	return r, nil
}

func (c *Coordinator) validate(lead model.Lead, set Settings) (model.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if err := lead.Location.Validate(); err != nil {
		return lead, fmt.Errorf("lead %s: %w", lead.ID, err)
	}
	if !set.knownServiceType(lead.ServiceType) {
		return lead, fmt.Errorf("%w: %q", ErrUnknownServiceType, lead.ServiceType)
	}
	if lead.Priority == "" {
		lead.Priority = model.PriorityMedium
	}
	if !lead.Priority.IsValid() {
		return lead, fmt.Errorf("%w: priority %q", ErrInvalidLead, lead.Priority)
	}
	if lead.EstimatedValue < 0 {
		return lead, fmt.Errorf("%w: estimatedValue must be >= 0", ErrInvalidLead)
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	return lead, nil
}

// execute is the per-lead state machine.
func (c *Coordinator) execute(ctx context.Context, r *run, set Settings) {
	defer c.wg.Done()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	lead := r.lead
	contractors, skipped, err := c.snapshot(ctx)
	if err != nil {
		reason := model.ReasonRegistryUnavailable
		if errors.Is(err, errLedger) {
			reason = model.ReasonLedgerUnavailable
		}
		c.log.Errorf("lead=%s snapshot failed: %v", lead.ID, err)
		c.finish(ctx, r, model.LeadExpired, reason, nil, 0, err)
		return
	}

	var recent map[string]int
	if set.RecentWindow > 0 {
		recent, err = c.store.RecentAssignmentCounts(ctx, time.Now().Add(-set.RecentWindow))
		if err != nil {
			c.log.Warnf("lead=%s recent assignments unavailable: %v", lead.ID, err)
			recent = nil
		}
	}

	queue, fr := matching.Plan(lead, contractors, set.Weights, set.Filter, recent)
	for id := range skipped {
		if fr.Rejected == nil {
			fr.Rejected = map[string]string{}
		}
		fr.Rejected[id] = matching.RejectLedgerUnavailable
	}
	c.log.Debugf("lead=%s eligible=%d rejected=%d", lead.ID, len(queue), len(fr.Rejected))
	if reason, stop := c.stopped(ctx, r); stop {
		c.finish(ctx, r, model.LeadCancelled, reason, nil, 0, nil)
		return
	}
	if fr.NoEligibleContractors() {
		c.finish(ctx, r, model.LeadExpired, model.ReasonNoEligibleContractors, nil, 0, nil)
		return
	}

	r.mu.Lock()
	r.queue = queue
	r.expiresBy = time.Now().UTC().Add(time.Duration(len(queue)) * set.Deadline(lead.Priority))
	if !r.cancelled {
		r.state = model.LeadOffering
	}
	r.mu.Unlock()
	if err := c.store.UpdateLeadState(ctx, lead.ID, model.LeadOffering, ""); err != nil {
		c.log.Warnf("lead=%s persist state: %v", lead.ID, err)
	}

	byID := make(map[string]model.Contractor, len(contractors))
	for _, ct := range contractors {
		byID[ct.ID] = ct
	}

	offersMade := 0
	for _, cand := range queue {
		if set.MaxOffersPerLead > 0 && offersMade >= set.MaxOffersPerLead {
			c.finish(ctx, r, model.LeadExpired, model.ReasonOfferBudgetExhausted, nil, offersMade, nil)
			return
		}
		if reason, stop := c.stopped(ctx, r); stop {
			c.finish(ctx, r, model.LeadCancelled, reason, nil, offersMade, nil)
			return
		}

		ok, err := c.ledger.TryReserve(ctx, cand.ContractorID)
		if err != nil {
			metrics.LedgerReserve.WithLabelValues("error").Inc()
			c.fail(ctx, r, offersMade, err)
			return
		}
		if !ok {
			metrics.LedgerReserve.WithLabelValues("full").Inc()
			c.log.Infof("lead=%s contractor=%s reservation lost to another lead, skipping", lead.ID, cand.ContractorID)
			continue
		}
		metrics.LedgerReserve.WithLabelValues("granted").Inc()

		now := time.Now().UTC()
		window := set.Deadline(lead.Priority)
		offer := model.Offer{
			ID:           uuid.NewString(),
			LeadID:       lead.ID,
			ContractorID: cand.ContractorID,
			State:        model.OfferPending,
			Rank:         cand.Rank,
			Score:        cand.Score.Final,
			IssuedAt:     now,
			Deadline:     now.Add(window),
		}

		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			if err := c.release(ctx, cand.ContractorID); err != nil {
				c.fail(ctx, r, offersMade, err)
				return
			}
			c.finish(ctx, r, model.LeadCancelled, model.ReasonCancelled, nil, offersMade, nil)
			return
		}
		r.current = &offer
		r.offers = append(r.offers, offer)
		r.mu.Unlock()
		offersMade++
		c.recordOffer(ctx, r, offer)
		c.log.Infof("lead=%s offer=%s contractor=%s rank=%d score=%.2f deadline=%s",
			lead.ID, offer.ID, offer.ContractorID, offer.Rank, offer.Score, window)

		contractor := byID[cand.ContractorID]
		outcome := c.awaitDecision(ctx, r, contractor, offer, window)
		switch outcome.state {
		case model.OfferAccepted:
			a, err := c.commit(ctx, r, offer)
			if errors.Is(err, errCancelledFirst) {
				c.withdraw(ctx, r, contractor, offer, model.ReasonCancelled)
				if err := c.release(ctx, offer.ContractorID); err != nil {
					c.fail(ctx, r, offersMade, err)
					return
				}
				c.finish(ctx, r, model.LeadCancelled, model.ReasonCancelled, nil, offersMade, nil)
				return
			}
			if err != nil {
				c.log.Errorf("lead=%s assignment write failed: %v", lead.ID, err)
				if rerr := c.release(ctx, offer.ContractorID); rerr != nil {
					c.fail(ctx, r, offersMade, rerr)
					return
				}
				reason := model.ReasonPersistFailed
				if errors.Is(err, ErrInvariant) {
					reason = model.ReasonInvariantViolated
				}
				c.finish(ctx, r, model.LeadExpired, reason, nil, offersMade, err)
				return
			}
			c.finish(ctx, r, model.LeadAssigned, "", &a, offersMade, nil)
			return

		case model.OfferWithdrawn:
			c.withdraw(ctx, r, contractor, offer, outcome.reason)
			if err := c.release(ctx, offer.ContractorID); err != nil {
				c.fail(ctx, r, offersMade, err)
				return
			}
			c.finish(ctx, r, model.LeadCancelled, outcome.reason, nil, offersMade, nil)
			return

		default:
			c.resolve(ctx, r, offer, outcome.state, outcome.reason)
			if outcome.state == model.OfferTimedOut {
				c.notifyClosed(ctx, contractor, offer, outcome.state, outcome.reason)
			}
			if err := c.release(ctx, offer.ContractorID); err != nil {
				c.fail(ctx, r, offersMade, err)
				return
			}
		}
	}
	c.finish(ctx, r, model.LeadExpired, model.ReasonQueueExhausted, nil, offersMade, nil)
}

type decision struct {
	state  model.OfferState
	reason string
}

// awaitDecision is the only suspension point of a run: it waits for a
// response, the offer deadline, cancellation or a failed delivery.
func (c *Coordinator) awaitDecision(ctx context.Context, r *run, ct model.Contractor, offer model.Offer, window time.Duration) decision {
	nctx, cancel := context.WithDeadline(ctx, offer.Deadline)
	defer cancel()
	unreachable := make(chan error, 1)
	lead := r.lead
	go func() {
		if err := c.notifier.NotifyOffer(nctx, ct, lead, offer); err != nil {
			unreachable <- err
		}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case resp := <-r.responses:
			if resp.offerID != offer.ID {
				continue
			}
			if resp.decision == model.DecisionAccept {
				return decision{state: model.OfferAccepted}
			}
			return decision{state: model.OfferDeclined}
		case err := <-unreachable:
			c.log.Warnf("lead=%s contractor=%s unreachable: %v", offer.LeadID, offer.ContractorID, err)
			return decision{state: model.OfferDeclined, reason: model.ReasonUnreachable}
		case <-timer.C:
			return decision{state: model.OfferTimedOut}
		case <-r.cancelCh:
			return decision{state: model.OfferWithdrawn, reason: model.ReasonCancelled}
		case <-ctx.Done():
			return decision{state: model.OfferWithdrawn, reason: model.ReasonContextDone}
		}
	}
}

var errCancelledFirst = errors.New("cancelled before commit")

// commit turns an accepted offer into the lead's assignment unless a
// cancellation was recorded first.
func (c *Coordinator) commit(ctx context.Context, r *run, offer model.Offer) (model.Assignment, error) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return model.Assignment{}, errCancelledFirst
	}
	now := time.Now().UTC()
	offer.State = model.OfferAccepted
	offer.ResolvedAt = &now
	r.state = model.LeadAssigned
	r.current = nil
	r.setOffer(offer)
	r.mu.Unlock()
	c.recordOffer(ctx, r, offer)

	a := model.Assignment{
		ID:           uuid.NewString(),
		LeadID:       offer.LeadID,
		ContractorID: offer.ContractorID,
		Score:        offer.Score,
		AssignedAt:   now,
	}
	if err := c.store.SaveAssignment(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlreadyAssigned) {
			return a, fmt.Errorf("%w: lead %s assigned twice", ErrInvariant, offer.LeadID)
		}
		return a, err
	}
	return a, nil
}

func (c *Coordinator) resolve(ctx context.Context, r *run, offer model.Offer, state model.OfferState, reason string) {
	now := time.Now().UTC()
	offer.State = state
	offer.ResolvedAt = &now
	offer.Reason = reason
	r.mu.Lock()
	if r.current != nil && r.current.ID == offer.ID {
		r.current = nil
	}
	r.setOffer(offer)
	r.mu.Unlock()
	c.recordOffer(ctx, r, offer)
	c.log.Infof("lead=%s offer=%s contractor=%s %s", offer.LeadID, offer.ID, offer.ContractorID, state)
}

func (c *Coordinator) withdraw(ctx context.Context, r *run, ct model.Contractor, offer model.Offer, reason string) {
	c.resolve(ctx, r, offer, model.OfferWithdrawn, reason)
	c.notifyClosed(ctx, ct, offer, model.OfferWithdrawn, reason)
}

// notifyClosed tells the contractor their offer lapsed without assignment.
func (c *Coordinator) notifyClosed(ctx context.Context, ct model.Contractor, offer model.Offer, state model.OfferState, reason string) {
	now := time.Now().UTC()
	offer.State = state
	offer.Reason = reason
	offer.ResolvedAt = &now
	go c.notifier.NotifyClosed(context.WithoutCancel(ctx), ct, offer)
}

func (c *Coordinator) recordOffer(ctx context.Context, r *run, offer model.Offer) {
	if offer.State.IsTerminal() {
		metrics.Offers.WithLabelValues(string(offer.State)).Inc()
	}
	if err := c.store.RecordOffer(context.WithoutCancel(ctx), offer); err != nil {
		c.log.Warnf("lead=%s persist offer %s: %v", offer.LeadID, offer.ID, err)
	}
	o := offer
	c.publish(r, Event{Type: offerEventType(offer.State), State: r.currentState(), Offer: &o})
}

func (c *Coordinator) stopped(ctx context.Context, r *run) (string, bool) {
	select {
	case <-r.cancelCh:
		return model.ReasonCancelled, true
	case <-ctx.Done():
		return model.ReasonContextDone, true
	default:
		return "", false
	}
}

var errLedger = errors.New("ledger")

// snapshot reads the directory and overlays live ledger counts so the filter
// sees reservations made by concurrent runs. Contractors the ledger cannot
// track are left out and returned in skipped.
func (c *Coordinator) snapshot(ctx context.Context) ([]model.Contractor, map[string]error, error) {
	contractors, err := c.store.ListContractors(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list contractors: %w", err)
	}
	entries := make([]model.CapacityUsage, 0, len(contractors))
	for _, ct := range contractors {
		if ct.Availability == model.Available {
			entries = append(entries, model.CapacityUsage{ContractorID: ct.ID, Current: ct.CurrentActiveJobs, Max: ct.MaxActiveJobs})
		}
	}
	if len(entries) == 0 {
		return contractors, nil, nil
	}
	usage, failed, err := c.ledger.TrackAll(ctx, entries)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: track: %w", errLedger, err)
	}
	out := contractors[:0]
	skipped := map[string]error{}
	for _, ct := range contractors {
		if ct.Availability != model.Available {
			out = append(out, ct)
			continue
		}
		u, ok := usage[ct.ID]
		if !ok {
			skipped[ct.ID] = failed[ct.ID]
			c.log.Warnf("contractor=%s left out of dispatch: ledger: %v", ct.ID, failed[ct.ID])
			continue
		}
		ct.CurrentActiveJobs = u.Current
		ct.MaxActiveJobs = u.Max
		out = append(out, ct)
	}
	return out, skipped, nil
}

func (c *Coordinator) release(ctx context.Context, contractorID string) error {
	err := c.ledger.Release(context.WithoutCancel(ctx), contractorID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrUnderflow) || errors.Is(err, ledger.ErrCorrupt) {
		c.log.Errorf("capacity release for %s: %v", contractorID, err)
		return fmt.Errorf("%w: release %s: %w", ErrInvariant, contractorID, err)
	}
	return fmt.Errorf("release %s: %w", contractorID, err)
}

// fail ends a run on a ledger fault.
func (c *Coordinator) fail(ctx context.Context, r *run, offersMade int, err error) {
	reason := model.ReasonLedgerUnavailable
	if errors.Is(err, ErrInvariant) {
		reason = model.ReasonInvariantViolated
	}
	c.log.Errorf("lead=%s dispatch aborted: %v", r.lead.ID, err)
	c.finish(ctx, r, model.LeadExpired, reason, nil, offersMade, err)
}

func (c *Coordinator) finish(ctx context.Context, r *run, state model.LeadState, reason string, a *model.Assignment, offersMade int, err error) {
	res := model.AssignmentResult{
		LeadID:     r.lead.ID,
		State:      state,
		Reason:     reason,
		OffersMade: offersMade,
		Assignment: a,
		FinishedAt: time.Now().UTC(),
	}
	if a != nil {
		res.ContractorID = a.ContractorID
		res.Score = a.Score
	}
	r.mu.Lock()
	r.state = state
	r.current = nil
	r.result = &res
	r.mu.Unlock()

	if perr := c.store.UpdateLeadState(context.WithoutCancel(ctx), r.lead.ID, state, reason); perr != nil {
		c.log.Warnf("lead=%s persist final state: %v", r.lead.ID, perr)
	}
	label := reason
	if label == "" {
		label = "none"
	}
	metrics.DispatchOutcomes.WithLabelValues(string(state), label).Inc()
	metrics.DispatchDuration.WithLabelValues(string(state)).Observe(time.Since(r.started).Seconds())
	c.log.Infof("lead=%s finished state=%s reason=%s contractor=%s offers=%d", r.lead.ID, state, reason, res.ContractorID, offersMade)
	out := res
	c.publish(r, Event{Type: leadEventType(state), State: state, Result: &out})

	close(r.done)
	c.retire(r.lead.ID)
	r.out <- Outcome{Result: res, Err: err}
}

// retire drops the oldest finished runs beyond the history limit; their
// status is then served from the store.
func (c *Coordinator) retire(leadID string) {
	limit := c.settings().HistoryLimit
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, leadID)
	if limit <= 0 {
		limit = 1
	}
	for len(c.finished) > limit {
		delete(c.runs, c.finished[0])
		c.finished = c.finished[1:]
	}
}

func (c *Coordinator) publish(r *run, ev Event) {
	ev.LeadID = r.lead.ID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.events.Publish(ev)
}

func (r *run) currentState() model.LeadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setOffer replaces the history entry for offer. Callers hold r.mu.
func (r *run) setOffer(offer model.Offer) {
	for i := range r.offers {
		if r.offers[i].ID == offer.ID {
			r.offers[i] = offer
			return
		}
	}
	r.offers = append(r.offers, offer)
}
