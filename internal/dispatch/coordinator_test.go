package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"leaddispatch/internal/geo"
	"leaddispatch/internal/ledger"
	"leaddispatch/internal/model"
	"leaddispatch/internal/store"
)

var site = geo.Coordinates{Lat: -33.8688, Lng: 151.2093}

func north(p geo.Coordinates, km float64) geo.Coordinates {
	return geo.Coordinates{Lat: p.Lat + km/(geo.EarthRadiusKm*math.Pi/180), Lng: p.Lng}
}

func contractor(id string, km, kpi float64, current, max int) model.Contractor {
	return model.Contractor{
		ID:                id,
		ServiceArea:       model.ServiceArea{Center: north(site, km), PrimaryRadiusKm: 10, MaxRadiusKm: 30},
		ServiceTypes:      []string{"water_damage"},
		Availability:      model.Available,
		MaxActiveJobs:     max,
		CurrentActiveJobs: current,
		KPIScore:          kpi,
		LeadSharePct:      10,
	}
}

func waterLead(id string) model.Lead {
	return model.Lead{ID: id, Location: site, ServiceType: "water_damage", Priority: model.PriorityHigh}
}

// recorder captures events and exposes pending offers as they are issued.
type recorder struct {
	mu      sync.Mutex
	events  []Event
	pending chan model.Offer
}

func newRecorder() *recorder { return &recorder{pending: make(chan model.Offer, 128)} }

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == EventOfferPending && ev.Offer != nil {
		r.pending <- *ev.Offer
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) nextOffer(t *testing.T) model.Offer {
	t.Helper()
	select {
	case o := <-r.pending:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("no pending offer issued")
		return model.Offer{}
	}
}

type fixture struct {
	c      *Coordinator
	st     *store.Memory
	ledger *ledger.Memory
	rec    *recorder
}

func newFixture(t *testing.T, deadline time.Duration, mutate func(*Settings), opts ...Option) fixture {
	t.Helper()
	set := DefaultSettings()
	for _, p := range model.Priorities {
		set.OfferDeadlines[p] = deadline
	}
	set.ServiceTypes = []string{"water_damage", "fire_damage"}
	if mutate != nil {
		mutate(&set)
	}
	f := fixture{st: store.NewMemory(), ledger: ledger.NewMemory(), rec: newRecorder()}
	all := append([]Option{WithEvents(f.rec), WithSettings(func() Settings { return set })}, opts...)
	f.c = New(f.st, f.ledger, all...)
	t.Cleanup(f.c.Wait)
	return f
}

func (f fixture) seed(t *testing.T, cs ...model.Contractor) {
	t.Helper()
	for _, c := range cs {
		if err := f.st.UpsertContractor(context.Background(), c); err != nil {
			t.Fatalf("seed %s: %v", c.ID, err)
		}
	}
}

func (f fixture) usage(t *testing.T, id string) int {
	t.Helper()
	u, err := f.ledger.Usage(context.Background(), id)
	if err != nil {
		t.Fatalf("usage %s: %v", id, err)
	}
	return u.Current
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch did not finish")
		return Outcome{}
	}
}

func waterScenario(f fixture, t *testing.T) {
	f.seed(t,
		contractor("near", 2, 90, 1, 5),
		contractor("mid", 8, 70, 4, 5),
		contractor("far", 15, 95, 5, 5),
	)
}

func TestDeclineCascadesToNextContractor(t *testing.T) {
	f := newFixture(t, 2*time.Second, nil)
	waterScenario(f, t)
	ch, err := f.c.Start(context.Background(), waterLead("L1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := f.rec.nextOffer(t)
	if first.ContractorID != "near" || first.Rank != 1 {
		t.Fatalf("first offer: %+v", first)
	}
	if got := f.usage(t, "near"); got != 2 {
		t.Fatalf("near reserved: got %d want 2", got)
	}
	if err := f.c.Respond("L1", "mid", model.DecisionAccept); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("respond for non-current contractor: got %v", err)
	}
	if err := f.c.Respond("L1", "near", model.DecisionDecline); err != nil {
		t.Fatalf("decline: %v", err)
	}

	second := f.rec.nextOffer(t)
	if second.ContractorID != "mid" {
		t.Fatalf("second offer: %+v", second)
	}
	if err := f.c.Respond("L1", "mid", model.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}

	o := wait(t, ch)
	if o.Err != nil {
		t.Fatalf("outcome error: %v", o.Err)
	}
	res := o.Result
	if res.State != model.LeadAssigned || res.ContractorID != "mid" || res.OffersMade != 2 || res.Assignment == nil {
		t.Fatalf("result: %+v", res)
	}
	if got := f.usage(t, "near"); got != 1 {
		t.Fatalf("near after decline: got %d want 1", got)
	}
	if got := f.usage(t, "mid"); got != 5 {
		t.Fatalf("mid keeps reservation: got %d want 5", got)
	}
	a, err := f.st.GetAssignment(context.Background(), "L1")
	if err != nil || a.ContractorID != "mid" {
		t.Fatalf("stored assignment: %+v %v", a, err)
	}
	rec, _ := f.st.GetLead(context.Background(), "L1")
	if rec.State != model.LeadAssigned {
		t.Fatalf("stored lead state: %s", rec.State)
	}
	if err := f.c.Cancel("L1"); !errors.Is(err, ErrLeadTerminal) {
		t.Fatalf("cancel after assignment: got %v", err)
	}
}

func TestCancelWhilePendingReleasesCapacity(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	waterScenario(f, t)
	ch, err := f.c.Start(context.Background(), waterLead("L2"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.rec.nextOffer(t)
	if err := f.c.Cancel("L2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o := wait(t, ch)
	if o.Result.State != model.LeadCancelled || o.Result.Reason != model.ReasonCancelled {
		t.Fatalf("result: %+v", o.Result)
	}
	if got := f.usage(t, "near"); got != 1 {
		t.Fatalf("capacity not released: got %d want 1", got)
	}
	if err := f.c.Respond("L2", "near", model.DecisionAccept); !errors.Is(err, ErrLeadTerminal) {
		t.Fatalf("respond after cancel: got %v", err)
	}
	st, err := f.c.Status(context.Background(), "L2")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Offers) != 1 || st.Offers[0].State != model.OfferWithdrawn || st.CurrentOffer != nil {
		t.Fatalf("offer history: %+v", st)
	}
}

func TestCancelWinsOverLateAcceptance(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	waterScenario(f, t)
	ch, _ := f.c.Start(context.Background(), waterLead("L3"))
	f.rec.nextOffer(t)
	if err := f.c.Cancel("L3"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// The acceptance may or may not be queued; either way it must lose.
	_ = f.c.Respond("L3", "near", model.DecisionAccept)
	o := wait(t, ch)
	if o.Result.State != model.LeadCancelled {
		t.Fatalf("late acceptance won: %+v", o.Result)
	}
	if _, err := f.st.GetAssignment(context.Background(), "L3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("assignment written for cancelled lead: %v", err)
	}
	if got := f.usage(t, "near"); got != 1 {
		t.Fatalf("capacity: got %d want 1", got)
	}
}

func TestTimeoutsExhaustQueue(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	waterScenario(f, t)
	start := time.Now()
	res, err := f.c.Dispatch(context.Background(), waterLead("L4"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.State != model.LeadExpired || res.Reason != model.ReasonQueueExhausted || res.OffersMade != 2 {
		t.Fatalf("result: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("exhaustion took %s", elapsed)
	}
	if f.usage(t, "near") != 1 || f.usage(t, "mid") != 4 {
		t.Fatalf("capacity leaked: near=%d mid=%d", f.usage(t, "near"), f.usage(t, "mid"))
	}
}

func TestAtMostOnePendingOffer(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, nil)
	f.seed(t,
		contractor("a", 1, 80, 0, 5),
		contractor("b", 2, 80, 0, 5),
		contractor("c", 3, 80, 0, 5),
		contractor("d", 4, 80, 0, 5),
	)
	if _, err := f.c.Dispatch(context.Background(), waterLead("L5")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	open := ""
	seen := 0
	for _, ev := range f.rec.snapshot() {
		if ev.Offer == nil {
			continue
		}
		switch ev.Type {
		case EventOfferPending:
			if open != "" {
				t.Fatalf("offer %s issued while %s pending", ev.Offer.ID, open)
			}
			open = ev.Offer.ID
			seen++
		default:
			if ev.Offer.ID != open {
				t.Fatalf("resolution for %s while %s pending", ev.Offer.ID, open)
			}
			open = ""
		}
	}
	if seen != 4 || open != "" {
		t.Fatalf("offers seen=%d open=%q", seen, open)
	}
}

func TestNoEligibleContractorsExpires(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	f.seed(t, contractor("full", 1, 90, 5, 5))
	res, err := f.c.Dispatch(context.Background(), waterLead("L6"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.State != model.LeadExpired || res.Reason != model.ReasonNoEligibleContractors || res.OffersMade != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	bad := waterLead("v1")
	bad.Location = geo.Coordinates{Lat: 95, Lng: 0}
	if _, err := f.c.Start(context.Background(), bad); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("bad coordinate: got %v", err)
	}
	unknown := waterLead("v2")
	unknown.ServiceType = "pool_cleaning"
	if _, err := f.c.Start(context.Background(), unknown); !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("unknown service type: got %v", err)
	}
	prio := waterLead("v3")
	prio.Priority = "urgent"
	if _, err := f.c.Start(context.Background(), prio); !errors.Is(err, ErrInvalidLead) {
		t.Fatalf("bad priority: got %v", err)
	}
	if _, err := f.st.GetLead(context.Background(), "v1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected lead entered the store")
	}
	if err := f.c.Respond("v1", "x", "maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("bad decision: got %v", err)
	}
	if err := f.c.Cancel("nope"); !errors.Is(err, ErrUnknownLead) {
		t.Fatalf("cancel unknown: got %v", err)
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	waterScenario(f, t)
	ch, err := f.c.Start(context.Background(), waterLead("L7"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.rec.nextOffer(t)
	if _, err := f.c.Start(context.Background(), waterLead("L7")); !errors.Is(err, ErrLeadInFlight) {
		t.Fatalf("duplicate start: got %v", err)
	}
	_ = f.c.Cancel("L7")
	wait(t, ch)
	if _, err := f.c.Start(context.Background(), waterLead("L7")); !errors.Is(err, ErrLeadTerminal) {
		t.Fatalf("restart terminal: got %v", err)
	}
}

func TestOfferBudget(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, func(s *Settings) { s.MaxOffersPerLead = 1 })
	waterScenario(f, t)
	res, _ := f.c.Dispatch(context.Background(), waterLead("L8"))
	if res.State != model.LeadExpired || res.Reason != model.ReasonOfferBudgetExhausted || res.OffersMade != 1 {
		t.Fatalf("result: %+v", res)
	}
}

type flakyNotifier struct {
	down map[string]bool
}

func (n flakyNotifier) NotifyOffer(ctx context.Context, c model.Contractor, lead model.Lead, offer model.Offer) error {
	if n.down[c.ID] {
		return errors.New("no channel reachable")
	}
	return nil
}

func (n flakyNotifier) NotifyClosed(context.Context, model.Contractor, model.Offer) {}

func TestUnreachableContractorTreatedAsDecline(t *testing.T) {
	f := newFixture(t, 2*time.Second, nil, WithNotifier(flakyNotifier{down: map[string]bool{"near": true}}))
	waterScenario(f, t)
	ch, _ := f.c.Start(context.Background(), waterLead("L9"))
	if o := f.rec.nextOffer(t); o.ContractorID != "near" {
		t.Fatalf("first offer: %+v", o)
	}
	second := f.rec.nextOffer(t)
	if second.ContractorID != "mid" {
		t.Fatalf("second offer: %+v", second)
	}
	_ = f.c.Respond("L9", "mid", model.DecisionAccept)
	o := wait(t, ch)
	if o.Result.ContractorID != "mid" {
		t.Fatalf("result: %+v", o.Result)
	}
	st, _ := f.c.Status(context.Background(), "L9")
	if st.Offers[0].State != model.OfferDeclined || st.Offers[0].Reason != model.ReasonUnreachable {
		t.Fatalf("first offer history: %+v", st.Offers[0])
	}
}

func TestContextCancellationEndsRun(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	waterScenario(f, t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := f.c.Start(ctx, waterLead("L10"))
	f.rec.nextOffer(t)
	cancel()
	o := wait(t, ch)
	if o.Result.State != model.LeadCancelled || o.Result.Reason != model.ReasonContextDone {
		t.Fatalf("result: %+v", o.Result)
	}
	if got := f.usage(t, "near"); got != 1 {
		t.Fatalf("capacity: got %d", got)
	}
}

func TestCompleteJobReleasesOnce(t *testing.T) {
	f := newFixture(t, 2*time.Second, nil)
	f.seed(t, contractor("solo", 1, 80, 0, 2))
	ch, _ := f.c.Start(context.Background(), waterLead("L11"))
	f.rec.nextOffer(t)
	_ = f.c.Respond("L11", "solo", model.DecisionAccept)
	wait(t, ch)
	if got := f.usage(t, "solo"); got != 1 {
		t.Fatalf("after assignment: %d", got)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.c.CompleteJob(context.Background(), "L11"); err != nil {
			t.Fatalf("CompleteJob #%d: %v", i, err)
		}
		if got := f.usage(t, "solo"); got != 0 {
			t.Fatalf("after completion #%d: %d", i, got)
		}
	}
	if _, err := f.c.CompleteJob(context.Background(), "unknown"); !errors.Is(err, ErrUnknownLead) {
		t.Fatalf("complete unknown: %v", err)
	}
}

// peakLedger records the highest reserved count seen after any grant.
type peakLedger struct {
	*ledger.Memory
	mu   sync.Mutex
	peak int
}

func (p *peakLedger) TryReserve(ctx context.Context, id string) (bool, error) {
	ok, err := p.Memory.TryReserve(ctx, id)
	if ok {
		u, _ := p.Memory.Usage(ctx, id)
		p.mu.Lock()
		if u.Current > p.peak {
			p.peak = u.Current
		}
		p.mu.Unlock()
	}
	return ok, err
}

func TestConcurrentLeadsNeverOverbook(t *testing.T) {
	st := store.NewMemory()
	led := &peakLedger{Memory: ledger.NewMemory()}
	set := DefaultSettings()
	for _, p := range model.Priorities {
		set.OfferDeadlines[p] = 30 * time.Millisecond
	}
	c := New(st, led, WithSettings(func() Settings { return set }))
	_ = st.UpsertContractor(context.Background(), contractor("shared", 1, 80, 0, 3))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lead := waterLead("")
			if _, err := c.Dispatch(context.Background(), lead); err != nil {
				t.Errorf("Dispatch %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	c.Wait()
	if led.peak > 3 {
		t.Fatalf("overbooked: peak %d > max 3", led.peak)
	}
	u, _ := led.Usage(context.Background(), "shared")
	if u.Current != 0 {
		t.Fatalf("capacity leaked: %d", u.Current)
	}
}

func TestStatusServedFromStoreAfterRetire(t *testing.T) {
	f := newFixture(t, time.Second, func(s *Settings) { s.HistoryLimit = 1 })
	f.seed(t, contractor("full", 1, 90, 5, 5))
	_, _ = f.c.Dispatch(context.Background(), waterLead("old"))
	_, _ = f.c.Dispatch(context.Background(), waterLead("new"))
	if _, err := f.c.lookup("old"); !errors.Is(err, ErrUnknownLead) {
		t.Fatalf("old run should be retired")
	}
	st, err := f.c.Status(context.Background(), "old")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != model.LeadExpired || st.Result == nil || st.Result.Reason != model.ReasonNoEligibleContractors {
		t.Fatalf("status from store: %+v", st)
	}
	if _, err := f.c.Status(context.Background(), "never"); !errors.Is(err, ErrUnknownLead) {
		t.Fatalf("unknown status: %v", err)
	}
}

func TestSettingsDeadlineFallback(t *testing.T) {
	s := Settings{}
	if s.Deadline(model.PriorityCritical) != 2*time.Minute || s.Deadline(model.PriorityLow) != 30*time.Minute {
		t.Fatalf("fallback deadlines: %s %s", s.Deadline(model.PriorityCritical), s.Deadline(model.PriorityLow))
	}
	if !s.knownServiceType("anything") || s.knownServiceType(" ") {
		t.Fatalf("empty catalog handling")
	}
}

// newCoordinator builds a coordinator over caller-supplied backends.
func newCoordinator(t *testing.T, st store.Store, l ledger.Ledger, deadline time.Duration, mutate func(*Settings), opts ...Option) (*Coordinator, *recorder) {
	t.Helper()
	set := DefaultSettings()
	for _, p := range model.Priorities {
		set.OfferDeadlines[p] = deadline
	}
	set.ServiceTypes = []string{"water_damage"}
	if mutate != nil {
		mutate(&set)
	}
	rec := newRecorder()
	all := append([]Option{WithEvents(rec), WithSettings(func() Settings { return set })}, opts...)
	c := New(st, l, all...)
	t.Cleanup(c.Wait)
	for _, ct := range []model.Contractor{
		contractor("near", 2, 90, 1, 5),
		contractor("mid", 8, 70, 4, 5),
		contractor("far", 15, 95, 5, 5),
	} {
		if err := st.UpsertContractor(context.Background(), ct); err != nil {
			t.Fatalf("seed %s: %v", ct.ID, err)
		}
	}
	return c, rec
}

func pendingOffers(rec *recorder) []model.Offer {
	var out []model.Offer
	for _, ev := range rec.snapshot() {
		if ev.Type == EventOfferPending && ev.Offer != nil {
			out = append(out, *ev.Offer)
		}
	}
	return out
}

// contendedLedger refuses reservations for the listed contractors, as if a
// concurrent lead had taken their last slot after the snapshot.
type contendedLedger struct {
	*ledger.Memory
	full map[string]bool
}

func (l contendedLedger) TryReserve(ctx context.Context, id string) (bool, error) {
	if l.full[id] {
		return false, nil
	}
	return l.Memory.TryReserve(ctx, id)
}

func TestLostReservationKeepsOfferBudget(t *testing.T) {
	st := store.NewMemory()
	led := contendedLedger{Memory: ledger.NewMemory(), full: map[string]bool{"near": true}}
	c, rec := newCoordinator(t, st, led, 20*time.Millisecond, func(s *Settings) { s.MaxOffersPerLead = 1 })

	res, err := c.Dispatch(context.Background(), waterLead("B1"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	offers := pendingOffers(rec)
	if len(offers) != 1 || offers[0].ContractorID != "mid" || offers[0].Rank != 2 {
		t.Fatalf("skipped contractor should not cost the only offer: %+v", offers)
	}
	if res.OffersMade != 1 || res.Reason != model.ReasonQueueExhausted {
		t.Fatalf("result: %+v", res)
	}
	u, _ := led.Usage(context.Background(), "near")
	if u.Current != 1 {
		t.Fatalf("near usage changed: %+v", u)
	}
}

// underflowLedger reports every release as an underflow.
type underflowLedger struct{ *ledger.Memory }

func (l underflowLedger) Release(ctx context.Context, id string) error {
	return fmt.Errorf("%w: %s", ledger.ErrUnderflow, id)
}

func TestReleaseUnderflowHaltsDispatch(t *testing.T) {
	c, rec := newCoordinator(t, store.NewMemory(), underflowLedger{ledger.NewMemory()}, 20*time.Millisecond, nil)
	ch, err := c.Start(context.Background(), waterLead("B2"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o := wait(t, ch)
	if !errors.Is(o.Err, ErrInvariant) || !errors.Is(o.Err, ledger.ErrUnderflow) {
		t.Fatalf("outcome error: %v", o.Err)
	}
	if o.Result.State != model.LeadExpired || o.Result.Reason != model.ReasonInvariantViolated || o.Result.OffersMade != 1 {
		t.Fatalf("result: %+v", o.Result)
	}
	if offers := pendingOffers(rec); len(offers) != 1 {
		t.Fatalf("dispatch continued after the fault: %+v", offers)
	}
}

// assignedStore behaves as if another writer already assigned every lead.
type assignedStore struct{ *store.Memory }

func (assignedStore) SaveAssignment(context.Context, model.Assignment) error {
	return store.ErrAlreadyAssigned
}

func TestSecondAssignmentIsInvariantViolation(t *testing.T) {
	led := ledger.NewMemory()
	c, rec := newCoordinator(t, assignedStore{store.NewMemory()}, led, 2*time.Second, nil)
	ch, err := c.Start(context.Background(), waterLead("B3"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.nextOffer(t)
	if err := c.Respond("B3", "near", model.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	o := wait(t, ch)
	if !errors.Is(o.Err, ErrInvariant) {
		t.Fatalf("outcome error: %v", o.Err)
	}
	if o.Result.State != model.LeadExpired || o.Result.Reason != model.ReasonInvariantViolated || o.Result.Assignment != nil {
		t.Fatalf("result: %+v", o.Result)
	}
	u, _ := led.Usage(context.Background(), "near")
	if u.Current != 1 {
		t.Fatalf("reservation not released: %+v", u)
	}
}

// brokenEntryLedger cannot track one contractor.
type brokenEntryLedger struct {
	*ledger.Memory
	bad string
}

func (l brokenEntryLedger) TrackAll(ctx context.Context, entries []model.CapacityUsage) (map[string]model.CapacityUsage, map[string]error, error) {
	usage, failed, err := l.Memory.TrackAll(ctx, entries)
	if _, ok := usage[l.bad]; ok {
		delete(usage, l.bad)
		failed[l.bad] = ledger.ErrCorrupt
	}
	return usage, failed, err
}

func TestUntrackableContractorSkipped(t *testing.T) {
	c, rec := newCoordinator(t, store.NewMemory(), brokenEntryLedger{Memory: ledger.NewMemory(), bad: "near"}, 2*time.Second, nil)
	ch, err := c.Start(context.Background(), waterLead("B4"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o := rec.nextOffer(t); o.ContractorID != "mid" {
		t.Fatalf("first offer: %+v", o)
	}
	if err := c.Respond("B4", "mid", model.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	o := wait(t, ch)
	if o.Err != nil || o.Result.State != model.LeadAssigned || o.Result.ContractorID != "mid" {
		t.Fatalf("outcome: %+v err=%v", o.Result, o.Err)
	}
}

// closedNotifier records offers reported as lapsed.
type closedNotifier struct {
	closed chan model.Offer
}

func (closedNotifier) NotifyOffer(context.Context, model.Contractor, model.Lead, model.Offer) error {
	return nil
}

func (n closedNotifier) NotifyClosed(_ context.Context, _ model.Contractor, offer model.Offer) {
	n.closed <- offer
}

func TestTimedOutOfferNotifiesContractor(t *testing.T) {
	n := closedNotifier{closed: make(chan model.Offer, 4)}
	f := newFixture(t, 20*time.Millisecond, nil, WithNotifier(n))
	f.seed(t, contractor("solo", 1, 80, 0, 2))
	res, err := f.c.Dispatch(context.Background(), waterLead("B5"))
	if err != nil || res.Reason != model.ReasonQueueExhausted {
		t.Fatalf("Dispatch: %+v %v", res, err)
	}
	select {
	case o := <-n.closed:
		if o.ContractorID != "solo" || o.State != model.OfferTimedOut || o.ResolvedAt == nil {
			t.Fatalf("closed notice: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("contractor never told the offer timed out")
	}
}

func TestStatusReportsExpiryBound(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	waterScenario(f, t)
	before := time.Now()
	ch, _ := f.c.Start(context.Background(), waterLead("B6"))
	f.rec.nextOffer(t)
	st, err := f.c.Status(context.Background(), "B6")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	// two queued contractors at 5s each
	if st.ExpiresBy == nil || st.ExpiresBy.Before(before.Add(10*time.Second)) || st.ExpiresBy.After(time.Now().Add(10*time.Second)) {
		t.Fatalf("expiresBy: %v", st.ExpiresBy)
	}
	_ = f.c.Cancel("B6")
	wait(t, ch)
	st, _ = f.c.Status(context.Background(), "B6")
	if st.ExpiresBy != nil {
		t.Fatalf("finished lead still reports a bound: %v", st.ExpiresBy)
	}
}
