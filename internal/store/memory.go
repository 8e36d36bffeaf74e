package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"leaddispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	contractors map[string]model.Contractor // id -> contractor
	leads       map[string]LeadRecord       // id -> lead
	offers      map[string][]model.Offer    // lead id -> offers in issue order
	assignments map[string]model.Assignment // lead id -> assignment
	completed   map[string]time.Time        // lead id -> completion time
}

func NewMemory() *Memory {
	return &Memory{
		contractors: map[string]model.Contractor{},
		leads:       map[string]LeadRecord{},
		offers:      map[string][]model.Offer{},
		assignments: map[string]model.Assignment{},
		completed:   map[string]time.Time{},
	}
}

func (m *Memory) ListContractors(ctx context.Context) ([]model.Contractor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Contractor, 0, len(m.contractors))
	for _, c := range m.contractors {
		out = append(out, cloneContractor(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetContractor(ctx context.Context, id string) (model.Contractor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contractors[id]
	if !ok {
		return model.Contractor{}, ErrNotFound
	}
	return cloneContractor(c), nil
}

func (m *Memory) UpsertContractor(ctx context.Context, c model.Contractor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.contractors[c.ID] = cloneContractor(c)
	return nil
}

func (m *Memory) SaveLead(ctx context.Context, lead model.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leads[lead.ID]
	if !ok {
		rec = LeadRecord{State: model.LeadQueued}
	}
	rec.Lead = lead
	rec.UpdatedAt = time.Now().UTC()
	m.leads[lead.ID] = rec
	return nil
}

func (m *Memory) GetLead(ctx context.Context, id string) (LeadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leads[id]
	if !ok {
		return LeadRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpdateLeadState(ctx context.Context, id string, state model.LeadState, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leads[id]
	if !ok {
		return ErrNotFound
	}
	rec.State = state
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	m.leads[id] = rec
	return nil
}

func (m *Memory) RecordOffer(ctx context.Context, offer model.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.offers[offer.LeadID]
	for i := range list {
		if list[i].ID == offer.ID {
			list[i] = offer
			return nil
		}
	}
	m.offers[offer.LeadID] = append(list, offer)
	return nil
}

func (m *Memory) ListOffers(ctx context.Context, leadID string) ([]model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Offer(nil), m.offers[leadID]...), nil
}

func (m *Memory) SaveAssignment(ctx context.Context, a model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.LeadID]; ok {
		return ErrAlreadyAssigned
	}
	m.assignments[a.LeadID] = a
	return nil
}

func (m *Memory) GetAssignment(ctx context.Context, leadID string) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[leadID]
	if !ok {
		return model.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) RecentAssignmentCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, a := range m.assignments {
		if !a.AssignedAt.Before(since) {
			out[a.ContractorID]++
		}
	}
	return out, nil
}

func (m *Memory) CompleteJob(ctx context.Context, leadID string, at time.Time) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[leadID]
	if !ok {
		return model.Assignment{}, ErrNotFound
	}
	if _, done := m.completed[leadID]; done {
		return a, ErrAlreadyCompleted
	}
	m.completed[leadID] = at
	return a, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func cloneContractor(c model.Contractor) model.Contractor {
	c.ServiceTypes = append([]string(nil), c.ServiceTypes...)
	if c.ServiceArea.ResponseMinutes != nil {
		rm := make(map[model.Priority]int, len(c.ServiceArea.ResponseMinutes))
		for k, v := range c.ServiceArea.ResponseMinutes {
			rm[k] = v
		}
		c.ServiceArea.ResponseMinutes = rm
	}
	return c
}
