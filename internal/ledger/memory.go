package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"leaddispatch/internal/model"
)

type slot struct {
	current int
	max     int
}

// Memory is an in-process Ledger guarded by a single mutex.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemory() *Memory {
	return &Memory{slots: map[string]*slot{}}
}

func (m *Memory) Track(ctx context.Context, contractorID string, max, current int) error {
	if max < 0 || current < 0 {
		return fmt.Errorf("%w: %s max=%d current=%d", ErrCorrupt, contractorID, max, current)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(contractorID, max, current)
	return nil
}

func (m *Memory) track(contractorID string, max, current int) *slot {
	s, ok := m.slots[contractorID]
	if !ok {
		s = &slot{current: current}
		m.slots[contractorID] = s
	}
	s.max = max
	return s
}

func (m *Memory) TrackAll(ctx context.Context, entries []model.CapacityUsage) (map[string]model.CapacityUsage, map[string]error, error) {
	usage := make(map[string]model.CapacityUsage, len(entries))
	failed := map[string]error{}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.Max < 0 || e.Current < 0 {
			failed[e.ContractorID] = fmt.Errorf("%w: %s max=%d current=%d", ErrCorrupt, e.ContractorID, e.Max, e.Current)
			continue
		}
		s := m.track(e.ContractorID, e.Max, e.Current)
		if s.current < 0 {
			failed[e.ContractorID] = fmt.Errorf("%w: %s current=%d", ErrCorrupt, e.ContractorID, s.current)
			continue
		}
		usage[e.ContractorID] = model.CapacityUsage{ContractorID: e.ContractorID, Current: s.current, Max: s.max}
	}
	return usage, failed, nil
}

func (m *Memory) TryReserve(ctx context.Context, contractorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[contractorID]
	if !ok {
		return false, ErrUnknownContractor
	}
	if s.current < 0 {
		return false, fmt.Errorf("%w: %s current=%d", ErrCorrupt, contractorID, s.current)
	}
	if s.current >= s.max {
		return false, nil
	}
	s.current++
	return true, nil
}

func (m *Memory) Release(ctx context.Context, contractorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[contractorID]
	if !ok {
		return ErrUnknownContractor
	}
	if s.current <= 0 {
		s.current = 0
		return fmt.Errorf("%w: %s", ErrUnderflow, contractorID)
	}
	s.current--
	return nil
}

func (m *Memory) Usage(ctx context.Context, contractorID string) (model.CapacityUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[contractorID]
	if !ok {
		return model.CapacityUsage{}, ErrUnknownContractor
	}
	return model.CapacityUsage{ContractorID: contractorID, Current: s.current, Max: s.max}, nil
}

func (m *Memory) Snapshot(ctx context.Context) ([]model.CapacityUsage, error) {
	m.mu.Lock()
	out := make([]model.CapacityUsage, 0, len(m.slots))
	for id, s := range m.slots {
		out = append(out, model.CapacityUsage{ContractorID: id, Current: s.current, Max: s.max})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ContractorID < out[j].ContractorID })
	return out, nil
}
