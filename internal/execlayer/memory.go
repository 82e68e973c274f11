package execlayer

import (
	"context"
	"sync"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/bus"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

type holding struct {
	status       Status
	delegationID string
	releaseID    string
	account      Account
}

// Memory is an in-process validator.
type Memory struct {
	id    string
	clock chain.Clock

	mu       sync.RWMutex
	holdings map[chain.Address]*holding
	evicted  map[chain.Address]Tombstones
	locks    *bus.KeyedMutex[chain.Address]
}

var _ Node = (*Memory)(nil)

func NewMemory(id string, clock chain.Clock) *Memory {
	if clock == nil {
		clock = chain.SystemClock{}
	}
	return &Memory{
		id:       id,
		clock:    clock,
		holdings: make(map[chain.Address]*holding),
		evicted:  make(map[chain.Address]Tombstones),
		locks:    bus.NewKeyedMutex[chain.Address](),
	}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) get(addr chain.Address) *holding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdings[addr]
}

func (m *Memory) put(addr chain.Address, h *holding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.holdings, addr)
		return
	}
	m.holdings[addr] = h
}

// tombstone remembers an evicted delegation so a late Accept carrying it
// cannot resurrect the copy.
func (m *Memory) tombstone(addr chain.Address, delegationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted[addr] = m.evicted[addr].Add(delegationID)
}

func (m *Memory) wasEvicted(addr chain.Address, delegationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted[addr].Has(delegationID)
}

func (m *Memory) Accept(ctx context.Context, t Transfer) error {
	return m.locks.With(ctx, t.Address, func() error {
		if m.wasEvicted(t.Address, t.HandoffID) {
			return EvictedHandoff(t.Address, t.HandoffID, m.id)
		}
		h := m.get(t.Address)
		if h != nil && h.status == StatusActive {
			if h.delegationID == t.HandoffID {
				return nil
			}
			return apperrors.InvalidState("account %s is already active on %s", t.Address, m.id)
		}
		m.put(t.Address, &holding{
			status:       StatusActive,
			delegationID: t.HandoffID,
			account: Account{
				Address:   t.Address,
				Kind:      t.Kind,
				Authority: t.Authority,
				Data:      append([]byte(nil), t.Data...),
				UpdatedAt: m.clock.Now(),
			},
		})
		return nil
	})
}

func (m *Memory) Snapshot(ctx context.Context, addr chain.Address) (Account, error) {
	return m.Load(ctx, addr)
}

func (m *Memory) Release(ctx context.Context, addr chain.Address, releaseID string) (Account, error) {
	var out Account
	err := m.locks.With(ctx, addr, func() error {
		h := m.get(addr)
		switch {
		case h == nil:
			return notDelegated(addr, m.id)
		case h.status == StatusReleased && h.releaseID == releaseID:
		case h.status == StatusActive:
			next := *h
			next.status = StatusReleased
			next.releaseID = releaseID
			m.put(addr, &next)
			h = &next
		default:
			return notDelegated(addr, m.id)
		}
		out = h.account.Clone()
		return nil
	})
	return out, err
}

func (m *Memory) Reinstate(ctx context.Context, addr chain.Address, releaseID string) error {
	return m.locks.With(ctx, addr, func() error {
		h := m.get(addr)
		switch {
		case h == nil:
			return notDelegated(addr, m.id)
		case h.status == StatusActive:
			return nil
		case h.releaseID != releaseID:
			return apperrors.InvalidState("account %s was released under another handoff", addr)
		}
		next := *h
		next.status = StatusActive
		next.releaseID = ""
		m.put(addr, &next)
		return nil
	})
}

func (m *Memory) Evict(ctx context.Context, addr chain.Address, delegationID string) error {
	return m.locks.With(ctx, addr, func() error {
		if h := m.get(addr); h != nil && h.delegationID == delegationID {
			m.put(addr, nil)
		}
		m.tombstone(addr, delegationID)
		return nil
	})
}

func (m *Memory) Lookup(_ context.Context, addr chain.Address) (Holding, error) {
	h := m.get(addr)
	if h == nil {
		return Holding{Status: StatusAbsent, Validator: m.id}, nil
	}
	return Holding{
		Status:       h.status,
		Validator:    m.id,
		DelegationID: h.delegationID,
		ReleaseID:    h.releaseID,
		Account:      h.account.Clone(),
	}, nil
}

func (m *Memory) Load(_ context.Context, addr chain.Address) (Account, error) {
	h := m.get(addr)
	if h == nil || h.status != StatusActive {
		return Account{}, notDelegated(addr, m.id)
	}
	return h.account.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, addr chain.Address, fn UpdateFunc) (Account, error) {
	var out Account
	err := m.locks.With(ctx, addr, func() error {
		h := m.get(addr)
		if h == nil || h.status != StatusActive {
			return notDelegated(addr, m.id)
		}
		next := h.account.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		next.Address = h.account.Address
		next.Kind = h.account.Kind
		next.Authority = h.account.Authority
		next.Version = h.account.Version + 1
		next.UpdatedAt = m.clock.Now()

		updated := *h
		updated.account = next
		m.put(addr, &updated)
		out = next.Clone()
		return nil
	})
	return out, err
}

func notDelegated(addr chain.Address, validator string) error {
	return apperrors.New(apperrors.CodeNotDelegated, "account %s is not delegated to %s", addr, validator)
}
