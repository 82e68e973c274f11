// Package memory is an in-process Ledger for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/bus"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Store keeps records in a map. Updates for one address are serialized by
// a keyed lock so fn never runs concurrently for the same account.
type Store struct {
	mu      sync.RWMutex
	records map[chain.Address]account.Record
	locks   *bus.KeyedMutex[chain.Address]
	clock   chain.Clock
}

var _ storage.Ledger = (*Store)(nil)

func New(clock chain.Clock) *Store {
	if clock == nil {
		clock = chain.SystemClock{}
	}
	return &Store{
		records: make(map[chain.Address]account.Record),
		locks:   bus.NewKeyedMutex[chain.Address](),
		clock:   clock,
	}
}

func (s *Store) Allocate(ctx context.Context, rec account.Record) (account.Record, error) {
	unlock, err := s.locks.Lock(ctx, rec.Address)
	if err != nil {
		return account.Record{}, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Address]; exists {
		return account.Record{}, apperrors.New(apperrors.CodeAlreadyExists, "account %s already exists", rec.Address)
	}
	now := s.clock.Now().UTC()
	rec = rec.Clone()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1
	s.records[rec.Address] = rec
	return rec.Clone(), nil
}

func (s *Store) Get(_ context.Context, addr chain.Address) (account.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[addr]
	if !ok {
		return account.Record{}, apperrors.NotFound("account", addr.String())
	}
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, addr chain.Address, fn storage.UpdateFunc) (account.Record, error) {
	unlock, err := s.locks.Lock(ctx, addr)
	if err != nil {
		return account.Record{}, err
	}
	defer unlock()

	current, err := s.Get(ctx, addr)
	if err != nil {
		return account.Record{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return account.Record{}, err
	}
	next.Address = current.Address
	next.Kind = current.Kind
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now().UTC()

	s.mu.Lock()
	s.records[addr] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *Store) List(_ context.Context, filter storage.ListFilter) ([]account.Record, error) {
	s.mu.RLock()
	out := make([]account.Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address.String() < out[j].Address.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
