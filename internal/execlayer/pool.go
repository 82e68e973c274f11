package execlayer

import (
	"bytes"
	"sort"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Pool routes calls to validators by id.
type Pool struct {
	mu    sync.RWMutex
	nodes map[string]Validator
}

func NewPool(nodes ...Validator) *Pool {
	p := &Pool{nodes: make(map[string]Validator, len(nodes))}
	for _, n := range nodes {
		p.nodes[n.ID()] = n
	}
	return p
}

// Add registers or replaces a validator.
func (p *Pool) Add(n Validator) {
	p.mu.Lock()
	p.nodes[n.ID()] = n
	p.mu.Unlock()
}

// Get returns the validator with id.
func (p *Pool) Get(id string) (Validator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil, apperrors.NotFound("validator", id)
	}
	return n, nil
}

// IDs lists validator ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Assign picks a validator for addr. An explicit request wins; otherwise
// the validator with the highest rendezvous score for the address is used,
// so the same account lands on the same validator while the pool is stable.
func (p *Pool) Assign(addr chain.Address, requested string) (Validator, error) {
	if requested != "" {
		return p.Get(requested)
	}
	var (
		best      Validator
		bestScore []byte
	)
	for _, id := range p.IDs() {
		score := hash.Sha256(append([]byte(id+"/"), addr.Bytes()...)).BytesBE()
		if best == nil || bytes.Compare(score, bestScore) > 0 {
			n, err := p.Get(id)
			if err != nil {
				continue
			}
			best, bestScore = n, score
		}
	}
	if best == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "no validators registered")
	}
	return best, nil
}
