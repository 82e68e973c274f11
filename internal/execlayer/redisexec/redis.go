// Package redisexec is an execution layer validator whose working set lives
// in Redis. Each account is one JSON value updated under WATCH/MULTI. An
// evicted account keeps an absent entry listing its evicted delegations.
package redisexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
)

const maxTxRetries = 16

// Config holds connection settings.
type Config struct {
	Addr      string `yaml:"addr" env:"EXECUTOR_REDIS_ADDR"`
	Password  string `yaml:"password" env:"EXECUTOR_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"EXECUTOR_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"EXECUTOR_REDIS_PREFIX"`
}

// Node implements execlayer.Node on Redis.
type Node struct {
	id     string
	client redis.UniversalClient
	prefix string
	clock  chain.Clock
}

var _ execlayer.Node = (*Node)(nil)

// New wraps an existing client.
func New(id string, client redis.UniversalClient, prefix string, clock chain.Clock) *Node {
	if prefix == "" {
		prefix = "execlayer"
	}
	if clock == nil {
		clock = chain.SystemClock{}
	}
	return &Node{id: id, client: client, prefix: prefix, clock: clock}
}

// Dial connects using cfg and checks the server responds.
func Dial(ctx context.Context, id string, cfg Config, clock chain.Clock) (*Node, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Unavailable("redis ping", err)
	}
	return New(id, client, cfg.KeyPrefix, clock), nil
}

func (n *Node) ID() string { return n.id }

// Close releases the client.
func (n *Node) Close() error { return n.client.Close() }

type entry struct {
	Status       execlayer.Status     `json:"status"`
	DelegationID string               `json:"delegation_id"`
	ReleaseID    string               `json:"release_id,omitempty"`
	Account      execlayer.Account    `json:"account"`
	Evicted      execlayer.Tombstones `json:"evicted,omitempty"`
}

// live reports whether e holds a copy rather than only tombstones.
func (e *entry) live() bool { return e != nil && e.Status != execlayer.StatusAbsent }

func (e *entry) tombstones() execlayer.Tombstones {
	if e == nil {
		return nil
	}
	return e.Evicted
}

func (n *Node) key(addr chain.Address) string {
	return fmt.Sprintf("%s:%s:acct:%s", n.prefix, n.id, addr.String())
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (n *Node) read(ctx context.Context, c getter, addr chain.Address) (*entry, error) {
	raw, err := c.Get(ctx, n.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable("redis get", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, apperrors.Internal(err, "decode working set entry")
	}
	return &e, nil
}

// mutate applies fn to the stored entry inside a WATCH transaction. fn
// returns the entry to store (nil deletes) and whether to write at all.
func (n *Node) mutate(ctx context.Context, addr chain.Address, fn func(cur *entry) (*entry, bool, error)) error {
	key := n.key(addr)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := n.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := n.read(ctx, tx, addr)
			if err != nil {
				return err
			}
			next, write, err := fn(cur)
			if err != nil || !write {
				return err
			}
			var payload []byte
			if next != nil {
				if payload, err = json.Marshal(next); err != nil {
					return apperrors.Internal(err, "encode working set entry")
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, payload, 0)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := apperrors.As(err); ok {
				return err
			}
			return apperrors.Unavailable("redis transaction", err)
		}
		return nil
	}
	return apperrors.New(apperrors.CodeVersionConflict, "account %s contended on %s", addr, n.id)
}

func (n *Node) notDelegated(addr chain.Address) error {
	return apperrors.New(apperrors.CodeNotDelegated, "account %s is not delegated to %s", addr, n.id)
}

func (n *Node) Accept(ctx context.Context, t execlayer.Transfer) error {
	return n.mutate(ctx, t.Address, func(cur *entry) (*entry, bool, error) {
		if cur.tombstones().Has(t.HandoffID) {
			return nil, false, execlayer.EvictedHandoff(t.Address, t.HandoffID, n.id)
		}
		if cur != nil && cur.Status == execlayer.StatusActive {
			if cur.DelegationID == t.HandoffID {
				return nil, false, nil
			}
			return nil, false, apperrors.InvalidState("account %s is already active on %s", t.Address, n.id)
		}
		return &entry{
			Status:       execlayer.StatusActive,
			DelegationID: t.HandoffID,
			Account: execlayer.Account{
				Address:   t.Address,
				Kind:      t.Kind,
				Authority: t.Authority,
				Data:      t.Data,
				UpdatedAt: n.clock.Now(),
			},
			Evicted: cur.tombstones(),
		}, true, nil
	})
}

func (n *Node) Snapshot(ctx context.Context, addr chain.Address) (execlayer.Account, error) {
	return n.Load(ctx, addr)
}

func (n *Node) Release(ctx context.Context, addr chain.Address, releaseID string) (execlayer.Account, error) {
	var out execlayer.Account
	err := n.mutate(ctx, addr, func(cur *entry) (*entry, bool, error) {
		switch {
		case !cur.live():
			return nil, false, n.notDelegated(addr)
		case cur.Status == execlayer.StatusReleased && cur.ReleaseID == releaseID:
			out = cur.Account
			return nil, false, nil
		case cur.Status == execlayer.StatusActive:
			cur.Status = execlayer.StatusReleased
			cur.ReleaseID = releaseID
			out = cur.Account
			return cur, true, nil
		default:
			return nil, false, n.notDelegated(addr)
		}
	})
	return out, err
}

func (n *Node) Reinstate(ctx context.Context, addr chain.Address, releaseID string) error {
	return n.mutate(ctx, addr, func(cur *entry) (*entry, bool, error) {
		switch {
		case !cur.live():
			return nil, false, n.notDelegated(addr)
		case cur.Status == execlayer.StatusActive:
			return nil, false, nil
		case cur.ReleaseID != releaseID:
			return nil, false, apperrors.InvalidState("account %s was released under another handoff", addr)
		}
		cur.Status = execlayer.StatusActive
		cur.ReleaseID = ""
		return cur, true, nil
	})
}

func (n *Node) Evict(ctx context.Context, addr chain.Address, delegationID string) error {
	return n.mutate(ctx, addr, func(cur *entry) (*entry, bool, error) {
		evicted := cur.tombstones().Add(delegationID)
		if cur.live() && cur.DelegationID != delegationID {
			if delegationID == "" || cur.Evicted.Has(delegationID) {
				return nil, false, nil
			}
			cur.Evicted = evicted
			return cur, true, nil
		}
		if len(evicted) == 0 {
			return nil, true, nil
		}
		return &entry{Status: execlayer.StatusAbsent, Evicted: evicted}, true, nil
	})
}

func (n *Node) Lookup(ctx context.Context, addr chain.Address) (execlayer.Holding, error) {
	cur, err := n.read(ctx, n.client, addr)
	if err != nil {
		return execlayer.Holding{}, err
	}
	if !cur.live() {
		return execlayer.Holding{Status: execlayer.StatusAbsent, Validator: n.id}, nil
	}
	return execlayer.Holding{
		Status:       cur.Status,
		Validator:    n.id,
		DelegationID: cur.DelegationID,
		ReleaseID:    cur.ReleaseID,
		Account:      cur.Account,
	}, nil
}

func (n *Node) Load(ctx context.Context, addr chain.Address) (execlayer.Account, error) {
	cur, err := n.read(ctx, n.client, addr)
	if err != nil {
		return execlayer.Account{}, err
	}
	if cur == nil || cur.Status != execlayer.StatusActive {
		return execlayer.Account{}, n.notDelegated(addr)
	}
	return cur.Account, nil
}

func (n *Node) Update(ctx context.Context, addr chain.Address, fn execlayer.UpdateFunc) (execlayer.Account, error) {
	var out execlayer.Account
	err := n.mutate(ctx, addr, func(cur *entry) (*entry, bool, error) {
		if cur == nil || cur.Status != execlayer.StatusActive {
			return nil, false, n.notDelegated(addr)
		}
		next := cur.Account.Clone()
		if err := fn(&next); err != nil {
			return nil, false, err
		}
		next.Address = cur.Account.Address
		next.Kind = cur.Account.Kind
		next.Authority = cur.Account.Authority
		next.Version = cur.Account.Version + 1
		next.UpdatedAt = n.clock.Now()
		cur.Account = next
		out = next
		return cur, true, nil
	})
	return out, err
}
