// Package execlayertest holds the behavioural suite every execlayer.Node
// implementation must pass.
package execlayertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
)

// Address returns a deterministic test address for label.
func Address(label string) chain.Address {
	return chain.DeriveAddress([]byte("execlayer-suite"), label)
}

func transfer(label, handoff string, data ...byte) execlayer.Transfer {
	return execlayer.Transfer{HandoffID: handoff, Address: Address(label), Kind: account.KindCounter, Data: data}
}

// Run exercises node. newNode must return an empty validator each call.
func Run(t *testing.T, newNode func(t *testing.T) execlayer.Node) {
	ctx := context.Background()

	t.Run("accept is idempotent per handoff", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 1)))
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 1)))

		err := n.Accept(ctx, transfer("a", "h2", 1))
		assert.True(t, errors.Is(err, apperrors.ErrInvalidState), "got %v", err)

		h, err := n.Lookup(ctx, Address("a"))
		require.NoError(t, err)
		assert.Equal(t, execlayer.StatusActive, h.Status)
		assert.Equal(t, "h1", h.DelegationID)
		assert.Equal(t, n.ID(), h.Validator)
	})

	t.Run("absent account", func(t *testing.T) {
		n := newNode(t)
		h, err := n.Lookup(ctx, Address("none"))
		require.NoError(t, err)
		assert.Equal(t, execlayer.StatusAbsent, h.Status)

		_, err = n.Snapshot(ctx, Address("none"))
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated))
		_, err = n.Release(ctx, Address("none"), "r")
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated))
		assert.NoError(t, n.Evict(ctx, Address("none"), "x"))
	})

	t.Run("update mutates active copy", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 1)))

		acct, err := n.Update(ctx, Address("a"), func(acct *execlayer.Account) error {
			acct.Data[0] = 7
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte{7}, acct.Data)
		assert.Equal(t, uint64(1), acct.Version)

		snap, err := n.Snapshot(ctx, Address("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte{7}, snap.Data)
	})

	t.Run("update error discards change", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 1)))
		boom := errors.New("boom")
		_, err := n.Update(ctx, Address("a"), func(acct *execlayer.Account) error {
			acct.Data[0] = 9
			return boom
		})
		assert.ErrorIs(t, err, boom)
		snap, _ := n.Load(ctx, Address("a"))
		assert.Equal(t, []byte{1}, snap.Data)
	})

	t.Run("release freezes copy and is idempotent", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 3)))

		first, err := n.Release(ctx, Address("a"), "r1")
		require.NoError(t, err)
		second, err := n.Release(ctx, Address("a"), "r1")
		require.NoError(t, err)
		assert.Equal(t, first.Data, second.Data)

		_, err = n.Release(ctx, Address("a"), "r2")
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated))

		_, err = n.Update(ctx, Address("a"), func(*execlayer.Account) error { return nil })
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated))

		h, _ := n.Lookup(ctx, Address("a"))
		assert.Equal(t, execlayer.StatusReleased, h.Status)
		assert.Equal(t, "r1", h.ReleaseID)
	})

	t.Run("reinstate reverts release", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 3)))
		_, err := n.Release(ctx, Address("a"), "r1")
		require.NoError(t, err)

		assert.True(t, errors.Is(n.Reinstate(ctx, Address("a"), "other"), apperrors.ErrInvalidState))
		require.NoError(t, n.Reinstate(ctx, Address("a"), "r1"))
		require.NoError(t, n.Reinstate(ctx, Address("a"), "r1"))

		_, err = n.Update(ctx, Address("a"), func(*execlayer.Account) error { return nil })
		assert.NoError(t, err)
	})

	t.Run("accept replaces released copy", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 3)))
		_, err := n.Release(ctx, Address("a"), "r1")
		require.NoError(t, err)

		require.NoError(t, n.Accept(ctx, transfer("a", "h2", 5)))
		snap, err := n.Snapshot(ctx, Address("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte{5}, snap.Data)
	})

	t.Run("evict only matching delegation", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 3)))

		require.NoError(t, n.Evict(ctx, Address("a"), "other"))
		h, _ := n.Lookup(ctx, Address("a"))
		assert.Equal(t, execlayer.StatusActive, h.Status)

		require.NoError(t, n.Evict(ctx, Address("a"), "h1"))
		h, _ = n.Lookup(ctx, Address("a"))
		assert.Equal(t, execlayer.StatusAbsent, h.Status)
	})

	t.Run("evicted handoff is not accepted again", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Accept(ctx, transfer("a", "h1", 3)))
		require.NoError(t, n.Evict(ctx, Address("a"), "h1"))

		err := n.Accept(ctx, transfer("a", "h1", 3))
		assert.True(t, errors.Is(err, apperrors.ErrInvalidState), "got %v", err)
		h, _ := n.Lookup(ctx, Address("a"))
		assert.Equal(t, execlayer.StatusAbsent, h.Status)

		require.NoError(t, n.Accept(ctx, transfer("a", "h2", 4)))
		h, _ = n.Lookup(ctx, Address("a"))
		assert.Equal(t, execlayer.StatusActive, h.Status)
		assert.Equal(t, "h2", h.DelegationID)
	})

	t.Run("accept arriving after its eviction is refused", func(t *testing.T) {
		n := newNode(t)
		require.NoError(t, n.Evict(ctx, Address("late"), "h1"))

		err := n.Accept(ctx, transfer("late", "h1", 1))
		assert.True(t, errors.Is(err, apperrors.ErrInvalidState), "got %v", err)
		_, err = n.Snapshot(ctx, Address("late"))
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated), "got %v", err)
		_, err = n.Release(ctx, Address("late"), "r")
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated), "got %v", err)
		err = n.Reinstate(ctx, Address("late"), "r")
		assert.True(t, errors.Is(err, apperrors.ErrNotDelegated), "got %v", err)
	})
}
