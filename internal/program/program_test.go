package program

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/city"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/counter"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage/memory"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
)

type harness struct {
	clock     *chain.ManualClock
	ledger    *memory.Store
	node      *execlayer.Memory
	events    *events.RingBuffer
	base      Runtime
	ephemeral Runtime
	counters  *delegation.Manager[counter.Counter, *counter.Counter]
	cities    *delegation.Manager[city.City, *city.City]
	authority *chain.Keypair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
	ledger := memory.New(clock)
	node := execlayer.NewMemory("validator-1", clock)
	ring := events.NewRingBuffer(100)
	kp, err := chain.KeypairFromSeed([]byte("program-test"), "authority")
	require.NoError(t, err)

	deps := delegation.Deps{Ledger: ledger, Pool: execlayer.NewPool(node), Clock: clock, Events: ring}
	return &harness{
		clock:     clock,
		ledger:    ledger,
		node:      node,
		events:    ring,
		base:      Base(ledger, clock, ring, nil),
		ephemeral: Ephemeral(node, clock, ring, nil),
		counters:  delegation.New[counter.Counter](account.KindCounter, instruction.ProgramCounter, deps),
		cities:    delegation.New[city.City](account.KindCity, instruction.ProgramCity, deps),
		authority: kp,
	}
}

func (h *harness) call(kind account.Kind) Call {
	return Call{Address: chain.AccountAddress(h.authority.PublicKey(), string(kind)), Signer: h.authority.PublicKey()}
}

func (h *harness) key(t *testing.T, label string) *chain.Keypair {
	t.Helper()
	kp, err := chain.KeypairFromSeed([]byte("program-test"), label)
	require.NoError(t, err)
	return kp
}

func TestCounterScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCounter(h.base)
	call := h.call(account.KindCounter)

	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = p.Increment(ctx, call)
		require.NoError(t, err)
	}
	c, err := p.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Count)

	c, err = p.Decrement(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.Count)

	_, err = p.Set(ctx, call, 0)
	require.NoError(t, err)
	_, err = p.Decrement(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrCounterUnderflow)

	c, err = p.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count, "failed decrement must not write")

	assert.NotEmpty(t, h.events.RecentByType(events.EventAccountInitialized, 10))
}

func TestCounterWrapsAboveCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCounter(h.base)
	call := h.call(account.KindCounter)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)

	_, err = p.Set(ctx, call, counter.Ceiling)
	require.NoError(t, err)
	c, err := p.Increment(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count)
}

func TestCounterReinitializeResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCounter(h.base)
	call := h.call(account.KindCounter)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)
	_, err = p.Set(ctx, call, 77)
	require.NoError(t, err)

	_, err = p.Initialize(ctx, call)
	require.NoError(t, err)
	c, err := p.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count)
}

func TestCityScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCity(h.base)
	call := h.call(account.KindCity)

	c, err := p.Initialize(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint64(city.StartingMoney), c.Money)
	assert.Equal(t, h.clock.Now().Unix(), c.LastUpdated)

	c, err = p.PlaceBuilding(ctx, call, 0, 0, city.TileResidential)
	require.NoError(t, err)
	assert.Equal(t, uint64(9900), c.Money)

	h.clock.Advance(time.Minute)
	c, err = p.StepSimulation(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), c.Population)
	assert.Equal(t, h.clock.Now().Unix(), c.LastUpdated)

	c, err = p.Bulldoze(ctx, call, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(city.TileEmpty), c.Tiles[0][0])
	assert.Equal(t, uint64(9900), c.Money)

	_, err = p.PlaceBuilding(ctx, call, 16, 0, city.TileCommercial)
	assert.ErrorIs(t, err, apperrors.ErrOutOfBounds)
	_, err = p.PlaceBuilding(ctx, call, 1, 1, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidBuildingType)
}

func TestCityNotEnoughMoneyLeavesGridUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCity(h.base)
	call := h.call(account.KindCity)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)

	for i := 0; i < int(city.StartingMoney/city.BuildingCost); i++ {
		_, err = p.PlaceBuilding(ctx, call, uint8(i%city.GridSize), uint8(i/city.GridSize), city.TileIndustrial)
		require.NoError(t, err)
	}
	_, err = p.PlaceBuilding(ctx, call, 15, 15, city.TileIndustrial)
	assert.ErrorIs(t, err, apperrors.ErrNotEnoughMoney)

	c, err := p.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Money)
	assert.Equal(t, uint8(city.TileEmpty), c.Tiles[15][15])
}

func TestCityInitializeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCity(h.base)
	call := h.call(account.KindCity)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)
	_, err = p.Initialize(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestInitializeRequiresDerivedAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := h.call(account.KindCounter)
	call.Address = chain.AccountAddress(h.key(t, "other").PublicKey(), counter.Tag)

	_, err := NewCounter(h.base).Initialize(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInstruction)

	_, err = NewCounter(h.ephemeral).Initialize(ctx, h.call(account.KindCounter))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInstruction)
}

func TestMutationRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCounter(h.base)
	call := h.call(account.KindCounter)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)

	stranger := call
	stranger.Signer = h.key(t, "stranger").PublicKey()
	_, err = p.Increment(ctx, stranger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuth)
}

func TestSessionCredentialScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewCounter(h.base)
	call := h.call(account.KindCounter)
	_, err := p.Initialize(ctx, call)
	require.NoError(t, err)

	delegate := h.key(t, "session")
	now := h.clock.Now()
	cred := &session.Credential{
		ID:           "s-1",
		Owner:        h.authority.PublicKey(),
		Signer:       delegate.PublicKey(),
		Program:      instruction.ProgramCounter,
		Instructions: []string{instruction.Increment},
		IssuedAt:     now,
		ValidUntil:   now.Add(time.Minute),
	}
	sess := Call{Address: call.Address, Signer: delegate.PublicKey(), Credential: cred}

	c, err := p.Increment(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Count)

	_, err = p.Set(ctx, sess, 9)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuth)

	h.clock.Advance(time.Minute)
	_, err = p.Increment(ctx, sess)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuth, "credential expires at valid_until")
}

func TestKindMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := h.call(account.KindCounter)
	_, err := NewCounter(h.base).Initialize(ctx, call)
	require.NoError(t, err)

	_, err = NewCity(h.base).Bulldoze(ctx, call, 0, 0)
	assert.ErrorIs(t, err, apperrors.ErrKindMismatch)
}

func TestLayerAuthority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := NewCounter(h.base)
	eph := NewCounter(h.ephemeral)
	call := h.call(account.KindCounter)

	_, err := base.Initialize(ctx, call)
	require.NoError(t, err)
	_, err = eph.Increment(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrNotDelegated)

	_, err = h.counters.Delegate(ctx, delegation.DelegateRequest{Address: call.Address, Signer: call.Signer})
	require.NoError(t, err)

	_, err = base.Increment(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrAccountDelegated)
	_, err = base.Initialize(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrAccountDelegated)

	for i := 0; i < 3; i++ {
		_, err = eph.Increment(ctx, call)
		require.NoError(t, err)
	}
	c, err := base.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count, "base keeps the last committed snapshot")

	rec, err := h.counters.Commit(ctx, delegation.CommitRequest{Address: call.Address, Signer: call.Signer})
	require.NoError(t, err)
	assert.Equal(t, state.Delegated, rec.State)
	c, err = base.Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Count)

	_, err = h.counters.CommitAndUndelegate(ctx, delegation.CommitRequest{Address: call.Address, Signer: call.Signer})
	require.NoError(t, err)
	_, err = eph.Increment(ctx, call)
	assert.ErrorIs(t, err, apperrors.ErrNotDelegated)
	c, err = base.Increment(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.Count)
}

func TestCityOnExecutionLayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := h.call(account.KindCity)
	_, err := NewCity(h.base).Initialize(ctx, call)
	require.NoError(t, err)
	_, err = h.cities.Delegate(ctx, delegation.DelegateRequest{Address: call.Address, Signer: call.Signer})
	require.NoError(t, err)

	eph := NewCity(h.ephemeral)
	_, err = eph.PlaceBuilding(ctx, call, 2, 3, city.TileResidential)
	require.NoError(t, err)
	_, err = eph.PlaceBuilding(ctx, call, 4, 5, city.TileResidential)
	require.NoError(t, err)
	c, err := eph.StepSimulation(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), c.Population)

	_, err = h.cities.CommitAndUndelegate(ctx, delegation.CommitRequest{Address: call.Address, Signer: call.Signer})
	require.NoError(t, err)
	c, err = NewCity(h.base).Get(ctx, call.Address)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), c.Population)
	assert.Equal(t, uint64(9800), c.Money)
}
