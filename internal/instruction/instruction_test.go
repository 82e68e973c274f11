package instruction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

func signer(t *testing.T) *chain.Keypair {
	t.Helper()
	kp, err := chain.KeypairFromSeed([]byte("instruction-test"), "authority")
	require.NoError(t, err)
	return kp
}

func TestSignDecodeRoundTrip(t *testing.T) {
	kp := signer(t)
	addr := chain.AccountAddress(kp.PublicKey(), "city")

	cases := []Instruction{
		{Program: ProgramCounter, Name: Increment},
		{Program: ProgramCounter, Name: Set, Args: Args{Value: 42}},
		{Program: ProgramCity, Name: PlaceBuilding, Args: Args{X: 3, Y: 15, Building: 2}},
		{Program: ProgramCity, Name: Bulldoze, Args: Args{X: 1, Y: 2}},
		{Program: ProgramCity, Name: Delegate, Args: Args{Validator: "validator-1"}},
		{Program: ProgramCounter, Name: Commit, SessionToken: "header.payload.sig"},
	}
	for _, tc := range cases {
		t.Run(tc.Program+"/"+tc.Name, func(t *testing.T) {
			ix := tc
			ix.Account = addr
			wire, err := ix.Sign(kp)
			require.NoError(t, err)

			got, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, ix.Program, got.Program)
			assert.Equal(t, ix.Name, got.Name)
			assert.Equal(t, addr, got.Account)
			assert.Equal(t, kp.PublicKey(), got.Signer)
			assert.Equal(t, ix.Args, got.Args)
			assert.Equal(t, ix.SessionToken, got.SessionToken)
		})
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	kp := signer(t)
	ix := Instruction{Program: ProgramCounter, Name: Set, Account: chain.AccountAddress(kp.PublicKey(), "counter"), Args: Args{Value: 7}}
	wire, err := ix.Sign(kp)
	require.NoError(t, err)

	// The u64 argument starts after program, discriminator, account and signer.
	off := 1 + len(ProgramCounter) + chain.DiscriminatorSize + chain.AddressSize + chain.PublicKeySize
	tampered := append([]byte(nil), wire...)
	tampered[off] ^= 0x01

	_, err = Decode(tampered)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuth)
}

func TestDecodeRejectsForeignSigner(t *testing.T) {
	kp := signer(t)
	other, err := chain.KeypairFromSeed([]byte("someone-else"), "authority")
	require.NoError(t, err)

	ix := Instruction{Program: ProgramCounter, Name: Increment, Account: chain.AccountAddress(kp.PublicKey(), "counter")}
	wire, err := ix.Sign(other)
	require.NoError(t, err)

	// Swap the signer bytes for the authority's key; the signature no longer matches.
	off := 1 + len(ProgramCounter) + chain.DiscriminatorSize + chain.AddressSize
	pk := kp.PublicKey()
	copy(wire[off:], pk[:])
	_, err = Decode(wire)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuth)
}

func TestDecodeMalformed(t *testing.T) {
	kp := signer(t)
	ix := Instruction{Program: ProgramCity, Name: StepSimulation, Account: chain.AccountAddress(kp.PublicKey(), "city")}
	wire, err := ix.Sign(kp)
	require.NoError(t, err)

	for name, b := range map[string][]byte{
		"empty":     nil,
		"truncated": wire[:len(wire)-3],
		"trailing":  append(append([]byte(nil), wire...), 0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInstruction)
		})
	}
}

func TestUnknownInstruction(t *testing.T) {
	kp := signer(t)
	ix := Instruction{Program: ProgramCounter, Name: PlaceBuilding}
	_, err := ix.Sign(kp)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInstruction)

	// A city discriminator sent to the counter program does not resolve.
	city := Instruction{Program: ProgramCity, Name: Bulldoze}
	wire, err := city.Sign(kp)
	require.NoError(t, err)
	wire[1] = 'x'
	_, err = Decode(wire)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInstruction)
}

func TestDiscriminatorIsGlobalNamespaced(t *testing.T) {
	assert.Equal(t, chain.Discriminator("global", "increment"), Discriminator(Increment))
	assert.NotEqual(t, Discriminator(Increment), Discriminator(Decrement))

	layout, ok := Lookup(ProgramCity, PlaceBuilding)
	assert.True(t, ok)
	assert.Equal(t, LayoutXYType, layout)
	assert.Equal(t, []string{Initialize, Increment, Decrement, Set, Delegate, Commit, Undelegate}, Names(ProgramCounter))
}
