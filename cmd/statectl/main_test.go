package main

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	t.Fatalf("no %s in output %q", name, out)
	return ""
}

func devKey(t *testing.T, label string) *chain.Keypair {
	t.Helper()
	kp, err := chain.KeypairFromSeed([]byte("cli-seed"), label)
	require.NoError(t, err)
	return kp
}

func TestKeygenFromSeedIsDeterministic(t *testing.T) {
	first, err := run(t, "keygen", "--seed", "cli-seed", "--label", "alice")
	require.NoError(t, err)
	second, err := run(t, "keygen", "--seed", "cli-seed", "--label", "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, devKey(t, "alice").PublicKey().String(), field(t, first, "public"))
}

func TestAddress(t *testing.T) {
	out, err := run(t, "address", "--seed", "cli-seed", "--label", "alice", "--kind", "city")
	require.NoError(t, err)
	assert.Equal(t, chain.AccountAddress(devKey(t, "alice").PublicKey(), "city").String(), out)

	_, err = run(t, "address", "--seed", "cli-seed", "--kind", "bank")
	assert.Error(t, err)
}

func TestBuildInstruction(t *testing.T) {
	out, err := run(t, "ix", "build", "--seed", "cli-seed", "--label", "alice", "--program", "counter", "--name", "set", "--value", "7")
	require.NoError(t, err)
	wire, err := hex.DecodeString(out)
	require.NoError(t, err)

	ix, err := instruction.Decode(wire)
	require.NoError(t, err)
	key := devKey(t, "alice").PublicKey()
	assert.Equal(t, instruction.Set, ix.Name)
	assert.Equal(t, uint64(7), ix.Args.Value)
	assert.Equal(t, key, ix.Signer)
	assert.Equal(t, chain.AccountAddress(key, "counter"), ix.Account)

	_, err = run(t, "ix", "build", "--seed", "cli-seed", "--program", "counter", "--name", "explode")
	assert.Error(t, err)
}

func TestSessionIssue(t *testing.T) {
	owner := devKey(t, "owner").PublicKey()
	signer := devKey(t, "session").PublicKey()
	out, err := run(t, "session", "issue",
		"--issuer-seed", "cli-seed", "--issuer-label", "issuer",
		"--owner", owner.String(), "--signer", signer.String(),
		"--program", "city", "--instructions", "place_building,bulldoze")
	require.NoError(t, err)

	issuer := devKey(t, "issuer").PublicKey()
	assert.Equal(t, issuer.String(), field(t, out, "issuer"))

	cred, err := session.NewVerifier(issuer).Parse(field(t, out, "token"))
	require.NoError(t, err)
	assert.Equal(t, owner, cred.Owner)
	assert.Equal(t, signer, cred.Signer)
	assert.True(t, cred.Covers("city", "bulldoze"))
	assert.False(t, cred.Covers("city", "step_simulation"))
}
