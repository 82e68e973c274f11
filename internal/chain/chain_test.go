package chain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAddressIsDeterministic(t *testing.T) {
	kp, err := KeypairFromSeed([]byte("alice"), "authority")
	require.NoError(t, err)
	pk := kp.PublicKey()

	a1 := AccountAddress(pk, "counter")
	a2 := DeriveAddress(pk[:], "counter")
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, AccountAddress(pk, "city"), "tags must separate address spaces")

	other, err := KeypairFromSeed([]byte("bob"), "authority")
	require.NoError(t, err)
	assert.NotEqual(t, a1, AccountAddress(other.PublicKey(), "counter"))
}

func TestAddressRoundTripsThroughString(t *testing.T) {
	addr := DeriveAddress([]byte("seed"), "city")
	parsed, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	raw, err := AddressFromBytes(addr.Bytes())
	require.NoError(t, err)
	assert.Equal(t, addr, raw)

	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)
}

func TestKeypairFromSeedIsStable(t *testing.T) {
	a, err := KeypairFromSeed([]byte("seed"), "one")
	require.NoError(t, err)
	b, err := KeypairFromSeed([]byte("seed"), "one")
	require.NoError(t, err)
	c, err := KeypairFromSeed([]byte("seed"), "two")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())

	_, err = KeypairFromSeed(nil, "one")
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	msg := []byte("increment")
	sig := kp.Sign(msg)

	assert.True(t, kp.PublicKey().Verify(sig, msg))
	assert.False(t, kp.PublicKey().Verify(sig, []byte("decrement")))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	assert.False(t, other.PublicKey().Verify(sig, msg))
	assert.False(t, PublicKey{}.Verify(sig, msg))
}

func TestPublicKeyTextEncoding(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	pk := kp.PublicKey()

	data, err := json.Marshal(struct {
		Key PublicKey `json:"key"`
	}{pk})
	require.NoError(t, err)

	var decoded struct {
		Key PublicKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, pk, decoded.Key)

	_, err = NewPublicKey([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKeypairHexRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	loaded, err := KeypairFromHex(kp.Hex())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), loaded.PublicKey())
}

func TestDiscriminatorIsStable(t *testing.T) {
	a := Discriminator("global", "increment")
	b := Discriminator("global", "increment")
	c := Discriminator("global", "decrement")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}
