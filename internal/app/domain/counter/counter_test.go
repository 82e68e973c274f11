package counter

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

func TestIncrement(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		want  uint64
	}{
		{"zero", 0, 1},
		{"below ceiling", 999, 1000},
		{"at ceiling wraps", 1000, 0},
		{"above ceiling wraps", 5000, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Counter{Count: tc.start}
			require.NoError(t, c.Increment())
			require.Equal(t, tc.want, c.Count)
		})
	}
}

func TestIncrementAtMaxFails(t *testing.T) {
	c := Counter{Count: math.MaxUint64}
	err := c.Increment()
	require.True(t, errors.Is(err, apperrors.ErrCounterOverflow))
	require.Equal(t, uint64(math.MaxUint64), c.Count)
}

func TestDecrement(t *testing.T) {
	c := Counter{Count: 2}
	require.NoError(t, c.Decrement())
	require.NoError(t, c.Decrement())
	require.Equal(t, uint64(0), c.Count)

	err := c.Decrement()
	require.True(t, errors.Is(err, apperrors.ErrCounterUnderflow))
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	require.Equal(t, uint64(0), c.Count)
}

func TestSetThenIncrementWraps(t *testing.T) {
	var c Counter
	c.Set(5000)
	require.Equal(t, uint64(5000), c.Count)
	require.NoError(t, c.Increment())
	require.Equal(t, uint64(0), c.Count)
}

func TestBinaryRoundTrip(t *testing.T) {
	c := Counter{Count: 42}
	data, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, Size)

	var out Counter
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, c, out)
}

func TestUnmarshalRejectsForeignPayload(t *testing.T) {
	data := make([]byte, Size)
	var c Counter
	require.True(t, errors.Is(c.UnmarshalBinary(data), apperrors.ErrKindMismatch))
	require.True(t, errors.Is(c.UnmarshalBinary(data[:4]), apperrors.ErrKindMismatch))
}
