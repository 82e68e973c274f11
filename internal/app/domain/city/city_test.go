package city

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestNew(t *testing.T) {
	c := New(epoch)
	assert.Equal(t, StartingMoney, c.Money)
	assert.Equal(t, uint32(0), c.Population)
	assert.Equal(t, epoch.Unix(), c.LastUpdated)
	assert.Equal(t, uint32(0), c.ResidentialCount())
}

func TestPlaceBuilding(t *testing.T) {
	c := New(epoch)
	require.NoError(t, c.PlaceBuilding(3, 4, TileResidential))
	assert.Equal(t, TileResidential, c.Tiles[4][3])
	assert.Equal(t, TileEmpty, c.Tiles[3][4])
	assert.Equal(t, StartingMoney-BuildingCost, c.Money)
}

func TestTileLayoutIsRowMajor(t *testing.T) {
	c := New(epoch)
	require.NoError(t, c.PlaceBuilding(3, 0, TileResidential))
	require.NoError(t, c.PlaceBuilding(0, 1, TileCommercial))

	data, err := c.MarshalBinary()
	require.NoError(t, err)
	base := chain.DiscriminatorSize
	assert.Equal(t, TileResidential, data[base+3], "x selects the column")
	assert.Equal(t, TileCommercial, data[base+GridSize], "y selects the row")
	assert.Equal(t, TileEmpty, data[base+3*GridSize])
}

func TestPlaceBuildingErrors(t *testing.T) {
	tests := []struct {
		name     string
		x, y, b  uint8
		money    uint64
		sentinel error
	}{
		{"x out of bounds", 16, 0, TileResidential, 1000, apperrors.ErrOutOfBounds},
		{"y out of bounds", 0, 200, TileResidential, 1000, apperrors.ErrOutOfBounds},
		{"empty type", 1, 1, TileEmpty, 1000, apperrors.ErrInvalidBuildingType},
		{"broke", 1, 1, TileCommercial, BuildingCost - 1, apperrors.ErrNotEnoughMoney},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := City{Money: tc.money}
			before := c
			err := c.PlaceBuilding(tc.x, tc.y, tc.b)
			require.True(t, errors.Is(err, tc.sentinel), "got %v", err)
			assert.Equal(t, before, c, "failed placement must not change the city")
		})
	}
}

func TestPlaceBuildingExactMoney(t *testing.T) {
	c := City{Money: BuildingCost}
	require.NoError(t, c.PlaceBuilding(0, 0, TileIndustrial))
	assert.Equal(t, uint64(0), c.Money)
	err := c.PlaceBuilding(0, 1, TileIndustrial)
	assert.Equal(t, apperrors.KindResource, apperrors.KindOf(err))
	assert.Equal(t, TileEmpty, c.Tiles[1][0])
}

func TestBulldoze(t *testing.T) {
	c := New(epoch)
	require.NoError(t, c.PlaceBuilding(15, 15, TileResidential))
	money := c.Money
	require.NoError(t, c.Bulldoze(15, 15))
	require.NoError(t, c.Bulldoze(15, 15))
	assert.Equal(t, TileEmpty, c.Tiles[15][15])
	assert.Equal(t, money, c.Money)

	assert.True(t, errors.Is(c.Bulldoze(16, 0), apperrors.ErrOutOfBounds))
}

func TestStepSimulation(t *testing.T) {
	c := New(epoch)
	require.NoError(t, c.PlaceBuilding(0, 0, TileResidential))
	require.NoError(t, c.PlaceBuilding(0, 1, TileResidential))
	require.NoError(t, c.PlaceBuilding(0, 2, TileCommercial))

	later := epoch.Add(time.Minute)
	require.NoError(t, c.StepSimulation(later))
	assert.Equal(t, uint32(20), c.Population)
	assert.Equal(t, later.Unix(), c.LastUpdated)

	require.NoError(t, c.StepSimulation(later))
	assert.Equal(t, uint32(40), c.Population)
}

func TestStepSimulationWithoutResidentialOnlyStamps(t *testing.T) {
	c := New(epoch)
	later := epoch.Add(time.Hour)
	require.NoError(t, c.StepSimulation(later))
	assert.Equal(t, uint32(0), c.Population)
	assert.Equal(t, later.Unix(), c.LastUpdated)
}

func TestStepSimulationOverflow(t *testing.T) {
	c := New(epoch)
	c.Tiles[0][0] = TileResidential
	c.Population = math.MaxUint32 - 5
	err := c.StepSimulation(epoch.Add(time.Second))
	require.True(t, errors.Is(err, apperrors.ErrPopulationOverflow))
	assert.Equal(t, uint32(math.MaxUint32-5), c.Population)
	assert.Equal(t, epoch.Unix(), c.LastUpdated)
}

func TestBinaryRoundTrip(t *testing.T) {
	c := New(epoch)
	require.NoError(t, c.PlaceBuilding(2, 9, TileResidential))
	require.NoError(t, c.PlaceBuilding(11, 0, TileGlobal))
	require.NoError(t, c.StepSimulation(epoch.Add(time.Minute)))

	data, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, Size)

	var out City
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, c, out)
}

func TestUnmarshalRejectsCounterPayload(t *testing.T) {
	var c City
	err := c.UnmarshalBinary(make([]byte, 16))
	assert.True(t, errors.Is(err, apperrors.ErrKindMismatch))
}
