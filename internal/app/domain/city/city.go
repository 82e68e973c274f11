// Package city implements the City grid state entity.
package city

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Tag is the address derivation tag for city accounts.
const Tag = string(account.KindCity)

const (
	GridSize                        = 16
	BuildingCost             uint64 = 100
	StartingMoney            uint64 = 10000
	PopulationPerResidential uint32 = 10
)

// Tile codes. Any non-zero code is a building.
const (
	TileEmpty       uint8 = 0
	TileGlobal      uint8 = 1
	TileResidential uint8 = 2
	TileCommercial  uint8 = 3
	TileIndustrial  uint8 = 4
)

// Size is the encoded payload length.
const Size = chain.DiscriminatorSize + GridSize*GridSize + 4 + 8 + 8

var discriminator = chain.Discriminator("account", "City")

// City is a 16x16 grid of tiles plus its treasury and population. Tiles is
// row-major: the tile at column x of row y is Tiles[y][x].
type City struct {
	Tiles       [GridSize][GridSize]uint8 `json:"tiles"`
	Population  uint32                    `json:"population"`
	Money       uint64                    `json:"money"`
	LastUpdated int64                     `json:"last_updated"`
}

// New returns an empty city funded with StartingMoney.
func New(now time.Time) City {
	return City{Money: StartingMoney, LastUpdated: now.Unix()}
}

func checkBounds(x, y uint8) error {
	if x >= GridSize || y >= GridSize {
		return apperrors.New(apperrors.CodeOutOfBounds, "tile (%d,%d) outside %dx%d grid", x, y, GridSize, GridSize)
	}
	return nil
}

// PlaceBuilding writes a building tile and charges BuildingCost. Either
// both happen or neither does. Placing over an existing building replaces
// it at full cost.
func (c *City) PlaceBuilding(x, y, building uint8) error {
	if err := checkBounds(x, y); err != nil {
		return err
	}
	if building == TileEmpty {
		return apperrors.New(apperrors.CodeInvalidBuildingType, "building type %d is not a building", building)
	}
	if c.Money < BuildingCost {
		return apperrors.New(apperrors.CodeNotEnoughMoney, "need %d, have %d", BuildingCost, c.Money).
			WithDetail("cost", BuildingCost).
			WithDetail("money", c.Money)
	}
	c.Tiles[y][x] = building
	c.Money -= BuildingCost
	return nil
}

// Bulldoze clears a tile. It is free and succeeds on empty tiles.
func (c *City) Bulldoze(x, y uint8) error {
	if err := checkBounds(x, y); err != nil {
		return err
	}
	c.Tiles[y][x] = TileEmpty
	return nil
}

// ResidentialCount returns the number of residential tiles.
func (c *City) ResidentialCount() uint32 {
	var n uint32
	for _, row := range c.Tiles {
		for _, tile := range row {
			if tile == TileResidential {
				n++
			}
		}
	}
	return n
}

// StepSimulation grows the population by PopulationPerResidential for each
// residential tile and stamps the step time.
func (c *City) StepSimulation(now time.Time) error {
	growth := uint64(c.ResidentialCount()) * uint64(PopulationPerResidential)
	if uint64(c.Population)+growth > math.MaxUint32 {
		return apperrors.New(apperrors.CodePopulationOverflow, "population %d cannot grow by %d", c.Population, growth)
	}
	c.Population += uint32(growth)
	c.LastUpdated = now.Unix()
	return nil
}

func (c *City) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	off := copy(buf, discriminator[:])
	for y := range c.Tiles {
		off += copy(buf[off:], c.Tiles[y][:])
	}
	binary.LittleEndian.PutUint32(buf[off:], c.Population)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], c.Money)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(c.LastUpdated))
	return buf, nil
}

func (c *City) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return apperrors.New(apperrors.CodeKindMismatch, "city payload is %d bytes, want %d", len(data), Size)
	}
	if [chain.DiscriminatorSize]byte(data[:chain.DiscriminatorSize]) != discriminator {
		return apperrors.New(apperrors.CodeKindMismatch, "payload is not a city")
	}
	off := chain.DiscriminatorSize
	for y := range c.Tiles {
		off += copy(c.Tiles[y][:], data[off:off+GridSize])
	}
	c.Population = binary.LittleEndian.Uint32(data[off:])
	off += 4
	c.Money = binary.LittleEndian.Uint64(data[off:])
	off += 8
	c.LastUpdated = int64(binary.LittleEndian.Uint64(data[off:]))
	return nil
}
