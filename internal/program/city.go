package program

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/city"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
)

// City runs city instructions on one layer.
type City struct {
	rt Runtime
}

func NewCity(rt Runtime) *City { return &City{rt: rt.withDefaults()} }

// Initialize founds the signer's city with the starting treasury. A city
// can only be founded once.
func (p *City) Initialize(ctx context.Context, call Call) (city.City, error) {
	c := city.New(p.rt.Clock.Now())
	data, err := c.MarshalBinary()
	if err != nil {
		return c, err
	}
	_, err = p.rt.initialize(ctx, account.KindCity, call, data, false)
	return c, err
}

func (p *City) PlaceBuilding(ctx context.Context, call Call, x, y, building uint8) (city.City, error) {
	return p.mutate(ctx, instruction.PlaceBuilding, call, func(c *city.City) error {
		return c.PlaceBuilding(x, y, building)
	})
}

func (p *City) Bulldoze(ctx context.Context, call Call, x, y uint8) (city.City, error) {
	return p.mutate(ctx, instruction.Bulldoze, call, func(c *city.City) error {
		return c.Bulldoze(x, y)
	})
}

// StepSimulation grows the population from the residential tiles of the
// copy decoded inside the account's critical section.
func (p *City) StepSimulation(ctx context.Context, call Call) (city.City, error) {
	now := p.rt.Clock.Now()
	return p.mutate(ctx, instruction.StepSimulation, call, func(c *city.City) error {
		return c.StepSimulation(now)
	})
}

func (p *City) Get(ctx context.Context, addr chain.Address) (city.City, error) {
	return Read[city.City](ctx, p.rt.Accounts, account.KindCity, addr)
}

func (p *City) mutate(ctx context.Context, name string, call Call, fn func(*city.City) error) (city.City, error) {
	return Mutate[city.City](ctx, p.rt.Accounts, account.KindCity, instruction.ProgramCity, name, p.rt.Clock.Now(), call, fn)
}
