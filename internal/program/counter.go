package program

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/counter"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
)

// Counter runs counter instructions on one layer.
type Counter struct {
	rt Runtime
}

func NewCounter(rt Runtime) *Counter { return &Counter{rt: rt.withDefaults()} }

// Initialize creates the signer's counter at zero. Initializing an existing
// local counter resets it to zero.
func (p *Counter) Initialize(ctx context.Context, call Call) (counter.Counter, error) {
	var c counter.Counter
	data, err := c.MarshalBinary()
	if err != nil {
		return c, err
	}
	_, err = p.rt.initialize(ctx, account.KindCounter, call, data, true)
	return c, err
}

func (p *Counter) Increment(ctx context.Context, call Call) (counter.Counter, error) {
	return p.mutate(ctx, instruction.Increment, call, (*counter.Counter).Increment)
}

func (p *Counter) Decrement(ctx context.Context, call Call) (counter.Counter, error) {
	return p.mutate(ctx, instruction.Decrement, call, (*counter.Counter).Decrement)
}

func (p *Counter) Set(ctx context.Context, call Call, value uint64) (counter.Counter, error) {
	return p.mutate(ctx, instruction.Set, call, func(c *counter.Counter) error {
		c.Set(value)
		return nil
	})
}

// Get reads the counter without authorization.
func (p *Counter) Get(ctx context.Context, addr chain.Address) (counter.Counter, error) {
	return Read[counter.Counter](ctx, p.rt.Accounts, account.KindCounter, addr)
}

func (p *Counter) mutate(ctx context.Context, name string, call Call, fn func(*counter.Counter) error) (counter.Counter, error) {
	return Mutate[counter.Counter](ctx, p.rt.Accounts, account.KindCounter, instruction.ProgramCounter, name, p.rt.Clock.Now(), call, fn)
}
