package program

import (
	"context"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/city"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/counter"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Lifecycle is the part of a delegation manager the dispatcher drives.
type Lifecycle interface {
	Delegate(ctx context.Context, req delegation.DelegateRequest) (account.Record, error)
	Commit(ctx context.Context, req delegation.CommitRequest) (account.Record, error)
	CommitAndUndelegate(ctx context.Context, req delegation.CommitRequest) (account.Record, error)
}

// Observer receives one measurement per dispatched instruction. code is
// empty on success.
type Observer interface {
	ObserveInstruction(program, name string, layer Layer, code string, elapsed time.Duration)
}

// Result is what a dispatched instruction produced.
type Result struct {
	Program     string           `json:"program"`
	Instruction string           `json:"instruction"`
	Account     chain.Address    `json:"account"`
	Layer       Layer            `json:"layer"`
	Counter     *counter.Counter `json:"counter,omitempty"`
	City        *city.City       `json:"city,omitempty"`
	Record      *account.Record  `json:"record,omitempty"`
}

// Dispatcher decodes wire instructions and routes them to programs on its
// layer and, on the base layer, to the lifecycle managers.
type Dispatcher struct {
	layer     Layer
	counter   *Counter
	city      *City
	lifecycle map[string]Lifecycle
	verifier  *session.Verifier
	observer  Observer
	log       *logger.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLifecycle routes delegate, commit and undelegate for program to lc.
func WithLifecycle(program string, lc Lifecycle) DispatcherOption {
	return func(d *Dispatcher) { d.lifecycle[program] = lc }
}

// WithVerifier accepts session tokens signed by the verifier's issuers.
// Without one, instructions carrying a session token are rejected.
func WithVerifier(v *session.Verifier) DispatcherOption {
	return func(d *Dispatcher) { d.verifier = v }
}

func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

func NewDispatcher(rt Runtime, opts ...DispatcherOption) *Dispatcher {
	rt = rt.withDefaults()
	d := &Dispatcher{
		layer:     rt.Layer(),
		counter:   NewCounter(rt),
		city:      NewCity(rt),
		lifecycle: make(map[string]Lifecycle),
		log:       rt.Logger.Named("dispatcher." + string(rt.Layer())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Layer() Layer { return d.layer }

func (d *Dispatcher) Counter() *Counter { return d.counter }

func (d *Dispatcher) City() *City { return d.city }

// Dispatch decodes, verifies and executes one wire instruction.
func (d *Dispatcher) Dispatch(ctx context.Context, wire []byte) (Result, error) {
	ix, err := instruction.Decode(wire)
	if err != nil {
		if d.observer != nil {
			d.observer.ObserveInstruction("", "", d.layer, string(apperrors.CodeOf(err)), 0)
		}
		return Result{}, err
	}
	return d.Execute(ctx, ix)
}

// Execute runs an already verified instruction.
func (d *Dispatcher) Execute(ctx context.Context, ix *instruction.Instruction) (res Result, err error) {
	start := time.Now()
	defer func() {
		code := ""
		if err != nil {
			code = string(apperrors.CodeOf(err))
		}
		if d.observer != nil {
			d.observer.ObserveInstruction(ix.Program, ix.Name, d.layer, code, time.Since(start))
		}
		entry := d.log.WithField("program", ix.Program).
			WithField("instruction", ix.Name).
			WithField("account", ix.Account.String())
		if err != nil {
			entry.WithError(err).Debug("instruction rejected")
		} else {
			entry.Debug("instruction executed")
		}
	}()

	cred, err := d.credential(ix.SessionToken)
	if err != nil {
		return Result{}, err
	}
	call := Call{Address: ix.Account, Signer: ix.Signer, Credential: cred}
	res = Result{Program: ix.Program, Instruction: ix.Name, Account: ix.Account, Layer: d.layer}

	switch ix.Name {
	case instruction.Delegate, instruction.Commit, instruction.Undelegate:
		rec, err := d.runLifecycle(ctx, ix, call)
		if err != nil {
			return Result{}, err
		}
		res.Record = &rec
		return res, nil
	}

	switch ix.Program {
	case instruction.ProgramCounter:
		c, err := d.runCounter(ctx, ix, call)
		if err != nil {
			return Result{}, err
		}
		res.Counter = &c
	case instruction.ProgramCity:
		c, err := d.runCity(ctx, ix, call)
		if err != nil {
			return Result{}, err
		}
		res.City = &c
	default:
		return Result{}, apperrors.New(apperrors.CodeInvalidInstruction, "unknown program %q", ix.Program)
	}
	return res, nil
}

func (d *Dispatcher) credential(token string) (*session.Credential, error) {
	if token == "" {
		return nil, nil
	}
	if d.verifier == nil {
		return nil, apperrors.InvalidAuth("session credentials are not accepted here")
	}
	return d.verifier.Parse(token)
}

func (d *Dispatcher) runLifecycle(ctx context.Context, ix *instruction.Instruction, call Call) (account.Record, error) {
	lc, ok := d.lifecycle[ix.Program]
	if !ok {
		return account.Record{}, apperrors.New(apperrors.CodeInvalidInstruction, "%s is not handled on the %s layer", ix.Name, d.layer)
	}
	commit := delegation.CommitRequest{Address: call.Address, Signer: call.Signer, Credential: call.Credential}
	switch ix.Name {
	case instruction.Delegate:
		return lc.Delegate(ctx, delegation.DelegateRequest{
			Address:    call.Address,
			Signer:     call.Signer,
			Credential: call.Credential,
			Validator:  ix.Args.Validator,
		})
	case instruction.Commit:
		return lc.Commit(ctx, commit)
	default:
		return lc.CommitAndUndelegate(ctx, commit)
	}
}

func (d *Dispatcher) runCounter(ctx context.Context, ix *instruction.Instruction, call Call) (counter.Counter, error) {
	switch ix.Name {
	case instruction.Initialize:
		return d.counter.Initialize(ctx, call)
	case instruction.Increment:
		return d.counter.Increment(ctx, call)
	case instruction.Decrement:
		return d.counter.Decrement(ctx, call)
	case instruction.Set:
		return d.counter.Set(ctx, call, ix.Args.Value)
	}
	return counter.Counter{}, apperrors.New(apperrors.CodeInvalidInstruction, "unknown counter instruction %q", ix.Name)
}

func (d *Dispatcher) runCity(ctx context.Context, ix *instruction.Instruction, call Call) (city.City, error) {
	switch ix.Name {
	case instruction.InitializeCity:
		return d.city.Initialize(ctx, call)
	case instruction.PlaceBuilding:
		return d.city.PlaceBuilding(ctx, call, ix.Args.X, ix.Args.Y, ix.Args.Building)
	case instruction.Bulldoze:
		return d.city.Bulldoze(ctx, call, ix.Args.X, ix.Args.Y)
	case instruction.StepSimulation:
		return d.city.StepSimulation(ctx, call)
	}
	return city.City{}, apperrors.New(apperrors.CodeInvalidInstruction, "unknown city instruction %q", ix.Name)
}
