// Package instruction encodes and verifies signed program instructions.
//
// Layout, little endian:
//
//	program   u8 length + bytes
//	disc      [8]byte  sha256("global:" + name)[:8]
//	account   [20]byte
//	signer    [33]byte compressed secp256r1
//	args      fixed per instruction; delegate carries u8 length + validator id
//	session   u16 length + token bytes, empty when the authority signs
//	signature u8 length + bytes over everything above
package instruction

import (
	"github.com/nspcc-dev/neo-go/pkg/io"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Programs.
const (
	ProgramCounter = "counter"
	ProgramCity    = "city"
)

// Instruction names shared by both programs.
const (
	Delegate   = "delegate"
	Commit     = "commit"
	Undelegate = "undelegate"
)

// Counter instructions.
const (
	Initialize = "initialize"
	Increment  = "increment"
	Decrement  = "decrement"
	Set        = "set"
)

// City instructions.
const (
	InitializeCity = "initialize_city"
	PlaceBuilding  = "place_building"
	Bulldoze       = "bulldoze"
	StepSimulation = "step_simulation"
)

// Layout describes the argument bytes of an instruction.
type Layout int

const (
	LayoutNone Layout = iota
	LayoutU64
	LayoutXY
	LayoutXYType
	LayoutValidator
)

// Args holds decoded arguments. Only the fields of the instruction's layout
// are meaningful.
type Args struct {
	Value     uint64 `json:"value,omitempty"`
	X         uint8  `json:"x,omitempty"`
	Y         uint8  `json:"y,omitempty"`
	Building  uint8  `json:"building,omitempty"`
	Validator string `json:"validator,omitempty"`
}

type def struct {
	name   string
	layout Layout
}

var catalog = map[string][]def{
	ProgramCounter: {
		{Initialize, LayoutNone},
		{Increment, LayoutNone},
		{Decrement, LayoutNone},
		{Set, LayoutU64},
		{Delegate, LayoutValidator},
		{Commit, LayoutNone},
		{Undelegate, LayoutNone},
	},
	ProgramCity: {
		{InitializeCity, LayoutNone},
		{PlaceBuilding, LayoutXYType},
		{Bulldoze, LayoutXY},
		{StepSimulation, LayoutNone},
		{Delegate, LayoutValidator},
		{Commit, LayoutNone},
		{Undelegate, LayoutNone},
	},
}

type discKey struct {
	program string
	disc    [chain.DiscriminatorSize]byte
}

var byDisc = func() map[discKey]def {
	m := make(map[discKey]def)
	for program, defs := range catalog {
		for _, d := range defs {
			m[discKey{program, Discriminator(d.name)}] = d
		}
	}
	return m
}()

// Discriminator returns the 8-byte selector for an instruction name.
func Discriminator(name string) [chain.DiscriminatorSize]byte {
	return chain.Discriminator("global", name)
}

// Lookup returns the argument layout of program's instruction name.
func Lookup(program, name string) (Layout, bool) {
	for _, d := range catalog[program] {
		if d.name == name {
			return d.layout, true
		}
	}
	return LayoutNone, false
}

// Names lists the instructions of program in declaration order.
func Names(program string) []string {
	defs := catalog[program]
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.name
	}
	return out
}

// Instruction is a decoded, signature-checked instruction.
type Instruction struct {
	Program      string          `json:"program"`
	Name         string          `json:"name"`
	Account      chain.Address   `json:"account"`
	Signer       chain.PublicKey `json:"signer"`
	Args         Args            `json:"args"`
	SessionToken string          `json:"session_token,omitempty"`
	Signature    []byte          `json:"signature"`
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.CodeInvalidInstruction, format, args...)
}

// body encodes every field that the signature covers.
func (ix *Instruction) body() ([]byte, error) {
	layout, ok := Lookup(ix.Program, ix.Name)
	if !ok {
		return nil, invalid("unknown instruction %s.%s", ix.Program, ix.Name)
	}
	if len(ix.Program) > 0xff {
		return nil, invalid("program name too long")
	}
	if len(ix.SessionToken) > 0xffff {
		return nil, invalid("session token too long")
	}

	w := io.NewBufBinWriter()
	w.WriteB(byte(len(ix.Program)))
	w.WriteBytes([]byte(ix.Program))
	disc := Discriminator(ix.Name)
	w.WriteBytes(disc[:])
	w.WriteBytes(ix.Account.Bytes())
	w.WriteBytes(ix.Signer[:])
	switch layout {
	case LayoutU64:
		w.WriteU64LE(ix.Args.Value)
	case LayoutXY:
		w.WriteB(ix.Args.X)
		w.WriteB(ix.Args.Y)
	case LayoutXYType:
		w.WriteB(ix.Args.X)
		w.WriteB(ix.Args.Y)
		w.WriteB(ix.Args.Building)
	case LayoutValidator:
		if len(ix.Args.Validator) > 0xff {
			return nil, invalid("validator id too long")
		}
		w.WriteB(byte(len(ix.Args.Validator)))
		w.WriteBytes([]byte(ix.Args.Validator))
	}
	w.WriteU16LE(uint16(len(ix.SessionToken)))
	w.WriteBytes([]byte(ix.SessionToken))
	if w.Err != nil {
		return nil, apperrors.Internal(w.Err, "encode instruction")
	}
	return w.Bytes(), nil
}

// Sign sets Signer and Signature from key and returns the wire bytes.
func (ix *Instruction) Sign(key *chain.Keypair) ([]byte, error) {
	ix.Signer = key.PublicKey()
	body, err := ix.body()
	if err != nil {
		return nil, err
	}
	sig := key.Sign(body)
	if len(sig) > 0xff {
		return nil, apperrors.New(apperrors.CodeInternal, "signature too long")
	}
	ix.Signature = sig
	out := make([]byte, 0, len(body)+1+len(sig))
	out = append(out, body...)
	out = append(out, byte(len(sig)))
	return append(out, sig...), nil
}

// Decode parses wire bytes and verifies the signature. Malformed input is
// InvalidInstruction; a signature that does not match the signer is
// InvalidAuth.
func Decode(b []byte) (*Instruction, error) {
	r := io.NewBinReaderFromBuf(b)
	ix := &Instruction{}
	n := 0

	plen := int(r.ReadB())
	program := make([]byte, plen)
	r.ReadBytes(program)
	var disc [chain.DiscriminatorSize]byte
	r.ReadBytes(disc[:])
	if r.Err != nil {
		return nil, invalid("truncated instruction header")
	}
	ix.Program = string(program)
	d, ok := byDisc[discKey{ix.Program, disc}]
	if !ok {
		return nil, invalid("unknown instruction %x for program %q", disc[:], ix.Program)
	}
	ix.Name = d.name
	n += 1 + plen + len(disc)

	acct := make([]byte, chain.AddressSize)
	r.ReadBytes(acct)
	r.ReadBytes(ix.Signer[:])
	n += chain.AddressSize + chain.PublicKeySize

	switch d.layout {
	case LayoutU64:
		ix.Args.Value = r.ReadU64LE()
		n += 8
	case LayoutXY:
		ix.Args.X = r.ReadB()
		ix.Args.Y = r.ReadB()
		n += 2
	case LayoutXYType:
		ix.Args.X = r.ReadB()
		ix.Args.Y = r.ReadB()
		ix.Args.Building = r.ReadB()
		n += 3
	case LayoutValidator:
		vlen := int(r.ReadB())
		v := make([]byte, vlen)
		r.ReadBytes(v)
		ix.Args.Validator = string(v)
		n += 1 + vlen
	}

	tlen := int(r.ReadU16LE())
	token := make([]byte, tlen)
	r.ReadBytes(token)
	ix.SessionToken = string(token)
	n += 2 + tlen
	body := n

	slen := int(r.ReadB())
	ix.Signature = make([]byte, slen)
	r.ReadBytes(ix.Signature)
	n += 1 + slen
	if r.Err != nil {
		return nil, invalid("truncated %s instruction", ix.Name)
	}
	if n != len(b) {
		return nil, invalid("%d trailing bytes after %s instruction", len(b)-n, ix.Name)
	}

	addr, err := chain.AddressFromBytes(acct)
	if err != nil {
		return nil, invalid("bad account: %v", err)
	}
	ix.Account = addr
	if _, err := ix.Signer.Neo(); err != nil {
		return nil, apperrors.InvalidAuth("signer is not a valid public key")
	}
	if !ix.Signer.Verify(ix.Signature, b[:body]) {
		return nil, apperrors.InvalidAuth("signature does not match signer")
	}
	return ix, nil
}
