// Package wire implements the binary form of instruction sequences: a
// canonical CBOR image wrapped in a versioned envelope carrying an xxh3
// checksum. Symbols and classes are stored by name and rebound to the
// loading VM's tables.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"

	"github.com/chazu/yarv/vm"
)

// Version is the current image format version.
const Version uint16 = 1

var magic = []byte("YARV")

// ErrChecksum is returned when an image's payload does not match its
// recorded checksum.
var ErrChecksum = errors.New("wire: checksum mismatch")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Envelope is the outer record of a dumped iseq tree.
type Envelope struct {
	Magic    []byte `cbor:"1,keyasint"`
	Version  uint16 `cbor:"2,keyasint"`
	Checksum uint64 `cbor:"3,keyasint"`
	Payload  []byte `cbor:"4,keyasint"`
}

// Image is the payload: every iseq of the tree in a flat table, so handler
// iseqs shared between the catch table and the children list are stored
// once.
type Image struct {
	Root  int          `cbor:"1,keyasint"`
	ISeqs []ISeqRecord `cbor:"2,keyasint"`
}

// ISeqRecord is one instruction sequence.
type ISeqRecord struct {
	Name     string        `cbor:"1,keyasint"`
	Type     uint8         `cbor:"2,keyasint"`
	Code     []byte        `cbor:"3,keyasint"`
	Literals []Literal     `cbor:"4,keyasint,omitempty"`
	Locals   []string      `cbor:"5,keyasint,omitempty"`
	Args     ArgRecord     `cbor:"6,keyasint"`
	Catch    []CatchRecord `cbor:"7,keyasint,omitempty"`
	Children []int         `cbor:"8,keyasint,omitempty"`
	StackMax int           `cbor:"9,keyasint"`
}

// ArgRecord mirrors vm.ArgShape.
type ArgRecord struct {
	Lead     int   `cbor:"1,keyasint"`
	Opt      int   `cbor:"2,keyasint"`
	OptTable []int `cbor:"3,keyasint,omitempty"`
	Rest     int   `cbor:"4,keyasint"`
	Block    int   `cbor:"5,keyasint"`
}

// CatchRecord mirrors vm.CatchEntry; Handler is an index into Image.ISeqs
// or -1.
type CatchRecord struct {
	Kind    uint8 `cbor:"1,keyasint"`
	Start   int   `cbor:"2,keyasint"`
	End     int   `cbor:"3,keyasint"`
	Cont    int   `cbor:"4,keyasint"`
	SP      int   `cbor:"5,keyasint"`
	Handler int   `cbor:"6,keyasint"`
}

// LiteralKind tags a Literal.
type LiteralKind uint8

const (
	LitNil LiteralKind = iota
	LitTrue
	LitFalse
	LitInt
	LitFloat
	LitSymbol
	LitString
	LitClass
)

// Literal is a position-independent literal value.
type Literal struct {
	Kind  LiteralKind `cbor:"1,keyasint"`
	Int   int64       `cbor:"2,keyasint,omitempty"`
	Float float64     `cbor:"3,keyasint,omitempty"`
	Str   string      `cbor:"4,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Dump
// ---------------------------------------------------------------------------

type dumper struct {
	v     *vm.VM
	index map[*vm.ISeq]int
	img   Image
}

// Dump serializes the iseq tree rooted at root.
func Dump(v *vm.VM, root *vm.ISeq) ([]byte, error) {
	d := &dumper{v: v, index: make(map[*vm.ISeq]int)}
	r, err := d.add(root)
	if err != nil {
		return nil, err
	}
	d.img.Root = r

	payload, err := cborEncMode.Marshal(&d.img)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal image: %w", err)
	}
	env := Envelope{
		Magic:    magic,
		Version:  Version,
		Checksum: xxh3.Hash(payload),
		Payload:  payload,
	}
	return cborEncMode.Marshal(&env)
}

func (d *dumper) add(s *vm.ISeq) (int, error) {
	if i, ok := d.index[s]; ok {
		return i, nil
	}
	i := len(d.img.ISeqs)
	d.index[s] = i
	d.img.ISeqs = append(d.img.ISeqs, ISeqRecord{})

	syms := d.v.Symbols()
	rec := ISeqRecord{
		Name:     s.Name,
		Type:     uint8(s.Type),
		Code:     s.Code,
		StackMax: s.StackMax,
		Args: ArgRecord{
			Lead:     s.Args.Lead,
			Opt:      s.Args.Opt,
			OptTable: s.Args.OptTable,
			Rest:     s.Args.Rest,
			Block:    s.Args.Block,
		},
	}
	for _, l := range s.Locals {
		rec.Locals = append(rec.Locals, syms.Name(l))
	}
	for j, lit := range s.Literals {
		l, err := d.literal(lit)
		if err != nil {
			return 0, fmt.Errorf("wire: %s literal %d: %w", s.Name, j, err)
		}
		rec.Literals = append(rec.Literals, l)
	}
	for _, c := range s.Children {
		ci, err := d.add(c)
		if err != nil {
			return 0, err
		}
		rec.Children = append(rec.Children, ci)
	}
	for _, e := range s.Catch {
		h := -1
		if e.ISeq != nil {
			var err error
			if h, err = d.add(e.ISeq); err != nil {
				return 0, err
			}
		}
		rec.Catch = append(rec.Catch, CatchRecord{
			Kind: uint8(e.Kind), Start: e.Start, End: e.End, Cont: e.Cont, SP: e.SP, Handler: h,
		})
	}
	d.img.ISeqs[i] = rec
	return i, nil
}

func (d *dumper) literal(v vm.Value) (Literal, error) {
	switch {
	case v == vm.Nil:
		return Literal{Kind: LitNil}, nil
	case v == vm.True:
		return Literal{Kind: LitTrue}, nil
	case v == vm.False:
		return Literal{Kind: LitFalse}, nil
	case v.IsSmallInt():
		return Literal{Kind: LitInt, Int: v.SmallInt()}, nil
	case v.IsSymbol():
		return Literal{Kind: LitSymbol, Str: d.v.Symbols().Name(vm.Symbol(v.SymbolID()))}, nil
	case v.IsClass():
		c := d.v.ClassByValue(v)
		if c == nil {
			return Literal{}, fmt.Errorf("dangling class %s", v)
		}
		return Literal{Kind: LitClass, Str: c.Name}, nil
	case v.IsObject():
		if s := d.v.Heap().String(v); s != nil {
			return Literal{Kind: LitString, Str: s.S}, nil
		}
		return Literal{}, fmt.Errorf("unsupported literal object %s", v)
	case v.IsFloat():
		return Literal{Kind: LitFloat, Float: v.Float64()}, nil
	}
	return Literal{}, fmt.Errorf("unsupported literal %s", v)
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// Load decodes an image produced by Dump, binding symbols, classes and
// string literals in v.
func Load(v *vm.VM, data []byte) (*vm.ISeq, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if !bytes.Equal(env.Magic, magic) {
		return nil, fmt.Errorf("wire: bad magic %q", env.Magic)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("wire: unsupported version %d (want %d)", env.Version, Version)
	}
	if sum := xxh3.Hash(env.Payload); sum != env.Checksum {
		return nil, fmt.Errorf("%w: recorded %016x, computed %016x", ErrChecksum, env.Checksum, sum)
	}

	var img Image
	if err := cbor.Unmarshal(env.Payload, &img); err != nil {
		return nil, fmt.Errorf("wire: unmarshal image: %w", err)
	}
	n := len(img.ISeqs)
	if img.Root < 0 || img.Root >= n {
		return nil, fmt.Errorf("wire: root index %d out of range", img.Root)
	}

	iseqs := make([]*vm.ISeq, n)
	for i := range iseqs {
		iseqs[i] = &vm.ISeq{}
	}
	ref := func(i int) (*vm.ISeq, error) {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("wire: iseq index %d out of range", i)
		}
		return iseqs[i], nil
	}

	syms := v.Symbols()
	for i, rec := range img.ISeqs {
		s := iseqs[i]
		s.Name = rec.Name
		s.Type = vm.ISeqType(rec.Type)
		s.Code = rec.Code
		s.StackMax = rec.StackMax
		s.Args = vm.ArgShape{
			Lead:     rec.Args.Lead,
			Opt:      rec.Args.Opt,
			OptTable: rec.Args.OptTable,
			Rest:     rec.Args.Rest,
			Block:    rec.Args.Block,
		}
		for _, l := range rec.Locals {
			s.Locals = append(s.Locals, syms.Intern(l))
		}
		for j, l := range rec.Literals {
			val, err := literalValue(v, l)
			if err != nil {
				return nil, fmt.Errorf("wire: %s literal %d: %w", s.Name, j, err)
			}
			s.Literals = append(s.Literals, val)
		}
		for _, ci := range rec.Children {
			c, err := ref(ci)
			if err != nil {
				return nil, err
			}
			s.Children = append(s.Children, c)
		}
		for _, cr := range rec.Catch {
			e := vm.CatchEntry{
				Kind: vm.CatchKind(cr.Kind), Start: cr.Start, End: cr.End, Cont: cr.Cont, SP: cr.SP,
			}
			if cr.Handler >= 0 {
				h, err := ref(cr.Handler)
				if err != nil {
					return nil, err
				}
				e.ISeq = h
			}
			s.Catch = append(s.Catch, e)
		}
	}

	root := iseqs[img.Root]
	if err := root.Verify(); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	root.Link()
	return root, nil
}

func literalValue(v *vm.VM, l Literal) (vm.Value, error) {
	switch l.Kind {
	case LitNil:
		return vm.Nil, nil
	case LitTrue:
		return vm.True, nil
	case LitFalse:
		return vm.False, nil
	case LitInt:
		val, ok := vm.TryFromSmallInt(l.Int)
		if !ok {
			return vm.Nil, fmt.Errorf("integer %d out of range", l.Int)
		}
		return val, nil
	case LitFloat:
		return vm.FromFloat64(l.Float), nil
	case LitSymbol:
		return v.Symbols().SymbolValue(l.Str), nil
	case LitString:
		return v.Heap().NewString(l.Str), nil
	case LitClass:
		c := v.Classes().Lookup(l.Str)
		if c == nil {
			return vm.Nil, fmt.Errorf("unknown class %s", l.Str)
		}
		return vm.ClassValue(c), nil
	}
	return vm.Nil, fmt.Errorf("unknown literal kind %d", l.Kind)
}
