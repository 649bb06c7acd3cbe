// Package mir defines the ownership-aware mid-level IR of the Lumen compiler
// and the lifetime completion machinery that keeps its lifetimes linear.
// Every value carries an ownership kind; owned values and locally introduced
// borrows must be ended exactly once on every path reachable from their
// definition.
package mir

import (
	"fmt"
	"strings"
)

// Module is a compilation unit of MIR.
type Module struct {
	Name      string
	Functions []*Function
}

// Function is a collection of basic blocks. The first block is the entry.
type Function struct {
	Name   string
	Params []Param
	Blocks []*BasicBlock
}

// Param is a function parameter. A Guaranteed parameter is a borrow received
// from the caller; its scope is not local to this function.
type Param struct {
	Name      string
	Ownership OwnershipKind
}

// BasicBlock is a sequence of instructions ending with a terminator.
type BasicBlock struct {
	Name   string
	Instrs []Instr
}

// OwnershipKind classifies how a value's lifetime is managed.
type OwnershipKind int

const (
	OwnershipNone       OwnershipKind = iota // trivial value, no lifetime
	OwnershipOwned                           // must be consumed exactly once per path
	OwnershipGuaranteed                      // borrow; local scopes must be ended per path
)

func (k OwnershipKind) String() string {
	switch k {
	case OwnershipNone:
		return "none"
	case OwnershipOwned:
		return "owned"
	case OwnershipGuaranteed:
		return "guaranteed"
	default:
		return "unknown"
	}
}

// Value is a constant or a reference to an SSA definition.
type Value struct {
	Kind  ValueKind
	Int64 int64
	Ref   string
}

// ValueKind classifies the value category.
type ValueKind int

const (
	ValInvalid ValueKind = iota
	ValConstInt
	ValRef
)

// Ref builds a reference value.
func Ref(name string) Value { return Value{Kind: ValRef, Ref: name} }

// ConstInt builds an integer constant value.
func ConstInt(n int64) Value { return Value{Kind: ValConstInt, Int64: n} }

// Instr is implemented by all MIR instructions. Implementations are pointer
// types so that analyses can key sets and maps by instruction identity.
type Instr interface{ isInstr() }

// Terminator is implemented by instructions that end a basic block.
type Terminator interface {
	Instr
	isTerminator()
}

// Const materializes a trivial constant. Its result has no lifetime.
type Const struct {
	Dst string
	Val Value
}

// Apply calls a named function. The result carries the declared ownership
// kind. NoReturn marks calls proven to never return to the caller.
type Apply struct {
	Dst       string
	Callee    string
	Args      []Value
	Ownership OwnershipKind
	Lexical   bool
	NoReturn  bool
}

// Move consumes Src and produces a new owned value.
type Move struct {
	Dst     string
	Src     Value
	Lexical bool
}

// Borrow introduces a local borrow scope over Src. The result is Guaranteed
// and must be ended with EndBorrow on every path.
type Borrow struct {
	Dst     string
	Src     Value
	Lexical bool
}

// Use is a generic non-consuming use of a value.
type Use struct {
	Val Value
}

// Destroy is the lifetime-ending operation for an owned value.
type Destroy struct {
	Val Value
}

// EndBorrow is the lifetime-ending operation for a local borrow.
type EndBorrow struct {
	Val Value
}

// Br branches unconditionally to a target block label.
type Br struct {
	Target string
}

// CondBr branches on a value treated as boolean (0=false, nonzero=true).
type CondBr struct {
	Cond  Value
	True  string
	False string
}

// Ret returns from the current function. Returning a reference consumes it.
type Ret struct {
	Val *Value
}

// Unreachable terminates a block that control flow can never leave normally,
// typically because it follows a call that never returns.
type Unreachable struct{}

func (*Const) isInstr()       {}
func (*Apply) isInstr()       {}
func (*Move) isInstr()        {}
func (*Borrow) isInstr()      {}
func (*Use) isInstr()         {}
func (*Destroy) isInstr()     {}
func (*EndBorrow) isInstr()   {}
func (*Br) isInstr()          {}
func (*CondBr) isInstr()      {}
func (*Ret) isInstr()         {}
func (*Unreachable) isInstr() {}

func (*Br) isTerminator()          {}
func (*CondBr) isTerminator()      {}
func (*Ret) isTerminator()         {}
func (*Unreachable) isTerminator() {}

// Entry returns the function's entry block.
func (f *Function) Entry() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Block returns the block with the given name, or nil.
func (f *Function) Block(name string) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// AddBlock appends a new empty block and returns it.
func (f *Function) AddBlock(name string) *BasicBlock {
	b := &BasicBlock{Name: name}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Terminator returns the block's terminator, or nil if the block is not yet
// well formed.
func (b *BasicBlock) Terminator() Terminator {
	if len(b.Instrs) == 0 {
		return nil
	}
	t, _ := b.Instrs[len(b.Instrs)-1].(Terminator)
	return t
}

// IndexOf returns the position of in within the block, by identity.
func (b *BasicBlock) IndexOf(in Instr) int {
	for i, x := range b.Instrs {
		if x == in {
			return i
		}
	}
	return -1
}

// InsertAt inserts in before the instruction currently at index i.
func (b *BasicBlock) InsertAt(i int, in Instr) {
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[i+1:], b.Instrs[i:])
	b.Instrs[i] = in
}

// DefSite describes where a reference is defined: a defining instruction with
// its block and index, or the entry block with index -1 for parameters.
type DefSite struct {
	Block *BasicBlock
	Index int   // -1 for parameters
	Instr Instr // nil for parameters
	Param *Param
}

// DefSiteOf resolves the definition site of a reference.
func (f *Function) DefSiteOf(ref string) (DefSite, bool) {
	for i := range f.Params {
		if f.Params[i].Name == ref {
			return DefSite{Block: f.Entry(), Index: -1, Param: &f.Params[i]}, true
		}
	}
	for _, b := range f.Blocks {
		for i, in := range b.Instrs {
			if dst, _, _, ok := instrDef(in); ok && dst == ref {
				return DefSite{Block: b, Index: i, Instr: in}, true
			}
		}
	}
	return DefSite{}, false
}

// OwnershipOf returns the ownership kind of ref's definition. Unknown
// references are a caller bug.
func (f *Function) OwnershipOf(ref string) OwnershipKind {
	def, ok := f.DefSiteOf(ref)
	if !ok {
		panic(fmt.Sprintf("mir: no definition for %s in @%s", ref, f.Name))
	}
	if def.Param != nil {
		return def.Param.Ownership
	}
	_, kind, _, _ := instrDef(def.Instr)
	return kind
}

// instrDef reports the destination, result ownership, and lexicality of a
// defining instruction.
func instrDef(in Instr) (dst string, kind OwnershipKind, lexical bool, ok bool) {
	switch i := in.(type) {
	case *Const:
		return i.Dst, OwnershipNone, false, true
	case *Apply:
		if i.Dst == "" {
			return "", OwnershipNone, false, false
		}
		return i.Dst, i.Ownership, i.Lexical, true
	case *Move:
		return i.Dst, OwnershipOwned, i.Lexical, true
	case *Borrow:
		return i.Dst, OwnershipGuaranteed, i.Lexical, true
	default:
		return "", OwnershipNone, false, false
	}
}

// instrUses lists the references an instruction reads.
func instrUses(in Instr) []string {
	var refs []string
	add := func(v Value) {
		if v.Kind == ValRef {
			refs = append(refs, v.Ref)
		}
	}
	switch i := in.(type) {
	case *Apply:
		for _, a := range i.Args {
			add(a)
		}
	case *Move:
		add(i.Src)
	case *Borrow:
		add(i.Src)
	case *Use:
		add(i.Val)
	case *Destroy:
		add(i.Val)
	case *EndBorrow:
		add(i.Val)
	case *CondBr:
		add(i.Cond)
	case *Ret:
		if i.Val != nil {
			add(*i.Val)
		}
	}
	return refs
}

// IsLifetimeEnd reports whether in ends the lifetime of ref.
func IsLifetimeEnd(in Instr, ref string) bool {
	switch i := in.(type) {
	case *Destroy:
		return i.Val.Kind == ValRef && i.Val.Ref == ref
	case *EndBorrow:
		return i.Val.Kind == ValRef && i.Val.Ref == ref
	case *Move:
		return i.Src.Kind == ValRef && i.Src.Ref == ref
	case *Ret:
		return i.Val != nil && i.Val.Kind == ValRef && i.Val.Ref == ref
	}
	return false
}

// endedRefs lists the references whose lifetimes in ends.
func endedRefs(in Instr) []string {
	switch i := in.(type) {
	case *Destroy:
		if i.Val.Kind == ValRef {
			return []string{i.Val.Ref}
		}
	case *EndBorrow:
		if i.Val.Kind == ValRef {
			return []string{i.Val.Ref}
		}
	case *Move:
		if i.Src.Kind == ValRef {
			return []string{i.Src.Ref}
		}
	case *Ret:
		if i.Val != nil && i.Val.Kind == ValRef {
			return []string{i.Val.Ref}
		}
	}
	return nil
}

func (m *Module) String() string {
	if m == nil {
		return "<nil-mir-module>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "module %s\n", m.Name)
	for _, f := range m.Functions {
		b.WriteByte('\n')
		b.WriteString(f.String())
	}
	return b.String()
}

func (f *Function) String() string {
	if f == nil {
		return "<nil-func>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "func @%s(", f.Name)
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", p.Name, p.Ownership)
	}
	b.WriteString(") {\n")
	for _, bb := range f.Blocks {
		b.WriteString(bb.String())
	}
	b.WriteString("}\n")
	return b.String()
}

func (b *BasicBlock) String() string {
	if b == nil {
		return ""
	}
	var s strings.Builder
	fmt.Fprintf(&s, "%s:\n", b.Name)
	for _, in := range b.Instrs {
		s.WriteString("  ")
		if str, ok := in.(fmt.Stringer); ok {
			s.WriteString(str.String())
		} else {
			s.WriteString("<instr>")
		}
		s.WriteByte('\n')
	}
	return s.String()
}

func (v Value) String() string {
	switch v.Kind {
	case ValConstInt:
		return fmt.Sprintf("%d", v.Int64)
	case ValRef:
		if v.Ref == "" {
			return "%ref?"
		}
		return v.Ref
	default:
		return "<invalid>"
	}
}

func (i *Const) String() string { return fmt.Sprintf("%s = const %s", i.Dst, i.Val) }

func (i *Apply) String() string {
	var b strings.Builder
	if i.Dst != "" {
		fmt.Fprintf(&b, "%s = ", i.Dst)
	}
	fmt.Fprintf(&b, "apply @%s(", i.Callee)
	for n, a := range i.Args {
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteString(")")
	if i.Dst != "" {
		fmt.Fprintf(&b, " : %s", i.Ownership)
	}
	if i.Lexical {
		b.WriteString(" lexical")
	}
	if i.NoReturn {
		b.WriteString(" noreturn")
	}
	return b.String()
}

func (i *Move) String() string {
	s := fmt.Sprintf("%s = move %s", i.Dst, i.Src)
	if i.Lexical {
		s += " lexical"
	}
	return s
}

func (i *Borrow) String() string {
	s := fmt.Sprintf("%s = borrow %s", i.Dst, i.Src)
	if i.Lexical {
		s += " lexical"
	}
	return s
}

func (i *Use) String() string       { return fmt.Sprintf("use %s", i.Val) }
func (i *Destroy) String() string   { return fmt.Sprintf("destroy %s", i.Val) }
func (i *EndBorrow) String() string { return fmt.Sprintf("end_borrow %s", i.Val) }
func (i *Br) String() string        { return fmt.Sprintf("br %s", i.Target) }

func (i *CondBr) String() string {
	return fmt.Sprintf("brcond %s, %s, %s", i.Cond, i.True, i.False)
}

func (i *Ret) String() string {
	if i.Val == nil {
		return "ret"
	}
	return fmt.Sprintf("ret %s", i.Val)
}

func (i *Unreachable) String() string { return "unreachable" }
