// Textual MIR parser. The format is exactly what Module.String prints, so
// modules round-trip through text; tests and the command line tool lean on
// that.

package mir

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseModule parses a textual MIR module. Lines starting with // and blank
// lines are ignored.
func ParseModule(src string) (*Module, error) {
	m := &Module{}
	var fn *Function
	var bb *BasicBlock
	for ln, raw := range strings.Split(src, "\n") {
		n := ln + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "module "):
			if fn != nil {
				return nil, fmt.Errorf("line %d: module header inside function", n)
			}
			m.Name = strings.TrimSpace(strings.TrimPrefix(line, "module "))
		case strings.HasPrefix(line, "func "):
			if fn != nil {
				return nil, fmt.Errorf("line %d: func inside unterminated func @%s", n, fn.Name)
			}
			f, err := parseFuncHeader(line, n)
			if err != nil {
				return nil, err
			}
			fn = f
		case line == "}":
			if fn == nil {
				return nil, fmt.Errorf("line %d: unmatched }", n)
			}
			if err := validateFunction(fn); err != nil {
				return nil, fmt.Errorf("func @%s: %w", fn.Name, err)
			}
			m.Functions = append(m.Functions, fn)
			fn, bb = nil, nil
		case strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t"):
			if fn == nil {
				return nil, fmt.Errorf("line %d: block label outside function", n)
			}
			name := strings.TrimSuffix(line, ":")
			if fn.Block(name) != nil {
				return nil, fmt.Errorf("line %d: duplicate block %s", n, name)
			}
			bb = fn.AddBlock(name)
		default:
			if fn == nil || bb == nil {
				return nil, fmt.Errorf("line %d: instruction outside block", n)
			}
			in, err := parseInstr(line, n)
			if err != nil {
				return nil, err
			}
			bb.Instrs = append(bb.Instrs, in)
		}
	}
	if fn != nil {
		return nil, fmt.Errorf("unterminated func @%s at end of input", fn.Name)
	}
	return m, nil
}

func parseFuncHeader(line string, n int) (*Function, error) {
	rest, ok := strings.CutPrefix(line, "func @")
	if !ok {
		return nil, fmt.Errorf("line %d: malformed func header", n)
	}
	name, rest, ok := strings.Cut(rest, "(")
	if !ok || !strings.HasSuffix(rest, ") {") {
		return nil, fmt.Errorf("line %d: malformed func header", n)
	}
	f := &Function{Name: name}
	params := strings.TrimSuffix(rest, ") {")
	if params != "" {
		for _, ps := range strings.Split(params, ",") {
			pname, kstr, ok := strings.Cut(strings.TrimSpace(ps), ":")
			if !ok {
				return nil, fmt.Errorf("line %d: malformed parameter %q", n, ps)
			}
			pname = strings.TrimSpace(pname)
			if !strings.HasPrefix(pname, "%") {
				return nil, fmt.Errorf("line %d: parameter name %q must start with %%", n, pname)
			}
			kind, err := parseOwnership(strings.TrimSpace(kstr))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			f.Params = append(f.Params, Param{Name: pname, Ownership: kind})
		}
	}
	return f, nil
}

func parseOwnership(s string) (OwnershipKind, error) {
	switch s {
	case "none":
		return OwnershipNone, nil
	case "owned":
		return OwnershipOwned, nil
	case "guaranteed":
		return OwnershipGuaranteed, nil
	default:
		return OwnershipNone, fmt.Errorf("unknown ownership kind %q", s)
	}
}

func parseValue(s string, n int) (Value, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "%") {
		return Ref(s), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("line %d: bad value %q", n, s)
	}
	return ConstInt(v), nil
}

func parseInstr(line string, n int) (Instr, error) {
	if dst, rest, ok := strings.Cut(line, " = "); ok {
		dst = strings.TrimSpace(dst)
		if !strings.HasPrefix(dst, "%") {
			return nil, fmt.Errorf("line %d: destination %q must start with %%", n, dst)
		}
		return parseDefInstr(dst, strings.TrimSpace(rest), n)
	}

	op, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch op {
	case "apply":
		return parseApply("", line, n)
	case "use", "destroy", "end_borrow":
		v, err := parseValue(rest, n)
		if err != nil {
			return nil, err
		}
		switch op {
		case "use":
			return &Use{Val: v}, nil
		case "destroy":
			return &Destroy{Val: v}, nil
		default:
			return &EndBorrow{Val: v}, nil
		}
	case "br":
		if rest == "" {
			return nil, fmt.Errorf("line %d: br needs a target", n)
		}
		return &Br{Target: rest}, nil
	case "brcond":
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: brcond needs cond and two targets", n)
		}
		cond, err := parseValue(parts[0], n)
		if err != nil {
			return nil, err
		}
		return &CondBr{
			Cond:  cond,
			True:  strings.TrimSpace(parts[1]),
			False: strings.TrimSpace(parts[2]),
		}, nil
	case "ret":
		if rest == "" {
			return &Ret{}, nil
		}
		v, err := parseValue(rest, n)
		if err != nil {
			return nil, err
		}
		return &Ret{Val: &v}, nil
	case "unreachable":
		if rest != "" {
			return nil, fmt.Errorf("line %d: unreachable takes no operands", n)
		}
		return &Unreachable{}, nil
	default:
		return nil, fmt.Errorf("line %d: unknown instruction %q", n, op)
	}
}

func parseDefInstr(dst, rest string, n int) (Instr, error) {
	op, body, _ := strings.Cut(rest, " ")
	body = strings.TrimSpace(body)
	switch op {
	case "const":
		v, err := parseValue(body, n)
		if err != nil {
			return nil, err
		}
		return &Const{Dst: dst, Val: v}, nil
	case "apply":
		return parseApply(dst, rest, n)
	case "move", "borrow":
		lexical := false
		if s, ok := strings.CutSuffix(body, " lexical"); ok {
			body, lexical = strings.TrimSpace(s), true
		}
		v, err := parseValue(body, n)
		if err != nil {
			return nil, err
		}
		if op == "move" {
			return &Move{Dst: dst, Src: v, Lexical: lexical}, nil
		}
		return &Borrow{Dst: dst, Src: v, Lexical: lexical}, nil
	default:
		return nil, fmt.Errorf("line %d: unknown instruction %q", n, op)
	}
}

func parseApply(dst, rest string, n int) (Instr, error) {
	body, ok := strings.CutPrefix(rest, "apply @")
	if !ok {
		return nil, fmt.Errorf("line %d: malformed apply", n)
	}
	callee, body, ok := strings.Cut(body, "(")
	if !ok {
		return nil, fmt.Errorf("line %d: malformed apply", n)
	}
	args, tail, ok := strings.Cut(body, ")")
	if !ok {
		return nil, fmt.Errorf("line %d: malformed apply", n)
	}
	in := &Apply{Dst: dst, Callee: callee}
	if args != "" {
		for _, as := range strings.Split(args, ",") {
			v, err := parseValue(as, n)
			if err != nil {
				return nil, err
			}
			in.Args = append(in.Args, v)
		}
	}
	for _, tok := range strings.Fields(tail) {
		switch tok {
		case ":":
			// ownership annotation follows
		case "lexical":
			in.Lexical = true
		case "noreturn":
			in.NoReturn = true
		default:
			kind, err := parseOwnership(tok)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			if dst == "" {
				return nil, fmt.Errorf("line %d: ownership annotation on apply without result", n)
			}
			in.Ownership = kind
		}
	}
	return in, nil
}

func validateFunction(f *Function) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}
	defs := make(map[string]bool)
	kinds := make(map[string]OwnershipKind)
	for _, p := range f.Params {
		if defs[p.Name] {
			return fmt.Errorf("duplicate definition of %s", p.Name)
		}
		defs[p.Name] = true
		kinds[p.Name] = p.Ownership
	}
	for _, b := range f.Blocks {
		if b.Terminator() == nil {
			return fmt.Errorf("block %s has no terminator", b.Name)
		}
		for i, in := range b.Instrs {
			if _, ok := in.(Terminator); ok && i != len(b.Instrs)-1 {
				return fmt.Errorf("block %s: terminator before end of block", b.Name)
			}
			if dst, kind, _, ok := instrDef(in); ok {
				if defs[dst] {
					return fmt.Errorf("duplicate definition of %s", dst)
				}
				defs[dst] = true
				kinds[dst] = kind
			}
		}
		for _, target := range terminatorTargets(b.Terminator()) {
			if f.Block(target) == nil {
				return fmt.Errorf("block %s: branch to unknown block %s", b.Name, target)
			}
		}
	}
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for _, ref := range instrUses(in) {
				if !defs[ref] {
					return fmt.Errorf("block %s: use of undefined value %s", b.Name, ref)
				}
			}
		}
		// Branch conditions are trivial values; there is no insertion point
		// past a terminator for a condition's lifetime to end at.
		if cb, ok := b.Terminator().(*CondBr); ok && cb.Cond.Kind == ValRef {
			if kinds[cb.Cond.Ref] != OwnershipNone {
				return fmt.Errorf("block %s: branch condition %s must be trivial", b.Name, cb.Cond.Ref)
			}
		}
	}
	return nil
}
