// Control-flow graph construction over MIR functions. Successor and
// predecessor edges are derived from block terminators; blocks are required
// to be well formed (terminated) by the time a CFG is built.

package mir

import "fmt"

// CFG holds the successor and predecessor relation of one function, plus a
// deterministic reverse postorder over the blocks reachable from entry.
type CFG struct {
	fn    *Function
	succs map[*BasicBlock][]*BasicBlock
	preds map[*BasicBlock][]*BasicBlock
	rpo   []*BasicBlock
}

// NewCFG builds the control-flow graph of f. Unterminated blocks and branches
// to unknown labels are programmer errors in the producing pass.
func NewCFG(f *Function) *CFG {
	c := &CFG{
		fn:    f,
		succs: make(map[*BasicBlock][]*BasicBlock),
		preds: make(map[*BasicBlock][]*BasicBlock),
	}
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil {
			panic(fmt.Sprintf("mir: block %s in @%s has no terminator", b.Name, f.Name))
		}
		for _, name := range terminatorTargets(term) {
			s := f.Block(name)
			if s == nil {
				panic(fmt.Sprintf("mir: branch to unknown block %s in @%s", name, f.Name))
			}
			c.succs[b] = append(c.succs[b], s)
			c.preds[s] = append(c.preds[s], b)
		}
	}
	c.rpo = c.computeRPO()
	return c
}

func terminatorTargets(t Terminator) []string {
	switch i := t.(type) {
	case *Br:
		return []string{i.Target}
	case *CondBr:
		return []string{i.True, i.False}
	default: // Ret, Unreachable
		return nil
	}
}

// Succs returns the successor blocks of b in terminator order.
func (c *CFG) Succs(b *BasicBlock) []*BasicBlock { return c.succs[b] }

// Preds returns the predecessor blocks of b in function block order.
func (c *CFG) Preds(b *BasicBlock) []*BasicBlock { return c.preds[b] }

// ReversePostorder returns the blocks reachable from entry, entry first.
func (c *CFG) ReversePostorder() []*BasicBlock { return c.rpo }

// Reachable reports whether b is reachable from the entry block.
func (c *CFG) Reachable(b *BasicBlock) bool {
	for _, x := range c.rpo {
		if x == b {
			return true
		}
	}
	return false
}

func (c *CFG) computeRPO() []*BasicBlock {
	entry := c.fn.Entry()
	if entry == nil {
		return nil
	}
	seen := make(map[*BasicBlock]bool)
	var post []*BasicBlock
	var visit func(b *BasicBlock)
	visit = func(b *BasicBlock) {
		seen[b] = true
		for _, s := range c.succs[b] {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(entry)
	rpo := make([]*BasicBlock, len(post))
	for i, b := range post {
		rpo[len(post)-1-i] = b
	}
	return rpo
}

// SplitEdge inserts a fresh block on the edge from→to, retargeting from's
// terminator and ending the new block with an unconditional branch to to.
// The caller owns naming; the block is appended to the function.
func SplitEdge(f *Function, from, to *BasicBlock) *BasicBlock {
	name := fmt.Sprintf("%s.%s.split", from.Name, to.Name)
	for n := 1; f.Block(name) != nil; n++ {
		name = fmt.Sprintf("%s.%s.split%d", from.Name, to.Name, n)
	}
	nb := f.AddBlock(name)
	nb.Instrs = append(nb.Instrs, &Br{Target: to.Name})
	switch t := from.Terminator().(type) {
	case *Br:
		if t.Target == to.Name {
			t.Target = name
		}
	case *CondBr:
		if t.True == to.Name {
			t.True = name
		}
		if t.False == to.Name {
			t.False = name
		}
	default:
		panic(fmt.Sprintf("mir: cannot split edge from %s, terminator has no targets", from.Name))
	}
	return nb
}
