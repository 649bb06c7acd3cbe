// Pruned per-value liveness over the CFG. Liveness enumerates a value's uses
// and computes the blocks where the value is live, which is the input the
// boundary search works outward from.
//
// A use of an outer value includes the lifetime-ending operations of any
// borrow taken from it: an inner scope's end keeps the outer value alive, so
// inner scopes must already be complete when the outer liveness is computed.

package mir

import "fmt"

// UseSite is one use of a value: the instruction at Index in Block. Ending
// marks lifetime-ending uses.
type UseSite struct {
	Block  *BasicBlock
	Index  int
	Ending bool
}

// BoundaryEdge is a CFG edge on which a value's liveness ends: From is live,
// To is not.
type BoundaryEdge struct {
	From *BasicBlock
	To   *BasicBlock
}

// Liveness is the pruned liveness of a single value.
type Liveness struct {
	fn     *Function
	cfg    *CFG
	ref    string
	def    DefSite
	uses   []UseSite
	liveIn map[*BasicBlock]bool
}

// ComputeLiveness computes pruned liveness for ref. Unknown references are a
// caller bug.
func ComputeLiveness(fn *Function, cfg *CFG, ref string) *Liveness {
	return computeLiveness(fn, cfg, ref, nil)
}

// computeLiveness is the region-aware form: uses for which skip returns true
// are ignored, as if the instructions were already deleted.
func computeLiveness(fn *Function, cfg *CFG, ref string, skip func(*BasicBlock, int) bool) *Liveness {
	def, ok := fn.DefSiteOf(ref)
	if !ok {
		panic(fmt.Sprintf("mir: no definition for %s in @%s", ref, fn.Name))
	}
	lv := &Liveness{
		fn:     fn,
		cfg:    cfg,
		ref:    ref,
		def:    def,
		liveIn: make(map[*BasicBlock]bool),
	}

	// Direct uses, plus the ends of borrows taken from ref.
	borrowEnds := make(map[string]bool)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if bor, ok := in.(*Borrow); ok && bor.Src.Kind == ValRef && bor.Src.Ref == ref {
				borrowEnds[bor.Dst] = true
			}
		}
	}
	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			if skip != nil && skip(b, i) {
				continue
			}
			for _, r := range instrUses(in) {
				if r == ref {
					lv.uses = append(lv.uses, UseSite{Block: b, Index: i, Ending: IsLifetimeEnd(in, ref)})
				}
			}
			if eb, ok := in.(*EndBorrow); ok && eb.Val.Kind == ValRef && borrowEnds[eb.Val.Ref] {
				lv.uses = append(lv.uses, UseSite{Block: b, Index: i})
			}
		}
	}

	// Backward mark from each use block up to (not into) the def block.
	var mark func(b *BasicBlock)
	mark = func(b *BasicBlock) {
		if lv.liveIn[b] {
			return
		}
		lv.liveIn[b] = true
		for _, p := range cfg.Preds(b) {
			if p == def.Block {
				continue
			}
			mark(p)
		}
	}
	for _, u := range lv.uses {
		if u.Block != def.Block {
			mark(u.Block)
		}
	}
	return lv
}

// Ref returns the value this liveness describes.
func (lv *Liveness) Ref() string { return lv.ref }

// Def returns the definition site of the value.
func (lv *Liveness) Def() DefSite { return lv.def }

// Uses returns the use sites in forward block order.
func (lv *Liveness) Uses() []UseSite { return lv.uses }

// LiveIn reports whether the value is live at the entry of b.
func (lv *Liveness) LiveIn(b *BasicBlock) bool { return lv.liveIn[b] }

// LiveOut reports whether the value is live leaving b.
func (lv *Liveness) LiveOut(b *BasicBlock) bool {
	for _, s := range lv.cfg.Succs(b) {
		if lv.liveIn[s] {
			return true
		}
	}
	return false
}

// InRegion reports whether b is part of the value's live region.
func (lv *Liveness) InRegion(b *BasicBlock) bool {
	return b == lv.def.Block || lv.liveIn[b]
}

// lastUseIn returns the index of the last use within b.
func (lv *Liveness) lastUseIn(b *BasicBlock) (int, bool) {
	idx, found := -1, false
	for _, u := range lv.uses {
		if u.Block == b && u.Index > idx {
			idx, found = u.Index, true
		}
	}
	return idx, found
}

// boundaryUses returns, per block where liveness ends within the block, the
// last use site. A value with no uses at all yields a pseudo use at its
// definition, so the boundary sits just past the definition.
func (lv *Liveness) boundaryUses() []UseSite {
	if len(lv.uses) == 0 {
		return []UseSite{{Block: lv.def.Block, Index: lv.def.Index}}
	}
	var out []UseSite
	for _, b := range lv.fn.Blocks {
		if !lv.InRegion(b) || lv.LiveOut(b) {
			continue
		}
		if idx, ok := lv.lastUseIn(b); ok {
			ending := false
			for _, u := range lv.uses {
				if u.Block == b && u.Index == idx && u.Ending {
					ending = true
				}
			}
			out = append(out, UseSite{Block: b, Index: idx, Ending: ending})
		}
	}
	return out
}

// boundaryEdges returns the CFG edges where liveness ends between blocks:
// edges leaving the live region from blocks the value flows through.
func (lv *Liveness) boundaryEdges() []BoundaryEdge {
	var out []BoundaryEdge
	for _, b := range lv.fn.Blocks {
		if !lv.InRegion(b) || !lv.LiveOut(b) {
			continue
		}
		for _, s := range lv.cfg.Succs(b) {
			if !lv.liveIn[s] {
				out = append(out, BoundaryEdge{From: b, To: s})
			}
		}
	}
	return out
}
