// Unreachable-region lifetime fixup. When a pass is about to delete a region
// of code ending in unreachable, lifetime ends inside the region vanish with
// it; values defined outside the region would be left incomplete. The pass
// reports the region instruction by instruction, then asks for the affected
// lifetimes to be re-completed as if the region were already gone.

package mir

import "fmt"

// unreachableRegion is the set of instructions and whole blocks pending
// deletion. Membership is by instruction identity so the region stays valid
// while new instructions are inserted around it. A nil region means no
// restriction.
type unreachableRegion struct {
	blocks map[*BasicBlock]bool
	insts  map[Instr]bool
}

func (r *unreachableRegion) skip(b *BasicBlock, i int) bool {
	if r == nil {
		return false
	}
	return r.blocks[b] || r.insts[b.Instrs[i]]
}

func (r *unreachableRegion) skipFn() func(*BasicBlock, int) bool {
	if r == nil {
		return nil
	}
	return r.skip
}

func (r *unreachableRegion) containsBlock(b *BasicBlock) bool {
	if r == nil {
		return false
	}
	return r.blocks[b]
}

// barrier returns the index of the first in-region instruction of b when b
// itself survives but a suffix of it does not. Insertion into b must land
// before that index.
func (r *unreachableRegion) barrier(b *BasicBlock) (int, bool) {
	if r == nil || r.blocks[b] {
		return 0, false
	}
	for i, in := range b.Instrs {
		if r.insts[in] {
			return i, true
		}
	}
	return 0, false
}

type unreachablePhase int

const (
	phaseScanning unreachablePhase = iota
	phaseCompleting
)

// UnreachableCompletion completes the lifetimes broken by deleting a region
// of unreachable code. The caller visits every instruction and block of the
// region bottom-up, then calls CompleteLifetimes once before performing the
// deletion. Visiting after completion has started is a caller bug.
type UnreachableCompletion struct {
	fn     *Function
	dom    *DomTree
	phase  unreachablePhase
	region *unreachableRegion

	incomplete []string
	seen       map[string]bool
}

// NewUnreachableCompletion creates a fixup engine for f. dom may be nil.
func NewUnreachableCompletion(f *Function, dom *DomTree) *UnreachableCompletion {
	return &UnreachableCompletion{
		fn:  f,
		dom: dom,
		region: &unreachableRegion{
			blocks: make(map[*BasicBlock]bool),
			insts:  make(map[Instr]bool),
		},
		seen: make(map[string]bool),
	}
}

// VisitUnreachableInst adds one instruction to the pending-deletion region.
// If the instruction ends the lifetime of a value defined outside the region,
// that value is queued for re-completion.
func (uc *UnreachableCompletion) VisitUnreachableInst(in Instr) {
	if uc.phase != phaseScanning {
		panic("mir: VisitUnreachableInst after CompleteLifetimes")
	}
	uc.region.insts[in] = true
	uc.noteEndedValues(in)
}

// VisitUnreachableBlock adds a whole block to the pending-deletion region.
func (uc *UnreachableCompletion) VisitUnreachableBlock(b *BasicBlock) {
	if uc.phase != phaseScanning {
		panic("mir: VisitUnreachableBlock after CompleteLifetimes")
	}
	uc.region.blocks[b] = true
	for _, in := range b.Instrs {
		uc.noteEndedValues(in)
	}
}

func (uc *UnreachableCompletion) noteEndedValues(in Instr) {
	for _, ref := range endedRefs(in) {
		if uc.seen[ref] {
			continue
		}
		def, ok := uc.fn.DefSiteOf(ref)
		if !ok {
			panic(fmt.Sprintf("mir: no definition for %s in @%s", ref, uc.fn.Name))
		}
		if def.Param == nil && uc.region.skip(def.Block, def.Index) {
			// Defined inside the region; dies with it.
			continue
		}
		uc.seen[ref] = true
		uc.incomplete = append(uc.incomplete, ref)
	}
}

// CompleteLifetimes re-completes every queued value with the region treated
// as already deleted, so replacement ends land on the surviving side of the
// region boundary. It reports whether the function changed. The caller must
// delete the visited region afterwards.
func (uc *UnreachableCompletion) CompleteLifetimes() bool {
	uc.phase = phaseCompleting
	if len(uc.incomplete) == 0 {
		return false
	}
	lc := NewLifetimeCompletion(uc.fn, uc.dom)
	changed := false
	for _, ref := range uc.incomplete {
		if lc.complete(ref, BoundaryAvailability, uc.region) == WasCompleted {
			changed = true
		}
	}
	return changed
}
