// Dominance tree computation (Cooper-Harvey-Kennedy iterative algorithm).
// The tree is an optional capability for lifetime completion: a nil *DomTree
// means "unavailable" and every consumer must branch on that explicitly and
// take the conservative path.

package mir

// DomTree is the dominator tree of one function's CFG.
type DomTree struct {
	idom  map[*BasicBlock]*BasicBlock
	order map[*BasicBlock]int // reverse postorder number
}

// ComputeDomTree builds the dominator tree over the blocks reachable from
// entry.
func ComputeDomTree(f *Function) *DomTree {
	return computeDomTree(NewCFG(f))
}

func computeDomTree(cfg *CFG) *DomTree {
	rpo := cfg.ReversePostorder()
	if len(rpo) == 0 {
		return &DomTree{idom: map[*BasicBlock]*BasicBlock{}, order: map[*BasicBlock]int{}}
	}
	order := make(map[*BasicBlock]int, len(rpo))
	for i, b := range rpo {
		order[b] = i
	}
	entry := rpo[0]
	idom := make(map[*BasicBlock]*BasicBlock, len(rpo))
	idom[entry] = entry

	intersect := func(a, b *BasicBlock) *BasicBlock {
		for a != b {
			for order[a] > order[b] {
				a = idom[a]
			}
			for order[b] > order[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var newIdom *BasicBlock
			for _, p := range cfg.Preds(b) {
				if idom[p] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if newIdom != nil && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	return &DomTree{idom: idom, order: order}
}

// Idom returns the immediate dominator of b (the entry dominates itself).
func (t *DomTree) Idom(b *BasicBlock) *BasicBlock { return t.idom[b] }

// Dominates reports whether a dominates b. Every block dominates itself.
// Blocks unreachable from entry dominate nothing and are dominated by
// nothing.
func (t *DomTree) Dominates(a, b *BasicBlock) bool {
	if t.idom[a] == nil || t.idom[b] == nil {
		return false
	}
	for {
		if a == b {
			return true
		}
		next := t.idom[b]
		if next == b {
			return false
		}
		b = next
	}
}
