// Lifetime completion inserts lifetime-ending instructions to make linear
// lifetimes complete.
//
// Completion is bottom-up recursive over nested borrow scopes: a borrow taken
// from a value is completed before the value itself, since the borrow's
// missing end is a pending use that liveness could not otherwise see.
//
// Lexical values default to the availability boundary and are kept alive as
// long as legally possible; non-lexical values default to the liveness
// boundary and are ended as early as possible.

package mir

// CompletionResult reports what completing one value did.
type CompletionResult int

const (
	NoLifetime      CompletionResult = iota // trivial or malformed, nothing to manage
	AlreadyComplete                         // no new instructions were needed
	WasCompleted                            // new lifetime ends were inserted
)

func (r CompletionResult) String() string {
	switch r {
	case NoLifetime:
		return "no_lifetime"
	case AlreadyComplete:
		return "already_complete"
	case WasCompleted:
		return "was_completed"
	default:
		return "unknown"
	}
}

// BoundaryPolicy selects how far past the last use a lifetime end may be
// pushed.
//
// Liveness ends the value just after the last non-ending use on each path.
// Availability pushes forward from the liveness boundary and ends the value
// at the entry of the first block reached on no already-ended path, so uses
// in sibling blocks that rejoin get a single end at the join instead of one
// per arm. AvailabilityWithLeaks does the same push but only materializes
// ends in blocks terminated by unreachable; on every other path the value is
// deliberately left to leak.
type BoundaryPolicy int

const (
	BoundaryDefault BoundaryPolicy = iota // lexical -> Availability, else Liveness
	BoundaryLiveness
	BoundaryAvailability
	BoundaryAvailabilityWithLeaks
)

func (p BoundaryPolicy) String() string {
	switch p {
	case BoundaryDefault:
		return "default"
	case BoundaryLiveness:
		return "liveness"
	case BoundaryAvailability:
		return "availability"
	case BoundaryAvailabilityWithLeaks:
		return "availability_with_leaks"
	default:
		return "unknown"
	}
}

// BoundaryPoint is a program point at which a lifetime end belongs: before
// the instruction at Index in Block. A non-nil EdgeFrom places the point on
// the CFG edge EdgeFrom->Block instead; materializing it requires splitting
// the edge.
type BoundaryPoint struct {
	Block    *BasicBlock
	Index    int
	EdgeFrom *BasicBlock
}

// LifetimeCompletion completes lifetimes within one function. An instance is
// scoped to a single run over a single function and is not safe for
// concurrent use; distinct functions take distinct instances.
//
// If dom is nil the engine never assumes dominance: merges whose incoming
// paths disagree are reported unenclosed instead of being resolved with new
// ends, a conservative completeness shortfall rather than an error.
type LifetimeCompletion struct {
	fn         *Function
	dom        *DomTree
	completed  map[string]bool
	unenclosed []*BasicBlock
}

// NewLifetimeCompletion creates a completion engine for f. dom may be nil.
func NewLifetimeCompletion(f *Function, dom *DomTree) *LifetimeCompletion {
	return &LifetimeCompletion{
		fn:        f,
		dom:       dom,
		completed: make(map[string]bool),
	}
}

// UnenclosedMerges returns the merge blocks this run could not safely
// resolve. Re-running with dominance information available may resolve them.
func (lc *LifetimeCompletion) UnenclosedMerges() []*BasicBlock {
	return lc.unenclosed
}

// CompleteLifetime inserts lifetime-ending instructions on every path to
// complete the lifetime of ref along the given boundary. Completion is only
// relevant for owned values and local borrow introducers; everything else
// reports NoLifetime or AlreadyComplete without mutation.
func (lc *LifetimeCompletion) CompleteLifetime(ref string, policy BoundaryPolicy) CompletionResult {
	return lc.complete(ref, policy, nil)
}

func (lc *LifetimeCompletion) complete(ref string, policy BoundaryPolicy, region *unreachableRegion) CompletionResult {
	kind := lc.fn.OwnershipOf(ref)
	if kind == OwnershipNone {
		return NoLifetime
	}
	if kind == OwnershipGuaranteed {
		def, _ := lc.fn.DefSiteOf(ref)
		if def.Param != nil {
			// Non-local borrow scope: ending it is the caller's
			// responsibility.
			return AlreadyComplete
		}
		if _, ok := def.Instr.(*Borrow); !ok {
			return NoLifetime
		}
	}
	if lc.completed[ref] {
		return AlreadyComplete
	}
	lc.completed[ref] = true
	if lc.analyzeAndUpdate(ref, kind, policy, region) {
		return WasCompleted
	}
	return AlreadyComplete
}

func (lc *LifetimeCompletion) analyzeAndUpdate(ref string, kind OwnershipKind, policy BoundaryPolicy, region *unreachableRegion) bool {
	// Inner scopes first. The memo set breaks cycles through nested scopes.
	for _, b := range lc.fn.Blocks {
		for _, in := range b.Instrs {
			if bor, ok := in.(*Borrow); ok && bor.Src.Kind == ValRef && bor.Src.Ref == ref {
				lc.complete(bor.Dst, BoundaryDefault, region)
			}
		}
	}

	if policy == BoundaryDefault {
		if lc.fn.isLexical(ref) {
			policy = BoundaryAvailability
		} else {
			policy = BoundaryLiveness
		}
	}

	cfg := NewCFG(lc.fn)
	lv := computeLiveness(lc.fn, cfg, ref, region.skipFn())
	s := &boundarySearch{cfg: cfg, dom: lc.dom, lv: lv, region: region, policy: policy}
	var pts []BoundaryPoint
	s.run(func(p BoundaryPoint) { pts = append(pts, p) })
	lc.unenclosed = append(lc.unenclosed, s.unenclosed...)
	return lc.materialize(ref, kind, pts)
}

func (lc *LifetimeCompletion) materialize(ref string, kind OwnershipKind, pts []BoundaryPoint) bool {
	newEnd := func() Instr {
		if kind == OwnershipGuaranteed {
			return &EndBorrow{Val: Ref(ref)}
		}
		return &Destroy{Val: Ref(ref)}
	}
	changed := false
	seen := make(map[BoundaryPoint]bool)
	for _, p := range pts {
		if seen[p] {
			continue
		}
		seen[p] = true
		if p.EdgeFrom != nil {
			nb := SplitEdge(lc.fn, p.EdgeFrom, p.Block)
			nb.InsertAt(0, newEnd())
			changed = true
			continue
		}
		if p.Index > 0 && IsLifetimeEnd(p.Block.Instrs[p.Index-1], ref) {
			continue // already covered by an existing end
		}
		p.Block.InsertAt(p.Index, newEnd())
		changed = true
	}
	return changed
}

// CompleteAll completes every owned value and local borrow defined in f, in
// forward order, and returns how many required new instructions. It is the
// driver loop a caller pass would otherwise write. Values defined in blocks
// unreachable from entry are skipped.
func CompleteAll(f *Function, dom *DomTree, policy BoundaryPolicy) (int, *LifetimeCompletion) {
	lc := NewLifetimeCompletion(f, dom)
	cfg := NewCFG(f)
	var refs []string
	for _, p := range f.Params {
		if p.Ownership == OwnershipOwned {
			refs = append(refs, p.Name)
		}
	}
	for _, b := range f.Blocks {
		if !cfg.Reachable(b) {
			continue
		}
		for _, in := range b.Instrs {
			dst, kind, _, ok := instrDef(in)
			if !ok {
				continue
			}
			_, isBorrow := in.(*Borrow)
			if kind == OwnershipOwned || (kind == OwnershipGuaranteed && isBorrow) {
				refs = append(refs, dst)
			}
		}
	}
	n := 0
	for _, r := range refs {
		if lc.CompleteLifetime(r, policy) == WasCompleted {
			n++
		}
	}
	return n, lc
}

// VisitAvailabilityBoundary visits the boundary points at which ends of ref's
// lifetime would belong under the availability boundary, without mutating the
// function. Passes use this to query where ends belong.
func VisitAvailabilityBoundary(f *Function, dom *DomTree, ref string, allowLeaks bool, visit func(BoundaryPoint)) {
	cfg := NewCFG(f)
	lv := ComputeLiveness(f, cfg, ref)
	policy := BoundaryAvailability
	if allowLeaks {
		policy = BoundaryAvailabilityWithLeaks
	}
	s := &boundarySearch{cfg: cfg, dom: dom, lv: lv, policy: policy}
	s.run(visit)
}

func (f *Function) isLexical(ref string) bool {
	def, ok := f.DefSiteOf(ref)
	if !ok || def.Param != nil {
		return false
	}
	_, _, lexical, _ := instrDef(def.Instr)
	return lexical
}

// availState is per-block availability of a value: whether its lifetime is
// still running on the paths reaching a point.
type availState uint8

const (
	availUnset availState = iota
	availAll   // ended on no incoming path
	availNone  // ended on every incoming path
	availMixed // incoming paths disagree
)

func meetAvail(a, b availState) availState {
	switch {
	case a == availUnset:
		return b
	case b == availUnset:
		return a
	case a == b:
		return a
	default:
		return availMixed
	}
}

// boundarySearch finds the points where lifetime ends belong for one value
// under one policy. It never mutates the function; planted points only feed
// back into its own availability states.
type boundarySearch struct {
	cfg    *CFG
	dom    *DomTree
	lv     *Liveness
	region *unreachableRegion
	policy BoundaryPolicy

	blocks     []*BasicBlock // reachable from the definition, reverse postorder
	rank       map[*BasicBlock]int
	avail      map[*BasicBlock]availState // out-state per block
	planted    map[*BasicBlock]bool       // a planted end makes the block's out-state availNone
	edgeEnded  map[BoundaryEdge]bool      // planted edge ends
	unenclosed []*BasicBlock
}

func (s *boundarySearch) run(visit func(BoundaryPoint)) {
	if s.policy == BoundaryLiveness {
		for _, u := range s.lv.boundaryUses() {
			if k, ok := s.region.barrier(u.Block); ok && u.Index+1 > k {
				visit(BoundaryPoint{Block: u.Block, Index: k})
				continue
			}
			visit(BoundaryPoint{Block: u.Block, Index: u.Index + 1})
		}
		for _, e := range s.lv.boundaryEdges() {
			s.edgePoint(e.From, e.To, visit)
		}
		return
	}
	s.runAvailability(visit)
}

// runAvailability pushes forward from the liveness boundary. A block reached
// on no already-ended path gets its end at the entry and the push stops
// there; a block whose incoming paths disagree is a mixed merge. Planted
// ends are folded back into the availability states before the next block is
// examined, so sibling pushes observe each other.
func (s *boundarySearch) runAvailability(visit func(BoundaryPoint)) {
	def := s.lv.def
	s.blocks = s.rpoFrom(def.Block)
	s.rank = make(map[*BasicBlock]int, len(s.blocks))
	for i, b := range s.blocks {
		s.rank[b] = i
	}
	s.avail = make(map[*BasicBlock]availState)
	s.planted = make(map[*BasicBlock]bool)
	s.edgeEnded = make(map[BoundaryEdge]bool)
	s.propagate()

	pending := make(map[*BasicBlock]bool)
	enqueue := func(b *BasicBlock) {
		if _, ok := s.rank[b]; ok {
			pending[b] = true
		}
	}

	for _, u := range s.lv.boundaryUses() {
		b := u.Block
		if s.avail[b] == availNone {
			continue // an existing end already covers this path
		}
		if k, ok := s.region.barrier(b); ok {
			s.plant(b, k, visit)
			continue
		}
		if len(s.liveSuccs(b)) == 0 {
			if s.materializeOK(b) {
				s.plant(b, len(b.Instrs)-1, visit)
			}
			continue
		}
		for _, x := range s.liveSuccs(b) {
			enqueue(x)
		}
	}
	for _, e := range s.lv.boundaryEdges() {
		if s.region.containsBlock(e.To) {
			// The target dies with the region; end in front of the edge.
			if k, ok := s.region.barrier(e.From); ok {
				s.plant(e.From, k, visit)
			} else if s.materializeOK(e.From) {
				s.plant(e.From, len(e.From.Instrs)-1, visit)
			}
			continue
		}
		enqueue(e.To)
	}

	for len(pending) > 0 {
		b := s.nextPending(pending)
		delete(pending, b)
		if s.planted[b] {
			continue
		}
		switch s.availIn(b) {
		case availNone, availUnset:
			// Ended on every incoming path.
		case availAll:
			if s.hasEnd(b, 0) {
				continue // the existing end is the boundary
			}
			if k, ok := s.region.barrier(b); ok {
				s.plant(b, k, visit)
				continue
			}
			if s.materializeOK(b) {
				idx := 0
				if b == s.lv.def.Block {
					idx = s.lv.def.Index + 1
				}
				s.plant(b, idx, visit)
				continue
			}
			// Materialization is forbidden here; keep pushing toward an
			// unreachable-terminated exit.
			for _, x := range s.liveSuccs(b) {
				enqueue(x)
			}
		case availMixed:
			s.resolveMixed(b, visit, enqueue)
		}
	}
}

// resolveMixed handles a merge whose incoming paths disagree. With dominance
// the still-running incoming edges dominated by the definition get their own
// ends. Without it a new end cannot be placed safely, so the merge is
// reported unenclosed and the push continues until the incoming edges agree
// or a path exit is reached.
func (s *boundarySearch) resolveMixed(b *BasicBlock, visit func(BoundaryPoint), enqueue func(*BasicBlock)) {
	if s.policy != BoundaryAvailabilityWithLeaks && s.dom != nil {
		for _, p := range s.cfg.Preds(b) {
			if s.region.containsBlock(p) || s.avail[p] != availAll ||
				!s.dom.Dominates(s.lv.def.Block, p) {
				continue
			}
			if len(s.liveSuccs(p)) == 1 {
				s.plant(p, len(p.Instrs)-1, visit)
			} else {
				visit(BoundaryPoint{Block: b, Index: 0, EdgeFrom: p})
				s.edgeEnded[BoundaryEdge{From: p, To: b}] = true
				s.propagate()
			}
		}
		return
	}
	if s.policy != BoundaryAvailabilityWithLeaks {
		s.unenclosed = append(s.unenclosed, b)
	}
	if len(s.liveSuccs(b)) == 0 {
		if s.policy == BoundaryAvailabilityWithLeaks && s.materializeOK(b) {
			s.plant(b, len(b.Instrs)-1, visit)
		}
		return
	}
	for _, x := range s.liveSuccs(b) {
		enqueue(x)
	}
}

// plant emits one end point and folds it back into the availability states.
func (s *boundarySearch) plant(b *BasicBlock, idx int, visit func(BoundaryPoint)) {
	visit(BoundaryPoint{Block: b, Index: idx})
	s.planted[b] = true
	s.propagate()
}

// nextPending picks the earliest pending block in reverse postorder, keeping
// the push deterministic and upstream-first.
func (s *boundarySearch) nextPending(pending map[*BasicBlock]bool) *BasicBlock {
	var best *BasicBlock
	for b := range pending {
		if best == nil || s.rank[b] < s.rank[best] {
			best = b
		}
	}
	return best
}

// materializeOK is the per-policy materialization predicate: under
// AvailabilityWithLeaks ends only land in blocks terminated by unreachable.
func (s *boundarySearch) materializeOK(b *BasicBlock) bool {
	if s.policy != BoundaryAvailabilityWithLeaks {
		return true
	}
	_, ok := b.Terminator().(*Unreachable)
	return ok
}

// edgePoint places a liveness-boundary end on a dead edge: at the target's
// entry when the target has a single predecessor, otherwise on the edge
// itself. Edges into the pending-deletion region end before the source's
// terminator instead, since the target is about to disappear.
func (s *boundarySearch) edgePoint(from, to *BasicBlock, visit func(BoundaryPoint)) {
	if s.region.containsBlock(to) {
		if k, ok := s.region.barrier(from); ok {
			visit(BoundaryPoint{Block: from, Index: k})
			return
		}
		visit(BoundaryPoint{Block: from, Index: len(from.Instrs) - 1})
		return
	}
	if len(s.cfg.Preds(to)) == 1 {
		visit(BoundaryPoint{Block: to, Index: 0})
		return
	}
	if s.dom == nil {
		s.unenclosed = append(s.unenclosed, to)
		return
	}
	visit(BoundaryPoint{Block: to, Index: 0, EdgeFrom: from})
}

// liveSuccs returns b's successors that survive region deletion.
func (s *boundarySearch) liveSuccs(b *BasicBlock) []*BasicBlock {
	succs := s.cfg.Succs(b)
	if s.region == nil {
		return succs
	}
	var out []*BasicBlock
	for _, x := range succs {
		if !s.region.containsBlock(x) {
			out = append(out, x)
		}
	}
	return out
}

// hasEnd reports whether b still ends the value at or after index from,
// ignoring instructions pending deletion.
func (s *boundarySearch) hasEnd(b *BasicBlock, from int) bool {
	for i := from; i < len(b.Instrs); i++ {
		if s.region.skip(b, i) {
			continue
		}
		if IsLifetimeEnd(b.Instrs[i], s.lv.ref) {
			return true
		}
	}
	return false
}

func (s *boundarySearch) availIn(b *BasicBlock) availState {
	in := availUnset
	for _, p := range s.cfg.Preds(b) {
		if s.region.containsBlock(p) {
			continue
		}
		st := s.avail[p]
		if _, ok := s.rank[p]; !ok {
			// The value never flows through p; its edge arrives dead.
			st = availNone
		}
		if s.edgeEnded[BoundaryEdge{From: p, To: b}] {
			st = availNone
		}
		in = meetAvail(in, st)
	}
	return in
}

// rpoFrom returns the blocks reachable from start through surviving edges,
// in reverse postorder.
func (s *boundarySearch) rpoFrom(start *BasicBlock) []*BasicBlock {
	if s.region.containsBlock(start) {
		return nil
	}
	seen := map[*BasicBlock]bool{start: true}
	var post []*BasicBlock
	var dfs func(b *BasicBlock)
	dfs = func(b *BasicBlock) {
		for _, x := range s.liveSuccs(b) {
			if !seen[x] {
				seen[x] = true
				dfs(x)
			}
		}
		post = append(post, b)
	}
	dfs(start)
	rpo := make([]*BasicBlock, len(post))
	for i, b := range post {
		rpo[len(post)-1-i] = b
	}
	return rpo
}

// propagate runs the forward dataflow of lifetime ends, existing and
// planted, to a fixed point over the blocks reachable from the definition.
func (s *boundarySearch) propagate() {
	def := s.lv.def
	for changed := true; changed; {
		changed = false
		for _, b := range s.blocks {
			var out availState
			if b == def.Block {
				out = availAll
				if s.planted[b] || s.hasEnd(b, def.Index+1) {
					out = availNone
				}
			} else {
				out = s.availIn(b)
				if s.planted[b] || s.hasEnd(b, 0) {
					out = availNone
				}
			}
			if out != s.avail[b] {
				s.avail[b] = out
				changed = true
			}
		}
	}
}
