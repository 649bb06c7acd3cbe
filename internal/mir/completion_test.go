package mir

import (
	"strings"
	"testing"
)

func parseFn(t *testing.T, src string) *Function {
	t.Helper()
	m, err := ParseModule(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(m.Functions) != 1 {
		t.Fatalf("expected 1 function, got %d", len(m.Functions))
	}
	return m.Functions[0]
}

func countInstrs(f *Function) int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instrs)
	}
	return n
}

func endsOf(b *BasicBlock, ref string) []int {
	var idxs []int
	for i, in := range b.Instrs {
		switch x := in.(type) {
		case *Destroy:
			if x.Val.Ref == ref {
				idxs = append(idxs, i)
			}
		case *EndBorrow:
			if x.Val.Ref == ref {
				idxs = append(idxs, i)
			}
		}
	}
	return idxs
}

func TestCompleteTrivialValue(t *testing.T) {
	f := parseFn(t, `
func @f(%t: none) {
entry:
  %x = const 42
  use %t
  ret
}
`)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%t", BoundaryDefault); got != NoLifetime {
		t.Errorf("trivial param: got %v, want %v", got, NoLifetime)
	}
	if got := lc.CompleteLifetime("%x", BoundaryDefault); got != NoLifetime {
		t.Errorf("const result: got %v, want %v", got, NoLifetime)
	}
}

func TestGuaranteedParamIsCallerScope(t *testing.T) {
	f := parseFn(t, `
func @f(%g: guaranteed) {
entry:
  use %g
  ret
}
`)
	before := countInstrs(f)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%g", BoundaryDefault); got != AlreadyComplete {
		t.Errorf("got %v, want %v", got, AlreadyComplete)
	}
	if countInstrs(f) != before {
		t.Error("guaranteed parameter must not be modified")
	}
}

func TestGuaranteedNonBorrowHasNoLifetime(t *testing.T) {
	f := parseFn(t, `
func @f() {
entry:
  %g = apply @get() : guaranteed
  use %g
  ret
}
`)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%g", BoundaryDefault); got != NoLifetime {
		t.Errorf("got %v, want %v", got, NoLifetime)
	}
}

func TestCompleteStraightLine(t *testing.T) {
	f := parseFn(t, `
func @f() {
entry:
  %x = apply @mk() : owned
  use %x
  ret
}
`)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%x", BoundaryDefault); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	entry := f.Entry()
	if got := endsOf(entry, "%x"); len(got) != 1 || got[0] != 2 {
		t.Errorf("destroy at %v, want [2]", got)
	}
}

func TestConsumedByReturnIsComplete(t *testing.T) {
	f := parseFn(t, `
func @f() {
entry:
  %x = apply @mk() : owned
  ret %x
}
`)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%x", BoundaryDefault); got != AlreadyComplete {
		t.Errorf("got %v, want %v", got, AlreadyComplete)
	}
}

func TestIdempotence(t *testing.T) {
	src := `
func @f(%p: owned) {
entry:
  %x = apply @mk() : owned
  use %x
  use %p
  ret
}
`
	f := parseFn(t, src)
	dom := ComputeDomTree(f)
	n, _ := CompleteAll(f, dom, BoundaryDefault)
	if n != 2 {
		t.Fatalf("first run completed %d lifetimes, want 2", n)
	}
	after := f.String()

	n, _ = CompleteAll(f, ComputeDomTree(f), BoundaryDefault)
	if n != 0 {
		t.Errorf("second run completed %d lifetimes, want 0", n)
	}
	if f.String() != after {
		t.Errorf("second run changed the function:\n%s", f.String())
	}
}

// Value used on one arm only; the other arm is a dead edge for it.
const diamondSrc = `
func @diamond(%c: none) {
entry:
  %x = apply @mk() : owned
  brcond %c, left, right
left:
  use %x
  br exit
right:
  br exit
exit:
  ret
}
`

// Value used on both arms, rejoining at exit: the policy-contrast shape.
const contrastSrc = `
func @contrast(%c: none) {
entry:
  %x = apply @mk() : owned
  brcond %c, left, right
left:
  use %x
  br exit
right:
  use %x
  br exit
exit:
  ret
}
`

func TestDiamondLivenessBoundary(t *testing.T) {
	f := parseFn(t, diamondSrc)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryLiveness); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	if got := endsOf(f.Block("left"), "%x"); len(got) != 1 || got[0] != 1 {
		t.Errorf("left: destroys at %v, want [1]", got)
	}
	if got := endsOf(f.Block("right"), "%x"); len(got) != 1 || got[0] != 0 {
		t.Errorf("right: destroys at %v, want [0]", got)
	}
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 0 {
		t.Errorf("exit: destroys at %v, want none", got)
	}
}

func TestContrastAvailabilityBoundary(t *testing.T) {
	f := parseFn(t, contrastSrc)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	for _, name := range []string{"left", "right"} {
		if got := endsOf(f.Block(name), "%x"); len(got) != 0 {
			t.Errorf("%s: destroys at %v, want none", name, got)
		}
	}
	// The arms rejoin unended; one end at the join's entry.
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 1 || got[0] != 0 {
		t.Errorf("exit: destroys at %v, want [0]", got)
	}
}

func TestDiamondAvailabilityBoundary(t *testing.T) {
	f := parseFn(t, diamondSrc)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	// The dead arm is ended at its entry first; the join then disagrees and
	// the used arm gets its end on the incoming edge.
	if got := endsOf(f.Block("right"), "%x"); len(got) != 1 || got[0] != 0 {
		t.Errorf("right: destroys at %v, want [0]", got)
	}
	if got := endsOf(f.Block("left"), "%x"); len(got) != 1 || got[0] != 1 {
		t.Errorf("left: destroys at %v, want [1]", got)
	}
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 0 {
		t.Errorf("exit: destroys at %v, want none", got)
	}
}

func TestContrastAvailabilityWithLeaks(t *testing.T) {
	f := parseFn(t, contrastSrc)
	before := countInstrs(f)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	// The exit returns normally, so the lifetime is allowed to leak.
	if got := lc.CompleteLifetime("%x", BoundaryAvailabilityWithLeaks); got != AlreadyComplete {
		t.Fatalf("got %v, want %v", got, AlreadyComplete)
	}
	if countInstrs(f) != before {
		t.Error("with-leaks run must not insert on normally returning paths")
	}
}

func TestAvailabilityWithLeaksEndsBeforeUnreachable(t *testing.T) {
	f := parseFn(t, strings.Replace(contrastSrc, "  ret\n", "  unreachable\n", 1))
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryAvailabilityWithLeaks); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 1 || got[0] != 0 {
		t.Errorf("exit: destroys at %v, want [0]", got)
	}
}

func TestBorrowScopesCompleteBottomUp(t *testing.T) {
	f := parseFn(t, `
func @f() {
entry:
  %x = apply @mk() : owned
  %b = borrow %x
  use %b
  ret
}
`)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%x", BoundaryDefault); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	entry := f.Entry()
	// The borrow scope ends first; the owner's destroy follows it.
	if got := endsOf(entry, "%b"); len(got) != 1 || got[0] != 3 {
		t.Errorf("end_borrow at %v, want [3]", got)
	}
	if got := endsOf(entry, "%x"); len(got) != 1 || got[0] != 4 {
		t.Errorf("destroy at %v, want [4]", got)
	}
	// The borrow is memoized as complete.
	if got := lc.CompleteLifetime("%b", BoundaryDefault); got != AlreadyComplete {
		t.Errorf("borrow recompletion: got %v, want %v", got, AlreadyComplete)
	}
}

func TestLexicalDefaultsToAvailability(t *testing.T) {
	f := parseFn(t, strings.Replace(contrastSrc, ": owned", ": owned lexical", 1))
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryDefault); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	if got := endsOf(f.Block("left"), "%x"); len(got) != 0 {
		t.Errorf("left: destroys at %v, want none", got)
	}
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 1 {
		t.Errorf("exit: destroys at %v, want one", got)
	}
}

// Value defined and used on one arm only; the join is reachable without ever
// passing the definition.
const partialDefSrc = `
func @partial(%c: none) {
entry:
  brcond %c, left, right
left:
  %x = apply @mk() : owned
  use %x
  br exit
right:
  br exit
exit:
  ret
}
`

func TestAvailabilityEndsOnDefiningPathOnly(t *testing.T) {
	f := parseFn(t, partialDefSrc)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	// The join also receives a path that never carries %x, so the end must
	// stay on the defining arm.
	if got := endsOf(f.Block("left"), "%x"); len(got) != 1 || got[0] != 2 {
		t.Errorf("left: destroys at %v, want [2]", got)
	}
	for _, name := range []string{"entry", "right", "exit"} {
		if got := endsOf(f.Block(name), "%x"); len(got) != 0 {
			t.Errorf("%s: destroys at %v, want none", name, got)
		}
	}
	if len(lc.UnenclosedMerges()) != 0 {
		t.Errorf("unexpected unenclosed merges: %v", lc.UnenclosedMerges())
	}
}

func TestAvailabilityPartialDefWithoutDominance(t *testing.T) {
	f := parseFn(t, partialDefSrc)
	before := countInstrs(f)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != AlreadyComplete {
		t.Fatalf("got %v, want %v", got, AlreadyComplete)
	}
	if countInstrs(f) != before {
		t.Error("run without dominance must not insert at unresolved merges")
	}
	merges := lc.UnenclosedMerges()
	if len(merges) != 1 || merges[0].Name != "exit" {
		t.Errorf("unenclosed merges %v, want [exit]", merges)
	}
}

const mixedMergeSrc = `
func @g(%c: none) {
entry:
  %x = apply @mk() : owned
  brcond %c, left, right
left:
  destroy %x
  br exit
right:
  use %x
  br exit
exit:
  ret
}
`

func TestMixedMergeResolvedWithDominance(t *testing.T) {
	f := parseFn(t, mixedMergeSrc)
	lc := NewLifetimeCompletion(f, ComputeDomTree(f))
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != WasCompleted {
		t.Fatalf("got %v, want %v", got, WasCompleted)
	}
	// Only the still-running incoming path gets an end, after its use.
	if got := endsOf(f.Block("right"), "%x"); len(got) != 1 || got[0] != 1 {
		t.Errorf("right: destroys at %v, want [1]", got)
	}
	if got := endsOf(f.Block("exit"), "%x"); len(got) != 0 {
		t.Errorf("exit: destroys at %v, want none", got)
	}
	if got := endsOf(f.Block("left"), "%x"); len(got) != 1 {
		t.Errorf("left: destroys at %v, want the existing one only", got)
	}
	if len(lc.UnenclosedMerges()) != 0 {
		t.Errorf("unexpected unenclosed merges: %v", lc.UnenclosedMerges())
	}
}

func TestMixedMergeUnenclosedWithoutDominance(t *testing.T) {
	f := parseFn(t, mixedMergeSrc)
	before := countInstrs(f)
	lc := NewLifetimeCompletion(f, nil)
	if got := lc.CompleteLifetime("%x", BoundaryAvailability); got != AlreadyComplete {
		t.Fatalf("got %v, want %v", got, AlreadyComplete)
	}
	if countInstrs(f) != before {
		t.Error("run without dominance must not insert at unresolved merges")
	}
	merges := lc.UnenclosedMerges()
	if len(merges) != 1 || merges[0].Name != "exit" {
		t.Errorf("unenclosed merges %v, want [exit]", merges)
	}
}

// The no-dominance run may only report more unenclosed merges than the run
// with dominance, never fewer.
func TestDominanceMonotonicity(t *testing.T) {
	for _, src := range []string{diamondSrc, mixedMergeSrc, partialDefSrc} {
		f1 := parseFn(t, src)
		withDom := NewLifetimeCompletion(f1, ComputeDomTree(f1))
		withDom.CompleteLifetime("%x", BoundaryAvailability)

		f2 := parseFn(t, src)
		noDom := NewLifetimeCompletion(f2, nil)
		noDom.CompleteLifetime("%x", BoundaryAvailability)

		if len(withDom.UnenclosedMerges()) > len(noDom.UnenclosedMerges()) {
			t.Errorf("dominance run reported more unenclosed merges (%d) than the run without (%d)",
				len(withDom.UnenclosedMerges()), len(noDom.UnenclosedMerges()))
		}
	}
}

func TestCompleteAllDriver(t *testing.T) {
	f := parseFn(t, `
func @driver(%p: owned, %t: none) {
entry:
  %x = apply @mk() : owned
  %b = borrow %x
  use %b
  use %p
  ret
}
`)
	n, lc := CompleteAll(f, ComputeDomTree(f), BoundaryDefault)
	// %p and %x; the borrow %b is completed as part of its owner.
	if n != 2 {
		t.Errorf("completed %d lifetimes, want 2", n)
	}
	if len(lc.UnenclosedMerges()) != 0 {
		t.Errorf("unexpected unenclosed merges: %v", lc.UnenclosedMerges())
	}
	entry := f.Entry()
	if got := endsOf(entry, "%b"); len(got) != 1 {
		t.Errorf("end_borrow sites %v, want one", got)
	}
	if got := endsOf(entry, "%x"); len(got) != 1 {
		t.Errorf("destroys of %%x at %v, want one", got)
	}
	if got := endsOf(entry, "%p"); len(got) != 1 {
		t.Errorf("destroys of %%p at %v, want one", got)
	}
}

func TestCompleteAllSkipsUnreachableCode(t *testing.T) {
	f := parseFn(t, `
func @dead(%p: owned) {
entry:
  use %p
  ret
orphan:
  %x = apply @mk() : owned
  use %x
  ret
}
`)
	n, _ := CompleteAll(f, ComputeDomTree(f), BoundaryDefault)
	if n != 1 {
		t.Errorf("completed %d lifetimes, want only the reachable %%p", n)
	}
	if got := endsOf(f.Block("orphan"), "%x"); len(got) != 0 {
		t.Errorf("orphan: destroys at %v, want the dead code untouched", got)
	}
}

func TestVisitAvailabilityBoundaryDoesNotMutate(t *testing.T) {
	f := parseFn(t, contrastSrc)
	before := f.String()
	var pts []BoundaryPoint
	VisitAvailabilityBoundary(f, ComputeDomTree(f), "%x", false, func(p BoundaryPoint) {
		pts = append(pts, p)
	})
	if f.String() != before {
		t.Fatal("boundary visit mutated the function")
	}
	if len(pts) != 1 || pts[0].Block.Name != "exit" || pts[0].Index != 0 {
		t.Errorf("boundary points %v, want one at exit[0]", pts)
	}
}
