/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package source implements the escape/boxing analysis described in
// spec.md §3 "Sources" and §4.3: a disjoint-set union of value provenance
// nodes answering a single question — "must this value be materialized
// in boxed form because it escapes into the host runtime?"
//
// This is a direct port of the disjoint-set merge in
// original_source/Pyjion/absvalue.cpp's AbstractSource::combine, adapted
// from shared_ptr-based cyclic back-pointers into the index-addressed
// arena plus parent-array union-find spec.md §9 prescribes ("an arena of
// source nodes addressed by index, with a disjoint-set union data
// structure for the combine operation. The escaped flag lives on the DSU
// root.").
package source

// Kind distinguishes how a value came into existence, used only for
// diagnostics (Source.Describe) — it plays no role in the escape
// analysis itself.
type Kind int

const (
	Const Kind = iota
	Local
	Intermediate
)

func (k Kind) String() string {
	switch k {
	case Const:
		return "Const"
	case Local:
		return "Local"
	case Intermediate:
		return "Intermediate"
	default:
		return "Unknown"
	}
}

// Source is one node in the escape-analysis graph: a LOAD_CONST, a
// LOAD_FAST, or an intermediate arithmetic result. A Source is just an
// index into its owning Arena's parent/rank/escaped arrays — the actual
// disjoint-set state lives there, not on the Source itself, so every
// node that was ever unioned into a group (not just the two passed to a
// given Combine call) resolves to the same root.
type Source struct {
	arena *Arena
	idx   int
}

// Arena owns every Source allocated during one AI pass, plus the
// union-find parent/size/escaped arrays indexed in parallel with it. It
// plays the role of the original's per-compilation heap of AbstractSource
// objects: freed in bulk when the AI that owns it is dropped (in Go,
// simply by letting the Arena go out of scope — spec.md §3 "Lifetime").
type Arena struct {
	kinds   []Kind
	parent  []int  // parent[i] == i iff i is a DSU root
	size    []int  // meaningful only when i is a root; union-by-size weight
	escaped []bool // meaningful only when i is a root (spec.md §9)
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// New allocates a fresh Source of the given kind, starting in its own
// singleton group.
func (a *Arena) New(kind Kind) *Source {
	idx := len(a.parent)
	a.kinds = append(a.kinds, kind)
	a.parent = append(a.parent, idx)
	a.size = append(a.size, 1)
	a.escaped = append(a.escaped, false)
	return &Source{arena: a, idx: idx}
}

// find returns the root index of i's group, path-compressing as it walks
// so later lookups for any node visited here are O(1).
func (a *Arena) find(i int) int {
	root := i
	for a.parent[root] != root {
		root = a.parent[root]
	}
	for a.parent[i] != root {
		a.parent[i], i = root, a.parent[i]
	}
	return root
}

// Kind returns the provenance tag this source was allocated with.
func (s *Source) Kind() Kind {
	if s == nil {
		return Intermediate
	}
	return s.arena.kinds[s.idx]
}

// Escapes marks s, and every source combined with it, as needing boxing.
// The flag is monotonic: once set it is never cleared (spec.md §8
// "Escape monotonicity").
func (s *Source) Escapes() {
	if s == nil {
		return
	}
	s.arena.escaped[s.arena.find(s.idx)] = true
}

// NeedsBoxing reports whether s (or any source it has been combined with)
// has escaped. A nil Source — meaning "no source was recorded", e.g. for
// an Any/Undefined value — is treated as already escaped: unknown
// provenance is assumed to leak (spec.md §3 "An Any/Undefined value
// contributes no source...").
func (s *Source) NeedsBoxing() bool {
	if s == nil {
		return true
	}
	return s.arena.escaped[s.arena.find(s.idx)]
}

// Describe renders a short human-readable tag for trace output, mirroring
// ConstSource/LocalSource/IntermediateSource::describe in the original.
func (s *Source) Describe() string {
	if s == nil {
		return "Source: none (escapes)"
	}
	suffix := ""
	if s.NeedsBoxing() {
		suffix = " (escapes)"
	}
	return "Source: " + s.Kind().String() + suffix
}

// Combine unions the groups of one and two, returning a representative of
// the merged group. Mirrors AbstractSource::combine: the smaller group is
// folded under the larger one's root (cheaper than the reverse, and the
// size tracked per-root is exactly what makes that comparison O(1)), and
// if either side had already escaped the merged group escapes too. Since
// escaped/size/kind all live on the arena, indexed by root, reparenting a
// group's root automatically brings every existing member along — a
// later find() on any of them walks to the same new root, not just the
// two Source values passed in here. A nil operand means "value carries no
// source" (e.g. it came from Any/Undefined): combining with it forces the
// other side to escape, since we can no longer account for where the
// value came from.
func Combine(one, two *Source) *Source {
	switch {
	case one == nil && two == nil:
		return nil
	case one == nil:
		two.Escapes()
		return two
	case two == nil:
		one.Escapes()
		return one
	}

	a := one.arena
	r1, r2 := a.find(one.idx), a.find(two.idx)
	if r1 == r2 {
		return one
	}

	big, small := r1, r2
	bigSrc := one
	if a.size[r2] > a.size[r1] {
		big, small = r2, r1
		bigSrc = two
	}

	a.parent[small] = big
	a.size[big] += a.size[small]
	if a.escaped[small] {
		a.escaped[big] = true
	}
	return bigSrc
}

// SameGroup reports whether a and b belong to the same combined source
// group — a direct group-identity check, in place of the accidental
// self-compare the original's AbstractValueWithSources::operator== had
// (see SPEC_FULL.md "Supplemented features" #1). pkg/interp's own state
// comparison does not call it; it compares kind and escape bit only.
func SameGroup(a, b *Source) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.arena.find(a.idx) == b.arena.find(b.idx)
}
