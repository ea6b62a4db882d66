package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ebcl-build/imgforge/internal/debver"
	"github.com/ebcl-build/imgforge/repoindex"
)

// UnsatisfiableDependencyError reports a dependency chain that could not
// be satisfied, with the candidates considered and rejected for the
// final node in the chain (spec §7).
type UnsatisfiableDependencyError struct {
	Chain    []string
	Rejected []RejectedCandidate
}

// RejectedCandidate records one candidate considered for an unsatisfiable
// relation and why it was rejected.
type RejectedCandidate struct {
	Name, Version, RepoID, Reason string
}

func (e *UnsatisfiableDependencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve: unsatisfiable dependency chain %s", strings.Join(e.Chain, " -> "))
	for _, r := range e.Rejected {
		fmt.Fprintf(&b, "\n  rejected %s %s (%s): %s", r.Name, r.Version, r.RepoID, r.Reason)
	}
	return b.String()
}

// PreDependsCycleError reports a cycle among Pre-Depends relations,
// which is fatal because it implies no valid unpack order exists (spec
// §4.5 step "Pre-Depends cycles are fatal").
type PreDependsCycleError struct{ Members []string }

func (e *PreDependsCycleError) Error() string {
	return fmt.Sprintf("resolve: Pre-Depends cycle among %s", strings.Join(e.Members, ", "))
}

// Resolver computes a closed install set from one or more repoindex.Index
// values in priority order.
type Resolver struct {
	indexes   []*repoindex.Index
	arch      string
	pins      map[string]debver.Version
	essential bool
}

// New returns a Resolver querying indexes in priority order (index 0 is
// the highest-priority repo) for packages of the given target
// architecture. pins overrides the version an explicit package name must
// resolve to; essential requests that every "Essential: yes" package
// across all indexes be added to the frontier alongside the root set.
func New(indexes []*repoindex.Index, arch string, pins map[string]debver.Version, essential bool) *Resolver {
	return &Resolver{indexes: indexes, arch: arch, pins: pins, essential: essential}
}

type frontierItem struct {
	alts  []debver.Relation
	trail []string
}

// Resolve computes the InstallSet for roots, a list of top-level package
// names (optionally with inline version constraints already parsed into
// Relations).
func (r *Resolver) Resolve(roots []debver.Relation) ([]*repoindex.PackageCandidate, error) {
	var frontier []frontierItem
	for _, root := range roots {
		frontier = append(frontier, frontierItem{alts: []debver.Relation{root}, trail: []string{root.Name}})
	}
	if r.essential {
		for _, name := range r.essentialNames() {
			frontier = append(frontier, frontierItem{alts: []debver.Relation{{Name: name}}, trail: []string{name}})
		}
	}

	chosen, virtualOwner, order, err := r.solve(frontier, map[string]*repoindex.PackageCandidate{}, map[string]string{}, nil)
	if err != nil {
		return nil, err
	}
	return r.topoSort(chosen, virtualOwner, order)
}

func (r *Resolver) essentialNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, idx := range r.indexes {
		for _, c := range idx.AllCandidates() {
			if (c.Architecture == r.arch || c.Architecture == "all") && c.Essential() && !seen[c.Name] {
				seen[c.Name] = true
				names = append(names, c.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// solve is the recursive best-first search core: it pops the first
// frontier item, tries each alternative in declared order (spec §4.5
// step 4, "commits to the first satisfiable alternative but records a
// backtrack point"), and recurses. Failure inside a recursive call causes
// the caller to try the next alternative, which is the backtracking spec
// §4.5 step 6-7 describes; state is threaded functionally (copy-on-write
// maps/slices) so no explicit undo is needed.
func (r *Resolver) solve(
	frontier []frontierItem,
	chosen map[string]*repoindex.PackageCandidate,
	virtualOwner map[string]string,
	order []*repoindex.PackageCandidate,
) (map[string]*repoindex.PackageCandidate, map[string]string, []*repoindex.PackageCandidate, error) {
	if len(frontier) == 0 {
		return chosen, virtualOwner, order, nil
	}
	item := frontier[0]
	rest := frontier[1:]

	var rejected []RejectedCandidate
	for _, alt := range item.alts {
		trail := append([]string{}, item.trail...)
		newChosen, newVirtual, newOrder, rejs, ok := r.tryAlt(alt, rest, chosen, virtualOwner, order, trail)
		if ok {
			return newChosen, newVirtual, newOrder, nil
		}
		rejected = append(rejected, rejs...)
	}
	return nil, nil, nil, &UnsatisfiableDependencyError{Chain: item.trail, Rejected: rejected}
}

func (r *Resolver) tryAlt(
	alt debver.Relation,
	rest []frontierItem,
	chosen map[string]*repoindex.PackageCandidate,
	virtualOwner map[string]string,
	order []*repoindex.PackageCandidate,
	trail []string,
) (map[string]*repoindex.PackageCandidate, map[string]string, []*repoindex.PackageCandidate, []RejectedCandidate, bool) {
	name := alt.Name

	if cc, ok := chosen[name]; ok {
		if alt.HasConstraint() {
			sat, err := debver.Satisfies(cc.Version, alt.Op, alt.Version)
			if err != nil || !sat {
				return nil, nil, nil, []RejectedCandidate{{Name: name, Version: cc.Version.String(), RepoID: cc.RepoID, Reason: "already chosen at an incompatible version"}}, false
			}
		}
		nc, nv, no, err := r.solve(rest, chosen, virtualOwner, order)
		return nc, nv, no, nil, err == nil
	}
	if _, ok := virtualOwner[name]; ok {
		nc, nv, no, err := r.solve(rest, chosen, virtualOwner, order)
		return nc, nv, no, nil, err == nil
	}
	if pin, ok := r.pins[name]; ok && !alt.HasConstraint() {
		alt.Op = debver.OpEQ
		alt.Version = pin
	}

	candidates := r.findCandidates(name, alt)
	var rejected []RejectedCandidate
	for _, cand := range candidates {
		newChosen, err := r.selectCandidate(cand, chosen)
		if err != nil {
			rejected = append(rejected, RejectedCandidate{Name: cand.Name, Version: cand.Version.String(), RepoID: cand.RepoID, Reason: err.Error()})
			continue
		}
		newFrontier := append(append([]frontierItem{}, rest...), r.depsOf(cand, trail)...)
		nc, nv, no, _, ok := r.tryRecurse(newFrontier, newChosen, virtualOwner, append(order, cand))
		if ok {
			return nc, nv, no, nil, true
		}
	}
	if len(candidates) > 0 {
		return nil, nil, nil, rejected, false
	}

	// Not a real package name at this arch: try it as a virtual (Provides).
	providers := r.findProviders(name)
	if len(providers) == 0 {
		return nil, nil, nil, []RejectedCandidate{{Name: name, Reason: "no package or virtual package found"}}, false
	}
	for _, p := range providers {
		if _, ok := chosen[p.Name]; ok {
			newVirtual := cloneVirtual(virtualOwner)
			newVirtual[name] = p.Name
			nc, nv, no, err := r.solve(rest, chosen, newVirtual, order)
			if err == nil {
				return nc, nv, no, nil, true
			}
		}
	}
	for _, p := range providers {
		newChosen, err := r.selectCandidate(p, chosen)
		if err != nil {
			rejected = append(rejected, RejectedCandidate{Name: p.Name, Version: p.Version.String(), RepoID: p.RepoID, Reason: err.Error()})
			continue
		}
		newVirtual := cloneVirtual(virtualOwner)
		newVirtual[name] = p.Name
		newFrontier := append(append([]frontierItem{}, rest...), r.depsOf(p, trail)...)
		nc, nv, no, _, ok := r.tryRecurse(newFrontier, newChosen, newVirtual, append(order, p))
		if ok {
			return nc, nv, no, nil, true
		}
	}
	return nil, nil, nil, rejected, false
}

func (r *Resolver) tryRecurse(
	frontier []frontierItem,
	chosen map[string]*repoindex.PackageCandidate,
	virtualOwner map[string]string,
	order []*repoindex.PackageCandidate,
) (map[string]*repoindex.PackageCandidate, map[string]string, []*repoindex.PackageCandidate, error, bool) {
	nc, nv, no, err := r.solve(frontier, chosen, virtualOwner, order)
	return nc, nv, no, err, err == nil
}

func cloneVirtual(v map[string]string) map[string]string {
	out := make(map[string]string, len(v)+1)
	for k, val := range v {
		out[k] = val
	}
	return out
}

// selectCandidate checks cand against every already-chosen package for
// Conflicts/Breaks, honoring Replaces overrides (spec §4.5 step 6), and
// returns a new chosen map with cand added.
func (r *Resolver) selectCandidate(cand *repoindex.PackageCandidate, chosen map[string]*repoindex.PackageCandidate) (map[string]*repoindex.PackageCandidate, error) {
	candConflicts, err := relationNames(cand.Conflicts)
	if err != nil {
		return nil, err
	}
	candBreaks, err := relationNames(cand.Breaks)
	if err != nil {
		return nil, err
	}
	candReplaces, err := relationNames(cand.Replaces)
	if err != nil {
		return nil, err
	}

	for _, other := range chosen {
		otherConflicts, _ := relationNames(other.Conflicts)
		otherBreaks, _ := relationNames(other.Breaks)
		otherReplaces, _ := relationNames(other.Replaces)

		conflict := candConflicts[other.Name] || candBreaks[other.Name] || otherConflicts[cand.Name] || otherBreaks[cand.Name]
		if conflict && !candReplaces[other.Name] && !otherReplaces[cand.Name] {
			return nil, fmt.Errorf("conflicts with already-chosen %s %s", other.Name, other.Version)
		}
	}

	out := make(map[string]*repoindex.PackageCandidate, len(chosen)+1)
	for k, v := range chosen {
		out[k] = v
	}
	out[cand.Name] = cand
	return out, nil
}

func relationNames(field func() ([][]debver.Relation, error)) (map[string]bool, error) {
	conjuncts, err := field()
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, alts := range conjuncts {
		for _, rel := range alts {
			out[rel.Name] = true
		}
	}
	return out, nil
}

// findCandidates merges matches across indexes in priority order,
// sorting each index's matches by version descending then, for equal
// versions, filename ascending (spec §4.5 tie-breaking).
func (r *Resolver) findCandidates(name string, alt debver.Relation) []*repoindex.PackageCandidate {
	var out []*repoindex.PackageCandidate
	for _, idx := range r.indexes {
		matches, err := idx.GetPackage(name, r.arch, alt.Op, alt.Version)
		if err != nil || len(matches) == 0 {
			continue
		}
		sorted := append([]*repoindex.PackageCandidate{}, matches...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if debver.Equal(sorted[i].Version, sorted[j].Version) {
				return sorted[i].Filename < sorted[j].Filename
			}
			return false
		})
		out = append(out, sorted...)
	}
	return out
}

func (r *Resolver) findProviders(name string) []*repoindex.PackageCandidate {
	var out []*repoindex.PackageCandidate
	for _, idx := range r.indexes {
		for _, p := range idx.Providers(name) {
			if p.Architecture == r.arch || p.Architecture == "all" {
				out = append(out, p)
			}
		}
	}
	return out
}

// depsOf expands cand's Pre-Depends then Depends into frontier items,
// each carrying the dependency chain for error reporting (spec §7).
func (r *Resolver) depsOf(cand *repoindex.PackageCandidate, trail []string) []frontierItem {
	var items []frontierItem
	pre, _ := cand.PreDepends()
	for _, alts := range pre {
		items = append(items, frontierItem{alts: alts, trail: append(append([]string{}, trail...), cand.Name)})
	}
	deps, _ := cand.Depends()
	for _, alts := range deps {
		items = append(items, frontierItem{alts: alts, trail: append(append([]string{}, trail...), cand.Name)})
	}
	return items
}

// topoSort computes the unpack order (spec §4.5 "Unpack ordering"):
// Pre-Depends edges are strict (a cycle is fatal); Depends edges are
// best-effort and cycles are broken by package name. Ties among
// ready-to-unpack packages are broken by name.
func (r *Resolver) topoSort(chosen map[string]*repoindex.PackageCandidate, virtualOwner map[string]string, order []*repoindex.PackageCandidate) ([]*repoindex.PackageCandidate, error) {
	preEdges := map[string]map[string]bool{} // name -> set of names it Pre-Depends on (within chosen)
	allEdges := map[string]map[string]bool{} // name -> set of names it depends on, Pre+Depends

	// chosenFor maps a relation name to the chosen package satisfying it,
	// following virtualOwner for names satisfied through Provides.
	chosenFor := func(relName string) (*repoindex.PackageCandidate, bool) {
		if dep, ok := chosen[relName]; ok {
			return dep, true
		}
		dep, ok := chosen[virtualOwner[relName]]
		return dep, ok
	}

	for name, cand := range chosen {
		preEdges[name] = map[string]bool{}
		allEdges[name] = map[string]bool{}

		pre, _ := cand.PreDepends()
		for _, alts := range pre {
			for _, rel := range alts {
				if dep, ok := chosenFor(rel.Name); ok {
					preEdges[name][dep.Name] = true
					allEdges[name][dep.Name] = true
					break
				}
			}
		}
		deps, _ := cand.Depends()
		for _, alts := range deps {
			for _, rel := range alts {
				if dep, ok := chosenFor(rel.Name); ok {
					allEdges[name][dep.Name] = true
					break
				}
			}
		}
	}

	if cyc := findCycle(preEdges); len(cyc) > 0 {
		return nil, &PreDependsCycleError{Members: cyc}
	}

	return kahnOrder(chosen, allEdges), nil
}

// findCycle does a DFS cycle check over edges (name -> set of names it
// must follow) and returns the members of the first cycle found, or nil.
func findCycle(edges map[string]map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var cycle []string

	var names []string
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)

	var stack []string
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		var deps []string
		for d := range edges[n] {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			switch color[d] {
			case white:
				if visit(d) {
					return true
				}
			case gray:
				cycle = append([]string{}, stack...)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

// kahnOrder computes a dependency-before-dependent order via Kahn's
// algorithm; when no zero-indegree node remains but unplaced nodes do
// (a Depends-only cycle), the lexicographically smallest remaining node
// is emitted anyway, breaking the cycle, per spec §9.
func kahnOrder(chosen map[string]*repoindex.PackageCandidate, edges map[string]map[string]bool) []*repoindex.PackageCandidate {
	inDegree := map[string]int{}
	dependents := map[string][]string{} // dep -> names that depend on it
	for n := range chosen {
		inDegree[n] = 0
	}
	for n, deps := range edges {
		inDegree[n] = len(deps)
		for d := range deps {
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for n, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	placed := map[string]bool{}
	var result []*repoindex.PackageCandidate

	for len(placed) < len(chosen) {
		if len(ready) == 0 {
			// Depends-only cycle remains: break it by picking the
			// lexicographically smallest unplaced node.
			var remaining []string
			for n := range chosen {
				if !placed[n] {
					remaining = append(remaining, n)
				}
			}
			sort.Strings(remaining)
			ready = append(ready, remaining[0])
		}
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		if placed[n] {
			continue
		}
		placed[n] = true
		result = append(result, chosen[n])
		for _, dependent := range dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 && !placed[dependent] {
				ready = append(ready, dependent)
			}
		}
	}
	return result
}
