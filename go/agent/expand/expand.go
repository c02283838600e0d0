// Package expand implements the dependency expander: given seed
// live-spec ids, compute the minimal closure over the bipartite flow
// graph that must be included in a publication's validation set.
package expand

import (
	"sort"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// Graph is the in-memory flow graph the expander walks: a set of directed
// (source -> target) edges, each carrying the FlowType the Activator /
// Publisher recorded at commit time, plus the
// CatalogType of every node the edges touch.
type Graph struct {
	specType map[ids.ID]model.CatalogType

	// capturesOf[c] holds capture ids with a "capture" edge targeting
	// collection c.
	capturesOf map[ids.ID][]ids.ID
	// collectionsOfCapture[cap] holds collection ids a capture produces.
	collectionsOfCapture map[ids.ID][]ids.ID
	// materializationsOf[c] holds materialization ids with a
	// "materialization" edge sourced at collection c.
	materializationsOf map[ids.ID][]ids.ID
	// sourcesOfMaterialization[m] holds collection ids a materialization
	// reads from.
	sourcesOfMaterialization map[ids.ID][]ids.ID
	// derivesFrom[c] holds the direct parent collections of derivation c
	// (collection-type edges targeting c).
	derivesFrom map[ids.ID][]ids.ID
	// derivedChildren[c] holds collections that derive directly from c.
	derivedChildren map[ids.ID][]ids.ID
	// ingestsOf[c] / verifiesOf[c] hold test ids bound to collection c.
	ingestsOf  map[ids.ID][]ids.ID
	verifiesOf map[ids.ID][]ids.ID
	// collectionsOfTest[t] holds every collection test t ingests into or
	// verifies.
	collectionsOfTest map[ids.ID][]ids.ID
}

// NewGraph builds a Graph from the current set of live-spec types and
// flow edges
func NewGraph(specTypes map[ids.ID]model.CatalogType, edges []model.FlowEdge) *Graph {
	var g = &Graph{
		specType:                 specTypes,
		capturesOf:               map[ids.ID][]ids.ID{},
		collectionsOfCapture:     map[ids.ID][]ids.ID{},
		materializationsOf:       map[ids.ID][]ids.ID{},
		sourcesOfMaterialization: map[ids.ID][]ids.ID{},
		derivesFrom:              map[ids.ID][]ids.ID{},
		derivedChildren:          map[ids.ID][]ids.ID{},
		ingestsOf:                map[ids.ID][]ids.ID{},
		verifiesOf:               map[ids.ID][]ids.ID{},
		collectionsOfTest:        map[ids.ID][]ids.ID{},
	}
	for _, e := range edges {
		switch e.FlowType {
		case model.FlowTypeCapture:
			g.capturesOf[e.TargetID] = append(g.capturesOf[e.TargetID], e.SourceID)
			g.collectionsOfCapture[e.SourceID] = append(g.collectionsOfCapture[e.SourceID], e.TargetID)
		case model.FlowTypeMaterialization:
			g.materializationsOf[e.SourceID] = append(g.materializationsOf[e.SourceID], e.TargetID)
			g.sourcesOfMaterialization[e.TargetID] = append(g.sourcesOfMaterialization[e.TargetID], e.SourceID)
		case model.FlowTypeCollection:
			g.derivesFrom[e.TargetID] = append(g.derivesFrom[e.TargetID], e.SourceID)
			g.derivedChildren[e.SourceID] = append(g.derivedChildren[e.SourceID], e.TargetID)
		case model.FlowTypeTest:
			// An edge test->collection means the test ingests into it;
			// an edge collection->test means the test verifies it.
			if g.specType[e.SourceID] == model.CatalogTypeTest {
				g.ingestsOf[e.TargetID] = append(g.ingestsOf[e.TargetID], e.SourceID)
				g.collectionsOfTest[e.SourceID] = append(g.collectionsOfTest[e.SourceID], e.TargetID)
			} else {
				g.verifiesOf[e.SourceID] = append(g.verifiesOf[e.SourceID], e.TargetID)
				g.collectionsOfTest[e.TargetID] = append(g.collectionsOfTest[e.TargetID], e.SourceID)
			}
		}
	}
	return g
}

// Expand computes the closure of seedIDs needed for correct validation,
// excluding the seeds themselves from the result (callers union the
// directly-drafted seeds back in).
//
// The algorithm treats each collection as a core of transform
// connectivity (its full derivation ancestor/descendant chain) plus a
// satellite of bound captures/materializations/tests; captures and
// materializations, in turn, expand to their own direct bindings only
// (never recursing into a sibling's bindings), which is what makes
// "a capture does not expand to other captures of the same destination"
// and the materialization analogue hold.
func (g *Graph) Expand(seedIDs []ids.ID) []ids.ID {
	var seeds = make(map[ids.ID]bool, len(seedIDs))
	for _, id := range seedIDs {
		seeds[id] = true
	}

	var out = make(map[ids.ID]bool)
	var add = func(id ids.ID) {
		if !seeds[id] {
			out[id] = true
		}
	}

	for _, seed := range seedIDs {
		switch g.specType[seed] {
		case model.CatalogTypeCapture:
			for _, c := range g.collectionsOfCapture[seed] {
				add(c)
			}
		case model.CatalogTypeMaterialization:
			for _, c := range g.materializationAncestors(seed) {
				add(c)
			}
		case model.CatalogTypeTest:
			for _, c := range g.collectionsOfTest[seed] {
				add(c)
			}
		case model.CatalogTypeCollection:
			for _, c := range g.derivationComponent(seed) {
				if c != seed {
					add(c)
				}
			}
			for _, cap := range g.capturesOf[seed] {
				add(cap)
				for _, sibling := range g.collectionsOfCapture[cap] {
					add(sibling)
				}
			}
			for _, mat := range g.materializationsOf[seed] {
				add(mat)
				for _, src := range g.materializationAncestors(mat) {
					add(src)
				}
			}
			for _, t := range g.ingestsOf[seed] {
				add(t)
				for _, c := range g.collectionsOfTest[t] {
					add(c)
				}
			}
			for _, t := range g.verifiesOf[seed] {
				add(t)
				for _, c := range g.collectionsOfTest[t] {
					add(c)
				}
			}
		}
	}

	var result = make([]ids.ID, 0, len(out))
	for id := range out {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// materializationAncestors returns a materialization's direct source
// collections, plus their derivation ancestors transitively (walking
// "collection" edges backward, toward the root)
// ("transitively to their sources through derivation edges").
func (g *Graph) materializationAncestors(matID ids.ID) []ids.ID {
	var seen = map[ids.ID]bool{}
	var out []ids.ID
	var queue = append([]ids.ID(nil), g.sourcesOfMaterialization[matID]...)
	for len(queue) > 0 {
		var id = queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, g.derivesFrom[id]...)
	}
	return out
}

// derivationComponent returns the full connected component reachable from
// collection c by following "collection"-type edges in either direction:
// its ancestor chain (what it derives from) and its descendant chain
// (collections that derive from it), transitively. The result includes c
// itself.
func (g *Graph) derivationComponent(c ids.ID) []ids.ID {
	var seen = map[ids.ID]bool{c: true}
	var out = []ids.ID{c}
	var queue = []ids.ID{c}
	for len(queue) > 0 {
		var id = queue[0]
		queue = queue[1:]
		for _, next := range append(append([]ids.ID(nil), g.derivesFrom[id]...), g.derivedChildren[id]...) {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				queue = append(queue, next)
			}
		}
	}
	return out
}
