// Package apigraph turns linking findings into a caller-to-API usage graph.
package apigraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zboralski/lattice"

	"veridex/internal/finder"
	"veridex/internal/hiddenapi"
)

// Build constructs a lattice.Graph over reportable linking accesses. Each
// referencing method and each restricted API becomes a node; each access
// becomes a caller-to-API edge. Duplicate edges are collapsed.
func Build(methods, fields map[string][]finder.CallSite, policy finder.Classifier) *lattice.Graph {
	g := &lattice.Graph{}
	add := func(locations map[string][]finder.CallSite) {
		for name, refs := range locations {
			if policy.Source(name) == hiddenapi.SourceApp || !policy.ShouldReport(name) {
				continue
			}
			g.Nodes = append(g.Nodes, name)
			for _, ref := range refs {
				caller := ref.String()
				g.Nodes = append(g.Nodes, caller)
				g.Edges = append(g.Edges, lattice.Edge{
					Caller: caller,
					Callee: name,
				})
			}
		}
	}
	add(methods)
	add(fields)
	g.Dedup()
	return g
}

// DOT renders the usage graph in Graphviz format. API nodes are boxes
// labeled with their category; edges carry occurrence counts when a caller
// reaches the same API more than once. Output is sorted for stable diffs.
func DOT(methods, fields map[string][]finder.CallSite, policy finder.Classifier, title string) string {
	type edgeKey struct {
		caller, api string
	}
	edgeCounts := make(map[edgeKey]int)
	apis := make(map[string]hiddenapi.List)
	callers := make(map[string]bool)

	collect := func(locations map[string][]finder.CallSite) {
		for name, refs := range locations {
			if policy.Source(name) == hiddenapi.SourceApp || !policy.ShouldReport(name) {
				continue
			}
			apis[name] = policy.Category(name)
			for _, ref := range refs {
				caller := ref.String()
				callers[caller] = true
				edgeCounts[edgeKey{caller, name}]++
			}
		}
	}
	collect(methods)
	collect(fields)

	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", title)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"monospace\"];\n")

	callerNames := make([]string, 0, len(callers))
	for c := range callers {
		callerNames = append(callerNames, c)
	}
	sort.Strings(callerNames)
	for _, c := range callerNames {
		fmt.Fprintf(&b, "  %q [shape=ellipse];\n", c)
	}

	apiNames := make([]string, 0, len(apis))
	for a := range apis {
		apiNames = append(apiNames, a)
	}
	sort.Strings(apiNames)
	for _, a := range apiNames {
		fmt.Fprintf(&b, "  %q [shape=box,color=red,label=\"%s\\n[%s]\"];\n",
			a, escapeLabel(a), apis[a])
	}

	keys := make([]edgeKey, 0, len(edgeCounts))
	for k := range edgeCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].caller != keys[j].caller {
			return keys[i].caller < keys[j].caller
		}
		return keys[i].api < keys[j].api
	})
	for _, k := range keys {
		if n := edgeCounts[k]; n > 1 {
			fmt.Fprintf(&b, "  %q -> %q [label=\"x%d\"];\n", k.caller, k.api, n)
		} else {
			fmt.Fprintf(&b, "  %q -> %q;\n", k.caller, k.api)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
