package finder

import (
	"fmt"
	"io"
	"sort"

	"veridex/internal/hiddenapi"
)

// Report format note: downstream tooling parses these lines. The header
// wording, the "#<seq>:" prefix, the "use(s):" suffix, the seven-space
// location indent and the "(<n> occurrences)" suffix are a compatibility
// surface and must not change.

// Dump renders the audit report: method findings, then field findings, then
// (when dumpReflection is set) suspected reflection uses. Iteration is in
// lexicographic key order so identical aggregation state always produces
// identical report text.
func (f *Finder) Dump(w io.Writer, stats *Stats, dumpReflection bool) {
	f.dumpLinked(w, stats, f.methodLocations)
	f.dumpLinked(w, stats, f.fieldLocations)

	if dumpReflection {
		classes := sortedKeys(f.classes)
		literals := sortedKeys(f.strings)
		for _, cls := range classes {
			for _, lit := range literals {
				fullName := cls + "->" + lit
				if f.policy.Source(fullName) == hiddenapi.SourceApp || !f.policy.ShouldReport(fullName) {
					continue
				}
				list := f.policy.Category(fullName)
				stats.APICounts[list]++
				stats.ReflectionCount++
				stats.Count++
				fmt.Fprintf(w, "#%d: Reflection %s %s potential use(s):\n", stats.Count, list, fullName)
				// Locations are attributed per literal, not per
				// (class, literal) pair: every site the literal was
				// loaded at is listed.
				dumpReferences(w, f.reflectionLocations[lit])
				fmt.Fprintln(w)
			}
		}
	}
}

func (f *Finder) dumpLinked(w io.Writer, stats *Stats, locations map[string][]CallSite) {
	for _, name := range sortedKeys(locations) {
		if f.policy.Source(name) == hiddenapi.SourceApp || !f.policy.ShouldReport(name) {
			continue
		}
		list := f.policy.Category(name)
		stats.LinkingCount++
		stats.APICounts[list]++
		stats.Count++
		fmt.Fprintf(w, "#%d: Linking %s %s use(s):\n", stats.Count, list, name)
		dumpReferences(w, locations[name])
		fmt.Fprintln(w)
	}
}

// dumpReferences prints one line per distinct referencing method, sorted by
// textual form, with an occurrence count when a site repeats.
func dumpReferences(w io.Writer, refs []CallSite) {
	const prefix = "       "
	counts := make(map[string]int, len(refs))
	for _, ref := range refs {
		counts[ref.String()]++
	}
	for _, s := range sortedKeys(counts) {
		if n := counts[s]; n > 1 {
			fmt.Fprintf(w, "%s%s (%d occurrences)\n", prefix, s, n)
		} else {
			fmt.Fprintf(w, "%s%s\n", prefix, s)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
