// Package finder implements the hidden-API usage detection engine: it scans
// method bodies of selected classes across one or more units, aggregates
// direct method/field accesses and reflection candidates, and renders the
// audit report.
package finder

import (
	"strings"

	"veridex/internal/hiddenapi"
)

// Kind tags a decoded instruction for the scanner.
type Kind uint8

const (
	KindOther Kind = iota
	KindString
	KindInvoke
	KindInstanceField
	KindStaticField
)

// Inst is one decoded instruction position with its reference operand.
// Index is the in-unit string, method or field index, meaningful for every
// Kind except KindOther.
type Inst struct {
	PC    int
	Op    byte
	Kind  Kind
	Index uint32
}

// Resolver maps in-unit reference indices to canonical API names and string
// table entries. Resolution is trusted to succeed for syntactically valid
// indices.
type Resolver interface {
	MethodName(idx uint32) string
	FieldName(idx uint32) string
	StringAt(idx uint32) string
}

// CallSite identifies the method whose body contains an observed
// instruction.
type CallSite struct {
	Unit        Resolver
	MethodIndex uint32
}

func (c CallSite) String() string {
	return c.Unit.MethodName(c.MethodIndex)
}

// ClassFilter scopes the method-body scan to matching class descriptors.
type ClassFilter func(descriptor string) bool

// PrefixFilter builds a ClassFilter from dotted class-name prefixes
// (e.g. "com.example"). An empty list matches every class. Matching is a
// raw prefix test on the internal descriptor, so "com.example" also matches
// com.example2 and com.example$Inner.
func PrefixFilter(prefixes []string) ClassFilter {
	if len(prefixes) == 0 {
		return func(string) bool { return true }
	}
	internal := make([]string, len(prefixes))
	for i, p := range prefixes {
		internal[i] = "L" + strings.ReplaceAll(p, ".", "/")
	}
	return func(descriptor string) bool {
		for _, p := range internal {
			if strings.HasPrefix(descriptor, p) {
				return true
			}
		}
		return false
	}
}

// Class is one entry of a unit's class table.
type Class interface {
	Descriptor() string
	Methods() []Method
}

// Method is one method of a class.
type Method interface {
	// Reference identifies this method as a call site.
	Reference() CallSite
	// BoundPC is the declared instruction-count bound in code units.
	BoundPC() int
	// Instructions returns the decoded instruction stream.
	Instructions() []Inst
}

// Unit is one compiled program module under scan.
type Unit interface {
	TypeTableSize() int
	TypeDescriptor(i int) string
	// Classes returns the class table filtered by the predicate.
	Classes(filter ClassFilter) []Class
	Resolver
}

// Classifier is the hidden-API policy oracle, read-only during a run.
type Classifier interface {
	IsRestricted(name string) bool
	Source(name string) hiddenapi.SignatureSource
	Category(name string) hiddenapi.List
	ShouldReport(name string) bool
}

// Stats accumulates report counters for one run.
type Stats struct {
	Count           int
	LinkingCount    int
	ReflectionCount int
	APICounts       [hiddenapi.ListCount]int
}

// Finder owns the aggregation state for one run. Run must complete over all
// units before Dump; neither is safe for concurrent use.
type Finder struct {
	policy Classifier

	methodLocations map[string][]CallSite
	fieldLocations  map[string][]CallSite

	// classes holds every type descriptor seen in any unit's type table,
	// plus string literals recognized as restricted class names. Any of
	// these can be reached through reflection.
	classes map[string]struct{}
	// strings holds literals that could name a member at runtime;
	// reflectionLocations records where each was loaded.
	strings             map[string]struct{}
	reflectionLocations map[string][]CallSite
}

// New returns a Finder with empty aggregation state.
func New(policy Classifier) *Finder {
	return &Finder{
		policy:              policy,
		methodLocations:     make(map[string][]CallSite),
		fieldLocations:      make(map[string][]CallSite),
		classes:             make(map[string]struct{}),
		strings:             make(map[string]struct{}),
		reflectionLocations: make(map[string][]CallSite),
	}
}

// Run scans every unit in order, accumulating accesses and reflection
// candidates.
func (f *Finder) Run(units []Unit, filter ClassFilter) {
	for _, u := range units {
		f.collectAccesses(u, filter)
	}
}

func (f *Finder) collectAccesses(u Unit, filter ClassFilter) {
	// Every type referenced by the unit can be named through reflection,
	// so the whole type table is collected regardless of the class filter.
	for i := 0; i < u.TypeTableSize(); i++ {
		f.classes[u.TypeDescriptor(i)] = struct{}{}
	}

	for _, cls := range u.Classes(filter) {
		for _, m := range cls.Methods() {
			bound := m.BoundPC()
			for _, ins := range m.Instructions() {
				if ins.PC >= bound {
					// Truncated or malformed body; stop scanning
					// this method without diagnosing.
					break
				}
				switch ins.Kind {
				case KindString:
					f.checkString(u.StringAt(ins.Index), m.Reference())
				case KindInvoke:
					f.checkMethod(u, ins.Index, m.Reference())
				case KindInstanceField, KindStaticField:
					f.checkField(u, ins.Index, m.Reference())
				}
			}
		}
	}
}

// checkMethod records a direct method reference. The policy is always
// queried at dump time, never here: the app may itself define blocked APIs.
func (f *Finder) checkMethod(u Unit, idx uint32, ref CallSite) {
	name := u.MethodName(idx)
	f.methodLocations[name] = append(f.methodLocations[name], ref)
}

func (f *Finder) checkField(u Unit, idx uint32, ref CallSite) {
	name := u.FieldName(idx)
	f.fieldLocations[name] = append(f.fieldLocations[name], ref)
}

// checkString classifies a string-constant literal. A literal containing a
// space cannot name a class, method or field.
func (f *Finder) checkString(s string, ref CallSite) {
	if strings.ContainsRune(s, ' ') {
		return
	}
	// Class names appear as a.b.C at the Java level while the policy
	// encodes La/b/C;. Inner classes use '$' in both forms.
	internal := hiddenapi.ToInternalName(s)
	if f.policy.IsRestricted(internal) {
		f.classes[internal] = struct{}{}
	} else if f.policy.IsRestricted(s) {
		// Already in descriptor form, e.g. a name passed to JNI.
		f.classes[s] = struct{}{}
	} else {
		// Member names never contain '.' or '/', so the literal set
		// stays disjoint from the class set.
		f.strings[s] = struct{}{}
		f.reflectionLocations[s] = append(f.reflectionLocations[s], ref)
	}
}

// MethodAccesses returns the recorded method-access locations keyed by
// canonical API name. The map is the Finder's own state; callers read only.
func (f *Finder) MethodAccesses() map[string][]CallSite {
	return f.methodLocations
}

// FieldAccesses returns the recorded field-access locations keyed by
// canonical API name.
func (f *Finder) FieldAccesses() map[string][]CallSite {
	return f.fieldLocations
}
