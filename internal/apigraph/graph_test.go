package apigraph

import (
	"strings"
	"testing"

	"veridex/internal/finder"
	"veridex/internal/hiddenapi"
)

type stubPolicy struct {
	restricted map[string]hiddenapi.List
}

func (p *stubPolicy) IsRestricted(name string) bool {
	_, ok := p.restricted[name]
	return ok
}

func (p *stubPolicy) Source(name string) hiddenapi.SignatureSource {
	if _, ok := p.restricted[name]; ok {
		return hiddenapi.SourceBoot
	}
	return hiddenapi.SourceUnknown
}

func (p *stubPolicy) Category(name string) hiddenapi.List { return p.restricted[name] }

func (p *stubPolicy) ShouldReport(name string) bool {
	l, ok := p.restricted[name]
	return ok && l != hiddenapi.ListSdk
}

type stubResolver struct {
	names map[uint32]string
}

func (r *stubResolver) MethodName(idx uint32) string { return r.names[idx] }
func (r *stubResolver) FieldName(idx uint32) string  { return r.names[idx] }
func (r *stubResolver) StringAt(idx uint32) string   { return "" }

func fixture() (map[string][]finder.CallSite, map[string][]finder.CallSite, finder.Classifier) {
	res := &stubResolver{names: map[uint32]string{
		1: "Lapp/A;->run()V",
		2: "Lapp/B;->init()V",
	}}
	siteA := finder.CallSite{Unit: res, MethodIndex: 1}
	siteB := finder.CallSite{Unit: res, MethodIndex: 2}

	methods := map[string][]finder.CallSite{
		"Lplat/Hidden;->x()V": {siteA, siteA, siteB},
		"Lapp/Own;->y()V":     {siteA}, // not restricted: must not appear
	}
	fields := map[string][]finder.CallSite{
		"Lplat/Hidden;->f:I": {siteB},
	}
	policy := &stubPolicy{restricted: map[string]hiddenapi.List{
		"Lplat/Hidden;->x()V": hiddenapi.ListUnsupported,
		"Lplat/Hidden;->f:I":  hiddenapi.ListBlocked,
	}}
	return methods, fields, policy
}

func TestBuild(t *testing.T) {
	methods, fields, policy := fixture()
	g := Build(methods, fields, policy)

	hasNode := func(name string) bool {
		for _, n := range g.Nodes {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range []string{"Lplat/Hidden;->x()V", "Lplat/Hidden;->f:I", "Lapp/A;->run()V", "Lapp/B;->init()V"} {
		if !hasNode(n) {
			t.Errorf("missing node %q", n)
		}
	}
	if hasNode("Lapp/Own;->y()V") {
		t.Errorf("unreportable API leaked into graph")
	}

	// siteA->x twice collapses to one edge.
	if len(g.Edges) != 3 {
		t.Errorf("edges = %+v", g.Edges)
	}
}

func TestDOT(t *testing.T) {
	methods, fields, policy := fixture()
	dot := DOT(methods, fields, policy, "test")

	for _, want := range []string{
		`"Lapp/A;->run()V" -> "Lplat/Hidden;->x()V" [label="x2"];`,
		`"Lapp/B;->init()V" -> "Lplat/Hidden;->f:I";`,
		`[unsupported]`,
		`[blocked]`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q:\n%s", want, dot)
		}
	}
	if strings.Contains(dot, "Lapp/Own;") {
		t.Errorf("unreportable API rendered:\n%s", dot)
	}

	if again := DOT(methods, fields, policy, "test"); again != dot {
		t.Errorf("DOT output not deterministic")
	}
}
