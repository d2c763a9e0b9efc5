// Package hiddenapi classifies API members against the restricted-API policy.
package hiddenapi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// List is the restriction category assigned to an API member.
type List uint8

const (
	ListSdk List = iota
	ListUnsupported
	ListBlocked
	ListMaxTargetR
	ListMaxTargetQ
	ListMaxTargetP
	ListMaxTargetO

	// ListCount sizes per-category histograms.
	ListCount = int(ListMaxTargetO) + 1
)

var listNames = [ListCount]string{
	"sdk",
	"unsupported",
	"blocked",
	"max-target-r",
	"max-target-q",
	"max-target-p",
	"max-target-o",
}

func (l List) String() string {
	if int(l) < len(listNames) {
		return listNames[l]
	}
	return fmt.Sprintf("list(%d)", uint8(l))
}

// ParseList maps a flag-file token to its List. Non-list tokens
// (core-platform-api, test-api, lo-prio, ...) report ok=false.
func ParseList(s string) (List, bool) {
	for i, name := range listNames {
		if s == name {
			return List(i), true
		}
	}
	return 0, false
}

// SignatureSource tells where a signature's definition originates.
type SignatureSource uint8

const (
	SourceUnknown SignatureSource = iota
	SourceApp
	SourceBoot
)

func (s SignatureSource) String() string {
	switch s {
	case SourceApp:
		return "app"
	case SourceBoot:
		return "boot"
	default:
		return "unknown"
	}
}

// ToInternalName converts a dotted class name to descriptor form
// (a.b.C -> La/b/C;). Inner classes keep their '$'.
func ToInternalName(name string) string {
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

// Policy is the hidden-API classification database for one run.
// Flag-file membership defines the boot surface; signatures defined by the
// scanned units themselves are registered with MarkAppDefined.
type Policy struct {
	flags      map[string]List
	appDefined map[string]struct{}
	reported   [ListCount]bool
}

// LoadPolicy reads a hiddenapi flag file. reported selects the categories
// eligible for the report; nil means every category except sdk.
func LoadPolicy(path string, reported []List) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hiddenapi: open flags: %w", err)
	}
	defer f.Close()
	p, err := ParsePolicy(f, reported)
	if err != nil {
		return nil, fmt.Errorf("hiddenapi: %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy parses flag-file lines of the form "signature,flag,...".
// Every line must carry exactly one API list flag. For each signature the
// owning class and the signature stripped of its type part are registered
// too, so class-name and reflection (class->member) lookups resolve.
func ParsePolicy(r io.Reader, reported []List) (*Policy, error) {
	p := &Policy{
		flags:      make(map[string]List),
		appDefined: make(map[string]struct{}),
	}
	if reported == nil {
		for l := List(1); int(l) < ListCount; l++ {
			p.reported[l] = true
		}
	} else {
		for _, l := range reported {
			p.reported[l] = true
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		signature := fields[0]
		list, ok := List(0), false
		for _, tok := range fields[1:] {
			if l, lok := ParseList(tok); lok {
				list, ok = l, true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("line %d: no API list flag in %q", lineno, line)
		}
		p.add(signature, list)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	return p, nil
}

// add registers a signature and its derived forms. Derived entries never
// overwrite an explicit or earlier one, keeping the database deterministic
// regardless of line order.
func (p *Policy) add(signature string, list List) {
	p.flags[signature] = list

	pos := strings.Index(signature, "->")
	if pos < 0 {
		return
	}
	class := signature[:pos]
	if _, ok := p.flags[class]; !ok {
		p.flags[class] = list
	}
	member := signature[pos:]
	if cut := strings.IndexAny(member, "(:"); cut >= 0 {
		short := class + member[:cut]
		if _, ok := p.flags[short]; !ok {
			p.flags[short] = list
		}
	}
}

// MarkAppDefined records a signature as defined by a scanned unit.
func (p *Policy) MarkAppDefined(signature string) {
	p.appDefined[signature] = struct{}{}
}

// IsRestricted reports whether name is part of the restricted boot surface.
func (p *Policy) IsRestricted(name string) bool {
	_, ok := p.flags[name]
	return ok
}

// Source attributes a signature. Boot membership wins over an app
// definition: an app may define blocked APIs that are never used at runtime,
// and those still classify as boot surface.
func (p *Policy) Source(name string) SignatureSource {
	if _, ok := p.flags[name]; ok {
		return SourceBoot
	}
	if _, ok := p.appDefined[name]; ok {
		return SourceApp
	}
	return SourceUnknown
}

// Category returns the API list for a restricted name. Unknown names map to
// the zero list; callers gate on IsRestricted or ShouldReport first.
func (p *Policy) Category(name string) List {
	return p.flags[name]
}

// ShouldReport reports whether findings for name belong in the report.
func (p *Policy) ShouldReport(name string) bool {
	list, ok := p.flags[name]
	return ok && p.reported[list]
}
