// Package pathtools provides glob matching with ** support and /proc/mounts
// inspection. It has no interaction with the detection engine; it serves the
// toolkit's file-selection and environment-inspection needs.
package pathtools

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Glob returns the regular files under root whose paths fully match any of
// the patterns. Pattern segments use path.Match syntax (*, ?, character
// classes); a segment of ** matches any number of segments. Directories no
// pattern can reach are not descended into; permission errors are skipped.
// Symlinks are not followed.
func Glob(patterns []string, root string) ([]string, error) {
	parsed := make([][]string, len(patterns))
	for i, p := range patterns {
		parsed[i] = splitPath(p)
	}

	var results []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are expected and not reported.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		segs := splitPath(p)
		if d.IsDir() {
			for _, pat := range parsed {
				if partialMatch(pat, segs) {
					return nil
				}
			}
			return fs.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		for _, pat := range parsed {
			if fullMatch(pat, segs) {
				results = append(results, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pathtools: walk %s: %w", root, err)
	}
	return results, nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}

// partialMatch reports whether prefix matches pattern or could be extended
// to a path that does (i.e. a directory worth descending into).
func partialMatch(pattern, prefix []string) bool {
	for i, seg := range prefix {
		if i >= len(pattern) {
			return false
		}
		if pattern[i] == "**" {
			return true
		}
		if ok, err := path.Match(pattern[i], seg); err != nil || !ok {
			return false
		}
	}
	return true
}

// fullMatch reports whether pathSegs fully matches pattern.
func fullMatch(pattern, pathSegs []string) bool {
	if len(pattern) == 0 {
		return len(pathSegs) == 0
	}
	if pattern[0] == "**" {
		return fullMatch(pattern[1:], pathSegs) ||
			(len(pathSegs) > 0 && fullMatch(pattern, pathSegs[1:]))
	}
	if len(pathSegs) == 0 {
		return false
	}
	if ok, err := path.Match(pattern[0], pathSegs[0]); err != nil || !ok {
		return false
	}
	return fullMatch(pattern[1:], pathSegs[1:])
}

var globMeta = regexp.MustCompile(`[*?[]`)

// EscapeGlob escapes glob metacharacters so the result matches the input
// literally.
func EscapeGlob(s string) string {
	return globMeta.ReplaceAllString(s, "[$0]")
}

// PathStartsWith reports whether path is prefix itself or lives under it.
// Both must be absolute; the comparison respects component boundaries, so
// /foo does not prefix /foobar.
func PathStartsWith(p, prefix string) bool {
	if p == "" || prefix == "" || p[0] != '/' || prefix[0] != '/' {
		return false
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(p, prefix) &&
		(len(p) == len(prefix) || p[len(prefix)] == '/')
}

// MountEntry is one /proc/mounts line.
type MountEntry struct {
	Source     string
	MountPoint string
	FSType     string
	Options    string
}

// MountsAncestorsOf returns the mount entries whose mount point is p or an
// ancestor of p.
func MountsAncestorsOf(p string) ([]MountEntry, error) {
	return procMountsMatching(func(mountPoint string) bool {
		return PathStartsWith(p, mountPoint)
	})
}

// MountsDescendantsOf returns the mount entries whose mount point is p or a
// descendant of p.
func MountsDescendantsOf(p string) ([]MountEntry, error) {
	return procMountsMatching(func(mountPoint string) bool {
		return PathStartsWith(mountPoint, p)
	})
}

func procMountsMatching(pred func(mountPoint string) bool) ([]MountEntry, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("pathtools: %w", err)
	}
	defer f.Close()
	entries, err := parseMounts(f)
	if err != nil {
		return nil, err
	}
	return filterMounts(entries, pred), nil
}

// filterMounts keeps matching entries, skipping swap areas and any other
// entry without an absolute mount point, whose mount_point field is not
// meaningful.
func filterMounts(entries []MountEntry, pred func(mountPoint string) bool) []MountEntry {
	var out []MountEntry
	for _, e := range entries {
		if e.FSType == "swap" || !strings.HasPrefix(e.MountPoint, "/") {
			continue
		}
		if pred(e.MountPoint) {
			out = append(out, e)
		}
	}
	return out
}

func parseMounts(r io.Reader) ([]MountEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pathtools: read mounts: %w", err)
	}
	var entries []MountEntry
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, MountEntry{
			Source:     unescapeMount(fields[0]),
			MountPoint: unescapeMount(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}
	return entries, nil
}

var mountEscapes = strings.NewReplacer(
	`\040`, " ",
	`\011`, "\t",
	`\012`, "\n",
	`\134`, `\`,
)

// unescapeMount undoes the octal escaping /proc/mounts applies to
// whitespace and backslashes.
func unescapeMount(s string) string {
	return mountEscapes.Replace(s)
}
