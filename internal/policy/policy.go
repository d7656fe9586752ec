// Package policy defines the portability policy table: which external
// libraries a platform tag assumes are always present on the target,
// which must be bundled into the wheel, and which make the tag
// unattainable outright. The table is immutable after loading and is
// passed explicitly to every stage that classifies dependencies.
package policy

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Class is the portability classification of a single library name
// under a specific platform tag.
type Class int

const (
	// MustBundle means the library cannot be assumed on the target
	// and has to be copied into the wheel.
	MustBundle Class = iota
	// AlwaysPresent means the target platform guarantees the library;
	// it is neither bundled nor traversed further.
	AlwaysPresent
	// Forbidden means depending on the library is incompatible with
	// the tag by definition (e.g. libpython, driver libraries).
	Forbidden
	// Bundled means the library already ships inside the package.
	// Classify never returns it; the resolver reports it for
	// dependencies satisfied by a previous repair.
	Bundled
)

// String returns the lowercase name used in reports and logs.
func (c Class) String() string {
	switch c {
	case AlwaysPresent:
		return "always-present"
	case MustBundle:
		return "must-bundle"
	case Forbidden:
		return "forbidden"
	case Bundled:
		return "bundled"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// MarshalJSON implements json.Marshaler.
func (c Class) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// MarshalYAML implements yaml.BytesMarshaler.
func (c Class) MarshalYAML() ([]byte, error) {
	return []byte(c.String()), nil
}

// Tag is the policy for one platform tag. Priority orders tags from
// least restrictive (0) to most restrictive; the verifier only ever
// walks priorities downward.
type Tag struct {
	Name          string            `yaml:"name"`
	Priority      int               `yaml:"priority"`
	Aliases       []string          `yaml:"aliases,omitempty"`
	AlwaysPresent []string          `yaml:"always_present,omitempty"`
	Forbidden     []string          `yaml:"forbidden,omitempty"`
	SymbolCaps    map[string]string `yaml:"symbol_versions,omitempty"`

	caps map[string]*semver.Version
}

// Classify returns the class of a library name under this tag.
// Forbidden patterns win over always-present patterns; anything
// matching neither must be bundled.
func (t *Tag) Classify(libName string) Class {
	if matchAny(t.Forbidden, libName) {
		return Forbidden
	}
	if matchAny(t.AlwaysPresent, libName) {
		return AlwaysPresent
	}
	return MustBundle
}

// SymbolVersionOK reports whether a versioned symbol reference such as
// "GLIBC_2.28" is satisfiable on targets described by this tag. An
// unversioned or unrecognized reference is always acceptable: the cap
// table only constrains the version namespaces it names.
func (t *Tag) SymbolVersionOK(versionRef string) bool {
	namespace, ver, ok := splitVersionRef(versionRef)
	if !ok {
		return true
	}
	limit, constrained := t.caps[namespace]
	if !constrained {
		return true
	}
	parsed, err := semver.NewVersion(ver)
	if err != nil {
		// Non-numeric suffix (private version nodes etc.) is not ours
		// to judge.
		return true
	}
	return !parsed.GreaterThan(limit)
}

// splitVersionRef splits "GLIBC_2.17" into ("GLIBC", "2.17", true).
// Returns ok=false when the reference has no version part.
func splitVersionRef(ref string) (namespace, version string, ok bool) {
	i := strings.LastIndexByte(ref, '_')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Table is the full policy table for one target architecture family.
// Immutable after Load.
type Table struct {
	Version string `yaml:"version"`
	Tags    []Tag  `yaml:"tags"`

	byName map[string]*Tag
}

// Tag resolves a tag name or alias to its policy.
func (tb *Table) Tag(name string) (*Tag, error) {
	if t, ok := tb.byName[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown platform tag %q (known: %s)", name, strings.Join(tb.TagNames(), ", "))
}

// TagNames returns the canonical tag names ordered from most to least
// restrictive.
func (tb *Table) TagNames() []string {
	names := make([]string, len(tb.Tags))
	for i := range tb.Tags {
		names[i] = tb.Tags[i].Name
	}
	return names
}

// Classify is the classifier entry point used by the resolver: pure
// function of the table, the tag, and the library name.
func (tb *Table) Classify(libName, tagName string) (Class, error) {
	t, err := tb.Tag(tagName)
	if err != nil {
		return MustBundle, err
	}
	return t.Classify(libName), nil
}

// RankedFrom returns the candidate tags for verification: the given
// tag first, then every tag ranked below it, in decreasing priority.
// The verifier walks this list and stops at the first tag whose policy
// clears all findings; it can only ever downgrade.
func (tb *Table) RankedFrom(tagName string) ([]*Tag, error) {
	start, err := tb.Tag(tagName)
	if err != nil {
		return nil, err
	}
	var out []*Tag
	for i := range tb.Tags {
		if tb.Tags[i].Priority <= start.Priority {
			out = append(out, &tb.Tags[i])
		}
	}
	return out, nil
}

// finish builds the lookup indexes and parses symbol caps. Called by
// the loader after decoding; returns an error for malformed caps or
// duplicate names so a bad table never escapes Load.
func (tb *Table) finish() error {
	sort.SliceStable(tb.Tags, func(i, j int) bool {
		return tb.Tags[i].Priority > tb.Tags[j].Priority
	})
	tb.byName = make(map[string]*Tag, len(tb.Tags))
	for i := range tb.Tags {
		t := &tb.Tags[i]
		for _, name := range append([]string{t.Name}, t.Aliases...) {
			if _, dup := tb.byName[name]; dup {
				return fmt.Errorf("duplicate tag name %q in policy table", name)
			}
			tb.byName[name] = t
		}
		t.caps = make(map[string]*semver.Version, len(t.SymbolCaps))
		for namespace, raw := range t.SymbolCaps {
			v, err := semver.NewVersion(raw)
			if err != nil {
				return fmt.Errorf("tag %s: symbol cap %s=%q: %w", t.Name, namespace, raw, err)
			}
			t.caps[namespace] = v
		}
	}
	return nil
}
