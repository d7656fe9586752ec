// Package resolve walks the transitive shared-library dependency
// graph of a package's artifacts, classifying every node against the
// portability policy and producing the bundle plan plus a findings
// ledger. Individual unresolved or forbidden dependencies never abort
// the walk; they are aggregated here and judged once, by the
// verifier.
package resolve

import (
	"fmt"
	"sort"
	"sync"
)

// FindingKind distinguishes the non-fatal problems recorded during
// resolution and verification.
type FindingKind string

const (
	// KindUnresolvable marks a declared dependency that no host
	// search path could locate.
	KindUnresolvable FindingKind = "unresolvable"
	// KindForbidden marks a dependency whose presence is
	// tag-incompatible by policy.
	KindForbidden FindingKind = "forbidden"
	// KindSymbolVersion marks a versioned symbol import above a
	// tag's cap.
	KindSymbolVersion FindingKind = "symbol-version"
	// KindUnbundled marks a needed name in the repaired package that
	// is neither bundled inside it nor guaranteed by the tag.
	KindUnbundled FindingKind = "unbundled"
)

// Finding is one recorded problem: which library (or version
// reference), referenced from which artifact, and why it matters.
type Finding struct {
	Kind     FindingKind `json:"kind" yaml:"kind"`
	Library  string      `json:"library" yaml:"library"`
	Referrer string      `json:"referrer" yaml:"referrer"`
	Detail   string      `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s (referenced by %s): %s", f.Kind, f.Library, f.Referrer, f.Detail)
}

// Findings is a concurrency-safe ledger. Workers add entries as the
// graph walk discovers them; the verifier reads the sorted snapshot.
type Findings struct {
	mu    sync.Mutex
	items []Finding
}

// Add appends a finding.
func (fs *Findings) Add(f Finding) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.items = append(fs.items, f)
}

// All returns the findings sorted by kind, then library, then
// referrer, so reports are deterministic regardless of worker
// interleaving.
func (fs *Findings) All() []Finding {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Finding, len(fs.items))
	copy(out, fs.items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Library != out[j].Library {
			return out[i].Library < out[j].Library
		}
		return out[i].Referrer < out[j].Referrer
	})
	return out
}

// Seen reports whether any finding names the given library.
func (fs *Findings) Seen(library string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.items {
		if f.Library == library {
			return true
		}
	}
	return false
}

// Empty reports whether nothing was recorded.
func (fs *Findings) Empty() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.items) == 0
}
