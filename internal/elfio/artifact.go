// Package elfio reads and rewrites the dynamic-linking metadata of
// ELF shared objects: declared dependencies, search paths, sonames,
// and versioned symbol imports/exports. Reading goes through the
// standard library's debug/elf; rewriting rebuilds the dynamic array
// and string table into a fresh segment appended to the file so grown
// strings never clobber neighboring structures.
package elfio

import (
	"debug/elf"
	"errors"
)

// ErrMalformedBinary marks input that is not a parseable ELF object
// of a supported class: truncated headers, foreign formats, or an
// architecture the rewriter cannot handle. Fatal for the whole run.
var ErrMalformedBinary = errors.New("malformed or unsupported binary")

// Symbol is one entry of an artifact's dynamic symbol table, split
// into the parts dependency analysis cares about. Version is the
// symbol-version string ("GLIBC_2.17") or empty for unversioned
// symbols; Library is the providing soname when the version table
// names one.
type Symbol struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Library string `json:"library,omitempty" yaml:"library,omitempty"`
}

// Artifact is the dynamic-linking view of one compiled binary inside
// a package. Produced by Inspect; mutated on disk only through
// Rewrite (never in memory).
type Artifact struct {
	// Path is the location the artifact was read from. For wheel
	// members this is the extracted path inside the work tree.
	Path string `json:"path" yaml:"path"`

	// Soname is the DT_SONAME entry, empty when absent (typical for
	// extension modules, set for bundled libraries).
	Soname string `json:"soname,omitempty" yaml:"soname,omitempty"`

	// Needed lists DT_NEEDED entries in declaration order. Order is
	// load-order-significant and must survive rewriting.
	Needed []string `json:"needed" yaml:"needed"`

	// Runpath holds the DT_RUNPATH (or legacy DT_RPATH) entries,
	// colon-split, with $ORIGIN tokens preserved literally.
	Runpath []string `json:"runpath,omitempty" yaml:"runpath,omitempty"`

	// Imports are undefined symbols the artifact requires at load
	// time, with version requirements where declared.
	Imports []Symbol `json:"imports,omitempty" yaml:"imports,omitempty"`

	// Exports are defined global symbols, with version definitions
	// where declared.
	Exports []Symbol `json:"exports,omitempty" yaml:"exports,omitempty"`

	// Machine and Class identify the architecture for cross-checking
	// against the policy's platform and the rewriter's support.
	Machine elf.Machine `json:"machine" yaml:"machine"`
	Class   elf.Class   `json:"class" yaml:"class"`
}

// VersionRefs returns the distinct non-empty symbol-version strings
// the artifact imports, e.g. {"GLIBC_2.17", "GLIBCXX_3.4.21"}. The
// verifier checks these against a tag's symbol-version caps.
func (a *Artifact) VersionRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, sym := range a.Imports {
		if sym.Version == "" || seen[sym.Version] {
			continue
		}
		seen[sym.Version] = true
		refs = append(refs, sym.Version)
	}
	return refs
}
