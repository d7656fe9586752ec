// Package bundle copies must-bundle libraries into a package's
// private library directory under collision-proof mangled sonames and
// rewrites every referencing artifact to load them from there.
package bundle

import (
	"errors"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
)

// ErrCollision marks an irreconcilable soname collision: two distinct
// libraries whose mangled names would be identical. Fatal; a content
// hash collision is not retried.
var ErrCollision = errors.New("mangled soname collision")

// PlannedLibrary is one must-bundle dependency selected by the
// closure resolver.
type PlannedLibrary struct {
	// Name is the soname the dependency is referenced by (the
	// DT_NEEDED spelling).
	Name string `json:"name"`

	// Aliases are further DT_NEEDED spellings that resolved to the
	// same file (symlink aliases such as libz.so for libz.so.1). All
	// of them rewrite to the one mangled soname.
	Aliases []string `json:"aliases,omitempty"`

	// HostPath is the resolved location on the build host the copy is
	// taken from.
	HostPath string `json:"host_path"`

	// Needed lists the library's own declared dependencies, for
	// rewriting references between bundled libraries.
	Needed []string `json:"needed,omitempty"`
}

// AddAlias records a further spelling of the library's name, once.
func (l *PlannedLibrary) AddAlias(name string) {
	if name == l.Name {
		return
	}
	for _, a := range l.Aliases {
		if a == name {
			return
		}
	}
	l.Aliases = append(l.Aliases, name)
}

// Plan is the complete decision set handed from the closure resolver
// to the bundler. It is applied atomically: Apply either rewrites
// every referencing artifact or reports an error with nothing
// published (the caller discards the work tree on failure).
type Plan struct {
	// Libraries is the bundle set in first-seen traversal order.
	Libraries []PlannedLibrary

	// Referrers are the package's own artifacts whose needed entries
	// and search paths must be rewritten to the bundled copies.
	Referrers []*elfio.Artifact
}

// Empty reports whether the plan requires no copies and no rewrites
// (everything already satisfied by the target platform or by copies
// bundled on a previous run).
func (p *Plan) Empty() bool {
	return p == nil || len(p.Libraries) == 0
}
