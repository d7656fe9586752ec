package resolve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wheelwright-dev/wheelwright/internal/bundle"
	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/fsio"
	"github.com/wheelwright-dev/wheelwright/internal/policy"
)

// Node is one resolved external dependency: where it lives on the
// host and how the policy judged it.
type Node struct {
	Name  string       `json:"name" yaml:"name"`
	Path  string       `json:"path,omitempty" yaml:"path,omitempty"`
	Class policy.Class `json:"class" yaml:"class"`

	// Internal marks libraries found inside the package itself
	// (bundled by a previous repair); they are satisfied without
	// copying and are traversed through their own root artifact.
	Internal bool `json:"internal,omitempty" yaml:"internal,omitempty"`
}

// Resolution is the complete outcome of a closure walk.
type Resolution struct {
	Plan     *bundle.Plan
	Findings *Findings
	Nodes    []Node
}

// Resolver walks the dependency graph breadth-first from the root
// artifacts. Lookups and inspections run on a bounded worker pool;
// the coordinator folds their results in frontier order and dedupes
// by canonical file identity, so cyclic and diamond graphs terminate
// with each file adopted exactly once, deterministically.
type Resolver struct {
	Inspector   *elfio.Inspector
	Finder      Finder
	Policy      *policy.Table
	PackageRoot string
	Workers     int
	RetryDelay  time.Duration
}

func (r *Resolver) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.NumCPU()
}

func (r *Resolver) retryDelay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return 100 * time.Millisecond
}

// work is one pending lookup: a library name and the artifact whose
// needed list referenced it (its runpath steers the search).
type work struct {
	name     string
	referrer *elfio.Artifact
}

// outcome is what one worker produced for one lookup. identity is the
// canonical file identity of a located library; the coordinator uses
// it to collapse alias spellings onto one adopted node.
type outcome struct {
	identity string
	node     *Node
	planned  *bundle.PlannedLibrary
	children []work
}

// Resolve produces the bundle plan and findings for the given roots
// under the target tag. Findings (unresolvable, forbidden) never
// abort the walk; only malformed binaries, policy errors, and context
// cancellation do.
func (r *Resolver) Resolve(ctx context.Context, roots []*elfio.Artifact, tag string) (*Resolution, error) {
	// Fail fast on an unknown tag rather than inside a worker.
	if _, err := r.Policy.Tag(tag); err != nil {
		return nil, err
	}

	res := &Resolution{
		Plan:     &bundle.Plan{Referrers: roots},
		Findings: &Findings{},
	}

	// Coordinator-only state, touched between levels: visited dedupes
	// adopted files by identity, plannedAt maps an identity to its
	// plan entry so later alias spellings attach to it, and requested
	// dedupes lookups by textual name.
	visited := make(map[string]bool)
	plannedAt := make(map[string]int)
	requested := make(map[string]bool)
	var frontier []work
	for _, root := range roots {
		for _, name := range root.Needed {
			if requested[name] {
				continue
			}
			requested[name] = true
			frontier = append(frontier, work{name: name, referrer: root})
		}
	}

	for len(frontier) > 0 {
		outcomes := make([]outcome, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers())
		for i, w := range frontier {
			g.Go(func() error {
				out, err := r.process(gctx, w, tag, res.Findings)
				if err != nil {
					return err
				}
				outcomes[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// The coordinator folds results in frontier order, keeping
		// plan and node order deterministic regardless of worker
		// interleaving. A spelling whose file was already adopted
		// under another name becomes an alias of that plan entry, so
		// every DT_NEEDED spelling of one file rewrites to the same
		// mangled soname.
		var next []work
		for _, out := range outcomes {
			if out.identity != "" && visited[out.identity] {
				if i, ok := plannedAt[out.identity]; ok && out.node != nil {
					res.Plan.Libraries[i].AddAlias(out.node.Name)
				}
				continue
			}
			if out.identity != "" {
				visited[out.identity] = true
			}
			if out.node != nil {
				res.Nodes = append(res.Nodes, *out.node)
			}
			if out.planned != nil {
				plannedAt[out.identity] = len(res.Plan.Libraries)
				res.Plan.Libraries = append(res.Plan.Libraries, *out.planned)
			}
			for _, child := range out.children {
				if requested[child.name] {
					continue
				}
				requested[child.name] = true
				next = append(next, child)
			}
		}
		frontier = next
	}
	return res, nil
}

// process handles one lookup. Classification goes first: the policy
// judges names, so always-present and forbidden libraries never need
// a host lookup at all. Only must-bundle candidates are located and
// inspected; adopting or aliasing the result is the coordinator's
// call.
func (r *Resolver) process(ctx context.Context, w work, tag string, findings *Findings) (outcome, error) {
	class, err := r.Policy.Classify(w.name, tag)
	if err != nil {
		return outcome{}, err
	}

	switch class {
	case policy.AlwaysPresent:
		// Assumed satisfied by the target environment; its own
		// dependencies are the target's concern, not ours.
		return outcome{node: &Node{Name: w.name, Class: class}}, nil

	case policy.Forbidden:
		findings.Add(Finding{
			Kind:     KindForbidden,
			Library:  w.name,
			Referrer: w.referrer.Path,
			Detail:   fmt.Sprintf("forbidden by policy for tag %s", tag),
		})
		return outcome{node: &Node{Name: w.name, Class: class}}, nil
	}

	path, err := fsio.Retry(ctx, 2, r.retryDelay(), func() (string, error) {
		return r.Finder.Locate(ctx, w.name, w.referrer)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			findings.Add(Finding{
				Kind:     KindUnresolvable,
				Library:  w.name,
				Referrer: w.referrer.Path,
				Detail:   "not found on any host search path",
			})
			return outcome{}, nil
		}
		return outcome{}, fmt.Errorf("locating %s: %w", w.name, err)
	}

	// Canonical identity collapses symlinked aliases and diamond
	// edges onto one adopted file.
	info, err := r.Inspector.FS.Stat(ctx, path)
	if err != nil {
		return outcome{}, fmt.Errorf("stat %s: %w", path, err)
	}
	identity := identityOf(info, path)

	if r.PackageRoot != "" && isWithin(r.PackageRoot, path) {
		slog.Debug("dependency satisfied inside package", "name", w.name, "path", path)
		return outcome{
			identity: identity,
			node:     &Node{Name: w.name, Path: path, Class: policy.Bundled, Internal: true},
		}, nil
	}

	node := &Node{Name: w.name, Path: path, Class: class}
	art, err := r.Inspector.Inspect(ctx, path)
	if err != nil {
		// A library we must copy but cannot parse is fatal: it could
		// never be rewritten safely.
		return outcome{}, err
	}
	out := outcome{
		identity: identity,
		node:     node,
		planned: &bundle.PlannedLibrary{
			Name:     w.name,
			HostPath: path,
			Needed:   art.Needed,
		},
	}
	for _, dep := range art.Needed {
		out.children = append(out.children, work{name: dep, referrer: art})
	}
	return out, nil
}

// identityOf derives the canonical identity of a resolved library:
// device and inode where available, so hardlinks and symlink aliases
// of one file count as one node.
func identityOf(info fs.FileInfo, path string) string {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return fmt.Sprintf("%d:%d", st.Dev, st.Ino)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

// isWithin reports whether path sits under root.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
