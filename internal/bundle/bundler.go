package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/fsio"
)

// BundledLibrary records one library copied into the package, for the
// repair report and for RECORD regeneration.
type BundledLibrary struct {
	Name          string   `json:"name" yaml:"name"`
	Aliases       []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	MangledSoname string   `json:"mangled_soname" yaml:"mangled_soname"`
	HostPath      string   `json:"host_path" yaml:"host_path"`
	PackagePath   string   `json:"package_path" yaml:"package_path"`
	Hash          string   `json:"hash" yaml:"hash"`
	Size          int64    `json:"size" yaml:"size"`
}

// Result is the outcome of applying a bundle plan.
type Result struct {
	Libraries []BundledLibrary `json:"libraries"`
}

// Mapping returns the needed-name replacement map implied by the
// applied plan. Alias spellings map to the same mangled soname as
// their primary name.
func (r *Result) Mapping() map[string]string {
	m := make(map[string]string, len(r.Libraries))
	for _, lib := range r.Libraries {
		m[lib.Name] = lib.MangledSoname
		for _, alias := range lib.Aliases {
			m[alias] = lib.MangledSoname
		}
	}
	return m
}

// Bundler applies bundle plans. The zero value is usable.
type Bundler struct {
	FS      fsio.Guard
	Workers int
}

func (b *Bundler) workers() int {
	if b.Workers > 0 {
		return b.Workers
	}
	return runtime.NumCPU()
}

// Apply copies every planned library into libDir under its mangled
// soname and rewrites all referencing artifacts. runpathFor maps an
// artifact path to the runpath entry that reaches libDir from it
// ($ORIGIN-relative). The plan is consumed as a whole: any failure
// leaves the work tree for the caller to discard; no partial plan is
// ever published.
func (b *Bundler) Apply(ctx context.Context, plan *Plan, libDir string, runpathFor func(artifactPath string) string) (*Result, error) {
	result := &Result{}
	if plan.Empty() {
		return result, nil
	}

	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating library dir %s: %w", libDir, err)
	}

	// First pass: hash contents, derive mangled names, detect
	// collisions before any file is written. Two references to
	// byte-identical content coalesce into one copy; two distinct
	// contents demanding the same mangled name are fatal.
	type pending struct {
		lib     PlannedLibrary
		data    []byte
		hash    string
		mangled string
	}
	var (
		copies   []pending
		byTarget = make(map[string]string) // mangled -> content hash
	)
	for _, lib := range plan.Libraries {
		data, err := fsio.Retry(ctx, 2, 100*time.Millisecond, func() ([]byte, error) {
			return b.FS.ReadFile(ctx, lib.HostPath)
		})
		if err != nil {
			return nil, fmt.Errorf("reading %s for bundling: %w", lib.HostPath, err)
		}
		hash := ContentHash(data)
		mangled := MangleSoname(lib.Name, hash)
		if prev, seen := byTarget[mangled]; seen {
			if prev != hash {
				return nil, fmt.Errorf("%w: %s and another library both mangle to %s", ErrCollision, lib.Name, mangled)
			}
			continue // same content, already planned
		}
		byTarget[mangled] = hash
		copies = append(copies, pending{lib: lib, data: data, hash: hash, mangled: mangled})
		result.Libraries = append(result.Libraries, BundledLibrary{
			Name:          lib.Name,
			Aliases:       lib.Aliases,
			MangledSoname: mangled,
			HostPath:      lib.HostPath,
			PackagePath:   filepath.Join(libDir, mangled),
			Hash:          hash,
			Size:          int64(len(data)),
		})
	}

	mapping := result.Mapping()

	// Write the copies and fix up their own metadata: mangled soname,
	// rewritten inter-bundle references, and a $ORIGIN runpath since
	// all bundled libraries live in one directory. Each output file
	// has exactly one writer; distinct files proceed in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, c := range copies {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			target := filepath.Join(libDir, c.mangled)
			if err := os.WriteFile(target, c.data, 0o755); err != nil {
				return fmt.Errorf("copying %s: %w", c.lib.HostPath, err)
			}
			slog.Debug("bundled library",
				"name", c.lib.Name,
				"soname", c.mangled,
				"source", c.lib.HostPath,
				"hash", c.hash)
			return elfio.RewriteFile(target, elfio.Rewrite{
				ReplaceNeeded: replacementsFor(c.lib.Needed, mapping),
				SetSoname:     c.mangled,
				SetRunpath:    "$ORIGIN",
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Rewrite the package's own artifacts. Only artifacts that
	// actually reference a bundled name are touched; everything else
	// keeps its metadata byte-for-byte.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, art := range plan.Referrers {
		repl := replacementsFor(art.Needed, mapping)
		if len(repl) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slog.Debug("rewriting artifact", "path", art.Path, "replacements", len(repl))
			return elfio.RewriteFile(art.Path, elfio.Rewrite{
				ReplaceNeeded: repl,
				SetRunpath:    runpathFor(art.Path),
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// replacementsFor narrows the global mapping to the names an artifact
// actually declares.
func replacementsFor(needed []string, mapping map[string]string) map[string]string {
	out := make(map[string]string)
	for _, n := range needed {
		if mangled, ok := mapping[n]; ok {
			out[n] = mangled
		}
	}
	return out
}
