// Package repair orchestrates a full wheel repair: unpack, inspect,
// resolve the external closure, bundle, rewrite, verify the platform
// tag, regenerate metadata, and repack. The input wheel is never
// modified; the repaired wheel is published atomically under its new
// name.
package repair

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wheelwright-dev/wheelwright/internal/bundle"
	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/fsio"
	"github.com/wheelwright-dev/wheelwright/internal/policy"
	"github.com/wheelwright-dev/wheelwright/internal/resolve"
	"github.com/wheelwright-dev/wheelwright/internal/verify"
	"github.com/wheelwright-dev/wheelwright/internal/wheel"
)

// Options configures one repair run. WheelPath and Policy are
// required; everything else has a usable default.
type Options struct {
	WheelPath string
	Policy    *policy.Table

	// PlatTag is the requested platform tag. Empty means the wheel's
	// own (first) platform tag.
	PlatTag string

	// OutputDir receives the repaired wheel. Empty means the input
	// wheel's directory.
	OutputDir string

	// LibDirName overrides the package-root directory bundled
	// libraries are placed in. Empty means "<distribution>.libs".
	LibDirName string

	// Finder overrides host library lookup. Nil means the real host
	// search path.
	Finder resolve.Finder

	Workers   int
	IOTimeout time.Duration
}

// Report is the machine-readable outcome of a repair run.
type Report struct {
	RunID        string                  `json:"run_id" yaml:"run_id"`
	Input        string                  `json:"input" yaml:"input"`
	Output       string                  `json:"output,omitempty" yaml:"output,omitempty"`
	RequestedTag string                  `json:"requested_tag" yaml:"requested_tag"`
	EffectiveTag string                  `json:"effective_tag,omitempty" yaml:"effective_tag,omitempty"`
	Downgraded   bool                    `json:"downgraded" yaml:"downgraded"`
	Artifacts    []*elfio.Artifact       `json:"artifacts" yaml:"artifacts"`
	Dependencies []resolve.Node          `json:"dependencies" yaml:"dependencies"`
	Bundled      []bundle.BundledLibrary `json:"bundled" yaml:"bundled"`
	Findings     []resolve.Finding       `json:"findings" yaml:"findings"`
	Duration     time.Duration           `json:"duration_ns" yaml:"duration_ns"`
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o Options) guard() fsio.Guard {
	return fsio.Guard{Timeout: o.IOTimeout}
}

// Run repairs one wheel. On verification failure the returned report
// still carries the findings that explain it.
func Run(ctx context.Context, opts Options) (*Report, error) {
	started := time.Now()
	report := &Report{
		RunID: uuid.NewString(),
		Input: opts.WheelPath,
	}
	defer func() { report.Duration = time.Since(started) }()

	name, err := wheel.ParseFilename(filepath.Base(opts.WheelPath))
	if err != nil {
		return report, err
	}
	requested := opts.PlatTag
	if requested == "" {
		requested = name.PlatformTags[0]
	}
	report.RequestedTag = requested
	if _, err := opts.Policy.Tag(requested); err != nil {
		return report, err
	}

	log := slog.With("run_id", report.RunID, "wheel", filepath.Base(opts.WheelPath))
	log.Info("starting repair", "requested_tag", requested)

	workDir, err := os.MkdirTemp("", "wheelwright-*")
	if err != nil {
		return report, fmt.Errorf("creating work dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir) // Best-effort cleanup
	}()

	if err := wheel.Unpack(opts.WheelPath, workDir); err != nil {
		return report, err
	}

	guard := opts.guard()
	inspector := &elfio.Inspector{FS: guard}
	artifacts, err := discoverArtifacts(ctx, inspector, workDir, opts.workers())
	if err != nil {
		return report, err
	}
	report.Artifacts = relativized(workDir, artifacts)
	log.Info("inspected artifacts", "count", len(artifacts))

	libDirName := opts.LibDirName
	if libDirName == "" {
		libDirName = name.LibDirName()
	}
	libDir := filepath.Join(workDir, libDirName)
	next := opts.Finder
	if next == nil {
		next = resolve.NewHostFinder(guard)
	}
	// The package's own library dir always wins: a wheel repaired
	// twice resolves its bundled copies internally.
	finder := &resolve.PrefixFinder{FS: guard, Dirs: []string{libDir}, Next: next}

	resolver := &resolve.Resolver{
		Inspector:   inspector,
		Finder:      finder,
		Policy:      opts.Policy,
		PackageRoot: workDir,
		Workers:     opts.workers(),
	}
	res, err := resolver.Resolve(ctx, artifacts, requested)
	if err != nil {
		return report, err
	}
	report.Dependencies = res.Nodes
	for i := range report.Dependencies {
		report.Dependencies[i].Path = relPath(workDir, report.Dependencies[i].Path)
	}

	bundler := &bundle.Bundler{FS: guard, Workers: opts.workers()}
	result, err := bundler.Apply(ctx, res.Plan, libDir, func(artifactPath string) string {
		return runpathTo(artifactPath, libDir)
	})
	if err != nil {
		return report, err
	}
	report.Bundled = result.Libraries
	for i := range report.Bundled {
		report.Bundled[i].PackagePath = relPath(workDir, report.Bundled[i].PackagePath)
	}
	log.Info("bundled libraries", "count", len(result.Libraries))

	// Verification works from re-inspection, not from the plan: the
	// rewritten metadata on disk is what the target will see.
	rewritten, err := discoverArtifacts(ctx, inspector, workDir, opts.workers())
	if err != nil {
		return report, err
	}
	bundled, err := packagedSonames(libDir)
	if err != nil {
		return report, err
	}
	// Dependencies the resolver found inside the package itself (a
	// sibling library reached through an existing runpath, say) count
	// as satisfied too.
	for _, node := range res.Nodes {
		if node.Internal {
			bundled[filepath.Base(node.Path)] = true
		}
	}

	verifier := &verify.Verifier{Policy: opts.Policy}
	verdict, err := verifier.Verify(rewritten, requested, bundled, res.Findings)
	report.Findings = res.Findings.All()
	for i := range report.Findings {
		report.Findings[i].Referrer = relPath(workDir, report.Findings[i].Referrer)
	}
	if err != nil {
		return report, err
	}
	report.EffectiveTag = verdict.EffectiveTag
	report.Downgraded = verdict.Downgraded

	outName := name.WithPlatform(verdict.EffectiveTag)
	distInfo, err := wheel.FindDistInfo(workDir)
	if err != nil {
		return report, err
	}
	if err := wheel.RewriteWheelTags(distInfo, outName.Tags()); err != nil {
		return report, err
	}
	if err := wheel.WriteRecord(workDir, distInfo); err != nil {
		return report, err
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(opts.WheelPath)
	}
	report.Output = filepath.Join(outDir, outName.Filename())
	if err := wheel.Pack(workDir, report.Output); err != nil {
		return report, err
	}
	log.Info("repair complete",
		"output", report.Output,
		"effective_tag", verdict.EffectiveTag,
		"downgraded", verdict.Downgraded,
		"duration", time.Since(started))
	return report, nil
}

// Inspect unpacks a wheel and returns the dynamic metadata of its ELF
// artifacts without touching anything.
func Inspect(ctx context.Context, wheelPath string, workers int, timeout time.Duration) ([]*elfio.Artifact, error) {
	workDir, err := os.MkdirTemp("", "wheelwright-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir) // Best-effort cleanup
	}()

	if err := wheel.Unpack(wheelPath, workDir); err != nil {
		return nil, err
	}
	inspector := &elfio.Inspector{FS: fsio.Guard{Timeout: timeout}}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	arts, err := discoverArtifacts(ctx, inspector, workDir, workers)
	if err != nil {
		return nil, err
	}
	// Report package-relative paths; the temp dir is meaningless to
	// the caller.
	for _, art := range arts {
		if rel, err := filepath.Rel(workDir, art.Path); err == nil {
			art.Path = filepath.ToSlash(rel)
		}
	}
	return arts, nil
}

// relPath rewrites a path under root to its package-relative form.
// Paths outside root (host libraries, for instance) pass through.
func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}

// relativized returns report copies of the artifacts with paths
// relative to the unpack root. The originals keep their absolute
// paths; the resolver still needs them.
func relativized(root string, artifacts []*elfio.Artifact) []*elfio.Artifact {
	out := make([]*elfio.Artifact, len(artifacts))
	for i, art := range artifacts {
		cp := *art
		if rel, err := filepath.Rel(root, art.Path); err == nil {
			cp.Path = filepath.ToSlash(rel)
		}
		out[i] = &cp
	}
	return out
}

// discoverArtifacts walks the unpacked tree and inspects every ELF
// file, in parallel, returning artifacts in walk order.
func discoverArtifacts(ctx context.Context, inspector *elfio.Inspector, root string, workers int) ([]*elfio.Artifact, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		elf, err := hasELFMagic(path)
		if err != nil {
			return err
		}
		if elf {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering binaries under %s: %w", root, err)
	}

	artifacts := make([]*elfio.Artifact, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			art, err := inspector.Inspect(gctx, path)
			if err != nil {
				return err
			}
			artifacts[i] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// hasELFMagic sniffs the first bytes of a file.
func hasELFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = f.Close() // Best-effort cleanup
	}()
	var magic [4]byte
	n, err := f.Read(magic[:])
	if err != nil || n < 4 {
		return false, nil // Too short to be ELF; read errors are not fatal here
	}
	return elfio.IsELF(magic[:]), nil
}

// packagedSonames collects the shared-object basenames inside the
// package's library dir; verification treats these as satisfied.
// Only that dir counts: rewritten runpaths point there and nowhere
// else, so a stray .so elsewhere in the tree satisfies nothing.
func packagedSonames(libDir string) (map[string]bool, error) {
	out := make(map[string]bool)
	if _, err := os.Stat(libDir); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.WalkDir(libDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if isSharedObjectName(d.Name()) {
			out[d.Name()] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isSharedObjectName matches "libfoo.so" and versioned spellings like
// "libfoo.so.1.2", nothing else.
func isSharedObjectName(name string) bool {
	if strings.HasSuffix(name, ".so") {
		return true
	}
	i := strings.LastIndex(name, ".so.")
	if i <= 0 {
		return false
	}
	for _, r := range name[i+len(".so."):] {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// runpathTo derives the $ORIGIN-relative runpath entry that reaches
// libDir from the artifact's own directory.
func runpathTo(artifactPath, libDir string) string {
	rel, err := filepath.Rel(filepath.Dir(artifactPath), libDir)
	if err != nil {
		return "$ORIGIN"
	}
	if rel == "." {
		return "$ORIGIN"
	}
	return "$ORIGIN/" + filepath.ToSlash(rel)
}
