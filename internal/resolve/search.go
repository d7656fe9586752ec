package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/fsio"
)

// ErrNotFound marks a library name no search path could satisfy.
// Recorded as an Unresolvable finding, never fatal by itself.
var ErrNotFound = errors.New("library not found on host")

// Finder locates a library name on the host, honoring the referring
// artifact's own search path. Implementations return the first match
// in host search order.
type Finder interface {
	Locate(ctx context.Context, name string, referrer *elfio.Artifact) (string, error)
}

// HostFinder searches the way the runtime linker would: the
// referrer's runpath (with $ORIGIN expanded against the referrer's
// location, for lookup only; the stored token is never touched),
// then any package-internal prefix dirs, then LD_LIBRARY_PATH, then
// the ld.so.conf directories and the platform defaults.
type HostFinder struct {
	FS fsio.Guard

	// PrefixDirs are searched ahead of the host paths; the repair
	// pipeline puts the wheel's own library dir here so previously
	// bundled copies resolve internally.
	PrefixDirs []string

	// EnvPath holds LD_LIBRARY_PATH entries.
	EnvPath []string

	// SystemDirs holds the ld.so.conf directories plus defaults.
	SystemDirs []string
}

// defaultSystemDirs mirror glibc's built-in trusted directories.
var defaultSystemDirs = []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}

// NewHostFinder builds a finder from the host environment:
// LD_LIBRARY_PATH, /etc/ld.so.conf (with include globs), and the
// default trusted directories.
func NewHostFinder(fs fsio.Guard) *HostFinder {
	f := &HostFinder{FS: fs}
	if env := os.Getenv("LD_LIBRARY_PATH"); env != "" {
		for _, dir := range strings.Split(env, ":") {
			if dir != "" {
				f.EnvPath = append(f.EnvPath, dir)
			}
		}
	}
	f.SystemDirs = append(parseLdSoConf("/etc/ld.so.conf", 0), defaultSystemDirs...)
	return f
}

// parseLdSoConf reads an ld.so.conf-style file: one directory per
// line, comments with '#', and "include <glob>" directives. Depth
// caps include recursion against config cycles.
func parseLdSoConf(path string, depth int) []string {
	if depth > 4 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "include "); ok {
			pattern := strings.TrimSpace(rest)
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(path), pattern)
			}
			matches, _ := filepath.Glob(pattern)
			for _, m := range matches {
				dirs = append(dirs, parseLdSoConf(m, depth+1)...)
			}
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs
}

// Locate returns the first regular file named name in host search
// order, or ErrNotFound.
func (f *HostFinder) Locate(ctx context.Context, name string, referrer *elfio.Artifact) (string, error) {
	var dirs []string
	if referrer != nil {
		for _, entry := range referrer.Runpath {
			dirs = append(dirs, expandOrigin(entry, referrer.Path))
		}
	}
	dirs = append(dirs, f.PrefixDirs...)
	dirs = append(dirs, f.EnvPath...)
	dirs = append(dirs, f.SystemDirs...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		info, err := f.FS.Stat(ctx, candidate)
		if err != nil {
			if errors.Is(err, fsio.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			continue
		}
		if info.Mode().IsRegular() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// PrefixFinder checks a fixed set of directories before delegating to
// the next finder. The repair pipeline wraps the host finder with the
// package's own library dir so previously bundled copies resolve
// internally no matter how the host is configured.
type PrefixFinder struct {
	FS   fsio.Guard
	Dirs []string
	Next Finder
}

// Locate searches the prefix dirs first, then delegates.
func (p *PrefixFinder) Locate(ctx context.Context, name string, referrer *elfio.Artifact) (string, error) {
	for _, dir := range p.Dirs {
		candidate := filepath.Join(dir, name)
		info, err := p.FS.Stat(ctx, candidate)
		if err != nil {
			if errors.Is(err, fsio.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			continue
		}
		if info.Mode().IsRegular() {
			return filepath.Abs(candidate)
		}
	}
	return p.Next.Locate(ctx, name, referrer)
}

// expandOrigin substitutes the $ORIGIN token with the directory of
// the referring artifact. Lookup-time only; stored metadata keeps the
// literal token.
func expandOrigin(entry, referrerPath string) string {
	origin := filepath.Dir(referrerPath)
	entry = strings.ReplaceAll(entry, "${ORIGIN}", origin)
	return strings.ReplaceAll(entry, "$ORIGIN", origin)
}
