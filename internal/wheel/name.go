// Package wheel handles the package container: filename convention,
// zip unpacking and repacking, and the dist-info metadata (RECORD and
// WHEEL) that must stay consistent with the repaired contents.
package wheel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadFilename marks a filename that does not follow the
// distribution-version(-build)?-python-abi-platform.whl convention.
var ErrBadFilename = errors.New("not a valid wheel filename")

// Name is a parsed wheel filename. The three tag fields are compressed
// tag sets: dot-separated alternatives, kept in file order.
type Name struct {
	Distribution string
	Version      string
	Build        string
	PythonTags   []string
	ABITags      []string
	PlatformTags []string
}

// ParseFilename splits a wheel filename into its components.
func ParseFilename(filename string) (Name, error) {
	base, ok := strings.CutSuffix(filename, ".whl")
	if !ok {
		return Name{}, fmt.Errorf("%q: %w: missing .whl suffix", filename, ErrBadFilename)
	}
	parts := strings.Split(base, "-")
	if len(parts) < 5 || len(parts) > 6 {
		return Name{}, fmt.Errorf("%q: %w: expected 5 or 6 dash-separated fields, got %d", filename, ErrBadFilename, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Name{}, fmt.Errorf("%q: %w: empty field", filename, ErrBadFilename)
		}
	}
	n := Name{Distribution: parts[0], Version: parts[1]}
	rest := parts[2:]
	if len(parts) == 6 {
		n.Build = parts[2]
		rest = parts[3:]
	}
	n.PythonTags = strings.Split(rest[0], ".")
	n.ABITags = strings.Split(rest[1], ".")
	n.PlatformTags = strings.Split(rest[2], ".")
	return n, nil
}

// Filename reassembles the canonical filename.
func (n Name) Filename() string {
	fields := []string{n.Distribution, n.Version}
	if n.Build != "" {
		fields = append(fields, n.Build)
	}
	fields = append(fields,
		strings.Join(n.PythonTags, "."),
		strings.Join(n.ABITags, "."),
		strings.Join(n.PlatformTags, "."))
	return strings.Join(fields, "-") + ".whl"
}

// WithPlatform returns a copy carrying a single platform tag.
func (n Name) WithPlatform(plat string) Name {
	n.PlatformTags = []string{plat}
	return n
}

// Tags expands the compressed tag sets into the full cross product of
// python-abi-platform triples, the form the WHEEL metadata file uses.
func (n Name) Tags() []string {
	var out []string
	for _, py := range n.PythonTags {
		for _, abi := range n.ABITags {
			for _, plat := range n.PlatformTags {
				out = append(out, py+"-"+abi+"-"+plat)
			}
		}
	}
	return out
}

// LibDirName is the package-root directory bundled libraries live in.
func (n Name) LibDirName() string {
	return n.Distribution + ".libs"
}

// DistInfoDirName is the metadata directory mandated by the filename.
func (n Name) DistInfoDirName() string {
	return n.Distribution + "-" + n.Version + ".dist-info"
}
