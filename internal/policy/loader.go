package policy

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

//go:embed manylinux.yaml
var defaultTable []byte

// Default returns the embedded manylinux policy table. The embedded
// table is validated at build time by the test suite, so a decode
// failure here is a programming error.
func Default() *Table {
	tb, err := parse(defaultTable)
	if err != nil {
		panic("policy: embedded default table is invalid: " + err.Error())
	}
	return tb
}

// DefaultSource returns a copy of the embedded table's raw YAML, for
// exporting as a customization starting point.
func DefaultSource() []byte {
	return append([]byte(nil), defaultTable...)
}

// Load loads and validates a policy table from a YAML file.
func Load(path string) (*Table, error) {
	// Use os.OpenRoot to prevent path traversal through symlinks.
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy directory: %w", err)
	}
	defer func() {
		_ = root.Close() // Best-effort cleanup
	}()

	file, err := root.Open(base)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer func() {
		_ = file.Close() // Best-effort cleanup
	}()

	return LoadReader(file)
}

// LoadReader loads a policy table from an io.Reader. Useful for tests
// with inline YAML.
func LoadReader(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy table: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Table, error) {
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("policy table validation failed: %w", err)
	}

	var tb Table
	if err := yaml.Unmarshal(raw, &tb); err != nil {
		return nil, fmt.Errorf("failed to decode policy YAML: %w", err)
	}
	if err := tb.finish(); err != nil {
		return nil, err
	}
	return &tb, nil
}
