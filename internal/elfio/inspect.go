package elfio

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/wheelwright-dev/wheelwright/internal/fsio"
)

// elfMagic is the four-byte identification prefix every ELF file
// starts with. Used to cheaply separate binary artifacts from payload
// files when walking a package.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, elfMagic)
}

// Inspector parses binary artifacts. The zero value is usable; FS
// controls the read deadline.
type Inspector struct {
	FS fsio.Guard
}

// Inspect reads the dynamic-linking metadata of the binary at path.
// Side-effect-free. Returns ErrMalformedBinary (wrapped, with the
// path) for non-ELF input or parse failures, and fsio.ErrTimeout for
// reads that exceeded the guard deadline.
func (ins *Inspector) Inspect(ctx context.Context, path string) (*Artifact, error) {
	data, err := ins.FS.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	art, err := InspectBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	art.Path = path
	return art, nil
}

// InspectBytes parses an in-memory ELF image. The returned artifact
// has no Path; callers set it.
func InspectBytes(data []byte) (*Artifact, error) {
	if !IsELF(data) {
		return nil, fmt.Errorf("%w: not an ELF object", ErrMalformedBinary)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBinary, err)
	}
	defer func() {
		_ = f.Close() // Best-effort cleanup
	}()

	art := &Artifact{
		Machine: f.Machine,
		Class:   f.Class,
	}

	if art.Needed, err = f.DynString(elf.DT_NEEDED); err != nil {
		return nil, fmt.Errorf("%w: reading DT_NEEDED: %v", ErrMalformedBinary, err)
	}

	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		art.Soname = sonames[0]
	}

	art.Runpath = readRunpath(f)

	if err := readSymbols(f, art); err != nil {
		return nil, err
	}
	return art, nil
}

// readRunpath returns the artifact's runtime search path entries.
// DT_RUNPATH supersedes DT_RPATH when both exist; entries keep their
// $ORIGIN tokens verbatim.
func readRunpath(f *elf.File) []string {
	raw, err := f.DynString(elf.DT_RUNPATH)
	if err != nil || len(raw) == 0 {
		raw, err = f.DynString(elf.DT_RPATH)
		if err != nil {
			return nil
		}
	}
	var entries []string
	for _, r := range raw {
		for _, entry := range strings.Split(r, ":") {
			if entry != "" {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

// readSymbols fills Imports and Exports from the dynamic symbol
// table. A missing symbol table is normal for stripped-down objects,
// not a malformation.
func readSymbols(f *elf.File, art *Artifact) error {
	imported, err := f.ImportedSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("%w: reading imported symbols: %v", ErrMalformedBinary, err)
	}
	for _, sym := range imported {
		art.Imports = append(art.Imports, Symbol{
			Name:    sym.Name,
			Version: sym.Version,
			Library: sym.Library,
		})
	}

	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil
		}
		return fmt.Errorf("%w: reading dynamic symbols: %v", ErrMalformedBinary, err)
	}
	for _, sym := range dynsyms {
		if sym.Section == elf.SHN_UNDEF {
			continue
		}
		binding := elf.ST_BIND(sym.Info)
		if binding != elf.STB_GLOBAL && binding != elf.STB_WEAK {
			continue
		}
		art.Exports = append(art.Exports, Symbol{
			Name:    sym.Name,
			Version: sym.Version,
		})
	}
	return nil
}
