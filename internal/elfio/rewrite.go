package elfio

import (
	"fmt"
	"os"
	"path/filepath"
)

// Rewrite describes the dynamic-section edits to apply to one
// artifact. Zero-valued fields leave the corresponding entries alone.
type Rewrite struct {
	// ReplaceNeeded maps existing DT_NEEDED names to their
	// replacements (mangled sonames). Entries keep their declared
	// order; names not in the map are untouched. When two entries
	// map to one replacement (alias spellings of one library) only
	// the first survives.
	ReplaceNeeded map[string]string

	// SetSoname replaces the DT_SONAME entry. Only meaningful for
	// shared libraries that declare one.
	SetSoname string

	// SetRunpath replaces the runtime search path. A legacy DT_RPATH
	// is dropped in favor of a DT_RUNPATH entry; one is inserted when
	// the artifact had neither. $ORIGIN tokens are written verbatim.
	SetRunpath string
}

func (rw Rewrite) empty() bool {
	return len(rw.ReplaceNeeded) == 0 && rw.SetSoname == "" && rw.SetRunpath == ""
}

// RewriteFile applies the edits to the file at path. The write is
// atomic: a sibling temp file is written and renamed over the
// original, so a failed rewrite never leaves a half-patched artifact.
func RewriteFile(path string, rw Rewrite) error {
	if rw.empty() {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	out, err := RewriteBytes(data, rw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing rewritten %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing rewritten %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("restoring mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// RewriteBytes returns a rewritten copy of an ELF64LE image.
//
// Mangled names are almost always longer than the originals, so the
// edit is a layout reallocation, not an in-place patch: the dynamic
// array and string table are rebuilt into a new writable PT_LOAD
// segment appended past the last loadable address, and the program
// header table moves there too to gain room for the extra entry. The
// old string table's bytes are kept as a prefix of the new one, so
// every string offset held by untouched structures (symbol names,
// version definitions) stays valid. All original file contents remain
// byte-identical; only the ELF header's table pointers, the section
// headers for .dynamic/.dynstr, and the appended region differ.
func RewriteBytes(data []byte, rw Rewrite) ([]byte, error) {
	img, err := parseImage(data)
	if err != nil {
		return nil, err
	}

	// New string table: old content verbatim, additions appended.
	newStrtab := append([]byte(nil), img.strtab...)
	added := make(map[string]uint64)
	addString := func(s string) uint64 {
		if off, ok := added[s]; ok {
			return off
		}
		off := uint64(len(newStrtab))
		newStrtab = append(newStrtab, s...)
		newStrtab = append(newStrtab, 0)
		added[s] = off
		return off
	}

	// Rebuild the dynamic array with the edits applied. DT_STRTAB
	// and DT_STRSZ get their final values after layout below.
	var (
		newDyn      []dyn
		strtabEntry = -1
		strszEntry  = -1
		runpathDone bool
		seenNeeded  = make(map[string]bool)
	)
	for _, d := range img.dynamic {
		switch d.tag {
		case dtNeeded:
			name, err := img.getString(d.val)
			if err != nil {
				return nil, err
			}
			final := name
			if repl, ok := rw.ReplaceNeeded[name]; ok && repl != name {
				final = repl
				d.val = addString(repl)
			}
			if len(rw.ReplaceNeeded) > 0 {
				if seenNeeded[final] {
					continue
				}
				seenNeeded[final] = true
			}
		case dtSoname:
			if rw.SetSoname != "" {
				d.val = addString(rw.SetSoname)
			}
		case dtRpath:
			if rw.SetRunpath != "" {
				continue // superseded by the DT_RUNPATH written below
			}
		case dtRunpath:
			if rw.SetRunpath != "" {
				if runpathDone {
					continue
				}
				d.val = addString(rw.SetRunpath)
				runpathDone = true
			}
		case dtStrtab:
			strtabEntry = len(newDyn)
		case dtStrsz:
			strszEntry = len(newDyn)
		}
		newDyn = append(newDyn, d)
	}
	if rw.SetRunpath != "" && !runpathDone {
		newDyn = append(newDyn, dyn{tag: dtRunpath, val: addString(rw.SetRunpath)})
	}
	newDyn = append(newDyn, dyn{tag: dtNull})

	// Layout of the appended segment:
	// [program header table][dynamic array][string table]
	segOff := alignUp(uint64(len(data)), pageSize)
	segVaddr := alignUp(img.maxLoadEnd(), pageSize)

	phdrBytes := uint64(img.phnum+1) * phentSize
	dynOff := segOff + alignUp(phdrBytes, 8)
	dynBytes := uint64(len(newDyn)) * 16
	strOff := dynOff + dynBytes
	segSize := strOff + uint64(len(newStrtab)) - segOff

	dynVaddr := segVaddr + (dynOff - segOff)
	strVaddr := segVaddr + (strOff - segOff)

	if strtabEntry >= 0 {
		newDyn[strtabEntry].val = strVaddr
	}
	if strszEntry >= 0 {
		newDyn[strszEntry].val = uint64(len(newStrtab))
	}

	// Updated program headers: PT_PHDR and PT_DYNAMIC follow their
	// tables into the new segment, and a PT_LOAD maps the segment.
	// Writable because the dynamic linker stores DT_DEBUG in place.
	newProgs := append([]prog(nil), img.progs...)
	for i := range newProgs {
		switch newProgs[i].typ {
		case ptPhdr:
			newProgs[i].off = segOff
			newProgs[i].vaddr = segVaddr
			newProgs[i].paddr = segVaddr
			newProgs[i].filesz = phdrBytes
			newProgs[i].memsz = phdrBytes
		case ptDynamic:
			newProgs[i].off = dynOff
			newProgs[i].vaddr = dynVaddr
			newProgs[i].paddr = dynVaddr
			newProgs[i].filesz = dynBytes
			newProgs[i].memsz = dynBytes
		}
	}
	newProgs = append(newProgs, prog{
		typ:    ptLoad,
		flags:  pfR | pfW,
		off:    segOff,
		vaddr:  segVaddr,
		paddr:  segVaddr,
		filesz: segSize,
		memsz:  segSize,
		align:  pageSize,
	})

	// Assemble the output image.
	out := make([]byte, segOff+segSize)
	copy(out, data)
	for i, p := range newProgs {
		p.encode(out[segOff+uint64(i)*phentSize:])
	}
	for i, d := range newDyn {
		le.PutUint64(out[dynOff+uint64(i)*16:], d.tag)
		le.PutUint64(out[dynOff+uint64(i)*16+8:], d.val)
	}
	copy(out[strOff:], newStrtab)

	// Point the ELF header at the relocated program header table.
	le.PutUint64(out[32:], segOff)
	le.PutUint16(out[56:], uint16(img.phnum+1))

	// Keep section headers consistent so section-based readers (and
	// our own verifier) still resolve the dynamic data.
	if err := patchSections(out, img, dynOff, dynVaddr, dynBytes, strOff, strVaddr, uint64(len(newStrtab))); err != nil {
		return nil, err
	}
	return out, nil
}

// patchSections updates the .dynamic section header and, through its
// sh_link, the .dynstr section header to the relocated tables. Files
// with no section header table (fully stripped) are left as is; the
// runtime linker never looks at sections.
func patchSections(out []byte, img *image, dynOff, dynVaddr, dynBytes, strOff, strVaddr, strBytes uint64) error {
	if img.shoff == 0 || img.shnum == 0 {
		return nil
	}
	if img.shoff+uint64(img.shnum)*shentSize > uint64(len(out)) {
		return fmt.Errorf("%w: section header table out of bounds", ErrMalformedBinary)
	}
	for i := 0; i < img.shnum; i++ {
		sh := out[img.shoff+uint64(i)*shentSize:]
		if le.Uint32(sh[4:]) != shtDynamic {
			continue
		}
		le.PutUint64(sh[16:], dynVaddr) // sh_addr
		le.PutUint64(sh[24:], dynOff)   // sh_offset
		le.PutUint64(sh[32:], dynBytes) // sh_size

		link := int(le.Uint32(sh[40:]))
		if link <= 0 || link >= img.shnum {
			return fmt.Errorf("%w: dynamic section links to invalid string table %d", ErrMalformedBinary, link)
		}
		strSh := out[img.shoff+uint64(link)*shentSize:]
		le.PutUint64(strSh[16:], strVaddr)
		le.PutUint64(strSh[24:], strOff)
		le.PutUint64(strSh[32:], strBytes)
		return nil
	}
	return nil
}
