// Package elfiotest fabricates minimal ELF64 shared objects for
// tests: a real header, program headers, dynamic segment, and enough
// section table for debug/elf to parse the result. The objects carry
// no code; they exist so dependency metadata can be read and
// rewritten by the production paths under test.
package elfiotest

import (
	"encoding/binary"
	"os"
)

// Object describes the dynamic metadata of a fabricated shared
// object.
type Object struct {
	Soname  string
	Needed  []string
	Runpath string

	// Filler adds distinguishing content so two objects with the same
	// metadata still hash differently.
	Filler []byte
}

const (
	ehdrSize  = 64
	phentSize = 56
	shentSize = 64
)

var le = binary.LittleEndian

// Build returns the bytes of an ELF64 little-endian shared object
// with the requested dynamic entries.
func Build(o Object) []byte {
	// String table: leading NUL, then every referenced string.
	strtab := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}

	type dyn struct{ tag, val uint64 }
	var dyns []dyn
	for _, n := range o.Needed {
		dyns = append(dyns, dyn{1, addStr(n)}) // DT_NEEDED
	}
	if o.Soname != "" {
		dyns = append(dyns, dyn{14, addStr(o.Soname)}) // DT_SONAME
	}
	if o.Runpath != "" {
		dyns = append(dyns, dyn{29, addStr(o.Runpath)}) // DT_RUNPATH
	}

	// Layout: ehdr | phdrs(2) | filler | dynstr | dynamic | shstrtab | shdrs
	fillerOff := uint64(ehdrSize + 2*phentSize)
	strtabOff := fillerOff + uint64(len(o.Filler))
	dynOff := align8(strtabOff + uint64(len(strtab)))
	// DT_STRTAB, DT_STRSZ, DT_NULL complete the array.
	dyns = append(dyns, dyn{5, strtabOff}, dyn{10, uint64(len(strtab))}, dyn{0, 0})
	dynSize := uint64(len(dyns) * 16)

	shstrtab := []byte("\x00.dynstr\x00.dynamic\x00.shstrtab\x00")
	shstrtabOff := dynOff + dynSize
	shOff := align8(shstrtabOff + uint64(len(shstrtab)))
	fileSize := shOff + 4*shentSize

	out := make([]byte, fileSize)

	// ELF header.
	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(out[16:], 3)  // ET_DYN
	le.PutUint16(out[18:], 62) // EM_X86_64
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[32:], ehdrSize) // e_phoff
	le.PutUint64(out[40:], shOff)    // e_shoff
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phentSize)
	le.PutUint16(out[56:], 2) // e_phnum
	le.PutUint16(out[58:], shentSize)
	le.PutUint16(out[60:], 4) // e_shnum
	le.PutUint16(out[62:], 3) // e_shstrndx

	// PT_LOAD mapping the whole file at vaddr 0.
	ph := out[ehdrSize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5) // R+X
	le.PutUint64(ph[32:], fileSize)
	le.PutUint64(ph[40:], fileSize)
	le.PutUint64(ph[48:], 0x1000)

	// PT_DYNAMIC.
	ph = out[ehdrSize+phentSize:]
	le.PutUint32(ph[0:], 2) // PT_DYNAMIC
	le.PutUint32(ph[4:], 6) // R+W
	le.PutUint64(ph[8:], dynOff)
	le.PutUint64(ph[16:], dynOff)
	le.PutUint64(ph[24:], dynOff)
	le.PutUint64(ph[32:], dynSize)
	le.PutUint64(ph[40:], dynSize)
	le.PutUint64(ph[48:], 8)

	copy(out[fillerOff:], o.Filler)
	copy(out[strtabOff:], strtab)
	for i, d := range dyns {
		le.PutUint64(out[dynOff+uint64(i)*16:], d.tag)
		le.PutUint64(out[dynOff+uint64(i)*16+8:], d.val)
	}
	copy(out[shstrtabOff:], shstrtab)

	// Section headers: NULL, .dynstr, .dynamic (link -> .dynstr),
	// .shstrtab.
	writeShdr(out[shOff+1*shentSize:], 1, 3, strtabOff, strtabOff, uint64(len(strtab)), 0, 0)
	writeShdr(out[shOff+2*shentSize:], 9, 6, dynOff, dynOff, dynSize, 1, 16)
	writeShdr(out[shOff+3*shentSize:], 18, 3, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0)

	return out
}

// WriteFile builds the object and writes it to path.
func WriteFile(path string, o Object) error {
	return os.WriteFile(path, Build(o), 0o755)
}

func writeShdr(b []byte, name uint32, typ uint32, addr, off, size uint64, link uint32, entsize uint64) {
	le.PutUint32(b[0:], name)
	le.PutUint32(b[4:], typ)
	le.PutUint64(b[16:], addr)
	le.PutUint64(b[24:], off)
	le.PutUint64(b[32:], size)
	le.PutUint32(b[40:], link)
	le.PutUint64(b[56:], entsize)
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}
