package elfio

import (
	"encoding/binary"
	"fmt"
)

// Raw ELF64 constants used by the rewriter. The rewriter works on the
// little-endian 64-bit layout directly because debug/elf is read-only.
const (
	ehdrSize  = 64
	phentSize = 56
	shentSize = 64
	pageSize  = 0x1000

	ptLoad    = 1
	ptDynamic = 2
	ptPhdr    = 6

	dtNull    = 0
	dtNeeded  = 1
	dtStrtab  = 5
	dtStrsz   = 10
	dtSoname  = 14
	dtRpath   = 15
	dtRunpath = 29

	shtDynamic = 6

	pfW = 2
	pfR = 4
)

var le = binary.LittleEndian

// prog is one ELF64 program header.
type prog struct {
	typ    uint32
	flags  uint32
	off    uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func parseProg(b []byte) prog {
	return prog{
		typ:    le.Uint32(b[0:]),
		flags:  le.Uint32(b[4:]),
		off:    le.Uint64(b[8:]),
		vaddr:  le.Uint64(b[16:]),
		paddr:  le.Uint64(b[24:]),
		filesz: le.Uint64(b[32:]),
		memsz:  le.Uint64(b[40:]),
		align:  le.Uint64(b[48:]),
	}
}

func (p prog) encode(b []byte) {
	le.PutUint32(b[0:], p.typ)
	le.PutUint32(b[4:], p.flags)
	le.PutUint64(b[8:], p.off)
	le.PutUint64(b[16:], p.vaddr)
	le.PutUint64(b[24:], p.paddr)
	le.PutUint64(b[32:], p.filesz)
	le.PutUint64(b[40:], p.memsz)
	le.PutUint64(b[48:], p.align)
}

// dyn is one entry of the dynamic array.
type dyn struct {
	tag uint64
	val uint64
}

// image is a parsed-enough view of an ELF64LE file for rewriting.
type image struct {
	data  []byte
	phoff uint64
	phnum int
	shoff uint64
	shnum int

	progs  []prog
	dynIdx int // index of PT_DYNAMIC in progs, -1 if absent

	dynamic []dyn // without the DT_NULL terminator
	strtab  []byte
}

// parseImage validates the header and pulls out the program headers,
// dynamic array, and dynamic string table.
func parseImage(data []byte) (*image, error) {
	if !IsELF(data) {
		return nil, fmt.Errorf("%w: not an ELF object", ErrMalformedBinary)
	}
	if len(data) < ehdrSize {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedBinary)
	}
	if data[4] != 2 { // ELFCLASS64
		return nil, fmt.Errorf("%w: only ELF64 objects can be rewritten", ErrMalformedBinary)
	}
	if data[5] != 1 { // ELFDATA2LSB
		return nil, fmt.Errorf("%w: only little-endian objects can be rewritten", ErrMalformedBinary)
	}

	img := &image{
		data:   data,
		phoff:  le.Uint64(data[32:]),
		shoff:  le.Uint64(data[40:]),
		phnum:  int(le.Uint16(data[56:])),
		shnum:  int(le.Uint16(data[60:])),
		dynIdx: -1,
	}
	if img.phoff == 0 || img.phnum == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrMalformedBinary)
	}
	end := img.phoff + uint64(img.phnum)*phentSize
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: program header table out of bounds", ErrMalformedBinary)
	}

	for i := 0; i < img.phnum; i++ {
		p := parseProg(data[img.phoff+uint64(i)*phentSize:])
		if p.typ == ptDynamic {
			img.dynIdx = i
		}
		img.progs = append(img.progs, p)
	}
	if img.dynIdx < 0 {
		return nil, fmt.Errorf("%w: no dynamic segment", ErrMalformedBinary)
	}

	if err := img.parseDynamic(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *image) parseDynamic() error {
	seg := img.progs[img.dynIdx]
	if seg.off+seg.filesz > uint64(len(img.data)) {
		return fmt.Errorf("%w: dynamic segment out of bounds", ErrMalformedBinary)
	}
	raw := img.data[seg.off : seg.off+seg.filesz]

	var strtabAddr, strtabSize uint64
	for i := 0; i+16 <= len(raw); i += 16 {
		d := dyn{tag: le.Uint64(raw[i:]), val: le.Uint64(raw[i+8:])}
		if d.tag == dtNull {
			break
		}
		img.dynamic = append(img.dynamic, d)
		switch d.tag {
		case dtStrtab:
			strtabAddr = d.val
		case dtStrsz:
			strtabSize = d.val
		}
	}
	if strtabAddr == 0 || strtabSize == 0 {
		return fmt.Errorf("%w: dynamic segment has no string table", ErrMalformedBinary)
	}

	off, err := img.vaddrToOffset(strtabAddr)
	if err != nil {
		return err
	}
	if off+strtabSize > uint64(len(img.data)) {
		return fmt.Errorf("%w: dynamic string table out of bounds", ErrMalformedBinary)
	}
	img.strtab = img.data[off : off+strtabSize]
	return nil
}

// vaddrToOffset maps a virtual address to a file offset through the
// PT_LOAD segment that contains it.
func (img *image) vaddrToOffset(vaddr uint64) (uint64, error) {
	for _, p := range img.progs {
		if p.typ != ptLoad {
			continue
		}
		if vaddr >= p.vaddr && vaddr < p.vaddr+p.filesz {
			return vaddr - p.vaddr + p.off, nil
		}
	}
	return 0, fmt.Errorf("%w: virtual address %#x not in any loadable segment", ErrMalformedBinary, vaddr)
}

// getString reads a NUL-terminated string at the given dynstr offset.
func (img *image) getString(off uint64) (string, error) {
	if off >= uint64(len(img.strtab)) {
		return "", fmt.Errorf("%w: string offset %#x past end of dynstr", ErrMalformedBinary, off)
	}
	b := img.strtab[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformedBinary, off)
}

// maxLoadEnd returns the highest vaddr+memsz over all PT_LOAD
// segments, the floor for placing a new segment.
func (img *image) maxLoadEnd() uint64 {
	var end uint64
	for _, p := range img.progs {
		if p.typ == ptLoad && p.vaddr+p.memsz > end {
			end = p.vaddr + p.memsz
		}
	}
	return end
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
