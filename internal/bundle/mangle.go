package bundle

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// hashLen is the number of hex characters of the content hash mixed
// into a mangled soname. Ten characters (40 bits) keeps names short
// while making an accidental collision between distinct contents
// effectively impossible for bundle-sized library sets.
const hashLen = 10

// ContentHash returns the short BLAKE3 content hash used for soname
// mangling and reported for provenance.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLen]
}

// MangleSoname derives the bundled soname for a library: the content
// hash is spliced into the stem ahead of the ".so" suffix chain, so
// version suffixes stay intact and two same-named libraries with
// different content get distinct names.
//
//	libcrypto.so.3 + 1a2b3c4d5e -> libcrypto-1a2b3c4d5e.so.3
func MangleSoname(name, contentHash string) string {
	if i := strings.Index(name, ".so"); i > 0 {
		return name[:i] + "-" + contentHash + name[i:]
	}
	return name + "-" + contentHash
}
