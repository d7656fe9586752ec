package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/elfio/elfiotest"
	"github.com/wheelwright-dev/wheelwright/internal/fsio"
)

func TestContentHashDistinguishesContent(t *testing.T) {
	a := ContentHash([]byte("one library"))
	b := ContentHash([]byte("another library"))
	assert.Len(t, a, hashLen)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ContentHash([]byte("one library")))
}

func TestMangleSoname(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"libcrypto.so.3", "libcrypto-1a2b3c4d5e.so.3"},
		{"libfoo.so", "libfoo-1a2b3c4d5e.so"},
		{"libz.so.1.3.1", "libz-1a2b3c4d5e.so.1.3.1"},
		{"oddname", "oddname-1a2b3c4d5e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MangleSoname(tt.name, "1a2b3c4d5e"))
		})
	}
}

func inspect(t *testing.T, path string) *elfio.Artifact {
	t.Helper()
	art, err := (&elfio.Inspector{FS: fsio.Guard{}}).Inspect(context.Background(), path)
	require.NoError(t, err)
	return art
}

func TestApplyBundlesAndRewrites(t *testing.T) {
	host := t.TempDir()
	pkg := t.TempDir()
	libDir := filepath.Join(pkg, "demo.libs")

	fooHost := filepath.Join(host, "libfoo.so.1")
	barHost := filepath.Join(host, "libbar.so.2")
	require.NoError(t, elfiotest.WriteFile(fooHost, elfiotest.Object{
		Soname: "libfoo.so.1",
		Needed: []string{"libbar.so.2", "libc.so.6"},
		Filler: []byte("foo body"),
	}))
	require.NoError(t, elfiotest.WriteFile(barHost, elfiotest.Object{
		Soname: "libbar.so.2",
		Needed: []string{"libc.so.6"},
		Filler: []byte("bar body"),
	}))

	extPath := filepath.Join(pkg, "demo", "ext.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(extPath), 0o755))
	require.NoError(t, elfiotest.WriteFile(extPath, elfiotest.Object{
		Soname: "ext.so",
		Needed: []string{"libfoo.so.1", "libc.so.6"},
	}))
	ext := inspect(t, extPath)

	plan := &Plan{
		Libraries: []PlannedLibrary{
			{Name: "libfoo.so.1", HostPath: fooHost, Needed: []string{"libbar.so.2", "libc.so.6"}},
			{Name: "libbar.so.2", HostPath: barHost, Needed: []string{"libc.so.6"}},
		},
		Referrers: []*elfio.Artifact{ext},
	}

	b := &Bundler{Workers: 2}
	result, err := b.Apply(context.Background(), plan, libDir, func(string) string {
		return "$ORIGIN/../demo.libs"
	})
	require.NoError(t, err)
	require.Len(t, result.Libraries, 2)

	mapping := result.Mapping()
	fooMangled := mapping["libfoo.so.1"]
	barMangled := mapping["libbar.so.2"]

	// Bundled copies carry the mangled soname, rewritten inter-bundle
	// references, and a $ORIGIN runpath.
	foo := inspect(t, filepath.Join(libDir, fooMangled))
	assert.Equal(t, fooMangled, foo.Soname)
	assert.ElementsMatch(t, []string{barMangled, "libc.so.6"}, foo.Needed)
	assert.Equal(t, []string{"$ORIGIN"}, foo.Runpath)

	// The referrer now names the mangled copy and reaches the library
	// dir through its own $ORIGIN.
	rewritten := inspect(t, extPath)
	assert.ElementsMatch(t, []string{fooMangled, "libc.so.6"}, rewritten.Needed)
	assert.Equal(t, []string{"$ORIGIN/../demo.libs"}, rewritten.Runpath)
}

func TestApplyRewritesAliasSpellings(t *testing.T) {
	host := t.TempDir()
	pkg := t.TempDir()
	libDir := filepath.Join(pkg, "demo.libs")

	zHost := filepath.Join(host, "libz.so.1.3")
	require.NoError(t, elfiotest.WriteFile(zHost, elfiotest.Object{
		Soname: "libz.so.1",
		Filler: []byte("z body"),
	}))

	// One referrer names the library by its soname, the other by the
	// unversioned linker alias; both must end up on the same copy.
	extA := filepath.Join(pkg, "demo", "a.so")
	extB := filepath.Join(pkg, "demo", "b.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(extA), 0o755))
	require.NoError(t, elfiotest.WriteFile(extA, elfiotest.Object{
		Soname: "a.so",
		Needed: []string{"libz.so.1", "libc.so.6"},
	}))
	require.NoError(t, elfiotest.WriteFile(extB, elfiotest.Object{
		Soname: "b.so",
		Needed: []string{"libz.so", "libc.so.6"},
	}))

	plan := &Plan{
		Libraries: []PlannedLibrary{
			{Name: "libz.so.1", Aliases: []string{"libz.so"}, HostPath: zHost},
		},
		Referrers: []*elfio.Artifact{inspect(t, extA), inspect(t, extB)},
	}
	result, err := (&Bundler{Workers: 2}).Apply(context.Background(), plan, libDir, func(string) string {
		return "$ORIGIN/../demo.libs"
	})
	require.NoError(t, err)
	require.Len(t, result.Libraries, 1)

	mangled := result.Libraries[0].MangledSoname
	assert.Equal(t, mangled, result.Mapping()["libz.so"])

	for _, p := range []string{extA, extB} {
		rewritten := inspect(t, p)
		assert.ElementsMatch(t, []string{mangled, "libc.so.6"}, rewritten.Needed, p)
	}
}

func TestApplyCoalescesIdenticalContent(t *testing.T) {
	host := t.TempDir()
	libDir := filepath.Join(t.TempDir(), "demo.libs")

	data := elfiotest.Build(elfiotest.Object{Soname: "libdup.so.1", Filler: []byte("same")})
	pathA := filepath.Join(host, "a", "libdup.so.1")
	pathB := filepath.Join(host, "b", "libdup.so.1")
	for _, p := range []string{pathA, pathB} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o755))
	}

	plan := &Plan{Libraries: []PlannedLibrary{
		{Name: "libdup.so.1", HostPath: pathA},
		{Name: "libdup.so.1", HostPath: pathB},
	}}
	result, err := (&Bundler{}).Apply(context.Background(), plan, libDir, func(string) string { return "$ORIGIN" })
	require.NoError(t, err)
	assert.Len(t, result.Libraries, 1)

	entries, err := os.ReadDir(libDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyRejectsMangledCollision(t *testing.T) {
	// Distinct contents can only demand the same mangled name if the
	// short hashes collide, which cannot be fabricated honestly here;
	// instead verify that distinct contents under one name bundle as
	// two files, the property the collision check protects.
	host := t.TempDir()
	libDir := filepath.Join(t.TempDir(), "demo.libs")

	pathA := filepath.Join(host, "a", "libtwo.so.1")
	pathB := filepath.Join(host, "b", "libtwo.so.1")
	require.NoError(t, os.MkdirAll(filepath.Dir(pathA), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(pathB), 0o755))
	require.NoError(t, elfiotest.WriteFile(pathA, elfiotest.Object{Soname: "libtwo.so.1", Filler: []byte("first")}))
	require.NoError(t, elfiotest.WriteFile(pathB, elfiotest.Object{Soname: "libtwo.so.1", Filler: []byte("second")}))

	plan := &Plan{Libraries: []PlannedLibrary{
		{Name: "libtwo.so.1", HostPath: pathA},
		{Name: "libtwo.so.1", HostPath: pathB},
	}}
	result, err := (&Bundler{}).Apply(context.Background(), plan, libDir, func(string) string { return "$ORIGIN" })
	require.NoError(t, err)
	require.Len(t, result.Libraries, 2)
	assert.NotEqual(t, result.Libraries[0].MangledSoname, result.Libraries[1].MangledSoname)
}

func TestApplyEmptyPlanIsNoop(t *testing.T) {
	libDir := filepath.Join(t.TempDir(), "demo.libs")
	result, err := (&Bundler{}).Apply(context.Background(), &Plan{}, libDir, func(string) string { return "$ORIGIN" })
	require.NoError(t, err)
	assert.Empty(t, result.Libraries)
	// The library dir is only created when something gets bundled.
	_, err = os.Stat(libDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
