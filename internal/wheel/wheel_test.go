package wheel

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     Name
		wantErr  bool
	}{
		{
			filename: "demo-1.0-cp311-cp311-linux_x86_64.whl",
			want: Name{
				Distribution: "demo",
				Version:      "1.0",
				PythonTags:   []string{"cp311"},
				ABITags:      []string{"cp311"},
				PlatformTags: []string{"linux_x86_64"},
			},
		},
		{
			filename: "demo-1.0-2-py3-none-manylinux_2_17_x86_64.manylinux2014_x86_64.whl",
			want: Name{
				Distribution: "demo",
				Version:      "1.0",
				Build:        "2",
				PythonTags:   []string{"py3"},
				ABITags:      []string{"none"},
				PlatformTags: []string{"manylinux_2_17_x86_64", "manylinux2014_x86_64"},
			},
		},
		{filename: "demo-1.0-cp311-cp311-linux_x86_64.zip", wantErr: true},
		{filename: "demo-1.0-cp311-linux_x86_64.whl", wantErr: true},
		{filename: "demo--cp311-cp311-linux_x86_64.whl", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := ParseFilename(tt.filename)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadFilename)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.filename, got.Filename())
		})
	}
}

func TestNameDerivations(t *testing.T) {
	n, err := ParseFilename("demo_pkg-1.2.3-cp310.cp311-abi3-linux_x86_64.whl")
	require.NoError(t, err)

	assert.Equal(t, "demo_pkg.libs", n.LibDirName())
	assert.Equal(t, "demo_pkg-1.2.3.dist-info", n.DistInfoDirName())
	assert.Equal(t, []string{"cp310-abi3-linux_x86_64", "cp311-abi3-linux_x86_64"}, n.Tags())

	retagged := n.WithPlatform("manylinux_2_28_x86_64")
	assert.Equal(t, "demo_pkg-1.2.3-cp310.cp311-abi3-manylinux_2_28_x86_64.whl", retagged.Filename())
	// The original is untouched.
	assert.Equal(t, []string{"linux_x86_64"}, n.PlatformTags)
}

// writeFixtureWheel builds a minimal wheel on disk and returns its
// path.
func writeFixtureWheel(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, mode os.FileMode, content string) {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	add("demo/__init__.py", 0o644, "from . import ext\n")
	add("demo/ext.so", 0o755, "fake shared object bytes")
	add("demo-1.0.dist-info/METADATA", 0o644, "Metadata-Version: 2.1\nName: demo\nVersion: 1.0\n")
	add("demo-1.0.dist-info/WHEEL", 0o644,
		"Wheel-Version: 1.0\nGenerator: bdist_wheel\nRoot-Is-Purelib: false\nTag: cp311-cp311-linux_x86_64\n")
	add("demo-1.0.dist-info/RECORD", 0o644, "")
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, "demo-1.0-cp311-cp311-linux_x86_64.whl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestUnpackPackRoundTrip(t *testing.T) {
	base := t.TempDir()
	wheelPath := writeFixtureWheel(t, base)

	work := filepath.Join(base, "work")
	require.NoError(t, Unpack(wheelPath, work))

	data, err := os.ReadFile(filepath.Join(work, "demo", "ext.so"))
	require.NoError(t, err)
	assert.Equal(t, "fake shared object bytes", string(data))

	info, err := os.Stat(filepath.Join(work, "demo", "ext.so"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	out := filepath.Join(base, "repacked.whl")
	require.NoError(t, Pack(work, out))

	r, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
		if f.Name == "demo/ext.so" {
			assert.Equal(t, os.FileMode(0o755), f.Mode().Perm())
		}
	}
	// Deterministic lexical walk order: repacking the same tree twice
	// yields the same entry sequence.
	assert.Equal(t, []string{
		"demo/__init__.py",
		"demo/ext.so",
		"demo-1.0.dist-info/METADATA",
		"demo-1.0.dist-info/RECORD",
		"demo-1.0.dist-info/WHEEL",
	}, names)
}

func TestUnpackRejectsZipSlip(t *testing.T) {
	base := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("escape"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(base, "evil.whl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	err = Unpack(path, filepath.Join(base, "work"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction root")
}

func TestRewriteWheelTags(t *testing.T) {
	base := t.TempDir()
	wheelPath := writeFixtureWheel(t, base)
	work := filepath.Join(base, "work")
	require.NoError(t, Unpack(wheelPath, work))

	distInfo, err := FindDistInfo(work)
	require.NoError(t, err)
	require.NoError(t, RewriteWheelTags(distInfo, []string{"cp311-cp311-manylinux_2_28_x86_64"}))

	data, err := os.ReadFile(filepath.Join(distInfo, "WHEEL"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Contains(t, lines, "Tag: cp311-cp311-manylinux_2_28_x86_64")
	assert.Contains(t, lines, "Generator: bdist_wheel")
	assert.NotContains(t, lines, "Tag: cp311-cp311-linux_x86_64")
}

func TestWriteRecord(t *testing.T) {
	base := t.TempDir()
	wheelPath := writeFixtureWheel(t, base)
	work := filepath.Join(base, "work")
	require.NoError(t, Unpack(wheelPath, work))

	distInfo, err := FindDistInfo(work)
	require.NoError(t, err)
	require.NoError(t, WriteRecord(work, distInfo))

	f, err := os.Open(filepath.Join(distInfo, "RECORD"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	byPath := make(map[string][]string)
	for _, row := range rows {
		require.Len(t, row, 3)
		byPath[row[0]] = row
	}

	// RECORD lists itself with empty hash and size.
	self := byPath["demo-1.0.dist-info/RECORD"]
	require.NotNil(t, self)
	assert.Empty(t, self[1])
	assert.Empty(t, self[2])

	sum := sha256.Sum256([]byte("fake shared object bytes"))
	want := "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
	ext := byPath["demo/ext.so"]
	require.NotNil(t, ext)
	assert.Equal(t, want, ext[1])
	assert.Equal(t, "24", ext[2])
}

func TestFindDistInfoMissing(t *testing.T) {
	_, err := FindDistInfo(t.TempDir())
	require.Error(t, err)
}
