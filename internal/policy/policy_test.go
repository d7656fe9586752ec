package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `
version: "1"
tags:
  - name: strict_tag
    priority: 90
    aliases: [strict_legacy]
    always_present:
      - libc.so.6
      - libbar.so.2
    forbidden:
      - libpython*.so*
    symbol_versions:
      GLIBC: "2.17"
  - name: loose_tag
    priority: 50
    always_present:
      - libc.so.6
    forbidden:
      - libpython*.so*
  - name: floor_tag
    priority: 0
    always_present:
      - "*"
`

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	tb, err := LoadReader(strings.NewReader(testTable))
	require.NoError(t, err)
	return tb
}

func TestClassify(t *testing.T) {
	tb := loadTestTable(t)

	tests := []struct {
		name string
		lib  string
		tag  string
		want Class
	}{
		{"whitelisted", "libc.so.6", "strict_tag", AlwaysPresent},
		{"unlisted is bundled", "libfoo.so.1", "strict_tag", MustBundle},
		{"forbidden glob", "libpython3.11.so.1.0", "strict_tag", Forbidden},
		{"per-tag difference", "libbar.so.2", "loose_tag", MustBundle},
		{"same lib whitelisted elsewhere", "libbar.so.2", "strict_tag", AlwaysPresent},
		{"floor accepts anything", "libweird.so.9", "floor_tag", AlwaysPresent},
		{"alias resolves", "libbar.so.2", "strict_legacy", AlwaysPresent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tb.Classify(tt.lib, tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUnknownTag(t *testing.T) {
	tb := loadTestTable(t)

	_, err := tb.Classify("libc.so.6", "no_such_tag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown platform tag")
}

func TestSymbolVersionOK(t *testing.T) {
	tb := loadTestTable(t)
	strict, err := tb.Tag("strict_tag")
	require.NoError(t, err)

	assert.True(t, strict.SymbolVersionOK("GLIBC_2.17"))
	assert.True(t, strict.SymbolVersionOK("GLIBC_2.5"))
	assert.False(t, strict.SymbolVersionOK("GLIBC_2.28"))
	// Unconstrained namespaces and unversioned references pass.
	assert.True(t, strict.SymbolVersionOK("GLIBCXX_3.4.30"))
	assert.True(t, strict.SymbolVersionOK("unversioned"))
	assert.True(t, strict.SymbolVersionOK("GLIBC_PRIVATE"))
}

func TestRankedFrom(t *testing.T) {
	tb := loadTestTable(t)

	ranked, err := tb.RankedFrom("loose_tag")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "loose_tag", ranked[0].Name)
	assert.Equal(t, "floor_tag", ranked[1].Name)

	// Starting from the top includes every tag, strictest first.
	ranked, err = tb.RankedFrom("strict_tag")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "strict_tag", ranked[0].Name)
}

func TestLoadRejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing version",
			yaml: "tags:\n  - name: a_tag\n    priority: 1\n",
			want: "validation failed",
		},
		{
			name: "tag without priority",
			yaml: "version: \"1\"\ntags:\n  - name: a_tag\n",
			want: "validation failed",
		},
		{
			name: "bad symbol cap",
			yaml: "version: \"1\"\ntags:\n  - name: a_tag\n    priority: 1\n    symbol_versions:\n      GLIBC: \"not-a-version\"\n",
			want: "validation failed",
		},
		{
			name: "duplicate tag name",
			yaml: "version: \"1\"\ntags:\n  - name: a_tag\n    priority: 1\n  - name: a_tag\n    priority: 2\n",
			want: "duplicate tag name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadReader(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultTable(t *testing.T) {
	tb := Default()

	// The embedded table must resolve its own canonical tags and the
	// historical manylinux2014 alias.
	for _, name := range []string{
		"manylinux_2_17_x86_64",
		"manylinux2014_x86_64",
		"manylinux_2_28_x86_64",
		"linux_x86_64",
	} {
		_, err := tb.Tag(name)
		require.NoError(t, err, name)
	}

	got, err := tb.Classify("libstdc++.so.6", "manylinux_2_17_x86_64")
	require.NoError(t, err)
	assert.Equal(t, AlwaysPresent, got)

	got, err = tb.Classify("libpython3.12.so.1.0", "manylinux_2_17_x86_64")
	require.NoError(t, err)
	assert.Equal(t, Forbidden, got)

	got, err = tb.Classify("libcrypto.so.3", "manylinux_2_17_x86_64")
	require.NoError(t, err)
	assert.Equal(t, MustBundle, got)
}
