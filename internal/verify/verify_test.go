package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/policy"
	"github.com/wheelwright-dev/wheelwright/internal/resolve"
)

const verifyPolicy = `
version: "1"
tags:
  - name: strict
    priority: 90
    always_present:
      - "libc.so.*"
      - "libm.so.*"
    forbidden:
      - "libpython*.so*"
    symbol_versions:
      GLIBC: "2.17"
  - name: relaxed
    priority: 50
    always_present:
      - "libc.so.*"
      - "libm.so.*"
      - "libx.so.*"
    forbidden:
      - "libpython*.so*"
    symbol_versions:
      GLIBC: "2.34"
  - name: floor
    priority: 0
    always_present:
      - "*"
    forbidden:
      - "libnever.so*"
`

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	tb, err := policy.LoadReader(strings.NewReader(verifyPolicy))
	require.NoError(t, err)
	return &Verifier{Policy: tb}
}

func TestVerifyConfirmsRequestedTag(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libc.so.6", "libfoo-1a2b3c4d5e.so.1"},
	}}
	bundled := map[string]bool{"libfoo-1a2b3c4d5e.so.1": true}

	var findings resolve.Findings
	verdict, err := v.Verify(arts, "strict", bundled, &findings)
	require.NoError(t, err)
	assert.Equal(t, "strict", verdict.EffectiveTag)
	assert.False(t, verdict.Downgraded)
	assert.True(t, findings.Empty())
}

func TestVerifyDowngradesOnSymbolVersion(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libc.so.6"},
		Imports: []elfio.Symbol{
			{Name: "pthread_cond_clockwait", Version: "GLIBC_2.30", Library: "libc.so.6"},
		},
	}}

	var findings resolve.Findings
	verdict, err := v.Verify(arts, "strict", nil, &findings)
	require.NoError(t, err)
	assert.Equal(t, "relaxed", verdict.EffectiveTag)
	assert.True(t, verdict.Downgraded)

	all := findings.All()
	require.Len(t, all, 1)
	assert.Equal(t, resolve.KindSymbolVersion, all[0].Kind)
	assert.Equal(t, "GLIBC_2.30", all[0].Library)
	assert.Equal(t, "demo/ext.so", all[0].Referrer)
}

func TestVerifyDowngradesOnUnbundledLibrary(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libc.so.6", "libx.so.1"},
	}}

	var findings resolve.Findings
	verdict, err := v.Verify(arts, "strict", nil, &findings)
	require.NoError(t, err)
	assert.Equal(t, "relaxed", verdict.EffectiveTag)
	assert.True(t, verdict.Downgraded)

	// The downgrade is explained: the offending name is ledgered
	// against the requested tag.
	all := findings.All()
	require.Len(t, all, 1)
	assert.Equal(t, resolve.KindUnbundled, all[0].Kind)
	assert.Equal(t, "libx.so.1", all[0].Library)
	assert.Equal(t, "demo/ext.so", all[0].Referrer)
}

func TestVerifyDoesNotDuplicateResolverFindings(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libpython3.11.so.1.0"},
	}}

	// The resolver already recorded the forbidden dependency; the
	// verifier must not ledger the same name a second time.
	var findings resolve.Findings
	findings.Add(resolve.Finding{
		Kind:     resolve.KindForbidden,
		Library:  "libpython3.11.so.1.0",
		Referrer: "demo/ext.so",
		Detail:   "forbidden by policy for tag strict",
	})

	verdict, err := v.Verify(arts, "strict", nil, &findings)
	require.NoError(t, err)
	assert.Equal(t, "floor", verdict.EffectiveTag)

	all := findings.All()
	require.Len(t, all, 1)
	assert.Equal(t, resolve.KindForbidden, all[0].Kind)
}

func TestVerifyFallsToFloorOnForbidden(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libpython3.11.so.1.0"},
	}}

	var findings resolve.Findings
	verdict, err := v.Verify(arts, "strict", nil, &findings)
	require.NoError(t, err)
	assert.Equal(t, "floor", verdict.EffectiveTag)
	assert.True(t, verdict.Downgraded)
}

func TestVerifyIncompatibleWhenFloorFails(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libnever.so.1"},
	}}

	var findings resolve.Findings
	_, err := v.Verify(arts, "floor", nil, &findings)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestVerifyNeverUpgrades(t *testing.T) {
	v := newVerifier(t)
	arts := []*elfio.Artifact{{
		Path:   "demo/ext.so",
		Needed: []string{"libc.so.6"},
	}}

	var findings resolve.Findings
	verdict, err := v.Verify(arts, "relaxed", nil, &findings)
	require.NoError(t, err)
	// Also satisfies strict, but verification starts at the request.
	assert.Equal(t, "relaxed", verdict.EffectiveTag)
	assert.False(t, verdict.Downgraded)
}

func TestVerifyRejectsUnknownTag(t *testing.T) {
	v := newVerifier(t)
	var findings resolve.Findings
	_, err := v.Verify(nil, "mystery", nil, &findings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}
