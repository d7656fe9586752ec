// Package verify judges the repaired package against the policy
// table: given the re-inspected artifacts and the set of bundled
// sonames, it confirms the requested platform tag or downgrades to
// the most restrictive tag the package actually satisfies. It never
// upgrades past the requested tag.
package verify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/policy"
	"github.com/wheelwright-dev/wheelwright/internal/resolve"
)

// ErrIncompatible means no candidate tag, down to the policy floor,
// accepts the package as repaired.
var ErrIncompatible = errors.New("package satisfies no platform tag")

// Verdict is the outcome of tag verification.
type Verdict struct {
	RequestedTag string `json:"requested_tag"`
	EffectiveTag string `json:"effective_tag"`
	Downgraded   bool   `json:"downgraded"`
}

// Verifier evaluates candidate tags from the policy table.
type Verifier struct {
	Policy *policy.Table
}

// Verify walks the candidate tags from the requested one downward and
// returns the first whose policy every artifact clears. An artifact
// clears a tag when each needed library is either bundled inside the
// package or always present under the tag, and every versioned symbol
// reference stays within the tag's caps. Failures against the
// requested tag are recorded as findings; failures against lower
// candidates only steer the downgrade.
func (v *Verifier) Verify(artifacts []*elfio.Artifact, requestedTag string, bundled map[string]bool, findings *resolve.Findings) (*Verdict, error) {
	requested, err := v.Policy.Tag(requestedTag)
	if err != nil {
		return nil, err
	}
	candidates, err := v.Policy.RankedFrom(requestedTag)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		record := candidate == requested
		if v.satisfies(artifacts, candidate, bundled, record, findings) {
			verdict := &Verdict{
				RequestedTag: requested.Name,
				EffectiveTag: candidate.Name,
				Downgraded:   candidate != requested,
			}
			if verdict.Downgraded {
				slog.Warn("platform tag downgraded",
					"requested", verdict.RequestedTag,
					"effective", verdict.EffectiveTag)
			}
			return verdict, nil
		}
	}
	return nil, fmt.Errorf("%w (requested %s)", ErrIncompatible, requested.Name)
}

// satisfies checks every artifact against one candidate tag. When
// record is set (requested tag only), violations land in the findings
// ledger and the walk covers all artifacts so the report is complete;
// against lower candidates the first violation settles the verdict.
// A name the resolver already ledgered (unresolvable, forbidden) is
// not recorded a second time, so every downgrade has exactly one
// finding explaining it.
func (v *Verifier) satisfies(artifacts []*elfio.Artifact, tag *policy.Tag, bundled map[string]bool, record bool, findings *resolve.Findings) bool {
	ok := true
	for _, art := range artifacts {
		for _, needed := range art.Needed {
			if bundled[needed] {
				continue
			}
			class := tag.Classify(needed)
			if class == policy.AlwaysPresent {
				continue
			}
			ok = false
			if !record {
				return false
			}
			if !findings.Seen(needed) {
				kind := resolve.KindUnbundled
				detail := fmt.Sprintf("neither bundled nor guaranteed by tag %s", tag.Name)
				if class == policy.Forbidden {
					kind = resolve.KindForbidden
					detail = fmt.Sprintf("forbidden by policy for tag %s", tag.Name)
				}
				findings.Add(resolve.Finding{
					Kind:     kind,
					Library:  needed,
					Referrer: art.Path,
					Detail:   detail,
				})
			}
		}
		for _, ref := range art.VersionRefs() {
			if tag.SymbolVersionOK(ref) {
				continue
			}
			ok = false
			if record {
				findings.Add(resolve.Finding{
					Kind:     resolve.KindSymbolVersion,
					Library:  ref,
					Referrer: art.Path,
					Detail:   fmt.Sprintf("exceeds the symbol version cap of tag %s", tag.Name),
				})
			} else {
				return false
			}
		}
	}
	return ok
}
