package matcher

import (
	"context"
	"strings"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/vercmp"
)

// MatchCPE evaluates the component against the flattened CPE index,
// restricted to the canonical target-software values of the component's
// ecosystem.
func (e *Engine) matchCPE(ctx context.Context, c *stackaudit.Component) ([]stackaudit.MatchResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/matcher/Engine.matchCPE")

	targets, ok := e.targets[c.Ecosystem]
	if !ok || len(targets) == 0 {
		// No canonical target software for the ecosystem means no way to
		// constrain the candidate set, and unconstrained CPE lookups are
		// where the false positives come from.
		return nil, nil
	}

	name := shortName(c.Name)
	if _, denied := e.deny[name]; denied {
		zlog.Debug(ctx).
			Str("package", c.Name).
			Msg("generic name denylisted for CPE matching")
		return nil, nil
	}

	var out []stackaudit.MatchResult
	seen := make(map[string]struct{})
	for _, product := range productCandidates(name) {
		entries, err := e.store.QueryCpeCandidates(ctx, product, targets)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			ent := &entries[i]
			if _, dup := seen[ent.CveID]; dup {
				continue
			}
			match, err := cpeVersionMatch(c, ent)
			if err != nil {
				zlog.Debug(ctx).
					Str("cve", ent.CveID).
					Str("version", c.Version).
					Err(err).
					Msg("skipping unorderable CPE bound")
				continue
			}
			if !match {
				continue
			}
			seen[ent.CveID] = struct{}{}
			sev := ent.Severity
			if sev == stackaudit.Unknown {
				sev = stackaudit.FromCVSS(ent.CvssScore)
			}
			out = append(out, stackaudit.MatchResult{
				Source:       stackaudit.SourceCVE,
				SourceID:     ent.CveID,
				Severity:     sev,
				FixedVersion: ent.VersionEndExcl,
			})
		}
	}
	return out, nil
}

// CpeVersionMatch applies the entry's version constraint to the component.
//
// Exact entries match on literal equality only. Bounded entries use
// inclusive/exclusive boundary semantics. An entry with neither, that is
// a wildcard version on an already target-restricted product, matches
// any version of that product.
func cpeVersionMatch(c *stackaudit.Component, ent *stackaudit.CpeIndexEntry) (bool, error) {
	if ent.Exact() {
		return strings.EqualFold(c.Version, ent.Version), nil
	}
	if !ent.Bounded() {
		return true, nil
	}
	if b := ent.VersionStartIncl; b != "" {
		cmp, err := vercmp.Compare(c.Ecosystem, c.Version, b)
		if err != nil || cmp < 0 {
			return false, err
		}
	}
	if b := ent.VersionStartExcl; b != "" {
		cmp, err := vercmp.Compare(c.Ecosystem, c.Version, b)
		if err != nil || cmp <= 0 {
			return false, err
		}
	}
	if b := ent.VersionEndIncl; b != "" {
		cmp, err := vercmp.Compare(c.Ecosystem, c.Version, b)
		if err != nil || cmp > 0 {
			return false, err
		}
	}
	if b := ent.VersionEndExcl; b != "" {
		cmp, err := vercmp.Compare(c.Ecosystem, c.Version, b)
		if err != nil || cmp >= 0 {
			return false, err
		}
	}
	return true, nil
}

// ShortName reduces an ecosystem package name to the token CPE product
// names are written in: the final path or group segment, lowercased.
func shortName(name string) string {
	n := strings.ToLower(name)
	if i := strings.LastIndexAny(n, "/:"); i >= 0 {
		n = n[i+1:]
	}
	return n
}

// ProductCandidates lists the CPE product spellings to try for a package
// short name. CPE product names favor underscores where package names use
// hyphens.
func productCandidates(short string) []string {
	out := []string{short}
	if u := strings.ReplaceAll(short, "-", "_"); u != short {
		out = append(out, u)
	}
	return out
}
