package matcher

import (
	"context"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/vercmp"
)

// MatchAdvisories evaluates the component against package advisories
// fetched by (ecosystem, package name).
func (e *Engine) matchAdvisories(ctx context.Context, c *stackaudit.Component) ([]stackaudit.MatchResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/matcher/Engine.matchAdvisories")
	advs, err := e.store.QueryAdvisories(ctx, c.Ecosystem, c.Name)
	if err != nil {
		return nil, err
	}

	var out []stackaudit.MatchResult
	for i := range advs {
		adv := &advs[i]
		for _, r := range adv.AffectedRanges {
			in, err := vercmp.InRange(c.Ecosystem, c.Version, r)
			if err != nil {
				// An unorderable version is a non-match, not a failure:
				// one advisory's garbage range must not suppress the
				// component's other results.
				zlog.Debug(ctx).
					Str("advisory", adv.ID).
					Str("version", c.Version).
					Err(err).
					Msg("skipping unorderable range")
				continue
			}
			if !in {
				continue
			}
			out = append(out, stackaudit.MatchResult{
				Source:       stackaudit.SourceAdvisory,
				SourceID:     adv.ID,
				Severity:     adv.Severity,
				FixedVersion: r.Fixed,
			})
			break
		}
	}
	return out, nil
}
