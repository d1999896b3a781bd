// Package matcher implements the correlation of one component against the
// vulnerability store: advisory matching keyed by (ecosystem, package) and
// CVE/CPE matching keyed by (product, target software).
package matcher

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/datastore"
)

var tracer = otel.Tracer("internal/matcher")

// Config carries the knobs the engine refuses to hardcode.
type Config struct {
	// Denylist is the set of overly-generic package short names that are
	// skipped for CPE matching. Advisory matching is ecosystem-scoped by
	// construction and ignores the list.
	Denylist []string
	// TargetSoftware maps an ecosystem onto the canonical CPE
	// target-software values it may match. Ecosystems absent from the
	// map never match CPE entries at all; matching against an
	// unconstrained target is the dominant false-positive source.
	TargetSoftware map[string][]string
}

// DefaultTargetSoftware returns the stock ecosystem → target-software
// mapping.
func DefaultTargetSoftware() map[string][]string {
	return map[string][]string{
		"npm":       {"node.js", "nodejs"},
		"PyPI":      {"python", "python3"},
		"Go":        {"go", "golang"},
		"crates.io": {"rust"},
		"Maven":     {"java", "maven"},
		"RubyGems":  {"ruby", "ruby_on_rails"},
		"Packagist": {"php"},
		"NuGet":     {".net", "asp.net"},
	}
}

// Engine matches components against the store. One Engine serves one scan
// run; it accumulates per-source elapsed time for the run's telemetry.
type Engine struct {
	store   datastore.Vulnerability
	deny    map[string]struct{}
	targets map[string][]string

	advisoryNS atomic.Int64
	cveNS      atomic.Int64
}

// New returns an Engine reading from store under cfg.
//
// A nil TargetSoftware map falls back to DefaultTargetSoftware.
func New(store datastore.Vulnerability, cfg Config) *Engine {
	e := &Engine{
		store:   store,
		deny:    make(map[string]struct{}, len(cfg.Denylist)),
		targets: cfg.TargetSoftware,
	}
	for _, n := range cfg.Denylist {
		e.deny[strings.ToLower(n)] = struct{}{}
	}
	if e.targets == nil {
		e.targets = DefaultTargetSoftware()
	}
	return e
}

// Match returns every vulnerability record whose declared affected range
// contains the component's version, merged across both sources and
// deduplicated by source ID.
func (e *Engine) Match(ctx context.Context, c *stackaudit.Component) ([]stackaudit.MatchResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Match")
	defer span.End()

	start := time.Now()
	advisory, err := e.matchAdvisories(ctx, c)
	e.advisoryNS.Add(int64(time.Since(start)))
	if err != nil {
		return nil, err
	}

	start = time.Now()
	cve, err := e.matchCPE(ctx, c)
	e.cveNS.Add(int64(time.Since(start)))
	if err != nil {
		return nil, err
	}

	return merge(advisory, cve), nil
}

// Timings reports the accumulated per-source matching time.
func (e *Engine) Timings() stackaudit.SourceTiming {
	return stackaudit.SourceTiming{
		stackaudit.SourceAdvisory: time.Duration(e.advisoryNS.Load()),
		stackaudit.SourceCVE:      time.Duration(e.cveNS.Load()),
	}
}

// Merge combines both sources' results, keeping one result per source ID.
// Advisory results win collisions; a colliding CVE result only
// contributes its fixed version when the advisory lacked one.
func merge(advisory, cve []stackaudit.MatchResult) []stackaudit.MatchResult {
	byID := make(map[string]stackaudit.MatchResult, len(advisory)+len(cve))
	order := make([]string, 0, len(advisory)+len(cve))
	for _, r := range advisory {
		if _, ok := byID[r.SourceID]; !ok {
			order = append(order, r.SourceID)
		}
		byID[r.SourceID] = r
	}
	for _, r := range cve {
		prev, ok := byID[r.SourceID]
		if !ok {
			byID[r.SourceID] = r
			order = append(order, r.SourceID)
			continue
		}
		if prev.FixedVersion == "" && r.FixedVersion != "" {
			prev.FixedVersion = r.FixedVersion
			byID[r.SourceID] = prev
		}
	}
	sort.Strings(order)
	out := make([]stackaudit.MatchResult, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
