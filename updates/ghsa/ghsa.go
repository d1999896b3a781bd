// Package ghsa feeds GitHub Security Advisories through the GraphQL v4
// securityVulnerabilities connection, one Source per ecosystem.
package ghsa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	githubv4 "github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/updates"
)

// SecurityAdvisoryEcosystem is the GraphQL SecurityAdvisoryEcosystem enum.
// The Go type name is significant: githubv4 derives the variable's GraphQL
// type from it.
//
// https://docs.github.com/en/graphql/reference/enums#securityadvisoryecosystem
type SecurityAdvisoryEcosystem string

// ecosystems maps canonical ecosystem names onto the GraphQL enum.
var ecosystems = map[string]SecurityAdvisoryEcosystem{
	"npm":       "NPM",
	"PyPI":      "PIP",
	"Go":        "GO",
	"crates.io": "RUST",
	"Maven":     "MAVEN",
	"RubyGems":  "RUBYGEMS",
	"Packagist": "COMPOSER",
	"NuGet":     "NUGET",
}

const (
	defaultPageSize = 100
	defaultRetry    = 5
)

// Client is the one githubv4.Client method used here.
type Client interface {
	Query(ctx context.Context, q interface{}, variables map[string]interface{}) error
}

// NewClient returns a GraphQL client authenticated with the given token.
func NewClient(ctx context.Context, token string) *githubv4.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return githubv4.NewClient(oauth2.NewClient(ctx, src))
}

// Source fetches one ecosystem's advisories.
type Source struct {
	client    Client
	ecosystem string
	enum      SecurityAdvisoryEcosystem
	pageSize  int
	retry     int
}

var _ updates.Source = (*Source)(nil)

// New returns a Source for the named ecosystem. The ecosystem must be one
// GitHub publishes advisories for.
func New(client Client, ecosystem string) (*Source, error) {
	enum, ok := ecosystems[ecosystem]
	if !ok {
		return nil, fmt.Errorf("ghsa: no advisory ecosystem for %q", ecosystem)
	}
	return &Source{
		client:    client,
		ecosystem: ecosystem,
		enum:      enum,
		pageSize:  defaultPageSize,
		retry:     defaultRetry,
	}, nil
}

// Sources returns one Source per ecosystem named.
func Sources(client Client, ecos ...string) ([]updates.Source, error) {
	out := make([]updates.Source, 0, len(ecos))
	for _, e := range ecos {
		s, err := New(client, e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Name implements updates.Source.
func (s *Source) Name() string {
	return "ghsa/" + strings.ToLower(s.ecosystem)
}

// Ecosystem implements updates.Source.
func (s *Source) Ecosystem() string {
	return s.ecosystem
}

// vulnQuery is the paged securityVulnerabilities query.
type vulnQuery struct {
	SecurityVulnerabilities struct {
		PageInfo struct {
			EndCursor   githubv4.String
			HasNextPage bool
		}
		Nodes []vulnNode
	} `graphql:"securityVulnerabilities(first: $total, ecosystem: $ecosystem, after: $cursor)"`
}

type vulnNode struct {
	Severity  string    `json:"severity"`
	UpdatedAt time.Time `json:"updated_at"`
	Package   struct {
		Ecosystem string `json:"ecosystem"`
		Name      string `json:"name"`
	} `json:"package"`
	Advisory struct {
		GhsaID      string `graphql:"ghsaId" json:"ghsa_id"`
		Summary     string `json:"summary"`
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	} `json:"advisory"`
	VulnerableVersionRange string `json:"vulnerable_version_range"`
	FirstPatchedVersion    struct {
		Identifier string `json:"identifier"`
	} `json:"first_patched_version"`
}

// Fetch implements updates.Source.
//
// The GraphQL API offers no conditional requests, so the whole connection
// is walked every time and the fingerprint, node count plus newest update
// timestamp, decides after the fact whether anything changed. The fetched
// nodes are handed to Parse as a JSON array.
func (s *Source) Fetch(ctx context.Context, prev updates.Fingerprint) (io.ReadCloser, updates.Fingerprint, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "updates/ghsa/Source.Fetch",
		"source", s.Name())

	var q vulnQuery
	var nodes []vulnNode
	variables := map[string]interface{}{
		"ecosystem": s.enum,
		"total":     githubv4.Int(s.pageSize),
		"cursor":    (*githubv4.String)(nil),
	}
	for {
		var err error
		for i := 0; i <= s.retry; i++ {
			if i > 0 {
				wait := time.Duration(i*i) * time.Second
				zlog.Debug(ctx).
					Dur("wait", wait).
					Msg("retrying query")
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, prev, ctx.Err()
				}
			}
			err = s.client.Query(ctx, &q, variables)
			if err == nil || len(q.SecurityVulnerabilities.Nodes) > 0 {
				break
			}
		}
		// The API sometimes reports an error alongside usable nodes.
		// Keep those and let Parse sort the rest out.
		if err != nil && len(q.SecurityVulnerabilities.Nodes) == 0 {
			return nil, prev, fmt.Errorf("ghsa: graphql query: %w", err)
		}
		nodes = append(nodes, q.SecurityVulnerabilities.Nodes...)
		if !q.SecurityVulnerabilities.PageInfo.HasNextPage {
			break
		}
		variables["cursor"] = githubv4.NewString(q.SecurityVulnerabilities.PageInfo.EndCursor)
	}

	var newest time.Time
	for i := range nodes {
		if nodes[i].UpdatedAt.After(newest) {
			newest = nodes[i].UpdatedAt
		}
	}
	fp := updates.Fingerprint(fmt.Sprintf("%d/%s", len(nodes), newest.UTC().Format(time.RFC3339)))
	if fp == prev {
		return nil, prev, updates.Unchanged
	}
	zlog.Debug(ctx).
		Int("nodes", len(nodes)).
		Msg("fetched vulnerability nodes")

	buf, err := json.Marshal(nodes)
	if err != nil {
		return nil, prev, err
	}
	return io.NopCloser(bytes.NewReader(buf)), fp, nil
}

// Parse implements updates.Source.
func (s *Source) Parse(ctx context.Context, contents io.ReadCloser) (*updates.ParsedFeed, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "updates/ghsa/Source.Parse",
		"source", s.Name())
	defer contents.Close()

	var nodes []vulnNode
	if err := json.NewDecoder(contents).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("ghsa: decoding nodes: %w", err)
	}

	byID := make(map[string]*stackaudit.Advisory)
	var order []string
	for i := range nodes {
		n := &nodes[i]
		name := strings.TrimSpace(n.Package.Name)
		if name == "" || n.Advisory.GhsaID == "" {
			continue
		}
		adv, ok := byID[n.Advisory.GhsaID]
		if !ok {
			adv = &stackaudit.Advisory{
				ID:          n.Advisory.GhsaID,
				Ecosystem:   s.ecosystem,
				PackageName: name,
				Severity:    stackaudit.ParseSeverity(n.Severity),
				Summary:     n.Advisory.Summary,
			}
			for _, id := range n.Advisory.Identifiers {
				if id.Type == "CVE" {
					adv.Aliases = append(adv.Aliases, id.Value)
				}
			}
			byID[n.Advisory.GhsaID] = adv
			order = append(order, n.Advisory.GhsaID)
		}
		if name != adv.PackageName {
			continue
		}
		r, ok := parseRange(n.VulnerableVersionRange)
		if !ok {
			zlog.Warn(ctx).
				Str("advisory", n.Advisory.GhsaID).
				Str("range", n.VulnerableVersionRange).
				Msg("unparseable version range")
			continue
		}
		if r.Fixed == "" && r.LastAffected == "" {
			r.Fixed = n.FirstPatchedVersion.Identifier
		}
		adv.AffectedRanges = append(adv.AffectedRanges, r)
	}

	feed := &updates.ParsedFeed{}
	sort.Strings(order)
	for _, id := range order {
		adv := byID[id]
		if len(adv.AffectedRanges) == 0 {
			continue
		}
		feed.Advisories = append(feed.Advisories, *adv)
	}
	zlog.Info(ctx).
		Int("count", len(feed.Advisories)).
		Msg("parsed advisories")
	return feed, nil
}

// parseRange converts a vulnerableVersionRange expression, e.g.
// ">= 4.0.0, < 4.17.21" or "= 1.2.3", into version boundaries.
func parseRange(expr string) (stackaudit.AffectedRange, bool) {
	var r stackaudit.AffectedRange
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return r, false
	}
	for _, clause := range strings.Split(expr, ",") {
		op, v, ok := strings.Cut(strings.TrimSpace(clause), " ")
		if !ok {
			return stackaudit.AffectedRange{}, false
		}
		v = strings.TrimSpace(v)
		switch op {
		case "=":
			r.Introduced, r.LastAffected = v, v
		case "<":
			r.Fixed = v
		case "<=":
			r.LastAffected = v
		case ">=":
			r.Introduced = v
		case ">":
			r.Introduced, r.IntroducedExclusive = v, true
		default:
			return stackaudit.AffectedRange{}, false
		}
	}
	if r.Introduced == "" {
		r.Introduced = "0"
	}
	return r, true
}
