package matcher

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stackaudit/stackaudit"
)

type fakeStore struct {
	advisories map[string][]stackaudit.Advisory    // ecosystem|name
	cpe        map[string][]stackaudit.CpeIndexEntry // product
	cpeQueries []string
}

func (f *fakeStore) QueryAdvisories(_ context.Context, ecosystem, name string) ([]stackaudit.Advisory, error) {
	return f.advisories[ecosystem+"|"+name], nil
}

func (f *fakeStore) QueryCpeCandidates(_ context.Context, product string, targets []string) ([]stackaudit.CpeIndexEntry, error) {
	f.cpeQueries = append(f.cpeQueries, product)
	var out []stackaudit.CpeIndexEntry
	for _, e := range f.cpe[product] {
		for _, t := range targets {
			if e.TargetSoftware == t {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func lodashAdvisory() stackaudit.Advisory {
	return stackaudit.Advisory{
		ID:          "GHSA-35jh-r3h4-6jhm",
		Ecosystem:   "npm",
		PackageName: "lodash",
		Severity:    stackaudit.High,
		AffectedRanges: []stackaudit.AffectedRange{
			{Introduced: "4.0.0", Fixed: "4.17.21"},
		},
	}
}

func TestAdvisoryRangeBoundaries(t *testing.T) {
	store := &fakeStore{advisories: map[string][]stackaudit.Advisory{
		"npm|lodash": {lodashAdvisory()},
	}}
	e := New(store, Config{})

	tt := []struct {
		Version string
		Want    int
	}{
		{"4.17.20", 1},
		{"4.0.0", 1},
		{"4.17.21", 0},
		{"3.9.0", 0},
		{"5.0.0", 0},
	}
	for _, tc := range tt {
		c := &stackaudit.Component{Name: "lodash", Version: tc.Version, Ecosystem: "npm"}
		got, err := e.Match(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tc.Want {
			t.Errorf("lodash@%s: got %d results, want %d", tc.Version, len(got), tc.Want)
		}
		if tc.Want == 1 && got[0].FixedVersion != "4.17.21" {
			t.Errorf("lodash@%s: fixed version %q, want 4.17.21", tc.Version, got[0].FixedVersion)
		}
	}
}

func TestCPEBoundMatrix(t *testing.T) {
	entry := stackaudit.CpeIndexEntry{
		CveID:    "CVE-2024-0001",
		Severity: stackaudit.Medium,
		CpeMatch: stackaudit.CpeMatch{
			Product:          "widget",
			TargetSoftware:   "node.js",
			Version:          "*",
			VersionStartIncl: "1.0.0",
			VersionEndExcl:   "2.0.0",
		},
	}
	store := &fakeStore{cpe: map[string][]stackaudit.CpeIndexEntry{"widget": {entry}}}
	e := New(store, Config{})

	tt := []struct {
		Version string
		Want    bool
	}{
		{"1.5.0", true},
		{"1.0.0", true},
		{"2.0.0", false},
		{"0.9.0", false},
	}
	for _, tc := range tt {
		c := &stackaudit.Component{Name: "widget", Version: tc.Version, Ecosystem: "npm"}
		got, err := e.Match(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if (len(got) == 1) != tc.Want {
			t.Errorf("widget@%s: matched=%v, want %v", tc.Version, len(got) == 1, tc.Want)
		}
	}
}

func TestCPEExactAndWildcardVersions(t *testing.T) {
	store := &fakeStore{cpe: map[string][]stackaudit.CpeIndexEntry{
		"widget": {
			{
				CveID: "CVE-2024-0002",
				CpeMatch: stackaudit.CpeMatch{
					Product: "widget", TargetSoftware: "node.js", Version: "1.2.3",
				},
			},
			{
				CveID:     "CVE-2024-0003",
				CvssScore: 9.8,
				CpeMatch: stackaudit.CpeMatch{
					Product: "widget", TargetSoftware: "node.js", Version: "*",
				},
			},
		},
	}}
	e := New(store, Config{})

	c := &stackaudit.Component{Name: "widget", Version: "1.2.3", Ecosystem: "npm"}
	got, err := e.Match(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{}
	for _, r := range got {
		ids = append(ids, r.SourceID)
	}
	want := []string{"CVE-2024-0002", "CVE-2024-0003"}
	if !cmp.Equal(ids, want) {
		t.Error(cmp.Diff(want, ids))
	}
	// the wildcard entry carries no severity string; score maps to Critical
	for _, r := range got {
		if r.SourceID == "CVE-2024-0003" && r.Severity != stackaudit.Critical {
			t.Errorf("CVE-2024-0003 severity %v, want Critical", r.Severity)
		}
	}

	// exact entry only matches its literal version
	c.Version = "1.2.4"
	got, err = e.Match(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SourceID != "CVE-2024-0003" {
		t.Errorf("widget@1.2.4: got %v, want only the wildcard CVE", got)
	}
}

func TestDenylistSkipsCPEOnly(t *testing.T) {
	store := &fakeStore{
		advisories: map[string][]stackaudit.Advisory{
			"npm|core": {{
				ID: "GHSA-core-1", Ecosystem: "npm", PackageName: "core",
				Severity:       stackaudit.Low,
				AffectedRanges: []stackaudit.AffectedRange{{Introduced: "0"}},
			}},
		},
		cpe: map[string][]stackaudit.CpeIndexEntry{
			"core": {{
				CveID: "CVE-2024-0004",
				CpeMatch: stackaudit.CpeMatch{
					Product: "core", TargetSoftware: "node.js", Version: "*",
				},
			}},
		},
	}
	e := New(store, Config{Denylist: []string{"core"}})

	c := &stackaudit.Component{Name: "core", Version: "1.0.0", Ecosystem: "npm"}
	got, err := e.Match(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != stackaudit.SourceAdvisory {
		t.Fatalf("denylisted name: got %v, want the advisory match only", got)
	}
	if len(store.cpeQueries) != 0 {
		t.Errorf("CPE store queried %d times for a denylisted name", len(store.cpeQueries))
	}
}

func TestUnmappedEcosystemNeverQueriesCPE(t *testing.T) {
	store := &fakeStore{cpe: map[string][]stackaudit.CpeIndexEntry{
		"widget": {{
			CveID:    "CVE-2024-0005",
			CpeMatch: stackaudit.CpeMatch{Product: "widget", TargetSoftware: "*", Version: "*"},
		}},
	}}
	e := New(store, Config{})

	c := &stackaudit.Component{Name: "widget", Version: "1.0.0", Ecosystem: "conan"}
	got, err := e.Match(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("unmapped ecosystem produced CPE results: %v", got)
	}
	if len(store.cpeQueries) != 0 {
		t.Errorf("CPE store queried %d times for an unmapped ecosystem", len(store.cpeQueries))
	}
}

func TestMergeDedupesBySourceID(t *testing.T) {
	adv := []stackaudit.MatchResult{
		{Source: stackaudit.SourceAdvisory, SourceID: "CVE-2024-1111", Severity: stackaudit.High},
	}
	cve := []stackaudit.MatchResult{
		{Source: stackaudit.SourceCVE, SourceID: "CVE-2024-1111", Severity: stackaudit.Medium, FixedVersion: "2.0.0"},
		{Source: stackaudit.SourceCVE, SourceID: "CVE-2024-2222", Severity: stackaudit.Low},
	}
	got := merge(adv, cve)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].SourceID != "CVE-2024-1111" || got[0].Source != stackaudit.SourceAdvisory {
		t.Errorf("collision winner: %+v, want advisory result", got[0])
	}
	if got[0].FixedVersion != "2.0.0" {
		t.Errorf("fixed version not backfilled from CVE result: %+v", got[0])
	}
	if got[0].Severity != stackaudit.High {
		t.Errorf("severity overwritten on merge: %+v", got[0])
	}
}

func TestShortName(t *testing.T) {
	for in, want := range map[string]string{
		"lodash":                    "lodash",
		"@babel/traverse":           "traverse",
		"org.apache.logging:log4j":  "log4j",
		"github.com/gin-gonic/gin":  "gin",
		"Django":                    "django",
	} {
		if got := shortName(in); got != want {
			t.Errorf("shortName(%q): got %q, want %q", in, got, want)
		}
	}
}
