package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/updates"
)

func cveJSON(id string) json.RawMessage {
	return json.RawMessage(`{
		"id": "` + id + `",
		"descriptions": [
			{"lang": "es", "value": "otra"},
			{"lang": "en", "value": "prototype pollution"}
		],
		"metrics": {
			"cvssMetricV31": [{"cvssData": {"baseScore": 7.2, "baseSeverity": "HIGH"}}],
			"cvssMetricV2": [{"cvssData": {"baseScore": 5.0}}]
		},
		"configurations": [{"nodes": [{"operator": "OR", "cpeMatch": [
			{
				"vulnerable": true,
				"criteria": "cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*",
				"versionEndExcluding": "4.17.21"
			},
			{
				"vulnerable": false,
				"criteria": "cpe:2.3:a:lodash:lodash:1.0.0:*:*:*:*:node.js:*:*"
			},
			{
				"vulnerable": true,
				"criteria": "cpe:2.3:o:linux:linux_kernel:*:*:*:*:*:*:*:*"
			}
		]}]}]
	}`)
}

type page struct {
	Total int
	Cves  []json.RawMessage
}

func servePages(t *testing.T, pages map[int]page) (*httptest.Server, *[]apiCall) {
	t.Helper()
	var seen []apiCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		idx := 0
		if v := q.Get("startIndex"); v != "" {
			json.Unmarshal([]byte(v), &idx)
		}
		seen = append(seen, apiCall{start: q.Get("lastModStartDate"), end: q.Get("lastModEndDate"), idx: idx})
		p := pages[idx]
		vulns := make([]map[string]json.RawMessage, len(p.Cves))
		for i, c := range p.Cves {
			vulns[i] = map[string]json.RawMessage{"cve": c}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"resultsPerPage":  len(p.Cves),
			"startIndex":      idx,
			"totalResults":    p.Total,
			"vulnerabilities": vulns,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

type apiCall struct {
	start, end string
	idx        int
}

func newTestSource(t *testing.T, srv *httptest.Server) *Source {
	t.Helper()
	s, err := New(WithURL(srv.URL+"/"), WithClient(srv.Client()), WithAPIKey("test"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestFetchParse(t *testing.T) {
	ctx := context.Background()
	srv, seen := servePages(t, map[int]page{
		0:    {Total: pageSize + 1, Cves: []json.RawMessage{cveJSON("CVE-2020-8203"), cveJSON("CVE-2021-23337")}},
		2000: {Total: pageSize + 1, Cves: []json.RawMessage{cveJSON("CVE-2019-10744")}},
	})
	s := newTestSource(t, srv)

	rc, fp, err := s.Fetch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, updates.Fingerprint("2024-03-01T00:00:00"), fp)
	require.Len(t, *seen, 2)
	// A first sync pulls the whole corpus, unwindowed.
	assert.Empty(t, (*seen)[0].start)
	assert.Equal(t, 2000, (*seen)[1].idx)

	feed, err := s.Parse(ctx, rc)
	require.NoError(t, err)
	require.Len(t, feed.CveRecords, 3)

	rec := feed.CveRecords[0]
	assert.Equal(t, "CVE-2020-8203", rec.CveID)
	assert.Equal(t, "prototype pollution", rec.Description)
	assert.Equal(t, stackaudit.High, rec.Severity)
	assert.Equal(t, 7.2, rec.CvssScore)
	// The non-vulnerable and non-application statements are dropped.
	require.Len(t, rec.CpeMatches, 1)
	assert.Equal(t, stackaudit.CpeMatch{
		Vendor:         "lodash",
		Product:        "lodash",
		TargetSoftware: "node.js",
		Version:        "*",
		VersionEndExcl: "4.17.21",
	}, rec.CpeMatches[0])
}

func TestFetchIncrementalUnchanged(t *testing.T) {
	ctx := context.Background()
	srv, seen := servePages(t, map[int]page{0: {Total: 0}})
	s := newTestSource(t, srv)

	_, fp, err := s.Fetch(ctx, "2024-02-01T00:00:00")
	assert.True(t, errors.Is(err, updates.Unchanged))
	assert.Equal(t, updates.Fingerprint("2024-02-01T00:00:00"), fp)
	require.Len(t, *seen, 1)
	assert.Equal(t, "2024-02-01T00:00:00", (*seen)[0].start)
	assert.Equal(t, "2024-03-01T00:00:00", (*seen)[0].end)
}

func TestWindows(t *testing.T) {
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	wins, err := windows("", end)
	require.NoError(t, err)
	require.Len(t, wins, 1)
	assert.True(t, wins[0].zero())

	wins, err = windows("2023-01-01T00:00:00", end)
	require.NoError(t, err)
	require.Len(t, wins, 4)
	for i := 1; i < len(wins); i++ {
		assert.Equal(t, wins[i-1].end, wins[i].start)
		assert.LessOrEqual(t, wins[i].end.Sub(wins[i].start), maxWindow)
	}
	assert.Equal(t, end, wins[len(wins)-1].end)

	_, err = windows("not-a-time", end)
	assert.Error(t, err)
}

func TestMetricsFallback(t *testing.T) {
	var m apiMetrics
	score, sev := metrics(&m)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, stackaudit.Unknown, sev)

	m.CvssMetricV2 = []apiMetric{{}}
	m.CvssMetricV2[0].CvssData.BaseScore = 9.3
	score, sev = metrics(&m)
	assert.Equal(t, 9.3, score)
	assert.Equal(t, stackaudit.Critical, sev)

	m.CvssMetricV31 = []apiMetric{{}}
	m.CvssMetricV31[0].CvssData.BaseScore = 4.3
	m.CvssMetricV31[0].CvssData.BaseSeverity = "MEDIUM"
	score, sev = metrics(&m)
	assert.Equal(t, 4.3, score)
	assert.Equal(t, stackaudit.Medium, sev)
}
