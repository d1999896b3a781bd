package osv

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/updates"
)

func buildDump(t *testing.T, entries ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, e := range entries {
		w, err := zw.Create(string(rune('a'+i)) + ".json")
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(e))
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveDump(t *testing.T, dump []byte, etag string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("if-none-match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("etag", etag)
		w.Write(dump)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchUnchanged(t *testing.T) {
	ctx := context.Background()
	srv := serveDump(t, buildDump(t), `"v1"`)
	s, err := New("npm", WithURL(srv.URL+"/"), WithClient(srv.Client()))
	require.NoError(t, err)

	rc, fp, err := s.Fetch(ctx, "")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, updates.Fingerprint(`"v1"`), fp)

	_, fp2, err := s.Fetch(ctx, fp)
	assert.True(t, errors.Is(err, updates.Unchanged))
	assert.Equal(t, fp, fp2)
}

func TestParse(t *testing.T) {
	ctx := context.Background()
	dump := buildDump(t,
		entry{
			ID:      "GHSA-35jh-r3h4-6jhm",
			Aliases: []string{"CVE-2021-23337"},
			Summary: "Command injection in lodash",
			Affected: []affected{{
				Package: pkg{Ecosystem: "npm", Name: "lodash"},
				Ranges: []rangeDef{{
					Type: "SEMVER",
					Events: []event{
						{Introduced: "0"},
						{Fixed: "4.17.21"},
					},
				}},
			}},
			Database: databaseSpecific{Severity: "HIGH"},
		},
		entry{
			ID: "GHSA-withdrawn",
			Affected: []affected{{
				Package: pkg{Ecosystem: "npm", Name: "left-pad"},
				Ranges: []rangeDef{{
					Type:   "SEMVER",
					Events: []event{{Introduced: "0"}},
				}},
			}},
			Withdrawn: "2021-01-01T00:00:00Z",
		},
		entry{
			ID: "GHSA-pins",
			Affected: []affected{{
				Package:  pkg{Ecosystem: "npm", Name: "event-stream"},
				Versions: []string{"3.3.6"},
			}},
		},
		entry{
			ID: "GHSA-other-eco",
			Affected: []affected{{
				Package: pkg{Ecosystem: "PyPI", Name: "requests"},
				Ranges: []rangeDef{{
					Type:   "ECOSYSTEM",
					Events: []event{{Introduced: "0"}, {Fixed: "2.0"}},
				}},
			}},
		},
	)
	srv := serveDump(t, dump, `"v1"`)
	s, err := New("npm", WithURL(srv.URL+"/"), WithClient(srv.Client()))
	require.NoError(t, err)

	rc, _, err := s.Fetch(ctx, "")
	require.NoError(t, err)
	feed, err := s.Parse(ctx, rc)
	require.NoError(t, err)

	require.Len(t, feed.Advisories, 2)
	lodash := feed.Advisories[0]
	assert.Equal(t, "GHSA-35jh-r3h4-6jhm", lodash.ID)
	assert.Equal(t, "npm", lodash.Ecosystem)
	assert.Equal(t, "lodash", lodash.PackageName)
	assert.Equal(t, stackaudit.High, lodash.Severity)
	require.Len(t, lodash.AffectedRanges, 1)
	assert.Equal(t, stackaudit.AffectedRange{Introduced: "0", Fixed: "4.17.21"}, lodash.AffectedRanges[0])

	pins := feed.Advisories[1]
	assert.Equal(t, "event-stream", pins.PackageName)
	require.Len(t, pins.AffectedRanges, 1)
	assert.Equal(t, stackaudit.AffectedRange{Introduced: "3.3.6", LastAffected: "3.3.6"}, pins.AffectedRanges[0])
}

func TestParseSpooledReader(t *testing.T) {
	ctx := context.Background()
	dump := buildDump(t, entry{
		ID: "GHSA-spool",
		Affected: []affected{{
			Package: pkg{Ecosystem: "npm", Name: "minimist"},
			Ranges: []rangeDef{{
				Type:   "SEMVER",
				Events: []event{{Introduced: "0"}, {Fixed: "1.2.6"}},
			}},
		}},
	})
	s, err := New("npm")
	require.NoError(t, err)

	feed, err := s.Parse(ctx, io.NopCloser(bytes.NewReader(dump)))
	require.NoError(t, err)
	require.Len(t, feed.Advisories, 1)
	assert.Equal(t, "minimist", feed.Advisories[0].PackageName)
}
