// Package updates drives feed synchronization: fetching raw advisory and
// CVE feeds, normalizing them, and loading them into the store.
package updates

import (
	"context"
	"errors"
	"io"

	"github.com/stackaudit/stackaudit"
)

// Fingerprint is some source-defined datum identifying feed contents.
// A source may return Unchanged from Fetch when the previous fingerprint
// still describes the remote data.
type Fingerprint string

// Unchanged is returned from a Source's Fetch when the remote feed has
// not changed since the previous fingerprint.
var Unchanged = errors.New("feed unchanged")

// Source fetches and parses one vulnerability feed.
//
// Raw feed shapes stay behind Parse: the rest of the system only ever
// sees the normalized records in a ParsedFeed.
type Source interface {
	// Name uniquely identifies the source, e.g. "osv/npm".
	Name() string
	// Ecosystem names the package ecosystem the source feeds, or "cve"
	// for vendor/product-keyed sources.
	Ecosystem() string
	// Fetch retrieves the raw feed. The returned fingerprint is handed
	// back on the next Fetch.
	Fetch(ctx context.Context, prev Fingerprint) (io.ReadCloser, Fingerprint, error)
	// Parse normalizes the raw feed. Parse closes the reader.
	Parse(ctx context.Context, contents io.ReadCloser) (*ParsedFeed, error)
}

// ParsedFeed is a feed normalized into store records. Exactly one of the
// slices is populated for any given source.
type ParsedFeed struct {
	Advisories []stackaudit.Advisory
	CveRecords []stackaudit.CveRecord
}
