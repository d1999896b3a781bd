// Package osv feeds OSV-formatted advisories, one Source per ecosystem
// directory of the OSV data dumps.
package osv

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/tmp"
	"github.com/stackaudit/stackaudit/updates"
)

// DefaultURL is the bucket provided by the OSV project.
const DefaultURL = `https://osv-vulnerabilities.storage.googleapis.com/`

// Ecosystems are the OSV dump directories synced by default. The names are
// the OSV ecosystem spellings, which double as our canonical ecosystem
// names.
var Ecosystems = []string{"npm", "PyPI", "Go", "crates.io", "Maven", "RubyGems"}

// Source fetches one ecosystem's "all.zip" dump and normalizes its entries
// into advisories.
type Source struct {
	c         *http.Client
	root      *url.URL
	ecosystem string
}

var _ updates.Source = (*Source)(nil)

// Option is a constructor option for an OSV Source.
type Option func(*Source) error

// WithClient sets the http.Client used for fetching.
func WithClient(c *http.Client) Option {
	return func(s *Source) error {
		s.c = c
		return nil
	}
}

// WithURL overrides the dump root URL. Meant for tests.
func WithURL(root string) Option {
	return func(s *Source) (err error) {
		s.root, err = url.Parse(root)
		return err
	}
}

// New returns a Source for the named OSV ecosystem.
func New(ecosystem string, opts ...Option) (*Source, error) {
	s := &Source{
		c:         http.DefaultClient,
		ecosystem: ecosystem,
	}
	var err error
	s.root, err = url.Parse(DefaultURL)
	if err != nil {
		panic(fmt.Sprintf("programmer error: %v", err))
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Sources returns one Source per default ecosystem.
func Sources(opts ...Option) ([]updates.Source, error) {
	out := make([]updates.Source, 0, len(Ecosystems))
	for _, e := range Ecosystems {
		s, err := New(e, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Name implements updates.Source.
func (s *Source) Name() string {
	return "osv/" + strings.ToLower(s.ecosystem)
}

// Ecosystem implements updates.Source.
func (s *Source) Ecosystem() string {
	return s.ecosystem
}

// Fetch implements updates.Source.
//
// The fingerprint is the dump's ETag; an If-None-Match hit reports
// updates.Unchanged without downloading the zip.
func (s *Source) Fetch(ctx context.Context, prev updates.Fingerprint) (io.ReadCloser, updates.Fingerprint, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "updates/osv/Source.Fetch",
		"source", s.Name())
	u := s.root.JoinPath(s.ecosystem, "all.zip")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, prev, err
	}
	if prev != "" {
		req.Header.Set("if-none-match", string(prev))
	}
	res, err := s.c.Do(req)
	if err != nil {
		return nil, prev, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, prev, updates.Unchanged
	default:
		return nil, prev, fmt.Errorf("osv: unexpected response fetching %q: %s", u.String(), res.Status)
	}

	out, err := tmp.NewFile("", "osv."+s.ecosystem+".*.zip")
	if err != nil {
		return nil, prev, err
	}
	n, err := io.Copy(out, res.Body)
	if err != nil {
		out.Close()
		return nil, prev, err
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return nil, prev, err
	}
	zlog.Debug(ctx).
		Int64("size", n).
		Msg("fetched ecosystem dump")
	return out, updates.Fingerprint(res.Header.Get("etag")), nil
}

// Parse implements updates.Source.
func (s *Source) Parse(ctx context.Context, contents io.ReadCloser) (*updates.ParsedFeed, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "updates/osv/Source.Parse",
		"source", s.Name())
	defer contents.Close()

	ra, size, spool, err := readerAt(contents)
	if err != nil {
		return nil, err
	}
	if spool != nil {
		defer spool.Close()
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("osv: malformed dump: %w", err)
	}

	feed := &updates.ParsedFeed{}
	var skipped []string
	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".json") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("osv: opening %q: %w", zf.Name, err)
		}
		var e entry
		err = json.NewDecoder(rc).Decode(&e)
		rc.Close()
		if err != nil {
			skipped = append(skipped, zf.Name)
			continue
		}
		if adv, ok := s.advisory(&e); ok {
			feed.Advisories = append(feed.Advisories, adv)
		}
	}
	if len(skipped) != 0 {
		zlog.Warn(ctx).
			Strs("entries", skipped).
			Msg("skipped undecodable entries")
	}
	zlog.Info(ctx).
		Int("count", len(feed.Advisories)).
		Msg("parsed advisories")
	return feed, nil
}

// readerAt adapts the fetched contents for archive/zip. A fetched *tmp.File
// is used directly; anything else is spooled to a temporary file first, and
// the caller closes the returned spool when non-nil.
func readerAt(rc io.ReadCloser) (io.ReaderAt, int64, *tmp.File, error) {
	type file interface {
		io.ReaderAt
		Stat() (os.FileInfo, error)
	}
	if f, ok := rc.(file); ok {
		fi, err := f.Stat()
		if err != nil {
			return nil, 0, nil, err
		}
		return f, fi.Size(), nil, nil
	}
	spool, err := tmp.NewFile("", "osv.parse.*.zip")
	if err != nil {
		return nil, 0, nil, err
	}
	size, err := io.Copy(spool, rc)
	if err != nil {
		spool.Close()
		return nil, 0, nil, err
	}
	return spool, size, spool, nil
}

// advisory converts one OSV entry into a normalized Advisory. The second
// return is false when the entry is withdrawn or carries nothing usable for
// this ecosystem.
func (s *Source) advisory(e *entry) (stackaudit.Advisory, bool) {
	if e.Withdrawn != "" {
		return stackaudit.Advisory{}, false
	}
	adv := stackaudit.Advisory{
		ID:        e.ID,
		Ecosystem: s.ecosystem,
		Aliases:   e.Aliases,
		Severity:  stackaudit.ParseSeverity(e.Database.Severity),
		Summary:   e.Summary,
	}
	for _, a := range e.Affected {
		if !strings.EqualFold(a.Package.Ecosystem, s.ecosystem) {
			continue
		}
		// One row per advisory per ecosystem: the first affected package
		// names the advisory and contributes its ranges.
		if adv.PackageName == "" {
			adv.PackageName = a.Package.Name
		}
		if a.Package.Name != adv.PackageName {
			continue
		}
		for _, r := range a.Ranges {
			switch r.Type {
			case "ECOSYSTEM", "SEMVER":
			default:
				// GIT ranges name revisions, not releases.
				continue
			}
			var cur *stackaudit.AffectedRange
			for _, ev := range r.Events {
				switch {
				case ev.Introduced != "":
					adv.AffectedRanges = append(adv.AffectedRanges, stackaudit.AffectedRange{Introduced: ev.Introduced})
					cur = &adv.AffectedRanges[len(adv.AffectedRanges)-1]
				case ev.Fixed != "":
					if cur != nil {
						cur.Fixed = ev.Fixed
					}
				case ev.LastAffected != "":
					if cur != nil {
						cur.LastAffected = ev.LastAffected
					}
				}
			}
		}
		for _, v := range a.Versions {
			adv.AffectedRanges = append(adv.AffectedRanges, stackaudit.AffectedRange{
				Introduced:   v,
				LastAffected: v,
			})
		}
	}
	if adv.PackageName == "" || len(adv.AffectedRanges) == 0 {
		return stackaudit.Advisory{}, false
	}
	return adv, true
}
