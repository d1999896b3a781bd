// Package nvd feeds CVE records from the NVD 2.0 REST API.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/cpe"
	"github.com/stackaudit/stackaudit/internal/tmp"
	"github.com/stackaudit/stackaudit/updates"
)

// DefaultURL is the NVD 2.0 CVE API endpoint.
const DefaultURL = `https://services.nvd.nist.gov/rest/json/cves/2.0/`

const (
	pageSize   = 2000
	timeFormat = "2006-01-02T15:04:05"
	// The API caps lastModStartDate..lastModEndDate spans at 120 days.
	maxWindow = 120 * 24 * time.Hour
	retry     = 5
)

// Source pages through the CVE API. With an empty fingerprint the whole
// corpus is pulled; afterwards only records modified since the previous
// sync are requested.
type Source struct {
	c       *http.Client
	root    *url.URL
	apiKey  string
	limiter *rate.Limiter
	now     func() time.Time
}

var _ updates.Source = (*Source)(nil)

// Option is a constructor option for an NVD Source.
type Option func(*Source) error

// WithClient sets the http.Client used for fetching.
func WithClient(c *http.Client) Option {
	return func(s *Source) error {
		s.c = c
		return nil
	}
}

// WithURL overrides the API endpoint. Meant for tests.
func WithURL(root string) Option {
	return func(s *Source) (err error) {
		s.root, err = url.Parse(root)
		return err
	}
}

// WithAPIKey sets the NVD API key, which raises the permitted request rate
// from 5 to 50 per 30 seconds.
func WithAPIKey(key string) Option {
	return func(s *Source) error {
		s.apiKey = key
		s.limiter = rate.NewLimiter(rate.Limit(50.0/30.0), 1)
		return nil
	}
}

// New returns an NVD Source.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		c:       http.DefaultClient,
		limiter: rate.NewLimiter(rate.Limit(5.0/30.0), 1),
		now:     time.Now,
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

// Name implements updates.Source.
func (s *Source) Name() string { return "nvd" }

// Ecosystem implements updates.Source.
func (s *Source) Ecosystem() string { return "cve" }

// Fetch implements updates.Source.
//
// The fingerprint is the wall-clock time of the previous successful fetch.
// Requests are windowed on lastModStartDate/lastModEndDate, chunked to the
// API's 120-day maximum span. Pages are spooled to a temporary file as a
// stream of JSON documents for Parse.
func (s *Source) Fetch(ctx context.Context, prev updates.Fingerprint) (io.ReadCloser, updates.Fingerprint, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "updates/nvd/Source.Fetch")
	end := s.now().UTC()
	// A malformed fingerprint degrades to a full pull.
	wins, err := windows(string(prev), end)
	if err != nil {
		zlog.Info(ctx).
			Str("fingerprint", string(prev)).
			Msg("disregarding malformed previous fingerprint")
	}

	out, err := tmp.NewFile("", "nvd.fetch.*.json")
	if err != nil {
		return nil, prev, err
	}
	var total int
	for _, w := range wins {
		n, err := s.fetchWindow(ctx, out, w)
		if err != nil {
			out.Close()
			return nil, prev, err
		}
		total += n
	}
	if total == 0 && prev != "" {
		out.Close()
		return nil, prev, updates.Unchanged
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return nil, prev, err
	}
	zlog.Debug(ctx).
		Int("records", total).
		Msg("fetched modified records")
	return out, updates.Fingerprint(end.Format(timeFormat)), nil
}

// window is one lastModStartDate..lastModEndDate span. A zero window means
// an unwindowed full pull.
type window struct {
	start, end time.Time
}

func (w window) zero() bool { return w.start.IsZero() && w.end.IsZero() }

func windows(prev string, end time.Time) ([]window, error) {
	if prev == "" {
		return []window{{}}, nil
	}
	start, err := time.Parse(timeFormat, prev)
	if err != nil {
		return []window{{}}, err
	}
	var out []window
	for end.Sub(start) > maxWindow {
		next := start.Add(maxWindow)
		out = append(out, window{start: start, end: next})
		start = next
	}
	return append(out, window{start: start, end: end}), nil
}

func (s *Source) fetchWindow(ctx context.Context, out io.Writer, w window) (int, error) {
	var total int
	for idx := 0; ; {
		page, raw, err := s.fetchPage(ctx, w, idx)
		if err != nil {
			return total, err
		}
		if _, err := out.Write(raw); err != nil {
			return total, err
		}
		total += len(page.Vulnerabilities)
		idx += pageSize
		if idx >= page.TotalResults {
			return total, nil
		}
	}
}

func (s *Source) fetchPage(ctx context.Context, w window, startIndex int) (*apiResponse, []byte, error) {
	u := *s.root
	q := u.Query()
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(pageSize))
	if !w.zero() {
		q.Set("lastModStartDate", w.start.Format(timeFormat))
		q.Set("lastModEndDate", w.end.Format(timeFormat))
	}
	u.RawQuery = q.Encode()

	for i := 0; ; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		res, err := s.get(ctx, u.String())
		if err == nil {
			var page apiResponse
			raw, err := io.ReadAll(res)
			res.Close()
			if err != nil {
				return nil, nil, err
			}
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, nil, fmt.Errorf("nvd: malformed page at index %d: %w", startIndex, err)
			}
			return &page, raw, nil
		}
		if i >= retry {
			return nil, nil, err
		}
		zlog.Debug(ctx).
			Err(err).
			Int("attempt", i+1).
			Msg("retrying page")
	}
}

func (s *Source) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept-encoding", "gzip")
	if s.apiKey != "" {
		req.Header.Set("apiKey", s.apiKey)
	}
	res, err := s.c.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("nvd: unexpected response: %s", res.Status)
	}
	if strings.EqualFold(res.Header.Get("content-encoding"), "gzip") {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			res.Body.Close()
			return nil, err
		}
		return &gzipReader{gz: gz, body: res.Body}, nil
	}
	return res.Body, nil
}

type gzipReader struct {
	gz   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReader) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReader) Close() error {
	if err := g.gz.Close(); err != nil {
		g.body.Close()
		return err
	}
	return g.body.Close()
}

// Parse implements updates.Source.
//
// Only applicability statements for vulnerable application-part ("a") CPEs
// survive normalization; records left with no statements are dropped.
func (s *Source) Parse(ctx context.Context, contents io.ReadCloser) (*updates.ParsedFeed, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "updates/nvd/Source.Parse")
	defer contents.Close()

	feed := &updates.ParsedFeed{}
	var skipped int
	dec := json.NewDecoder(contents)
	for {
		var page apiResponse
		err := dec.Decode(&page)
		switch {
		case err == io.EOF:
			zlog.Info(ctx).
				Int("count", len(feed.CveRecords)).
				Int("skipped", skipped).
				Msg("parsed records")
			return feed, nil
		case err != nil:
			return nil, fmt.Errorf("nvd: decoding page: %w", err)
		}
		for i := range page.Vulnerabilities {
			rec, ok := record(&page.Vulnerabilities[i].Cve)
			if !ok {
				skipped++
				continue
			}
			feed.CveRecords = append(feed.CveRecords, rec)
		}
	}
}

func record(c *apiCve) (stackaudit.CveRecord, bool) {
	rec := stackaudit.CveRecord{CveID: c.ID}
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			rec.Description = d.Value
			break
		}
	}
	rec.CvssScore, rec.Severity = metrics(&c.Metrics)
	for _, cfg := range c.Configurations {
		for _, node := range cfg.Nodes {
			for _, m := range node.CpeMatch {
				if !m.Vulnerable {
					continue
				}
				name, err := cpe.ParseFS(m.Criteria)
				if err != nil || name.Part != "a" {
					continue
				}
				rec.CpeMatches = append(rec.CpeMatches, stackaudit.CpeMatch{
					Vendor:           name.Vendor,
					Product:          name.Product,
					TargetSoftware:   name.TargetSoftware,
					Version:          name.Version,
					VersionStartIncl: m.VersionStartIncluding,
					VersionStartExcl: m.VersionStartExcluding,
					VersionEndIncl:   m.VersionEndIncluding,
					VersionEndExcl:   m.VersionEndExcluding,
				})
			}
		}
	}
	if len(rec.CpeMatches) == 0 {
		return stackaudit.CveRecord{}, false
	}
	return rec, true
}

// metrics picks the base score and severity, preferring CVSS v3.1 over
// v3.0 over v2. A missing severity word falls back to the score.
func metrics(m *apiMetrics) (float64, stackaudit.Severity) {
	for _, set := range [][]apiMetric{m.CvssMetricV31, m.CvssMetricV30} {
		if len(set) == 0 {
			continue
		}
		d := set[0].CvssData
		sev := stackaudit.ParseSeverity(d.BaseSeverity)
		if sev == stackaudit.Unknown {
			sev = stackaudit.FromCVSS(d.BaseScore)
		}
		return d.BaseScore, sev
	}
	if len(m.CvssMetricV2) != 0 {
		d := m.CvssMetricV2[0].CvssData
		return d.BaseScore, stackaudit.FromCVSS(d.BaseScore)
	}
	return 0, stackaudit.Unknown
}
