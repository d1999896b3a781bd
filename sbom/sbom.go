// Package sbom is the boundary through which product component
// inventories enter a scan. Inventories are produced elsewhere; a Source
// only reports what is currently declared.
package sbom

import (
	"context"
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
)

// Source reports the current component declarations of every product.
type Source interface {
	// Snapshot returns components keyed by product id. The snapshot is
	// taken once per scan; later declaration changes do not affect a
	// running scan.
	Snapshot(ctx context.Context) (map[string][]stackaudit.Component, error)
}

// Decoder turns one SBOM document into its component list.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) ([]stackaudit.Component, error)
}

// Static is a fixed in-memory Source.
type Static map[string][]stackaudit.Component

var _ Source = (Static)(nil)

// Snapshot implements Source.
func (s Static) Snapshot(context.Context) (map[string][]stackaudit.Component, error) {
	return s, nil
}

// FS serves SBOM documents out of a file tree, one document per product.
// The file's base name, with the extension stripped, is the product id:
// "billing.spdx.json" declares product "billing".
type FS struct {
	sys fs.FS
	dec Decoder
	ext string
}

var _ Source = (*FS)(nil)

// NewFS returns a Source reading documents matching ext, e.g.
// ".spdx.json", from sys.
func NewFS(sys fs.FS, dec Decoder, ext string) *FS {
	return &FS{sys: sys, dec: dec, ext: ext}
}

// Snapshot implements Source.
func (s *FS) Snapshot(ctx context.Context) (map[string][]stackaudit.Component, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "sbom/FS.Snapshot")
	out := make(map[string][]stackaudit.Component)
	err := fs.WalkDir(s.sys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, s.ext) {
			return err
		}
		f, err := s.sys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		cs, err := s.dec.Decode(ctx, f)
		if err != nil {
			zlog.Warn(ctx).
				Str("document", p).
				Err(err).
				Msg("skipping undecodable document")
			return nil
		}
		out[productID(p, s.ext)] = cs
		return nil
	})
	if err != nil {
		return nil, err
	}
	zlog.Debug(ctx).
		Int("products", len(out)).
		Msg("snapshotted declarations")
	return out, nil
}

func productID(p, ext string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimSuffix(p, ext)
}

// SortComponents orders a component list for stable output.
func SortComponents(cs []stackaudit.Component) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch {
		case a.Ecosystem != b.Ecosystem:
			return a.Ecosystem < b.Ecosystem
		case a.Name != b.Name:
			return a.Name < b.Name
		default:
			return a.Version < b.Version
		}
	})
}
