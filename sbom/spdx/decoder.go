package spdx

import (
	"context"
	"fmt"
	"io"

	spdxjson "github.com/spdx/tools-golang/json"
	"github.com/spdx/tools-golang/spdx/v2/v2_3"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/sbom"
)

// DecoderOption is a type for configuring a Decoder.
type DecoderOption func(*Decoder)

// Decoder converts SPDX documents into component lists.
//
// Known limitations:
//   - Only packages carrying a PURL external reference are picked up;
//     packages described any other way are skipped.
type Decoder struct {
	// The data format to decode.
	Format Format
}

var _ sbom.Decoder = (*Decoder)(nil)

// NewDefaultDecoder creates a Decoder with default values and sets
// optional fields based on the provided options.
func NewDefaultDecoder(options ...DecoderOption) *Decoder {
	d := &Decoder{
		Format: FormatJSON,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// WithDecoderFormat sets the format for decoding.
func WithDecoderFormat(f Format) DecoderOption {
	return func(d *Decoder) {
		d.Format = f
	}
}

// Decode implements sbom.Decoder.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) ([]stackaudit.Component, error) {
	var doc *v2_3.Document
	var err error

	switch d.Format {
	case FormatJSON:
		doc, err = spdxjson.Read(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read SPDX JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", d.Format)
	}

	return d.parseDocument(ctx, doc)
}

func (d *Decoder) parseDocument(ctx context.Context, doc *v2_3.Document) ([]stackaudit.Component, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "sbom/spdx/Decoder.parseDocument")
	var out []stackaudit.Component
	for _, pkg := range doc.Packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ref := range pkg.PackageExternalReferences {
			if ref.RefType != "purl" {
				continue
			}
			c, err := stackaudit.ComponentFromPURL(ref.Locator)
			if err != nil {
				zlog.Warn(ctx).
					Str("purl", ref.Locator).
					Err(err).
					Msg("skipping unparsable purl reference")
				continue
			}
			if c.Version == "" {
				c.Version = pkg.PackageVersion
			}
			if c.Version == "" {
				zlog.Debug(ctx).
					Str("purl", ref.Locator).
					Msg("skipping unversioned package")
				continue
			}
			out = append(out, *c)
		}
	}
	return out, nil
}
