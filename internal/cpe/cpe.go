// Package cpe handles the subset of CPE 2.3 formatted-string parsing the
// CVE sync pipeline needs: picking the vendor, product, version and
// target-software attributes out of a bound "cpe:2.3:..." string.
package cpe

import (
	"fmt"
	"strings"
)

const prefix = `cpe:2.3:`

// Attribute positions within a 2.3 formatted string, after the "cpe" and
// "2.3" segments.
const (
	attrPart = iota
	attrVendor
	attrProduct
	attrVersion
	attrUpdate
	attrEdition
	attrLanguage
	attrSwEdition
	attrTargetSW
	attrTargetHW
	attrOther
	numAttr
)

// Name is the unbound form of the attributes the matcher cares about.
//
// The special bound values "*" (ANY) and "-" (NA) are preserved as-is;
// everything else is unquoted.
type Name struct {
	Part           string
	Vendor         string
	Product        string
	Version        string
	TargetSoftware string
}

// ParseFS unbinds a CPE 2.3 formatted string.
func ParseFS(s string) (Name, error) {
	var n Name
	if !strings.HasPrefix(s, prefix) {
		return n, fmt.Errorf("cpe: malformed formatted string %q", s)
	}
	fs := splitFS(s)
	if len(fs) != numAttr+2 {
		return n, fmt.Errorf("cpe: expected %d segments in %q, got %d", numAttr+2, s, len(fs))
	}
	attrs := fs[2:]
	n.Part = unquote(attrs[attrPart])
	n.Vendor = unquote(attrs[attrVendor])
	n.Product = unquote(attrs[attrProduct])
	n.Version = unquote(attrs[attrVersion])
	n.TargetSoftware = unquote(attrs[attrTargetSW])
	return n, nil
}

// SplitFS splits on unescaped colons.
func splitFS(s string) []string {
	var fs []string
	prev, esc := 0, false
	for i, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\':
			esc = true
		case r == ':':
			fs = append(fs, s[prev:i])
			prev = i + 1
		}
	}
	return append(fs, s[prev:])
}

// Unquote strips the backslash quoting of bound values. The ANY and NA
// markers pass through unchanged.
func unquote(s string) string {
	if s == "*" || s == "-" || s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	esc := false
	for _, r := range s {
		if r == '\\' && !esc {
			esc = true
			continue
		}
		esc = false
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Wildcard reports whether the attribute value is the ANY ("*"), NA ("-")
// or unset value.
func Wildcard(v string) bool {
	return v == "*" || v == "-" || v == ""
}
