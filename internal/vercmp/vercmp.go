// Package vercmp implements version ordering under each package
// ecosystem's native scheme.
//
// Most registry ecosystems (npm, PyPI, Go, crates.io, Maven, RubyGems)
// order close enough to semver for range evaluation; distribution
// ecosystems get their real orderings via the dedicated libraries.
package vercmp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	apk "github.com/knqyf263/go-apk-version"
	deb "github.com/knqyf263/go-deb-version"
	rpm "github.com/knqyf263/go-rpm-version"

	"github.com/stackaudit/stackaudit"
)

// Compare returns -1, 0 or 1 as a orders before, equal to or after b
// under the named ecosystem's scheme.
func Compare(ecosystem, a, b string) (int, error) {
	switch strings.ToLower(ecosystem) {
	case "debian", "ubuntu":
		va, err := deb.NewVersion(a)
		if err != nil {
			return 0, fmt.Errorf("vercmp: bad debian version %q: %w", a, err)
		}
		vb, err := deb.NewVersion(b)
		if err != nil {
			return 0, fmt.Errorf("vercmp: bad debian version %q: %w", b, err)
		}
		return va.Compare(vb), nil
	case "rpm", "redhat", "fedora", "suse", "amazon", "oracle", "rocky", "alma":
		return rpm.NewVersion(a).Compare(rpm.NewVersion(b)), nil
	case "alpine":
		va, err := apk.NewVersion(a)
		if err != nil {
			return 0, fmt.Errorf("vercmp: bad apk version %q: %w", a, err)
		}
		vb, err := apk.NewVersion(b)
		if err != nil {
			return 0, fmt.Errorf("vercmp: bad apk version %q: %w", b, err)
		}
		return va.Compare(vb), nil
	}
	return semverish(a, b)
}

// Semverish compares under semver rules when both sides parse, falling
// back to a lenient dotted comparison otherwise. Pre-release segments
// order before the corresponding release, per semver.
func semverish(a, b string) (int, error) {
	va, aerr := semver.NewVersion(a)
	vb, berr := semver.NewVersion(b)
	if aerr == nil && berr == nil {
		return va.Compare(vb), nil
	}
	return lenient(a, b), nil
}

// Lenient orders dotted tokens numerically where possible and
// lexically otherwise; missing trailing tokens count as zero.
func lenient(a, b string) int {
	as := tokens(a)
	bs := tokens(b)
	for len(as) < len(bs) {
		as = append(as, "0")
	}
	for len(bs) < len(as) {
		bs = append(bs, "0")
	}
	for i := range as {
		an, aok := atoi(as[i])
		bn, bok := atoi(bs[i])
		switch {
		case aok && bok:
			if an != bn {
				return cmpInt(an, bn)
			}
		case aok:
			// numeric orders after non-numeric: "1.0" > "1.0-rc"
			return 1
		case bok:
			return -1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return 0
}

func tokens(v string) []string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '-' || r == '+' || r == '_' || r == '~'
	})
}

func atoi(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// InRange reports whether v falls inside r under the ecosystem's
// ordering: Introduced <= v (Introduced < v for an exclusive lower
// bound), v < Fixed when Fixed is set, and v <= LastAffected when
// LastAffected is set.
//
// An empty or "0" Introduced bound is satisfied by every version.
func InRange(ecosystem, v string, r stackaudit.AffectedRange) (bool, error) {
	if intro := r.Introduced; intro != "" && intro != "0" {
		c, err := Compare(ecosystem, v, intro)
		if err != nil {
			return false, err
		}
		if c < 0 || (c == 0 && r.IntroducedExclusive) {
			return false, nil
		}
	}
	if r.Fixed != "" {
		c, err := Compare(ecosystem, v, r.Fixed)
		if err != nil {
			return false, err
		}
		if c >= 0 {
			return false, nil
		}
	}
	if r.LastAffected != "" {
		c, err := Compare(ecosystem, v, r.LastAffected)
		if err != nil {
			return false, err
		}
		if c > 0 {
			return false, nil
		}
	}
	return true, nil
}
