package stackaudit

// Advisory is a package-ecosystem vulnerability record, OSV/GHSA-style,
// keyed by advisory ID within an ecosystem.
type Advisory struct {
	// the advisory identifier, e.g. "GHSA-xxxx-...." or "GO-2021-0113"
	ID string `json:"id"`
	// the package ecosystem this advisory applies to, e.g. "npm"
	Ecosystem string `json:"ecosystem"`
	// the affected package's name in its ecosystem's naming scheme
	PackageName string `json:"package_name"`
	// alternative identifiers for the same defect, typically CVE ids
	Aliases []string `json:"aliases,omitempty"`
	// normalized severity
	Severity Severity `json:"severity"`
	// one-line human readable description
	Summary string `json:"summary,omitempty"`
	// version ranges in which the package is affected
	AffectedRanges []AffectedRange `json:"affected_ranges"`
}

// AffectedRange is one contiguous span of affected versions, expressed in
// the ecosystem's native versioning scheme.
//
// A version v is inside the range when Introduced <= v (or Introduced < v
// when IntroducedExclusive is set), v < Fixed (when Fixed is set) and
// v <= LastAffected (when LastAffected is set).
type AffectedRange struct {
	Introduced string `json:"introduced"`
	// IntroducedExclusive excludes the Introduced version itself from
	// the range. GHSA bare ">" clauses need it; OSV events never do.
	IntroducedExclusive bool   `json:"introduced_exclusive,omitempty"`
	Fixed               string `json:"fixed,omitempty"`
	LastAffected        string `json:"last_affected,omitempty"`
}
