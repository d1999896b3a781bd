package stackaudit

// CveRecord is a vendor/product-keyed vulnerability record, NVD-style.
type CveRecord struct {
	// the CVE identifier, e.g. "CVE-2021-23337"
	CveID string `json:"cve_id"`
	// english description from the source record
	Description string `json:"description,omitempty"`
	// normalized severity
	Severity Severity `json:"severity"`
	// base CVSS score, 0 when the source reports none
	CvssScore float64 `json:"cvss_score,omitempty"`
	// the applicability statements attached to the record
	CpeMatches []CpeMatch `json:"cpe_matches"`
}

// CpeMatch is a single CPE applicability statement from a CVE record.
//
// Version may hold a literal version for exact matching, or "*" together
// with zero or more of the bound fields. Bound fields are mutually
// exclusive per end: at most one of VersionStartIncl/VersionStartExcl and
// at most one of VersionEndIncl/VersionEndExcl is set.
type CpeMatch struct {
	Vendor         string `json:"vendor"`
	Product        string `json:"product"`
	TargetSoftware string `json:"target_software"`
	Version        string `json:"version"`

	VersionStartIncl string `json:"version_start_incl,omitempty"`
	VersionStartExcl string `json:"version_start_excl,omitempty"`
	VersionEndIncl   string `json:"version_end_incl,omitempty"`
	VersionEndExcl   string `json:"version_end_excl,omitempty"`
}

// CpeIndexEntry is the flattened, queryable projection of one CpeMatch of
// one CveRecord.
//
// The whole index is rebuilt on every CVE sync. Entries are never mutated
// in place; a stale index is replaced wholesale by an atomic swap.
type CpeIndexEntry struct {
	CveID     string   `json:"cve_id"`
	Severity  Severity `json:"severity"`
	CvssScore float64  `json:"cvss_score,omitempty"`
	CpeMatch
}

// Bounded reports whether the entry carries any version bound at all.
// An unbounded entry matches any version of its (restricted) target.
func (e *CpeIndexEntry) Bounded() bool {
	return e.VersionStartIncl != "" || e.VersionStartExcl != "" ||
		e.VersionEndIncl != "" || e.VersionEndExcl != ""
}

// Exact reports whether the entry names one literal version.
func (e *CpeIndexEntry) Exact() bool {
	return e.Version != "" && e.Version != "*" && e.Version != "-"
}
