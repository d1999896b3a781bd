package stackaudit

// Source discriminates which kind of vulnerability record produced a match.
type Source string

const (
	SourceAdvisory Source = "advisory"
	SourceCVE      Source = "cve"
)

// MatchResult is the normalized outcome of matching one component against
// one vulnerability record, before fan-out to owning products.
type MatchResult struct {
	// which matching sub-algorithm produced the result
	Source Source `json:"source"`
	// the advisory ID or CVE ID
	SourceID string `json:"source_id"`
	// normalized severity of the matched record
	Severity Severity `json:"severity"`
	// the first version no longer affected, when the record declares one
	FixedVersion string `json:"fixed_version,omitempty"`
}

// FindingStatus is the disposition of a Finding.
//
// Open is the default. The other states are operator-set and carry over
// between scans by natural key, not by row identity.
type FindingStatus string

const (
	StatusOpen      FindingStatus = "open"
	StatusMitigated FindingStatus = "mitigated"
	StatusDismissed FindingStatus = "dismissed"
	StatusClosed    FindingStatus = "closed"
)

// Finding is one matched vulnerability attributed to one product's
// component. Findings are produced fresh on every scan run.
type Finding struct {
	// the product whose SBOM declared the component
	ProductID string `json:"product_id"`
	// the matched component
	Component Component `json:"component"`
	// which kind of record matched, and its ID
	Source   Source `json:"source"`
	SourceID string `json:"source_id"`
	// normalized severity
	Severity Severity `json:"severity"`
	// the first unaffected version, when known
	FixedVersion string `json:"fixed_version,omitempty"`
	// current disposition
	Status FindingStatus `json:"status"`
}

// NaturalKey identifies the same logical finding across scan runs:
// the component's matching identity plus the vulnerability reference,
// scoped to the owning product.
func (f *Finding) NaturalKey() string {
	return f.ProductID + "|" + f.Component.Key().String() + "|" + f.SourceID
}
