package stackaudit

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Severity is the normalized severity scale every source vocabulary is
// mapped onto.
type Severity uint

const (
	Unknown Severity = iota
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{
	Unknown:  "Unknown",
	Low:      "Low",
	Medium:   "Medium",
	High:     "High",
	Critical: "Critical",
}

func (s Severity) String() string {
	if int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", uint(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a source severity token onto the normalized scale.
//
// The mapping is total: tokens outside every known vocabulary come back as
// Unknown, never an error. Known vocabularies are NVD ("LOW".."CRITICAL"),
// GitHub ("low", "moderate", "high", "critical") and the assorted
// distribution scales ("negligible", "important", "severe", ...).
func ParseSeverity(v string) Severity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "negligible", "minimal", "low":
		return Low
	case "medium", "moderate":
		return Medium
	case "high", "important", "severe":
		return High
	case "critical":
		return Critical
	}
	return Unknown
}

// FromCVSS maps a CVSS base score onto the normalized scale, using the
// v3.x qualitative rating boundaries.
func FromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score > 0:
		return Low
	}
	return Unknown
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if strings.EqualFold(n, string(b)) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Severity) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v < 0 || v >= int64(len(severityNames)) {
			return fmt.Errorf("unable to scan Severity from enum %d", v)
		}
		*s = Severity(v)
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
	return nil
}
