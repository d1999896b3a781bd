package osv

// Wire types for the subset of the OSV schema consumed here. See
// https://ossf.github.io/osv-schema/ for the full shape.

type entry struct {
	ID        string           `json:"id"`
	Withdrawn string           `json:"withdrawn,omitempty"`
	Aliases   []string         `json:"aliases,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Affected  []affected       `json:"affected,omitempty"`
	Database  databaseSpecific `json:"database_specific,omitempty"`
}

type affected struct {
	Package  pkg        `json:"package,omitempty"`
	Ranges   []rangeDef `json:"ranges,omitempty"`
	Versions []string   `json:"versions,omitempty"`
}

type pkg struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name,omitempty"`
	Purl      string `json:"purl,omitempty"`
}

type rangeDef struct {
	Type   string  `json:"type,omitempty"`
	Events []event `json:"events,omitempty"`
}

type event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

// databaseSpecific is free-form per the schema; GitHub-exported entries
// carry their severity word here.
type databaseSpecific struct {
	Severity string `json:"severity,omitempty"`
}
