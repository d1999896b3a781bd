package stackaudit

import (
	"fmt"

	"github.com/package-url/packageurl-go"
)

// Component is one entry of a product's SBOM: a software component at a
// pinned version within a package ecosystem.
type Component struct {
	// the package name in its ecosystem's naming scheme
	Name string `json:"name"`
	// the exact declared version
	Version string `json:"version"`
	// the package ecosystem, e.g. "npm", "PyPI", "Go"
	Ecosystem string `json:"ecosystem"`
	// canonical package URL, when the producer supplied one
	PURL string `json:"purl,omitempty"`
}

// ComponentKey identifies a component for matching purposes.
//
// Components sharing a key are matched exactly once platform-wide; the
// version participates because each version can have different fix status.
type ComponentKey struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
	Version   string `json:"version"`
}

// Key returns the component's matching identity.
func (c Component) Key() ComponentKey {
	return ComponentKey{Name: c.Name, Ecosystem: c.Ecosystem, Version: c.Version}
}

func (k ComponentKey) String() string {
	return k.Ecosystem + "/" + k.Name + "@" + k.Version
}

// Purl type → ecosystem names as used by advisory sources.
var purlEcosystems = map[string]string{
	packageurl.TypeNPM:       "npm",
	packageurl.TypePyPi:      "PyPI",
	packageurl.TypeGolang:    "Go",
	packageurl.TypeCargo:     "crates.io",
	packageurl.TypeMaven:     "Maven",
	packageurl.TypeGem:       "RubyGems",
	packageurl.TypeComposer:  "Packagist",
	packageurl.TypeNuget:     "NuGet",
	packageurl.TypeDebian:    "debian",
	packageurl.TypeRPM:       "rpm",
	packageurl.TypeApk:       "alpine",
	packageurl.TypeHex:       "Hex",
	packageurl.TypePub:       "Pub",
	packageurl.TypeSwift:     "SwiftURL",
	packageurl.TypeGeneric:   "generic",
	packageurl.TypeGithub:    "GitHub Actions",
	packageurl.TypeBitbucket: "generic",
}

// ComponentFromPURL builds a Component from a package URL.
//
// Namespaced types keep their namespace in the name, joined the way the
// corresponding advisory ecosystem writes package names ("@scope/name" for
// npm, "group:artifact" for maven, "namespace/name" otherwise).
func ComponentFromPURL(purl string) (*Component, error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return nil, fmt.Errorf("unparsable purl %q: %w", purl, err)
	}
	name := p.Name
	if p.Namespace != "" {
		switch p.Type {
		case packageurl.TypeMaven:
			name = p.Namespace + ":" + p.Name
		default:
			name = p.Namespace + "/" + p.Name
		}
	}
	eco, ok := purlEcosystems[p.Type]
	if !ok {
		eco = p.Type
	}
	return &Component{
		Name:      name,
		Version:   p.Version,
		Ecosystem: eco,
		PURL:      purl,
	}, nil
}
