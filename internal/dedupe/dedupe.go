// Package dedupe collapses per-product component lists into the
// platform-wide distinct set that actually gets matched.
//
// Matching cost is proportional to the number of distinct
// (name, ecosystem, version) triples, not to the sum of every product's
// dependency count; the owners map fans results back out to products.
package dedupe

import (
	"sort"

	"github.com/stackaudit/stackaudit"
)

// Result is the deduplicated view of a platform snapshot.
type Result struct {
	// each distinct component exactly once, deterministically ordered
	Distinct []stackaudit.Component
	// component identity → products declaring it
	Owners map[stackaudit.ComponentKey][]string
}

// Dedupe collapses the product → components mapping.
//
// A product declaring the same component twice still appears once in the
// key's owner list.
func Dedupe(products map[string][]stackaudit.Component) *Result {
	res := &Result{
		Owners: make(map[stackaudit.ComponentKey][]string),
	}
	seen := make(map[stackaudit.ComponentKey]stackaudit.Component)

	// Walk products in sorted order so owner lists come out stable.
	ids := make([]string, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		owned := make(map[stackaudit.ComponentKey]struct{})
		for _, c := range products[id] {
			k := c.Key()
			if _, ok := seen[k]; !ok {
				seen[k] = c
			}
			if _, dup := owned[k]; dup {
				continue
			}
			owned[k] = struct{}{}
			res.Owners[k] = append(res.Owners[k], id)
		}
	}

	res.Distinct = make([]stackaudit.Component, 0, len(seen))
	for _, c := range seen {
		res.Distinct = append(res.Distinct, c)
	}
	sort.Slice(res.Distinct, func(i, j int) bool {
		a, b := res.Distinct[i].Key(), res.Distinct[j].Key()
		if a.Ecosystem != b.Ecosystem {
			return a.Ecosystem < b.Ecosystem
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return res
}
