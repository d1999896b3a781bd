package cpe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFS(t *testing.T) {
	tt := []struct {
		In   string
		Want Name
	}{
		{
			In: `cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*`,
			Want: Name{
				Part: "a", Vendor: "lodash", Product: "lodash",
				Version: "*", TargetSoftware: "node.js",
			},
		},
		{
			In: `cpe:2.3:a:pivotal_software:spring_framework:4.3.0:*:*:*:*:*:*:*`,
			Want: Name{
				Part: "a", Vendor: "pivotal_software", Product: "spring_framework",
				Version: "4.3.0", TargetSoftware: "*",
			},
		},
		{
			In: `cpe:2.3:a:f5:nginx:1.21.0:*:*:*:*:-:*:*`,
			Want: Name{
				Part: "a", Vendor: "f5", Product: "nginx",
				Version: "1.21.0", TargetSoftware: "-",
			},
		},
		{
			// escaped colon inside an attribute
			In: `cpe:2.3:a:example:name\:part:1.0:*:*:*:*:python:*:*`,
			Want: Name{
				Part: "a", Vendor: "example", Product: "name:part",
				Version: "1.0", TargetSoftware: "python",
			},
		},
	}
	for _, tc := range tt {
		got, err := ParseFS(tc.In)
		if err != nil {
			t.Fatalf("ParseFS(%q): %v", tc.In, err)
		}
		if !cmp.Equal(got, tc.Want) {
			t.Errorf("ParseFS(%q): %v", tc.In, cmp.Diff(tc.Want, got))
		}
	}
}

func TestParseFSMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`cpe:/a:vendor:product:1.0`,
		`cpe:2.3:a:too:few:segments`,
	} {
		if _, err := ParseFS(in); err == nil {
			t.Errorf("ParseFS(%q): expected error", in)
		}
	}
}

func TestWildcard(t *testing.T) {
	for in, want := range map[string]bool{"*": true, "-": true, "": true, "node.js": false} {
		if got := Wildcard(in); got != want {
			t.Errorf("Wildcard(%q): got %v, want %v", in, got, want)
		}
	}
}
