package spdx

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stackaudit/stackaudit"
)

const testDoc = `{
  "spdxVersion": "SPDX-2.3",
  "dataLicense": "CC0-1.0",
  "SPDXID": "SPDXRef-DOCUMENT",
  "name": "billing",
  "documentNamespace": "https://example.com/billing",
  "creationInfo": {
    "created": "2024-03-01T00:00:00Z",
    "creators": ["Tool: example-sbom-generator"]
  },
  "packages": [
    {
      "name": "lodash",
      "SPDXID": "SPDXRef-Package-lodash",
      "versionInfo": "4.17.20",
      "downloadLocation": "NOASSERTION",
      "externalRefs": [
        {
          "referenceCategory": "PACKAGE-MANAGER",
          "referenceType": "purl",
          "referenceLocator": "pkg:npm/lodash@4.17.20"
        }
      ]
    },
    {
      "name": "jackson-databind",
      "SPDXID": "SPDXRef-Package-jackson",
      "versionInfo": "2.9.10",
      "downloadLocation": "NOASSERTION",
      "externalRefs": [
        {
          "referenceCategory": "PACKAGE-MANAGER",
          "referenceType": "purl",
          "referenceLocator": "pkg:maven/com.fasterxml.jackson.core/jackson-databind@2.9.10"
        }
      ]
    },
    {
      "name": "no-purl",
      "SPDXID": "SPDXRef-Package-nopurl",
      "versionInfo": "1.0.0",
      "downloadLocation": "NOASSERTION"
    }
  ]
}`

func TestDecode(t *testing.T) {
	ctx := context.Background()
	d := NewDefaultDecoder()

	got, err := d.Decode(ctx, strings.NewReader(testDoc))
	if err != nil {
		t.Fatal(err)
	}
	want := []stackaudit.Component{
		{
			Name:      "lodash",
			Version:   "4.17.20",
			Ecosystem: "npm",
			PURL:      "pkg:npm/lodash@4.17.20",
		},
		{
			Name:      "com.fasterxml.jackson.core:jackson-databind",
			Version:   "2.9.10",
			Ecosystem: "Maven",
			PURL:      "pkg:maven/com.fasterxml.jackson.core/jackson-databind@2.9.10",
		},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestDecodeRejectsFormat(t *testing.T) {
	d := NewDefaultDecoder(WithDecoderFormat("tag-value"))
	if _, err := d.Decode(context.Background(), strings.NewReader(testDoc)); err == nil {
		t.Error("expected format error")
	}
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDefaultDecoder()
	if _, err := d.Decode(context.Background(), strings.NewReader(`not json`)); err == nil {
		t.Error("expected read error")
	}
}
