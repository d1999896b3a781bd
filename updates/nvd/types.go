package nvd

// Wire types for the subset of the NVD 2.0 API response consumed here.

type apiResponse struct {
	ResultsPerPage  int        `json:"resultsPerPage"`
	StartIndex      int        `json:"startIndex"`
	TotalResults    int        `json:"totalResults"`
	Vulnerabilities []struct {
		Cve apiCve `json:"cve"`
	} `json:"vulnerabilities"`
}

type apiCve struct {
	ID           string `json:"id"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics        apiMetrics         `json:"metrics"`
	Configurations []apiConfiguration `json:"configurations"`
}

type apiMetrics struct {
	CvssMetricV31 []apiMetric `json:"cvssMetricV31"`
	CvssMetricV30 []apiMetric `json:"cvssMetricV30"`
	CvssMetricV2  []apiMetric `json:"cvssMetricV2"`
}

type apiMetric struct {
	CvssData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type apiConfiguration struct {
	Nodes []struct {
		Operator string        `json:"operator"`
		Negate   bool          `json:"negate"`
		CpeMatch []apiCpeMatch `json:"cpeMatch"`
	} `json:"nodes"`
}

type apiCpeMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionStartExcluding string `json:"versionStartExcluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
}
