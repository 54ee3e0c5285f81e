// Package report holds the structured results produced by a scan and carried in the
// payload of `finding`, `page` and `complete` events.
package report

import "strings"

// Severity buckets used by findings and page counts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeveritySerious  Severity = "serious"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// Valid reports whether s is one of the four known buckets.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeveritySerious, SeverityModerate, SeverityMinor:
		return true
	}
	return false
}

// ParseSeverity maps free-form input onto a bucket; unknown values become minor.
func ParseSeverity(in string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(in)))
	if s.Valid() {
		return s
	}
	return SeverityMinor
}

// Finding is one rule violation on one element.
type Finding struct {
	RuleID      string   `json:"ruleId"`
	RuleTitle   string   `json:"ruleTitle"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	WCAGTags    []string `json:"wcagTags"`
	Selector    string   `json:"selector"`
	HTML        string   `json:"html"`
	HelpURL     string   `json:"helpUrl"`
	Page        string   `json:"page,omitempty"`
}

// Counts are per-severity issue totals.
type Counts struct {
	Critical int `json:"critical"`
	Serious  int `json:"serious"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
}

// Add increments the bucket for sev.
func (c *Counts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeveritySerious:
		c.Serious++
	case SeverityModerate:
		c.Moderate++
	default:
		c.Minor++
	}
}

// Total is the sum of all buckets.
func (c Counts) Total() int {
	return c.Critical + c.Serious + c.Moderate + c.Minor
}

// Plus returns the bucket-wise sum.
func (c Counts) Plus(o Counts) Counts {
	return Counts{
		Critical: c.Critical + o.Critical,
		Serious:  c.Serious + o.Serious,
		Moderate: c.Moderate + o.Moderate,
		Minor:    c.Minor + o.Minor,
	}
}

// Penalty weights per severity.
const (
	weightCritical = 15
	weightSerious  = 8
	weightModerate = 4
	weightMinor    = 1
)

// Score derives the 0-100 page score from counts. It is never taken from input.
func Score(c Counts) int {
	score := 100 - (weightCritical*c.Critical + weightSerious*c.Serious + weightModerate*c.Moderate + weightMinor*c.Minor)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// CountFindings tallies findings by severity.
func CountFindings(findings []Finding) Counts {
	var c Counts
	for _, f := range findings {
		c.Add(f.Severity)
	}
	return c
}

// PageResult summarises one scanned page.
type PageResult struct {
	URL   string `json:"url"`
	Score int    `json:"score"`
	Counts
	TotalIssues int   `json:"totalIssues"`
	ScanTime    int64 `json:"scanTime"`
}

// NewPageResult builds a PageResult with derived score and total.
func NewPageResult(url string, c Counts, scanTimeMs int64) PageResult {
	return PageResult{
		URL:         url,
		Score:       Score(c),
		Counts:      c,
		TotalIssues: c.Total(),
		ScanTime:    scanTimeMs,
	}
}

// ScanResult is the complete report for a single page.
type ScanResult struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Score int    `json:"score"`
	Counts
	TotalIssues int       `json:"totalIssues"`
	ScanTime    int64     `json:"scanTime"`
	Findings    []Finding `json:"findings"`
	Timestamp   string    `json:"timestamp"`
	Standard    string    `json:"standard"`
	Viewport    string    `json:"viewport"`
}

// Page returns the page-level summary of r.
func (r ScanResult) Page() PageResult {
	return PageResult{
		URL:         r.URL,
		Score:       r.Score,
		Counts:      r.Counts,
		TotalIssues: r.TotalIssues,
		ScanTime:    r.ScanTime,
	}
}

// SiteScanResult is the reduced report of a crawl.
type SiteScanResult struct {
	PagesScanned int `json:"pagesScanned"`
	AverageScore int `json:"averageScore"`
	Counts
	TotalIssues int          `json:"totalIssues"`
	Pages       []PageResult `json:"pages"`
}

// Summarize reduces page results into a SiteScanResult, preserving order.
func Summarize(pages []PageResult) SiteScanResult {
	res := SiteScanResult{Pages: make([]PageResult, 0, len(pages))}
	total := 0
	for _, p := range pages {
		res.Counts = res.Counts.Plus(p.Counts)
		total += p.Score
		res.Pages = append(res.Pages, p)
	}
	res.PagesScanned = len(pages)
	res.TotalIssues = res.Counts.Total()
	if len(pages) > 0 {
		res.AverageScore = (total + len(pages)/2) / len(pages)
	}
	return res
}

// Consistent reports whether the totals and scores of r agree with its counts.
func (r ScanResult) Consistent() bool {
	return r.TotalIssues == r.Counts.Total() && r.Score == Score(r.Counts)
}
