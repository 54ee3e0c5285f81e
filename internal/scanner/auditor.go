package scanner

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"allylab/pkg/report"
)

const (
	tagBestPractice = "best-practice"
	maxSnippet      = 250
	helpBase        = "https://dequeuniversity.com/rules/axe/4.8/"
)

// Rule is one accessibility check over a parsed document.
type Rule struct {
	ID          string
	Title       string
	Description string
	Severity    report.Severity
	Tags        []string
	// Check returns the offending elements.
	Check func(doc *goquery.Document) []*goquery.Selection
}

func (r Rule) bestPractice() bool {
	for _, t := range r.Tags {
		if t == tagBestPractice {
			return true
		}
	}
	return false
}

func (r Rule) matches(levels []string) bool {
	for _, t := range r.Tags {
		for _, l := range levels {
			if t == l {
				return true
			}
		}
	}
	return false
}

// AuditOptions select the rules that run.
type AuditOptions struct {
	Standard        string
	IncludeWarnings bool
}

// Auditor runs rules against documents.
type Auditor struct {
	Rules []Rule
}

// NewAuditor returns an auditor with the built-in rule set.
func NewAuditor() *Auditor {
	return &Auditor{Rules: defaultRules()}
}

// Audit returns the findings on page in document order per rule.
func (a *Auditor) Audit(page *Page, opts AuditOptions) ([]report.Finding, error) {
	if page == nil || page.Doc == nil {
		return nil, fmt.Errorf("audit: no document")
	}
	standard := opts.Standard
	if standard == "" {
		standard = DefaultStandard
	}
	levels, ok := standardLevels[standard]
	if !ok {
		return nil, fmt.Errorf("%w: invalid standard %q", ErrInvalidRequest, standard)
	}
	findings := []report.Finding{}
	for _, rule := range a.Rules {
		switch {
		case rule.bestPractice():
			if !opts.IncludeWarnings {
				continue
			}
		case !rule.matches(levels):
			continue
		}
		for _, sel := range rule.Check(page.Doc) {
			findings = append(findings, report.Finding{
				RuleID:      rule.ID,
				RuleTitle:   rule.Title,
				Description: rule.Description,
				Severity:    rule.Severity,
				WCAGTags:    append([]string(nil), rule.Tags...),
				Selector:    cssPath(sel),
				HTML:        snippet(sel),
				HelpURL:     helpBase + rule.ID,
				Page:        page.URL,
			})
		}
	}
	return findings, nil
}

// cssPath builds a selector for the first node of sel: the nearest ancestor with an id
// anchors the path, otherwise it runs from the root with :nth-of-type steps.
func cssPath(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var parts []string
	for node := sel.Get(0); node != nil && node.Type == html.ElementNode; node = node.Parent {
		if id := attr(node, "id"); id != "" {
			parts = append(parts, node.Data+"#"+id)
			break
		}
		step := node.Data
		if n, total := nthOfType(node); total > 1 {
			step = fmt.Sprintf("%s:nth-of-type(%d)", node.Data, n)
		}
		parts = append(parts, step)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func nthOfType(node *html.Node) (n, total int) {
	if node.Parent == nil {
		return 1, 1
	}
	for c := node.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != node.Data {
			continue
		}
		total++
		if c == node {
			n = total
		}
	}
	return n, total
}

func attr(node *html.Node, name string) string {
	for _, a := range node.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func snippet(sel *goquery.Selection) string {
	out, err := goquery.OuterHtml(sel.First())
	if err != nil {
		return ""
	}
	out = strings.TrimSpace(out)
	if len(out) > maxSnippet {
		cut := maxSnippet
		for cut > 0 && !utf8Start(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
