package scanner

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"allylab/pkg/report"
)

func defaultRules() []Rule {
	return []Rule{
		{
			ID:          "image-alt",
			Title:       "Images must have alternate text",
			Description: "Ensures <img> elements have alternate text or a role of none or presentation",
			Severity:    report.SeverityCritical,
			Tags:        []string{"wcag2a", "wcag111"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("img"), func(s *goquery.Selection) bool {
					if _, ok := s.Attr("alt"); ok {
						return false
					}
					return !presentational(s) && !hasAccessibleLabel(s, doc)
				})
			},
		},
		{
			ID:          "html-has-lang",
			Title:       "<html> element must have a lang attribute",
			Description: "Ensures every HTML document has a lang attribute",
			Severity:    report.SeveritySerious,
			Tags:        []string{"wcag2a", "wcag311"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("html"), func(s *goquery.Selection) bool {
					return strings.TrimSpace(s.AttrOr("lang", "")) == "" && strings.TrimSpace(s.AttrOr("xml:lang", "")) == ""
				})
			},
		},
		{
			ID:          "document-title",
			Title:       "Documents must have <title> element to aid in navigation",
			Description: "Ensures each HTML document contains a non-empty <title> element",
			Severity:    report.SeveritySerious,
			Tags:        []string{"wcag2a", "wcag242"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				if strings.TrimSpace(doc.Find("head title").First().Text()) != "" {
					return nil
				}
				return []*goquery.Selection{doc.Find("html").First()}
			},
		},
		{
			ID:          "label",
			Title:       "Form elements must have labels",
			Description: "Ensures every form element has a label",
			Severity:    report.SeverityCritical,
			Tags:        []string{"wcag2a", "wcag412", "wcag131"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("input, select, textarea"), func(s *goquery.Selection) bool {
					switch strings.ToLower(s.AttrOr("type", "text")) {
					case "hidden", "submit", "button", "image", "reset":
						return false
					}
					if hasAccessibleLabel(s, doc) || s.AttrOr("title", "") != "" {
						return false
					}
					if id := s.AttrOr("id", ""); id != "" && doc.Find(`label[for="`+id+`"]`).Length() > 0 {
						return false
					}
					return s.ParentsFiltered("label").Length() == 0
				})
			},
		},
		{
			ID:          "link-name",
			Title:       "Links must have discernible text",
			Description: "Ensures links have discernible text",
			Severity:    report.SeveritySerious,
			Tags:        []string{"wcag2a", "wcag244", "wcag412"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("a[href]"), func(s *goquery.Selection) bool {
					return !presentational(s) && !hasName(s, doc)
				})
			},
		},
		{
			ID:          "button-name",
			Title:       "Buttons must have discernible text",
			Description: "Ensures buttons have discernible text",
			Severity:    report.SeverityCritical,
			Tags:        []string{"wcag2a", "wcag412"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				buttons := collectWhere(doc.Find("button, [role=button]"), func(s *goquery.Selection) bool {
					return !hasName(s, doc)
				})
				inputs := collectWhere(doc.Find(`input[type="button"], input[type="submit"], input[type="reset"]`), func(s *goquery.Selection) bool {
					if strings.TrimSpace(s.AttrOr("value", "")) != "" {
						return false
					}
					// Submit and reset buttons have a default label.
					t := strings.ToLower(s.AttrOr("type", ""))
					return t == "button" && !hasAccessibleLabel(s, doc)
				})
				return append(buttons, inputs...)
			},
		},
		{
			ID:          "frame-title",
			Title:       "Frames must have an accessible name",
			Description: "Ensures <iframe> and <frame> elements have an accessible name",
			Severity:    report.SeveritySerious,
			Tags:        []string{"wcag2a", "wcag412"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("iframe, frame"), func(s *goquery.Selection) bool {
					return strings.TrimSpace(s.AttrOr("title", "")) == "" && !hasAccessibleLabel(s, doc)
				})
			},
		},
		{
			ID:          "duplicate-id",
			Title:       "id attribute value must be unique",
			Description: "Ensures every id attribute value is unique",
			Severity:    report.SeverityMinor,
			Tags:        []string{"wcag2a", "wcag411"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				seen := map[string]bool{}
				return collectWhere(doc.Find("[id]"), func(s *goquery.Selection) bool {
					id := s.AttrOr("id", "")
					if id == "" {
						return false
					}
					dup := seen[id]
					seen[id] = true
					return dup
				})
			},
		},
		{
			ID:          "meta-viewport",
			Title:       "Zooming and scaling must not be disabled",
			Description: "Ensures <meta name=\"viewport\"> does not disable text scaling and zooming",
			Severity:    report.SeverityModerate,
			Tags:        []string{"wcag2aa", "wcag144"},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find(`meta[name="viewport"]`), func(s *goquery.Selection) bool {
					content := strings.ToLower(strings.ReplaceAll(s.AttrOr("content", ""), " ", ""))
					return strings.Contains(content, "user-scalable=no") || strings.Contains(content, "maximum-scale=1,") ||
						strings.HasSuffix(content, "maximum-scale=1") || strings.Contains(content, "maximum-scale=1.0")
				})
			},
		},
		{
			ID:          "empty-heading",
			Title:       "Headings should not be empty",
			Description: "Ensures headings have discernible text",
			Severity:    report.SeverityMinor,
			Tags:        []string{tagBestPractice},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				return collectWhere(doc.Find("h1, h2, h3, h4, h5, h6"), func(s *goquery.Selection) bool {
					return !hasName(s, doc)
				})
			},
		},
		{
			ID:          "heading-order",
			Title:       "Heading levels should only increase by one",
			Description: "Ensures the order of headings is semantically correct",
			Severity:    report.SeverityModerate,
			Tags:        []string{tagBestPractice},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				prev := 0
				return collectWhere(doc.Find("h1, h2, h3, h4, h5, h6"), func(s *goquery.Selection) bool {
					level := int(goquery.NodeName(s)[1] - '0')
					skipped := prev > 0 && level > prev+1
					prev = level
					return skipped
				})
			},
		},
		{
			ID:          "page-has-heading-one",
			Title:       "Page should contain a level-one heading",
			Description: "Ensure that the page, or at least one of its frames contains a level-one heading",
			Severity:    report.SeverityModerate,
			Tags:        []string{tagBestPractice},
			Check: func(doc *goquery.Document) []*goquery.Selection {
				if doc.Find(`h1, [role="heading"][aria-level="1"]`).Length() > 0 {
					return nil
				}
				return []*goquery.Selection{doc.Find("html").First()}
			},
		},
	}
}

func collectWhere(sel *goquery.Selection, pred func(*goquery.Selection) bool) []*goquery.Selection {
	var out []*goquery.Selection
	sel.Each(func(_ int, s *goquery.Selection) {
		if pred(s) {
			out = append(out, s)
		}
	})
	return out
}

func presentational(s *goquery.Selection) bool {
	role := strings.ToLower(strings.TrimSpace(s.AttrOr("role", "")))
	return role == "presentation" || role == "none" || s.AttrOr("aria-hidden", "") == "true"
}

func hasAccessibleLabel(s *goquery.Selection, doc *goquery.Document) bool {
	if strings.TrimSpace(s.AttrOr("aria-label", "")) != "" {
		return true
	}
	for _, id := range strings.Fields(s.AttrOr("aria-labelledby", "")) {
		if strings.TrimSpace(doc.Find("#"+id).Text()) != "" {
			return true
		}
	}
	return false
}

// hasName reports whether s has text content, an ARIA label, a title or an image child
// with alt text.
func hasName(s *goquery.Selection, doc *goquery.Document) bool {
	if strings.TrimSpace(s.Text()) != "" || hasAccessibleLabel(s, doc) {
		return true
	}
	if strings.TrimSpace(s.AttrOr("title", "")) != "" {
		return true
	}
	named := false
	s.Find("img[alt], svg[aria-label], [aria-label]").EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if strings.TrimSpace(c.AttrOr("alt", c.AttrOr("aria-label", ""))) != "" {
			named = true
			return false
		}
		return true
	})
	return named
}
