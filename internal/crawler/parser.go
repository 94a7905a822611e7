package crawler

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func parseDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// firstText returns the trimmed text of the first selector that matches
// something non-empty.
func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(s.Find(sel).First().Text()); t != "" {
			return spaceRe.ReplaceAllString(t, " ")
		}
	}
	return ""
}

func firstAttr(s *goquery.Selection, selector string, attrs ...string) string {
	node := s.Find(selector).First()
	for _, a := range attrs {
		if v, ok := node.Attr(a); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ParseDescription collects the text of a detail page's description block
// the way a reader would see it: headings, paragraphs and list items, one
// per line.
func ParseDescription(body []byte, selector string) (string, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", err
	}
	root := doc.Find(selector).First()
	if root.Length() == 0 {
		return "", nil
	}

	var content []string
	root.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			content = append(content, spaceRe.ReplaceAllString(t, " "))
		}
	})
	if len(content) == 0 {
		if t := strings.TrimSpace(root.Text()); t != "" {
			content = append(content, spaceRe.ReplaceAllString(t, " "))
		}
	}
	return strings.Join(content, "\n"), nil
}
