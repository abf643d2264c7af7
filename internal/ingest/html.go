package ingest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true,
	"nav": true, "header": true, "footer": true, "head": true,
	"template": true, "iframe": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"pre": true, "blockquote": true, "table": true, "caption": true,
	"br": true, "hr": true,
}

// ExtractText returns the visible text of an HTML page, one block per line.
// Scripts, styles and navigation chrome are dropped; each table row becomes
// one " | "-separated line so code/description pairs stay together.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	var b strings.Builder
	walk(doc.Selection, &b)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if t := collapse(line); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func walk(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(inlineSpace.Replace(c.Text()))
		case name == "#comment" || skipTags[name]:
		case name == "tr":
			var cells []string
			c.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
				if t := collapse(cell.Text()); t != "" {
					cells = append(cells, t)
				}
			})
			b.WriteString("\n" + strings.Join(cells, " | ") + "\n")
		case blockTags[name]:
			b.WriteString("\n")
			walk(c, b)
			b.WriteString("\n")
		default:
			walk(c, b)
		}
	})
}

var inlineSpace = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
