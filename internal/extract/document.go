// Package extract turns filing HTML into sectioned plain text and finds the
// passages that bear on a claim.
package extract

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// CoverSection names the text before the first Item heading
const CoverSection = "Cover"

var itemHeading = regexp.MustCompile(`(?i)^item\s+(\d{1,2}[a-c]?)\s*[\.:\-]?(\s|$)`)

// maxHeadingLen bounds how long a paragraph may be and still be a heading
const maxHeadingLen = 160

// Paragraph is one block of visible text and the page it sits on
type Paragraph struct {
	Text string
	Page int
}

// Section is the text between two Item headings
type Section struct {
	Name       string
	Page       int // Page the heading is on
	Paragraphs []Paragraph
}

// Text joins the section's paragraphs
func (s Section) Text() string {
	parts := make([]string, len(s.Paragraphs))
	for i, p := range s.Paragraphs {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n")
}

// Document is a filing reduced to sections of whitespace-normalized text
type Document struct {
	Filing   model.Filing
	Filer    string
	Sections []Section
}

// Parse reads filing HTML. Scripts, styles and hidden inline XBRL headers are
// skipped; <hr> and CSS page breaks advance the page counter.
func Parse(r io.Reader, filing model.Filing, filer string) (Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return Document{}, fmt.Errorf("parse filing html: %w", err)
	}
	return Document{Filing: filing, Filer: filer, Sections: sectionize(paragraphs(root))}, nil
}

// FromText builds a single-section document from plain text
func FromText(text string, filing model.Filing, filer string) Document {
	var paras []Paragraph
	for _, line := range strings.Split(text, "\n") {
		if t := Normalize(line); t != "" {
			paras = append(paras, Paragraph{Text: t, Page: 1})
		}
	}
	return Document{Filing: filing, Filer: filer, Sections: sectionize(paras)}
}

// Text is the full normalized text, one paragraph per line
func (d Document) Text() string {
	parts := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		if t := s.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Contains reports whether passage occurs verbatim in the document,
// ignoring differences in whitespace only
func (d Document) Contains(passage string) bool {
	_, _, ok := d.Locate(passage)
	return ok
}

// Locate finds the section and page of a verbatim passage. Passages that
// span paragraphs are matched against the section text.
func (d Document) Locate(passage string) (string, int, bool) {
	needle := Normalize(passage)
	if needle == "" {
		return "", 0, false
	}
	for _, s := range d.Sections {
		for _, p := range s.Paragraphs {
			if strings.Contains(p.Text, needle) {
				return s.Name, p.Page, true
			}
		}
	}
	for _, s := range d.Sections {
		if strings.Contains(Normalize(s.Text()), needle) {
			return s.Name, s.Page, true
		}
	}
	return "", 0, false
}

// Relevant returns the paragraphs mentioning any of terms, in document
// order, with their section headings, capped at maxChars. With no matches
// it falls back to the discussion sections.
func (d Document) Relevant(terms []string, maxChars int) string {
	lower := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lower = append(lower, t)
		}
	}
	var b strings.Builder
	write := func(line string) bool {
		if maxChars > 0 && b.Len()+len(line)+1 > maxChars {
			return false
		}
		b.WriteString(line)
		b.WriteByte('\n')
		return true
	}
	for _, s := range d.Sections {
		header := false
		for _, p := range s.Paragraphs {
			if !mentionsAny(strings.ToLower(p.Text), lower) {
				continue
			}
			if !header {
				if !write("## " + s.Name) {
					return b.String()
				}
				header = true
			}
			if !write(p.Text) {
				return b.String()
			}
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	for _, s := range d.Sections {
		if !discussion(s.Name) {
			continue
		}
		write("## " + s.Name)
		for _, p := range s.Paragraphs {
			if !write(p.Text) {
				return b.String()
			}
		}
	}
	return b.String()
}

// Locator renders "10-Q 0000320193-25-000073, Item 2, p. 14"
func (d Document) Locator(section string, page int) string {
	parts := []string{strings.TrimSpace(d.Filing.Form + " " + d.Filing.Accession)}
	if section != "" {
		parts = append(parts, section)
	}
	if page > 0 {
		parts = append(parts, fmt.Sprintf("p. %d", page))
	}
	return strings.Join(parts, ", ")
}

// Normalize collapses runs of whitespace, including non-breaking spaces
func Normalize(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v' || r == '\u00a0'
	}), " ")
}

func discussion(name string) bool {
	m := itemHeading.FindStringSubmatch(name)
	if m == nil {
		return false
	}
	switch strings.ToLower(m[1]) {
	case "1a", "2", "7":
		return true
	}
	return false
}

func mentionsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

var blockElements = map[string]bool{
	"p": true, "div": true, "td": true, "th": true, "tr": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "ul": true, "ol": true, "section": true, "article": true,
	"br": true, "center": true, "blockquote": true, "pre": true,
}

func paragraphs(root *html.Node) []Paragraph {
	var (
		out  []Paragraph
		buf  strings.Builder
		page = 1
	)
	flush := func() {
		if t := Normalize(buf.String()); t != "" {
			out = append(out, Paragraph{Text: t, Page: page})
		}
		buf.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "iframe", "head", "ix:header":
				return
			}
			style := strings.ToLower(strings.ReplaceAll(attr(n, "style"), " ", ""))
			if strings.Contains(style, "display:none") {
				return
			}
			before := strings.Contains(style, "page-break-before:always") || strings.Contains(style, "break-before:page")
			after := n.Data == "hr" || strings.Contains(style, "page-break-after:always") || strings.Contains(style, "break-after:page")
			block := blockElements[n.Data]
			if before {
				flush()
				page++
			}
			if block {
				flush()
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			if block {
				flush()
			}
			if after {
				flush()
				page++
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	flush()
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func sectionize(paras []Paragraph) []Section {
	var out []Section
	cur := Section{Name: CoverSection, Page: 1}
	for _, p := range paras {
		if len(p.Text) <= maxHeadingLen && itemHeading.MatchString(p.Text) {
			if len(cur.Paragraphs) > 0 {
				out = append(out, cur)
			}
			cur = Section{Name: p.Text, Page: p.Page}
		}
		cur.Paragraphs = append(cur.Paragraphs, p)
	}
	if len(cur.Paragraphs) > 0 {
		out = append(out, cur)
	}
	return out
}
