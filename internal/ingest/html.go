package ingest

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content is never guidance.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// ParseHTML extracts chunks from an HTML document. The first <h1> (or
// the <title> when no h1 exists) becomes the subject; later h1–h3
// headings open new sections and the visible text between them becomes
// the content.
func ParseHTML(source []byte) []Chunk {
	doc, err := html.Parse(bytes.NewReader(source))
	if err != nil {
		return nil
	}

	var chunks []Chunk
	var subject, key string
	var content strings.Builder

	flush := func() {
		body := strings.TrimSpace(content.String())
		if body != "" && subject != "" {
			chunks = append(chunks, Chunk{Subject: subject, Key: key, Content: body})
		}
		content.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.DataAtom] {
				return
			}
			switch n.DataAtom {
			case atom.H1:
				flush()
				title := textContent(n)
				if subject == "" {
					subject = title
				} else {
					key = title
				}
				return
			case atom.H2, atom.H3:
				flush()
				key = textContent(n)
				return
			case atom.P, atom.Li, atom.Td, atom.Blockquote:
				if text := collapseSpace(textContent(n)); text != "" {
					if content.Len() > 0 {
						content.WriteString("\n")
					}
					if n.DataAtom == atom.Li {
						content.WriteString("- ")
					}
					content.WriteString(text)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()

	// No h1 at all: fall back to the document title as subject.
	if len(chunks) == 0 {
		if title := findTitle(doc); title != "" {
			text := collapseSpace(textContent(doc))
			if text != "" {
				chunks = append(chunks, Chunk{Subject: title, Content: text})
			}
		}
	}

	return chunks
}

// findTitle walks the DOM looking for a <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return collapseSpace(textContent(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// textContent returns concatenated text of all children, excluding
// skipped elements.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && skipElements[n.DataAtom] {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// collapseSpace trims and collapses runs of whitespace to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
