// Package ingest imports cultivation guides into the guide store.
// Markdown files are the primary format; HTML pages saved from
// supplier or extension-service sites are also accepted.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/datanyx/fungid/internal/guides"
)

// Chunk is a semantic unit extracted from a document: one section of
// guidance about one subject.
type Chunk struct {
	Subject string // Top-level heading, usually the species
	Key     string // Section heading
	Content string
}

// Ingester parses guide documents into store entries.
type Ingester struct {
	store *guides.Store
}

// New creates an ingester writing to the given store.
func New(store *guides.Store) *Ingester {
	return &Ingester{store: store}
}

// IngestFile imports a guide file, dispatching on extension:
// .md/.markdown through the markdown parser, .html/.htm through the
// HTML extractor. Returns the number of entries stored.
func (in *Ingester) IngestFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	var chunks []Chunk
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		chunks = ParseMarkdown(data)
	case ".html", ".htm":
		chunks = ParseHTML(data)
	default:
		return 0, fmt.Errorf("unsupported file type %q (expected .md or .html)", filepath.Ext(path))
	}

	return in.storeChunks(chunks, filepath.Base(path))
}

func (in *Ingester) storeChunks(chunks []Chunk, source string) (int, error) {
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no content chunks found in %s", source)
	}

	// Replace prior entries from this source so re-imports are clean.
	if err := in.store.DeleteBySource(source); err != nil {
		return 0, fmt.Errorf("clear previous import: %w", err)
	}

	count := 0
	for _, c := range chunks {
		if _, err := in.store.Set(c.Subject, c.Key, c.Content, source); err != nil {
			continue // Skip malformed chunks, keep the rest
		}
		count++
	}
	return count, nil
}

// ParseMarkdown walks the goldmark AST and produces one chunk per
// section: the nearest level-1 heading is the subject, the nearest
// level-2-or-deeper heading is the key, and paragraph / list text in
// between is the content.
func ParseMarkdown(source []byte) []Chunk {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

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

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			flush()
			title := headingText(n, source)
			if n.Level == 1 {
				subject = title
				key = ""
			} else {
				key = title
			}
		case *ast.Paragraph:
			appendLine(&content, nodeText(n, source))
		case *ast.List:
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				appendLine(&content, "- "+nodeText(item, source))
			}
		case *ast.Blockquote:
			appendLine(&content, nodeText(n, source))
		}
		// Code blocks and thematic breaks carry no cultivation guidance.
	}
	flush()

	return chunks
}

func appendLine(b *strings.Builder, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(line)
}

// headingText extracts the plain text of a heading node.
func headingText(h *ast.Heading, source []byte) string {
	return strings.TrimSpace(nodeText(h, source))
}

// nodeText concatenates the text segments beneath a node.
func nodeText(node ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteString(" ")
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
