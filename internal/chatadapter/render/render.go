// ABOUTME: Converts task-result markdown into plain text plus typed rich-text segments.
// ABOUTME: Built on the goldmark dependency, repurposed from admin-UI
// ABOUTME: markdown rendering to result-text segmentation for the chat platform's rich-text format.

package render

import (
	"bytes"
	"strings"
	"text/tabwriter"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// SegmentType tags a rendered span so the chat platform can apply its own
// rich-text formatting to it.
type SegmentType string

const (
	SegmentInlineCode SegmentType = "inline_code"
	SegmentCodeBlock  SegmentType = "code_block"
)

// Segment is a byte range in the final plain-text output that should be
// rendered with the platform's formatting for Type.
type Segment struct {
	Type  SegmentType
	Start int
	End   int
}

var parser = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Render parses markdownText and returns the plain text to send plus the
// typed segments within it. Fenced code blocks and inline code become
// typed segments; tables are pre-rendered as fixed-width blocks. If parsing
// fails for any reason, the caller should fall back to sending
// markdownText verbatim.
func Render(markdownText string) (plainText string, segments []Segment) {
	source := []byte(markdownText)
	doc := parser.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	var segs []Segment

	var walkBlock func(n ast.Node)
	walkBlock = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.FencedCodeBlock, *ast.CodeBlock:
				start := buf.Len()
				writeLines(&buf, c, source)
				segs = append(segs, Segment{Type: SegmentCodeBlock, Start: start, End: buf.Len()})
				buf.WriteString("\n\n")

			case *east.Table:
				start := buf.Len()
				renderTable(&buf, node, source)
				segs = append(segs, Segment{Type: SegmentCodeBlock, Start: start, End: buf.Len()})
				buf.WriteString("\n\n")

			case *ast.Paragraph:
				walkInline(&buf, &segs, c, source)
				buf.WriteString("\n\n")

			case *ast.Heading:
				walkInline(&buf, &segs, c, source)
				buf.WriteString("\n\n")

			case *ast.List, *ast.ListItem, *ast.Blockquote:
				walkBlock(c)

			default:
				walkBlock(c)
			}
		}
	}
	walkBlock(doc)

	plainText = strings.TrimRight(buf.String(), "\n")
	return plainText, segs
}

// writeLines writes a block node's raw source lines into buf.
func writeLines(buf *bytes.Buffer, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
}

// walkInline writes an inline tree's plain text into buf, recording inline
// code spans as segments.
func walkInline(buf *bytes.Buffer, segs *[]Segment, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteString("\n")
			}
		case *ast.CodeSpan:
			start := buf.Len()
			walkInline(buf, segs, c, source)
			*segs = append(*segs, Segment{Type: SegmentInlineCode, Start: start, End: buf.Len()})
		default:
			walkInline(buf, segs, c, source)
		}
	}
}

// renderTable renders a GFM table as a fixed-width block via text/tabwriter
//.
func renderTable(buf *bytes.Buffer, table *east.Table, source []byte) {
	w := tabwriter.NewWriter(buf, 0, 2, 2, ' ', 0)
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			var cellBuf bytes.Buffer
			var discard []Segment
			walkInline(&cellBuf, &discard, cell, source)
			cells = append(cells, strings.TrimSpace(cellBuf.String()))
		}
		w.Write([]byte(strings.Join(cells, "\t") + "\n"))
	}
	w.Flush()
}
