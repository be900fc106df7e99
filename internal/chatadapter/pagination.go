// ABOUTME: Splits rendered result text into <=4000-char pages, re-basing segment offsets per page.

package chatadapter

import (
	"strings"

	"github.com/2389/taskhub/internal/chatadapter/render"
)

// maxPageChars is the pagination budget for a single chat message.
const maxPageChars = 4000

// Page is one page of a paginated result: its text and the segments that
// fall within it, offsets re-based to the page's own start.
type Page struct {
	Text     string
	Segments []render.Segment
}

// Paginate splits text into pages of at most maxPageChars, splitting at the
// last newline within budget, or hard-cutting when no newline falls in the
// upper 70% of the window. Segment ranges are clipped to page boundaries
// and re-based to each page's own offset.
func Paginate(text string, segments []render.Segment) []Page {
	if text == "" {
		return []Page{{Text: ""}}
	}

	var pages []Page
	offset := 0
	for offset < len(text) {
		remaining := text[offset:]
		cut := len(remaining)
		if cut > maxPageChars {
			cut = splitPoint(remaining, maxPageChars)
		}

		pageText := remaining[:cut]
		pages = append(pages, Page{
			Text:     pageText,
			Segments: clipSegments(segments, offset, offset+cut),
		})

		offset += cut
	}
	return pages
}

// splitPoint finds where to cut a window of budget chars: the last newline
// within budget if it falls in the upper 70% of the window, else a hard cut
// at budget.
func splitPoint(s string, budget int) int {
	window := s[:budget]
	lastNL := strings.LastIndexByte(window, '\n')
	lowerBound := int(float64(budget) * 0.3)
	if lastNL >= lowerBound {
		return lastNL + 1 // consume the newline itself
	}
	return budget
}

// clipSegments returns the segments overlapping [start, end), clipped to
// that range and re-based to start.
func clipSegments(segments []render.Segment, start, end int) []render.Segment {
	var out []render.Segment
	for _, s := range segments {
		if s.End <= start || s.Start >= end {
			continue
		}
		clipped := render.Segment{
			Type:  s.Type,
			Start: max(s.Start, start) - start,
			End:   min(s.End, end) - start,
		}
		out = append(out, clipped)
	}
	return out
}
