package session

import (
	"sort"
)

// Segment is one piece of a turn's rendered text. Exactly one of the two
// shapes occurs: a plain-text run (Anchor == nil) or an anchored span.
// Concatenating Text over all segments reproduces the turn text exactly.
type Segment struct {
	Text   string
	Start  int
	End    int
	Anchor *Anchor
}

// ResolveOverlaps picks the non-overlapping subset of anchors to render.
// Precedence: earlier position wins; among equal positions the longer span
// wins; among equal position and length the most recently created wins.
// Anchors whose span falls outside the turn text are skipped. Rejected
// anchors stay in the underlying set; they are simply not rendered.
func ResolveOverlaps(textLen int, anchors []Anchor) []Anchor {
	candidates := make([]Anchor, 0, len(anchors))
	for _, anchor := range anchors {
		if anchor.Position < 0 || anchor.Length <= 0 {
			continue
		}
		if anchor.Position+anchor.Length > textLen {
			continue
		}
		candidates = append(candidates, anchor)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Length != b.Length {
			return a.Length > b.Length
		}
		return a.Timestamp > b.Timestamp
	})

	accepted := make([]Anchor, 0, len(candidates))
	for _, candidate := range candidates {
		overlaps := false
		for _, kept := range accepted {
			if candidate.Position < kept.Position+kept.Length &&
				kept.Position < candidate.Position+candidate.Length {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, candidate)
		}
	}
	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Position < accepted[j].Position
	})
	return accepted
}

// SegmentTurn splits a turn's text into plain and anchored segments covering
// the full text exactly once, with the accepted anchors in position order.
func SegmentTurn(text string, anchors []Anchor) []Segment {
	accepted := ResolveOverlaps(len(text), anchors)
	segments := make([]Segment, 0, 2*len(accepted)+1)
	cursor := 0
	for i := range accepted {
		anchor := accepted[i]
		if anchor.Position > cursor {
			segments = append(segments, Segment{
				Text:  text[cursor:anchor.Position],
				Start: cursor,
				End:   anchor.Position,
			})
		}
		end := anchor.Position + anchor.Length
		segments = append(segments, Segment{
			Text:   text[anchor.Position:end],
			Start:  anchor.Position,
			End:    end,
			Anchor: &accepted[i],
		})
		cursor = end
	}
	if cursor < len(text) {
		segments = append(segments, Segment{
			Text:  text[cursor:],
			Start: cursor,
			End:   len(text),
		})
	}
	return segments
}

// WordAt expands a clicked byte offset to the maximal contiguous run of
// word-class characters (alphanumeric or underscore) containing it. It
// returns ErrEmptyWord when the offset does not sit on a word character.
func WordAt(text string, offset int) (start, end int, err error) {
	if offset < 0 || offset >= len(text) {
		return 0, 0, ErrEmptyWord
	}
	if !isWordByte(text[offset]) {
		return 0, 0, ErrEmptyWord
	}
	start = offset
	for start > 0 && isWordByte(text[start-1]) {
		start--
	}
	end = offset + 1
	for end < len(text) && isWordByte(text[end]) {
		end++
	}
	return start, end, nil
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_':
		return true
	}
	return false
}
