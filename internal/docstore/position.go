package docstore

// Position is a zero-based line/UTF-16-code-unit coordinate, mirroring the
// LSP wire type without importing it, so docstore stays independent of any
// particular protocol package.
type Position struct {
	Line      int
	Character int
}

// Range is a half-open [Start, End) span of Positions.
type Range struct {
	Start Position
	End   Position
}

// lineOffsets returns the byte offset of the start of every line in text,
// splitting on bare LF (CR, if present, is treated as trailing content of
// the previous line).
func lineOffsets(text string) []int {
	offsets := make([]int, 1, 64)
	offsets[0] = 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// offsetOf converts a Position to a byte offset into text, clamping a line
// past the last one to the document end and a character past its line's
// end to that line's end, and rejecting negative coordinates.
func offsetOf(text string, offsets []int, pos Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, ErrInvalidRange
	}
	if pos.Line >= len(offsets) {
		return len(text), nil
	}

	lineStart := offsets[pos.Line]
	lineEnd := len(text)
	if pos.Line+1 < len(offsets) {
		lineEnd = offsets[pos.Line+1] - 1 // exclude the newline itself
	}

	units := utf16Units(text[lineStart:lineEnd])
	if pos.Character >= len(units) {
		return lineStart + byteLenOf(units), nil
	}
	return lineStart + byteLenOf(units[:pos.Character]), nil
}

// utf16Units decomposes a line of text into the byte length each UTF-16
// code unit occupies in UTF-8, so a character offset (UTF-16 units, per the
// LSP spec) can be mapped back to a byte offset.
func utf16Units(line string) []int {
	units := make([]int, 0, len(line))
	for _, r := range line {
		switch {
		case r > 0xFFFF:
			// Encoded as a UTF-16 surrogate pair: two code units share the
			// rune's UTF-8 byte length split across them arbitrarily; we
			// only need the running total, so attribute the full byte
			// length to the first unit and zero to the second.
			units = append(units, runeLen(r), 0)
		default:
			units = append(units, runeLen(r))
		}
	}
	return units
}

func runeLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	default:
		return 4
	}
}

func byteLenOf(units []int) int {
	total := 0
	for _, u := range units {
		total += u
	}
	return total
}

// ErrInvalidRange is returned for a negative line or character coordinate.
var ErrInvalidRange = rangeError("invalid range")

type rangeError string

func (e rangeError) Error() string { return string(e) }

// ApplyRangeEdit returns text with the span [r.Start, r.End) replaced by
// newText. An out-of-bounds Position clamps rather than failing: a line
// past the last one to the document end, a character past its line's end
// to that line's end.
func ApplyRangeEdit(text string, r Range, newText string) (string, error) {
	offsets := lineOffsets(text)
	start, err := offsetOf(text, offsets, r.Start)
	if err != nil {
		return "", err
	}
	end, err := offsetOf(text, offsets, r.End)
	if err != nil {
		return "", err
	}
	if end < start {
		start, end = end, start
	}
	return text[:start] + newText + text[end:], nil
}

// RangedEdit is one element of a multi-edit batch: either a ranged replace
// (Range non-nil) or a full-document replace (Range nil).
type RangedEdit struct {
	Range   *Range
	NewText string
}

// ApplyEdits applies a batch of edits to text. A full-document replace
// (nil Range) discards every other edit in the batch; otherwise ranged
// edits are applied in reverse document order so earlier offsets are
// unaffected by later ones.
func ApplyEdits(text string, edits []RangedEdit) (string, error) {
	for _, e := range edits {
		if e.Range == nil {
			return e.NewText, nil
		}
	}

	ordered := make([]RangedEdit, len(edits))
	copy(ordered, edits)
	sortEditsDescending(ordered)

	result := text
	for _, e := range ordered {
		var err error
		result, err = ApplyRangeEdit(result, *e.Range, e.NewText)
		if err != nil {
			return "", err
		}
	}
	return result, nil
}

// sortEditsDescending orders edits by start position, latest first, with a
// stable insertion sort (batches are small).
func sortEditsDescending(edits []RangedEdit) {
	for i := 1; i < len(edits); i++ {
		for j := i; j > 0 && positionLess(edits[j-1].Range.Start, edits[j].Range.Start); j-- {
			edits[j-1], edits[j] = edits[j], edits[j-1]
		}
	}
}

func positionLess(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}
