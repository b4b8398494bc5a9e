package assembler

import "math"

// EstimateTokens estimates the token cost of text with a deterministic
// character-class heuristic: CJK codepoints count 1, other non-ASCII 0.5,
// ASCII 0.25, with a 10% margin, rounded up. The constants are part of the
// contract; downstream truncation depends on reproducing them exactly.
func EstimateTokens(text string) int {
	var total float64
	for _, r := range text {
		switch {
		case isCJK(r):
			total += 1
		case r > 0x7F:
			total += 0.5
		default:
			total += 0.25
		}
	}
	return int(math.Ceil(total * 1.10))
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x30FF: // hiragana + katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul syllables
		return true
	}
	return false
}
