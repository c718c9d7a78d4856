package pattern

import "bytes"

// Scanner walks a haystack lazily and yields non-overlapping match offsets in
// ascending order. After a hit at i the scan resumes at i+len(needle).
type Scanner struct {
	hay    []byte
	needle Pattern
	pos    int
	// literal needles use bytes.Index; masked ones fall back to MatchAt
	literal bool
}

// NewScanner returns a scanner positioned at the start of hay.
func NewScanner(hay []byte, needle Pattern) *Scanner {
	return &Scanner{
		hay:     hay,
		needle:  needle,
		literal: needle.Wildcards() == 0 && fullMask(needle),
	}
}

func fullMask(p Pattern) bool {
	for _, m := range p.Mask {
		if m != 0xFF {
			return false
		}
	}
	return true
}

// Reset rewinds the scanner to the first byte.
func (s *Scanner) Reset() {
	s.pos = 0
}

// Next returns the next match offset. ok is false once the haystack is
// exhausted or when the needle is empty.
func (s *Scanner) Next() (off int, ok bool) {
	n := s.needle.Len()
	if n == 0 {
		return 0, false
	}
	if s.literal {
		if s.pos > len(s.hay)-n {
			return 0, false
		}
		idx := bytes.Index(s.hay[s.pos:], s.needle.Bytes)
		if idx < 0 {
			s.pos = len(s.hay)
			return 0, false
		}
		off = s.pos + idx
		s.pos = off + n
		return off, true
	}
	for i := s.pos; i+n <= len(s.hay); i++ {
		if s.needle.MatchAt(s.hay, i) {
			s.pos = i + n
			return i, true
		}
	}
	s.pos = len(s.hay)
	return 0, false
}

// FindAll collects match offsets of needle in hay. limit <= 0 means no cap.
func FindAll(hay []byte, needle Pattern, limit int) []int {
	var hits []int
	s := NewScanner(hay, needle)
	for {
		off, ok := s.Next()
		if !ok {
			break
		}
		hits = append(hits, off)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits
}

// Count returns the number of non-overlapping matches.
func Count(hay []byte, needle Pattern) int {
	return len(FindAll(hay, needle, 0))
}
