// Package pattern locates and rewrites masked byte sequences inside firmware
// images.
package pattern

import (
	"fmt"
	"strings"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

// Pattern is a byte sequence with a per-byte mask. A mask byte of 0 turns the
// position into a wildcard; 0xFF compares the whole byte.
type Pattern struct {
	Bytes []byte
	Mask  []byte
}

// Literal returns a fully masked pattern for b.
func Literal(b []byte) Pattern {
	mask := make([]byte, len(b))
	for i := range mask {
		mask[i] = 0xFF
	}
	return Pattern{Bytes: append([]byte(nil), b...), Mask: mask}
}

// ParseHex parses space separated byte pairs such as "AA ?? CC". Pairs may
// also be run together ("AABB??").
func ParseHex(s string) (Pattern, error) {
	var p Pattern
	for _, tok := range strings.Fields(s) {
		if len(tok)%2 != 0 {
			return Pattern{}, fmt.Errorf("hex token %q has odd length", tok)
		}
		for i := 0; i < len(tok); i += 2 {
			pair := tok[i : i+2]
			if pair == "??" {
				p.Bytes = append(p.Bytes, 0)
				p.Mask = append(p.Mask, 0)
				continue
			}
			hi, ok1 := nibble(pair[0])
			lo, ok2 := nibble(pair[1])
			if !ok1 || !ok2 {
				return Pattern{}, fmt.Errorf("invalid hex byte %q in %q", pair, tok)
			}
			p.Bytes = append(p.Bytes, hi<<4|lo)
			p.Mask = append(p.Mask, 0xFF)
		}
	}
	return p, nil
}

// MustParseHex is ParseHex for literals known to be valid.
func MustParseHex(s string) Pattern {
	p, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return p
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Len returns the number of bytes the pattern spans.
func (p Pattern) Len() int {
	return len(p.Bytes)
}

// Wildcards counts fully masked-out positions.
func (p Pattern) Wildcards() int {
	n := 0
	for _, m := range p.Mask {
		if m == 0 {
			n++
		}
	}
	return n
}

// String renders the pattern in the persisted form: uppercase pairs separated
// by single spaces, "??" for wildcard bytes.
func (p Pattern) String() string {
	var b strings.Builder
	for i, v := range p.Bytes {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p.maskAt(i) == 0 {
			b.WriteString("??")
			continue
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// Validate checks that Bytes and Mask agree in length.
func (p Pattern) Validate() error {
	if p.Mask != nil && len(p.Mask) != len(p.Bytes) {
		return fmt.Errorf("mask length %d does not match pattern length %d", len(p.Mask), len(p.Bytes))
	}
	return nil
}

func (p Pattern) maskAt(i int) byte {
	if p.Mask == nil {
		return 0xFF
	}
	return p.Mask[i]
}

// MatchAt reports whether the pattern matches hay starting at off.
func (p Pattern) MatchAt(hay []byte, off int) bool {
	n := len(p.Bytes)
	if n == 0 || off < 0 || off+n > len(hay) {
		return false
	}
	for i := 0; i < n; i++ {
		m := p.maskAt(i)
		if hay[off+i]&m != p.Bytes[i]&m {
			return false
		}
	}
	return true
}

// FormatHex renders raw bytes in the persisted hex form.
func FormatHex(b []byte) string {
	return Literal(b).String()
}

// ReplaceAt overwrites needleLen bytes of buf at off with replacement. Only
// positions where the replacement mask is nonzero are written; the rest keep
// their current value. Length and bounds are checked before any byte changes.
func ReplaceAt(buf []byte, off, needleLen int, replacement Pattern) error {
	if err := replacement.Validate(); err != nil {
		return patcherr.Wrap(patcherr.KindShapeMismatch, "replace", err)
	}
	if replacement.Len() != needleLen {
		return patcherr.New(patcherr.KindShapeMismatch, "replace",
			"replacement has %d bytes, matched region has %d", replacement.Len(), needleLen)
	}
	if off < 0 || off+needleLen > len(buf) {
		return patcherr.New(patcherr.KindOutOfRange, "replace",
			"patch at %d with length %d exceeds image size %d", off, needleLen, len(buf))
	}
	for i := 0; i < needleLen; i++ {
		m := replacement.maskAt(i)
		if m == 0 {
			continue
		}
		buf[off+i] = buf[off+i]&^m | replacement.Bytes[i]&m
	}
	return nil
}
