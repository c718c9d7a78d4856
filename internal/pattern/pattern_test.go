package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

func TestFindAllWildcard(t *testing.T) {
	hay := []byte{0xAA, 0x00, 0xCC, 0xAA, 0xFF, 0xCC}
	needle := MustParseHex("AA ?? CC")
	assert.Equal(t, []int{0, 3}, FindAll(hay, needle, 0))
	assert.Equal(t, []int{0}, FindAll(hay, needle, 1))
}

func TestFindAllNonOverlapping(t *testing.T) {
	hay := []byte{0x11, 0x11, 0x11, 0x11, 0x11}
	assert.Equal(t, []int{0, 2}, FindAll(hay, MustParseHex("11 11"), 0))
	// masked path resumes the same way
	assert.Equal(t, []int{0, 2}, FindAll(hay, MustParseHex("11 ??"), 0))
}

func TestFindAllEdgeCases(t *testing.T) {
	hay := []byte{0x01, 0x02, 0x03}
	assert.Empty(t, FindAll(hay, Pattern{}, 0))
	assert.Empty(t, FindAll(hay, MustParseHex("02 03 04"), 0))
	assert.Empty(t, FindAll(nil, MustParseHex("01"), 0))
	assert.Equal(t, []int{1}, FindAll(hay, MustParseHex("02 03"), 0))
}

func TestScannerRestartable(t *testing.T) {
	hay := []byte{0xAA, 0x00, 0xCC, 0xAA, 0xFF, 0xCC}
	s := NewScanner(hay, MustParseHex("AA ?? CC"))
	var first []int
	for off, ok := s.Next(); ok; off, ok = s.Next() {
		first = append(first, off)
	}
	s.Reset()
	var second []int
	for off, ok := s.Next(); ok; off, ok = s.Next() {
		second = append(second, off)
	}
	assert.Equal(t, first, second)
}

func TestParseHex(t *testing.T) {
	p, err := ParseHex("aa ?? Cc DDEE")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x00, 0xCC, 0xDD, 0xEE}, p.Bytes)
	assert.Equal(t, []byte{0xFF, 0x00, 0xFF, 0xFF, 0xFF}, p.Mask)
	assert.Equal(t, "AA ?? CC DD EE", p.String())
	assert.Equal(t, 1, p.Wildcards())

	_, err = ParseHex("AA B")
	assert.Error(t, err)
	_, err = ParseHex("ZZ")
	assert.Error(t, err)
}

func TestReplaceAtKeepsWildcardBytes(t *testing.T) {
	buf := []byte{0xAA, 0x42, 0xCC, 0x00}
	require.NoError(t, ReplaceAt(buf, 0, 3, MustParseHex("BB ?? DD")))
	assert.Equal(t, []byte{0xBB, 0x42, 0xDD, 0x00}, buf)
}

func TestReplaceAtShapeMismatchBeforeMutation(t *testing.T) {
	buf := []byte{0xAA, 0x42, 0xCC}
	orig := append([]byte(nil), buf...)
	err := ReplaceAt(buf, 0, 3, MustParseHex("BB DD"))
	require.ErrorIs(t, err, patcherr.ErrShapeMismatch)
	assert.Equal(t, orig, buf)
}

func TestReplaceAtOutOfRange(t *testing.T) {
	buf := []byte{0xAA, 0x42}
	err := ReplaceAt(buf, 1, 2, MustParseHex("00 00"))
	require.ErrorIs(t, err, patcherr.ErrOutOfRange)
	assert.Equal(t, []byte{0xAA, 0x42}, buf)
}

func TestPartialMask(t *testing.T) {
	p := Pattern{Bytes: []byte{0x40}, Mask: []byte{0xF0}}
	assert.Equal(t, []int{0, 2}, FindAll([]byte{0x4A, 0x50, 0x41}, p, 0))
	buf := []byte{0x0F}
	require.NoError(t, ReplaceAt(buf, 0, 1, Pattern{Bytes: []byte{0x30}, Mask: []byte{0xF0}}))
	assert.Equal(t, []byte{0x3F}, buf)
}
