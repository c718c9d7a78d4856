package numeric

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

func bufWithU16LE(size, off int, v uint16) []byte {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[off:], v)
	return buf
}

func TestToleranceWindow(t *testing.T) {
	buf := bufWithU16LE(32, 10, 1000)

	hits, err := FindAll(buf, Query{Kind: U16, Endian: Little, Target: 998, Tolerance: 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, hits)

	hits, err = FindAll(buf, Query{Kind: U16, Endian: Little, Target: 998, Tolerance: 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestScaleAndAlignment(t *testing.T) {
	buf := bufWithU16LE(32, 11, 2500)

	hits, err := FindAll(buf, Query{Kind: U16, Target: 250, Scale: 10}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{11}, hits)

	hits, err = FindAll(buf, Query{Kind: U16, Target: 250, Scale: 10, Align: 2}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "odd offset must be skipped when aligned to 2")
}

func TestSignedAndBigEndian(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[4:], uint32(0xFFFFFF38)) // -200 as i32
	hits, err := FindAll(buf, Query{Kind: I32, Endian: Big, Target: -200}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, hits)
}

func TestFloatTolerance(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(1.25))
	hits, err := FindAll(buf, Query{Kind: F32, Target: 1.2, Tolerance: 0.06, Align: 4}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, hits)

	hits, err = FindAll(buf, Query{Kind: F32, Target: 1.2, Tolerance: 0.01, Align: 4}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTargetOutsideKindRange(t *testing.T) {
	buf := make([]byte, 8)
	hits, err := FindAll(buf, Query{Kind: U8, Target: -50, Tolerance: 10}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = FindAll(buf, Query{Kind: U8, Target: -5, Tolerance: 10}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, hits, "window clamps to zero and limit caps hits")
}

func TestInvalidQuery(t *testing.T) {
	_, err := FindAll(nil, Query{Kind: "u24"}, 0)
	assert.ErrorIs(t, err, patcherr.ErrInvalidRecipe)
	_, err = FindAll(nil, Query{Kind: U8, Tolerance: -1}, 0)
	assert.ErrorIs(t, err, patcherr.ErrInvalidRecipe)
}

func TestPack(t *testing.T) {
	b, err := Pack(U16, Little, 1000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE8, 0x03}, b)

	b, err = Pack(I16, Big, -2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, b)

	b, err = Pack(F64, Little, 0.5)
	require.NoError(t, err)
	assert.Equal(t, math.Float64bits(0.5), binary.LittleEndian.Uint64(b))

	_, err = Pack(U8, Little, 256)
	assert.ErrorIs(t, err, patcherr.ErrInvalidRecipe)
	_, err = Pack(I8, Little, -129)
	assert.ErrorIs(t, err, patcherr.ErrInvalidRecipe)
}

func TestDecodeRoundTrip(t *testing.T) {
	b, err := Pack(U32, Big, 123456)
	require.NoError(t, err)
	v, err := Decode(b, 0, U32, Big)
	require.NoError(t, err)
	assert.Equal(t, float64(123456), v)
}

func TestParseKindAndEndian(t *testing.T) {
	k, err := ParseKind("U16")
	require.NoError(t, err)
	assert.Equal(t, U16, k)
	_, err = ParseKind("u128")
	assert.Error(t, err)

	e, err := ParseEndian("")
	require.NoError(t, err)
	assert.Equal(t, Little, e)
	e, err = ParseEndian("BE")
	require.NoError(t, err)
	assert.Equal(t, Big, e)
}
