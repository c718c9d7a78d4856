package engine

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/checksum"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
)

type recorder struct {
	states []State
	edits  []Edit
}

func (r *recorder) OnState(_ string, s State) { r.states = append(r.states, s) }
func (r *recorder) OnEdit(e Edit)             { r.edits = append(r.edits, e) }

func newEngine(obs ...Observer) *Engine {
	return New(Options{Observers: obs})
}

func image(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestApplyRecipePatternAndWildcard(t *testing.T) {
	img := []byte{0x00, 0xAA, 0x11, 0xCC, 0x00, 0xAA, 0x22, 0xCC}
	rec := &recipe.Recipe{ID: "wild", Ops: []recipe.Op{{FindHex: "AA ?? CC", ReplaceHex: "AA ?? 00", Expect: 1}}}
	out, res, err := newEngine().ApplyRecipe(img, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xAA, 0x11, 0x00, 0x00, 0xAA, 0x22, 0x00}, out)
	assert.Equal(t, []int{1, 5}, res.Hits[0].Offsets)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.OpsApplied)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, Meta{OpsApplied: 1, Success: true}, res.Meta())
	assert.Equal(t, byte(0xCC), img[3], "input must not change")
}

func TestApplyRecipeMaxCapsHits(t *testing.T) {
	img := []byte{1, 2, 1, 2, 1, 2}
	rec := &recipe.Recipe{ID: "cap", Ops: []recipe.Op{{FindHex: "01 02", ReplaceHex: "09 09", Max: 2}}}
	out, _, err := newEngine().ApplyRecipe(img, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9, 1, 2}, out)
}

func TestApplyRecipeDeterministic(t *testing.T) {
	img := image(2048)
	img[100], img[101] = 0xE8, 0x03
	rec := &recipe.Recipe{ID: "det", Ops: []recipe.Op{
		{Value: &recipe.ValueOp{Kind: "u16", Value: 1000, ReplaceValue: 2000, Expect: 1}},
		{Write: &recipe.WriteOp{At: "0x10", Hex: "DE AD"}},
	}, Checksum: &recipe.Checksum{Type: "crc16-xmodem", Offset: 2046}}
	e := newEngine()
	a, ra, err := e.ApplyRecipe(img, rec)
	require.NoError(t, err)
	b, rb, err := e.ApplyRecipe(img, rec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
	assert.Equal(t, ra.OutputSHA256, rb.OutputSHA256)
	assert.Equal(t, []byte{0xD0, 0x07}, a[100:102])
	assert.Equal(t, []byte{0xDE, 0xAD}, a[0x10:0x12])
}

func TestApplyRecipeAtomicOnFailure(t *testing.T) {
	img := []byte{1, 2, 3, 4, 5, 6}
	orig := append([]byte(nil), img...)
	rec := &recipe.Recipe{ID: "atomic", Ops: []recipe.Op{
		{FindHex: "01 02", ReplaceHex: "FF FF", Expect: 1},
		{FindHex: "07 08", ReplaceHex: "00 00", Expect: 1},
	}}
	rec2 := &recorder{}
	out, res, err := newEngine(rec2).ApplyRecipe(img, rec)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, patcherr.ErrPatternNotFound))
	assert.False(t, res.Success)
	assert.Equal(t, patcherr.KindPatternNotFound, res.FailureKind)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.OpsApplied)
	assert.Equal(t, orig, img)
	assert.Equal(t, []State{StateStart, StateGuardChecked, StateOpApplied, StateFailed}, rec2.states)
}

func TestGuardRejectsBeforeAnyEdit(t *testing.T) {
	obs := &recorder{}
	rec := &recipe.Recipe{ID: "guard", Guards: recipe.Guards{MinSize: 100000},
		Ops: []recipe.Op{{FindHex: "00", ReplaceHex: "01"}}}
	out, res, err := newEngine(obs).ApplyRecipe(make([]byte, 50000), rec)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, patcherr.ErrSizeTooSmall))
	assert.Equal(t, patcherr.KindSizeTooSmall, res.FailureKind)
	assert.Empty(t, obs.edits)
	assert.Equal(t, []State{StateStart, StateFailed}, obs.states)

	rec = &recipe.Recipe{ID: "guard", MaxSize: 10, Ops: []recipe.Op{{FindHex: "00", ReplaceHex: "01"}}}
	_, _, err = newEngine(obs).ApplyRecipe(make([]byte, 11), rec)
	assert.True(t, errors.Is(err, patcherr.ErrSizeTooLarge))
}

func TestShapeMismatchBeforeGuards(t *testing.T) {
	obs := &recorder{}
	rec := &recipe.Recipe{ID: "shape", Guards: recipe.Guards{MinSize: 1 << 20},
		Ops: []recipe.Op{{FindHex: "AA BB", ReplaceHex: "CC"}}}
	_, res, err := newEngine(obs).ApplyRecipe([]byte{0xAA, 0xBB}, rec)
	assert.True(t, errors.Is(err, patcherr.ErrShapeMismatch))
	assert.Equal(t, patcherr.KindShapeMismatch, res.FailureKind)
	assert.Empty(t, obs.edits)
}

func TestWriteOutOfRange(t *testing.T) {
	rec := &recipe.Recipe{ID: "w", Ops: []recipe.Op{{Write: &recipe.WriteOp{At: "3", Hex: "00 00"}}}}
	_, _, err := newEngine().ApplyRecipe([]byte{1, 2, 3, 4}, rec)
	assert.True(t, errors.Is(err, patcherr.ErrOutOfRange))
}

func TestHugeOffsetsAreOutOfRange(t *testing.T) {
	write := &recipe.Recipe{ID: "w", Ops: []recipe.Op{{Write: &recipe.WriteOp{At: "0x7FFFFFFFFFFFFFFF", Hex: "00 01"}}}}
	_, res, err := newEngine().ApplyRecipe(make([]byte, 16), write)
	assert.ErrorIs(t, err, patcherr.ErrOutOfRange)
	assert.Equal(t, patcherr.KindOutOfRange, res.FailureKind)

	ck := &recipe.Recipe{ID: "ck",
		Ops:      []recipe.Op{{Write: &recipe.WriteOp{At: "0", Hex: "01"}}},
		Checksum: &recipe.Checksum{Type: "crc32", Offset: math.MaxInt},
	}
	_, _, err = newEngine().ApplyRecipe(make([]byte, 16), ck)
	assert.ErrorIs(t, err, patcherr.ErrOutOfRange)
}

func TestChecksumIdempotent(t *testing.T) {
	img := image(512)
	rec := &recipe.Recipe{ID: "ck",
		Ops:      []recipe.Op{{Write: &recipe.WriteOp{At: "0", Hex: "12 34"}}},
		Checksum: &recipe.Checksum{Type: "crc32", Offset: 508}}
	e := newEngine()
	first, res, err := e.ApplyRecipe(img, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Checksum)
	second, _, err := e.ApplyRecipe(first, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	sum, err := checksum.Compute(first, checksum.Spec{Type: checksum.CRC32, Offset: 508})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}, first[508:])
}

func TestStatesAndEditsReported(t *testing.T) {
	obs := &recorder{}
	img := []byte{0xAA, 0xBB, 0x00, 0x00, 0x00, 0x00}
	rec := &recipe.Recipe{ID: "s",
		Ops:      []recipe.Op{{FindHex: "AA BB", ReplaceHex: "AA CC"}},
		Checksum: &recipe.Checksum{Type: "sum8", Offset: 5}}
	_, _, err := newEngine(obs).ApplyRecipe(img, rec)
	require.NoError(t, err)
	assert.Equal(t, []State{StateStart, StateGuardChecked, StateOpApplied, StatePostProcessed, StateDone}, obs.states)
	require.Len(t, obs.edits, 2)
	assert.Equal(t, Edit{Source: "s", Op: 0, Kind: "pattern", Offset: 0, Before: []byte{0xAA, 0xBB}, After: []byte{0xAA, 0xCC}}, obs.edits[0])
	assert.Equal(t, "checksum", obs.edits[1].Kind)
	assert.Equal(t, []byte{(0xAA + 0xCC) & 0xFF}, obs.edits[1].After)
}

func TestApplyArtifact(t *testing.T) {
	stock := image(1024)
	mod := append([]byte(nil), stock...)
	mod[7] ^= 0xFF
	a, err := diff.Synthesize(stock, mod)
	require.NoError(t, err)

	obs := &recorder{}
	out, res, err := newEngine(obs).ApplyArtifact(stock, a)
	require.NoError(t, err)
	assert.Equal(t, mod, out)
	assert.True(t, res.Success)
	require.Len(t, obs.edits, 1)
	assert.Equal(t, 7, obs.edits[0].Offset)

	wrong := append([]byte(nil), stock...)
	wrong[0] ^= 1
	out, res, err = newEngine().ApplyArtifact(wrong, a)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, patcherr.ErrBaseMismatch))
	assert.Equal(t, patcherr.KindBaseMismatch, res.FailureKind)
}

func TestBootstrappedRecipeReproducesMod(t *testing.T) {
	stock := image(4096)
	mod := append([]byte(nil), stock...)
	for _, off := range []int{10, 11, 300, 2000, 4095} {
		mod[off] ^= 0x5A
	}
	rec, err := diff.Bootstrap("auto", stock, mod, 8)
	require.NoError(t, err)
	out, res, err := newEngine().ApplyRecipe(stock, rec)
	require.NoError(t, err)
	assert.Equal(t, mod, out)
	assert.Equal(t, len(rec.Ops), res.OpsApplied)
}
