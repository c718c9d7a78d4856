package samples_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/samples"
)

func TestSamplesAreDeterministic(t *testing.T) {
	a, err := samples.BuildStock()
	require.NoError(t, err)
	b, err := samples.BuildStock()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, samples.ImageSize)
	assert.True(t, bytes.Contains(a, []byte(samples.Ident)))
	clusters := firmware.ScanDTC(a)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Codes, 8)
}

func TestTunedImageRaisesLimiter(t *testing.T) {
	stock, err := samples.BuildStock()
	require.NoError(t, err)
	tuned, err := samples.BuildTuned(stock)
	require.NoError(t, err)

	ranges, err := diff.SynthesizeAligned(stock, tuned)
	require.NoError(t, err)
	// anchor byte, limiter value, then the checksum bytes
	require.GreaterOrEqual(t, len(ranges), 3)
	assert.Equal(t, []byte{0x00}, ranges[0].Modified)
	assert.Equal(t, []byte{0x2C, 0x01}, ranges[1].Modified)
	assert.EqualValues(t, 300, binary.LittleEndian.Uint16(tuned[ranges[1].Offset:]))
	assert.GreaterOrEqual(t, ranges[len(ranges)-1].Offset, samples.ImageSize-4)
}

func TestWriteFilesProducesWorkingCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, samples.WriteFiles(dir))
	// a second run leaves identical files untouched
	require.NoError(t, samples.WriteFiles(dir))

	snap, err := catalog.Load(nil, filepath.Join(dir, samples.CatalogDir))
	require.NoError(t, err)
	require.Empty(t, snap.Warnings)

	stock, err := firmware.Open(filepath.Join(dir, samples.StockFileName))
	require.NoError(t, err)
	det := snap.Detect(stock, "dump.bin", "")
	assert.Equal(t, samples.Family, det.Family)

	cands, err := snap.Resolve(catalog.Request{Family: det.Family, PatchID: "vmax_off", Image: stock})
	require.NoError(t, err)
	require.Len(t, cands, 1)

	out, res, err := engine.New(engine.Options{}).ApplyCompiled(stock.Bytes(), cands[0].Entry.Compiled)
	require.NoError(t, err)
	assert.Equal(t, 2, res.OpsApplied)

	tuned, err := os.ReadFile(filepath.Join(dir, samples.TunedFileName))
	require.NoError(t, err)
	assert.Equal(t, tuned, out)
}
