package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.Memory
	ledger  *ledger.Ledger
	metrics *common.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	edc := filepath.Join(root, "EDC17")
	require.NoError(t, os.MkdirAll(edc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(edc, "a_fail.yml"), []byte(
		"id: a_fail\nops:\n  - find_hex: \"DE AD\"\n    replace_hex: \"BE EF\"\n    expect: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(edc, "b_vmax.yml"), []byte(
		"id: b_vmax\npatch_ids: [vmax_off]\nops:\n  - find_hex: \"AA BB\"\n    replace_hex: \"AA 00\"\nchecksum: {type: sum8, offset: 63}\n"), 0o644))
	snap, err := catalog.Load(nil, root)
	require.NoError(t, err)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	mem := store.NewMemory()
	m := common.NewMetrics()
	svc, err := New(Options{
		Store:    mem,
		Catalog:  StaticCatalog{Snapshot: snap},
		Ledger:   l,
		AuditLog: common.NewPatchLog(filepath.Join(t.TempDir(), "audit.jsonl")),
		Metrics:  m,
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: mem, ledger: l, metrics: m}
}

func stock() []byte {
	buf := make([]byte, 64)
	copy(buf[8:], []byte{0xAA, 0xBB})
	copy(buf[16:], "EDC17 C46")
	return buf
}

func TestNewRequiresStoreAndCatalog(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Store: store.NewMemory()})
	assert.Error(t, err)
}

func TestUploadAndFingerprint(t *testing.T) {
	f := newFixture(t)
	up, err := f.svc.Upload(context.Background(), "car_edc17.bin", "", stock())
	require.NoError(t, err)
	assert.Equal(t, firmware.SHA256Hex(stock()), up.SHA256)
	assert.Equal(t, "EDC17", up.Detection.Family)
	assert.Equal(t, 64, up.Size)

	img, err := f.svc.Image(up.SHA256)
	require.NoError(t, err)
	assert.Equal(t, stock(), img.Bytes())

	_, err = f.svc.Image("nope")
	assert.ErrorIs(t, err, ErrUnknownUpload)
	_, err = f.svc.Image(firmware.SHA256Hex([]byte("other")))
	assert.ErrorIs(t, err, ErrUnknownUpload)

	_, err = f.svc.Upload(context.Background(), "x", "", nil)
	assert.Error(t, err)

	// uploads are never served back through Blob
	_, err = f.svc.Blob(up.Key)
	assert.True(t, store.IsNotFound(err))
}

func TestApplyWithFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up, err := f.svc.Upload(ctx, "car.bin", "", stock())
	require.NoError(t, err)

	job, err := f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "EDC17"})
	require.Error(t, err)
	assert.Equal(t, patcherr.KindPatternNotFound, patcherr.KindOf(err))
	require.NotNil(t, job)
	assert.Len(t, job.Attempts, 1)
	assert.Empty(t, job.OutputKey)
	assert.False(t, job.Receipt.Meta.Success)

	job, err = f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "EDC17", Fallback: true, Lang: "es"})
	require.NoError(t, err)
	require.Len(t, job.Attempts, 2)
	assert.Equal(t, "PatternNotFound", job.Attempts[0].FailureKind)
	assert.Equal(t, "b_vmax", job.Receipt.Source)
	assert.True(t, job.Result.Success)
	assert.Equal(t, 1, job.Result.OpsApplied)

	out, err := f.svc.Blob(job.OutputKey)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), out[9])
	assert.Equal(t, firmware.SHA256Hex(out), job.Receipt.OutputSHA256)
	pdf, err := f.svc.Blob(job.PDFKey)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf[:4]))
	_, err = f.svc.Blob(job.ReceiptKey)
	require.NoError(t, err)

	row, err := f.ledger.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, row.Success)
	assert.Equal(t, "b_vmax", row.Source)
	recent, err := f.svc.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	snap := f.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.Applies)
	assert.EqualValues(t, 1, snap.Failures["PatternNotFound"])

	in, err := f.svc.Revert(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stock(), in)
}

func TestApplyPinnedEntryAndPatchID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up, err := f.svc.Upload(ctx, "car.bin", "", stock())
	require.NoError(t, err)

	job, err := f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "EDC17", PatchID: "vmax_off"})
	require.NoError(t, err)
	assert.Equal(t, "b_vmax", job.Receipt.Source)

	_, err = f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "EDC17", EntryID: "missing"})
	assert.ErrorIs(t, err, patcherr.ErrNoCompatibleRecipe)

	_, err = f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "SIMOS"})
	assert.ErrorIs(t, err, patcherr.ErrNoCompatibleRecipe)
}

func TestApplyHonorsCancelledContext(t *testing.T) {
	f := newFixture(t)
	up, err := f.svc.Upload(context.Background(), "car.bin", "", stock())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.Apply(ctx, Request{Upload: up.SHA256, Family: "EDC17"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDiffAndAligned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Upload(ctx, "stock.bin", "", stock())
	require.NoError(t, err)
	mod := stock()
	mod[9] = 0x00
	b, err := f.svc.Upload(ctx, "mod.bin", "", mod)
	require.NoError(t, err)

	res, err := f.svc.Diff(ctx, a.SHA256, b.SHA256, "vmax_art")
	require.NoError(t, err)
	assert.Equal(t, a.SHA256, res.Meta.BaseSHA256)
	keys, err := f.store.List(res.Prefix + "/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	art, err := f.svc.LoadArtifact("vmax_art")
	require.NoError(t, err)
	got, err := diff.Apply(stock(), art)
	require.NoError(t, err)
	assert.Equal(t, mod, got)

	ranges, err := f.svc.AlignedDiff(a.SHA256, b.SHA256)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, 9, ranges[0].Offset)

	_, err = f.svc.Diff(ctx, a.SHA256, b.SHA256, "../escape")
	assert.Error(t, err)
}
