package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

const vmaxRecipe = `id: vmax
patch_ids: [vmax_off]
ops:
  - find_hex: "AA BB"
    replace_hex: "AA 00"
`

func stockImage() []byte {
	buf := make([]byte, 64)
	copy(buf[8:], []byte{0xAA, 0xBB})
	copy(buf[20:], "0281011234")
	return buf
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// buildCatalog lays out an EDC17 family with every entry kind and a second
// MED17 family.
func buildCatalog(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	edc := filepath.Join(root, "EDC17")
	writeFile(t, filepath.Join(edc, "vmax.yml"), vmaxRecipe)
	writeFile(t, filepath.Join(edc, "disabled.yml"), "id: disabled\nops:\n  - write: {at: 0, hex: \"00\"}\n")
	writeFile(t, filepath.Join(edc, "broken.yml"), "id: broken\nops:\n  - find_hex: ZZ\n")
	writeFile(t, filepath.Join(edc, "logo.bin"), "\x01\x02\x03")
	writeFile(t, filepath.Join(edc, "logo.meta.json"), `{"at": "0x4"}`)
	writeFile(t, filepath.Join(edc, "meta.json"), `{
  "label": "Bosch EDC17",
  "engine_default": "diesel",
  "overrides": {"disabled": {"active": false}, "vmax": {"label": "Vmax removal"}}
}`)
	writeFile(t, filepath.Join(edc, "detectors.json"), `[{"pn": "0281011234"}]`)

	stock := stockImage()
	mod := append([]byte(nil), stock...)
	mod[9] = 0x00
	a, err := diff.Synthesize(stock, mod)
	require.NoError(t, err)
	dir, err := store.NewDir(edc)
	require.NoError(t, err)
	require.NoError(t, diff.SaveArtifact(dir, "art_match", a))

	other := make([]byte, 64)
	otherMod := append([]byte(nil), other...)
	otherMod[0] = 1
	b, err := diff.Synthesize(other, otherMod)
	require.NoError(t, err)
	require.NoError(t, diff.SaveArtifact(dir, "art_other", b))

	writeFile(t, filepath.Join(root, "MED17", "egr.yml"), "id: egr\nops:\n  - find_hex: \"AA BB\"\n    replace_hex: \"AA CC\"\n")
	return root
}

func TestLoad(t *testing.T) {
	snap, err := Load(nil, buildCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"EDC17", "MED17"}, snap.FamilyNames())
	assert.Equal(t, 5, snap.Count())
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0], "broken.yml")

	edc := snap.Family("edc17_c46")
	require.NotNil(t, edc)
	assert.Equal(t, "Bosch EDC17", edc.Label)
	ids := make([]string, 0, len(edc.Entries))
	for _, e := range edc.Entries {
		ids = append(ids, e.ID)
		assert.Equal(t, []string{"diesel"}, e.Engines, e.ID)
	}
	assert.Equal(t, []string{"art_match", "art_other", "logo", "vmax"}, ids)

	vmax := snap.Lookup("EDC17", "vmax")
	require.NotNil(t, vmax)
	assert.Equal(t, "Vmax removal", vmax.Label)
	assert.Equal(t, KindRecipe, vmax.Kind)

	logo := snap.Lookup("EDC17", "logo")
	require.NotNil(t, logo)
	assert.Equal(t, KindOverlay, logo.Kind)
	require.Len(t, logo.Compiled.Ops, 1)
	assert.Equal(t, 4, logo.Compiled.Ops[0].At)

	art := snap.Lookup("EDC17", "art_match")
	require.NotNil(t, art)
	assert.Equal(t, firmware.SHA256Hex(stockImage()), art.Artifact.BaseSHA256)

	assert.Nil(t, snap.Lookup("EDC17", "disabled"))
}

func TestLoadMissingRoot(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestResolveOrder(t *testing.T) {
	snap, err := Load(nil, buildCatalog(t))
	require.NoError(t, err)

	got, err := snap.Resolve(Request{Family: "EDC17", Engine: "diesel", Image: firmware.New(stockImage())})
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.Entry.ID)
		assert.Equal(t, family.TierExact, c.Tier)
	}
	assert.Equal(t, []string{"art_match", "logo", "vmax", "art_other"}, ids)
	assert.True(t, got[0].BaseMatch)
	assert.False(t, got[3].BaseMatch)
}

func TestResolveFilters(t *testing.T) {
	snap, err := Load(nil, buildCatalog(t))
	require.NoError(t, err)
	img := firmware.New(stockImage())

	got, err := snap.Resolve(Request{Family: "EDC17", PatchID: "vmax_off", Image: img})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "vmax", got[0].Entry.ID)

	got, err = snap.Resolve(Request{Family: "med17-tc", Image: img})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "egr", got[0].Entry.ID)
	assert.Equal(t, family.TierNormalized, got[0].Tier)

	_, err = snap.Resolve(Request{Family: "EDC17", Engine: "petrol", Image: img})
	assert.Equal(t, patcherr.KindNoCompatibleRecipe, patcherr.KindOf(err))

	_, err = snap.Resolve(Request{Family: "SIMOS", Image: img})
	assert.Equal(t, patcherr.KindNoCompatibleRecipe, patcherr.KindOf(err))
}

func TestListIgnoresSelectors(t *testing.T) {
	snap, err := Load(nil, buildCatalog(t))
	require.NoError(t, err)
	assert.Len(t, snap.List("EDC17", "diesel"), 4)
	assert.Len(t, snap.List("", ""), 5)
	assert.Empty(t, snap.List("EDC17", "petrol"))
}

func TestDetect(t *testing.T) {
	snap, err := Load(nil, buildCatalog(t))
	require.NoError(t, err)

	d := snap.Detect(firmware.New(stockImage()), "upload.bin", "")
	assert.Equal(t, "EDC17", d.Family)
	assert.Equal(t, family.SourceDetector, d.Source)

	d = snap.Detect(firmware.New(make([]byte, 16)), "golf_med17_stock.bin", "")
	assert.Equal(t, family.SourceFilename, d.Source)
}

func TestWatcherReload(t *testing.T) {
	root := buildCatalog(t)
	w, err := NewWatcher(nil, func() []string { return []string{root} })
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	assert.Equal(t, 5, w.Current().Count())

	reloaded := make(chan *Snapshot, 4)
	w.OnReload(func(s *Snapshot) { reloaded <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx))

	writeFile(t, filepath.Join(root, "MED17", "dpf.yml"), "id: dpf\nops:\n  - write: {at: 1, hex: \"FF\"}\n")
	require.Eventually(t, func() bool { return w.Current().Count() == 6 }, 5*time.Second, 20*time.Millisecond)
	select {
	case s := <-reloaded:
		assert.NotNil(t, s)
	case <-time.After(time.Second):
		t.Fatal("reload callback not called")
	}
}

func TestWatcherReloadsDoNotOverlap(t *testing.T) {
	root := buildCatalog(t)
	var active, peak atomic.Int32
	w, err := NewWatcher(nil, func() []string {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return []string{root}
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Reload())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
	assert.Equal(t, 5, w.Current().Count())
}

func newSignedRepo(t *testing.T) (*Repository, []byte, []byte) {
	t.Helper()
	keyPEM, certPEM, err := crypto.GenerateSelfSigned("pack signer", 2048)
	require.NoError(t, err)
	repo, err := OpenRepository(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Trust("signer.pem", certPEM))
	return repo, keyPEM, certPEM
}

func TestRepositoryInstall(t *testing.T) {
	repo, keyPEM, certPEM := newSignedRepo(t)
	src := buildCatalog(t)
	out := filepath.Join(t.TempDir(), "edc.zip")
	pack, err := BuildPack(BuildOptions{SourceDir: src, PackID: "bosch", Version: "1.2.0", Output: out, KeyPEM: keyPEM, CertPEM: certPEM})
	require.NoError(t, err)
	assert.Equal(t, []string{"EDC17", "MED17"}, pack.Families)

	inst, err := repo.Install(out, false)
	require.NoError(t, err)
	assert.True(t, inst.Signed)
	assert.Contains(t, inst.Signer, "pack signer")
	require.NoError(t, repo.Verify("bosch", "1.2.0"))

	ref, err := repo.SetActive("bosch", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", ref.Version)

	dirs, err := repo.ActiveDirs()
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	snap, err := Load(nil, dirs...)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Count())

	list, err := repo.ListInstalled()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Active)

	// tampering with an installed file breaks verification
	writeFile(t, filepath.Join(inst.Catalog, "MED17", "egr.yml"), "id: egr\nops: []\n")
	assert.Error(t, repo.Verify("bosch", "1.2.0"))

	require.NoError(t, repo.Remove("bosch", "1.2.0"))
	_, ok, err := repo.Active("bosch")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepositoryRejectsUntrusted(t *testing.T) {
	repo, _, _ := newSignedRepo(t)
	otherKey, otherCert, err := crypto.GenerateSelfSigned("stranger", 2048)
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "p.zip")
	_, err = BuildPack(BuildOptions{SourceDir: buildCatalog(t), PackID: "p", Version: "1", Output: out, KeyPEM: otherKey, CertPEM: otherCert})
	require.NoError(t, err)
	_, err = repo.Install(out, false)
	assert.ErrorContains(t, err, "verify signature")
}

func TestRepositoryUnsigned(t *testing.T) {
	repo, _, _ := newSignedRepo(t)
	out := filepath.Join(t.TempDir(), "p.zip")
	_, err := BuildPack(BuildOptions{SourceDir: buildCatalog(t), PackID: "p", Version: "1", Output: out})
	require.NoError(t, err)

	_, err = repo.Install(out, false)
	assert.Error(t, err)

	inst, err := repo.Install(out, true)
	require.NoError(t, err)
	assert.False(t, inst.Signed)
	assert.ErrorContains(t, repo.Verify("p", "1"), "unsigned")
}

func TestValidatePaths(t *testing.T) {
	assert.Error(t, validatePathComponent("../x"))
	assert.Error(t, validatePathComponent("a/b"))
	assert.NoError(t, validatePathComponent("1.0.2"))
	assert.Error(t, validateRelPath("../../etc/passwd"))
	assert.Error(t, validateRelPath("/abs"))
	assert.NoError(t, validateRelPath("EDC17/vmax.yml"))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 1, compareVersions("1.10.0", "1.9.3"))
	assert.Equal(t, -1, compareVersions("v1.0", "1.0.1"))
	assert.Equal(t, 0, compareVersions("2.0", "2.0"))
}
