package smoke

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/manifest"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/samples"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

// installSamplePack builds a signed pack from the sample catalog, installs it
// into a fresh repository and activates it.
func installSamplePack(t *testing.T, dir string, keyPEM, certPEM []byte) *catalog.Repository {
	t.Helper()
	if err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	archive := filepath.Join(dir, "edc17-1.0.0.zip")
	pack, err := catalog.BuildPack(catalog.BuildOptions{
		SourceDir: filepath.Join(dir, samples.CatalogDir),
		PackID:    "edc17",
		Version:   "1.0.0",
		Output:    archive,
		KeyPEM:    keyPEM,
		CertPEM:   certPEM,
	})
	if err != nil {
		t.Fatalf("BuildPack: %v", err)
	}
	if len(pack.Files) != 3 {
		t.Fatalf("pack files = %d, want 3", len(pack.Files))
	}

	repo, err := catalog.OpenRepository(filepath.Join(dir, "repo"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	if _, err := repo.Install(archive, false); err == nil {
		t.Fatalf("install succeeded before the signer was trusted")
	}
	if err := repo.Trust("bench", certPEM); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if _, err := repo.Install(archive, false); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := repo.SetActive("edc17", "1.0.0"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	return repo
}

func TestSignedPackToSignedDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping delivery smoke test in short mode")
	}
	ctx := context.Background()
	dir := t.TempDir()
	keyPEM, certPEM, err := crypto.GenerateSelfSigned("Smoke Pack Signer", 2048)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	repo := installSamplePack(t, dir, keyPEM, certPEM)

	watcher, err := catalog.NewWatcher(nil, func() []string {
		dirs, err := repo.ActiveDirs()
		if err != nil {
			t.Errorf("ActiveDirs: %v", err)
		}
		return dirs
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if n := watcher.Current().Count(); n != 1 {
		t.Fatalf("catalog entries = %d, want 1", n)
	}

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()
	blobs, err := store.NewDir(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("store.NewDir: %v", err)
	}
	svc, err := service.New(service.Options{
		Store:    blobs,
		Catalog:  watcher,
		Ledger:   led,
		AuditLog: common.NewPatchLog(filepath.Join(dir, "audit.jsonl")),
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	stock, err := os.ReadFile(filepath.Join(dir, samples.StockFileName))
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	up, err := svc.Upload(ctx, "edc17.bin", "", stock)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if up.Detection.Family != samples.Family {
		t.Fatalf("detected family %q, want %q", up.Detection.Family, samples.Family)
	}
	job, err := svc.Apply(ctx, service.Request{Upload: up.SHA256, PatchID: "vmax_off"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	tuned, err := os.ReadFile(filepath.Join(dir, samples.TunedFileName))
	if err != nil {
		t.Fatalf("read tuned: %v", err)
	}
	out, err := svc.Blob(job.OutputKey)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	if string(out) != string(tuned) {
		t.Fatalf("service output differs from the sample tuned image")
	}
	reverted, err := svc.Revert(ctx, job.ID)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if string(reverted) != string(stock) {
		t.Fatalf("revert did not restore the stock image")
	}

	delivery := filepath.Join(dir, "delivery")
	if err := os.MkdirAll(delivery, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var paths []string
	for name, key := range map[string]string{"patched.bin": job.OutputKey, "receipt.json": job.ReceiptKey, "receipt.pdf": job.PDFKey} {
		data, err := svc.Blob(key)
		if err != nil {
			t.Fatalf("Blob %s: %v", key, err)
		}
		p := filepath.Join(delivery, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		paths = append(paths, p)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		t.Fatalf("manifest.Build: %v", err)
	}
	manifestPath := filepath.Join(delivery, "manifest.json")
	if err := manifest.Sign(m, manifestPath, keyPEM, certPEM); err != nil {
		t.Fatalf("manifest.Sign: %v", err)
	}
	if err := manifest.VerifySignature(manifestPath, certPEM); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := m.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// tampering with a delivered file must be caught
	if err := os.WriteFile(paths[0], []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := m.Check(); err == nil {
		t.Fatalf("Check accepted a tampered delivery")
	}

	stats, err := led.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Fatalf("ledger stats = %+v, want one successful job", stats)
	}
}
