package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
)

const vmaxRecipe = "id: vmax\npatch_ids: [vmax_off]\nops:\n  - find_hex: \"AA BB\"\n    replace_hex: \"AA 00\"\n    expect: 1\n"

func testContext() (*Context, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	return &Context{Out: &buf, Log: log}, &buf
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	edc := filepath.Join(root, "EDC17")
	if err := os.MkdirAll(edc, 0o755); err != nil {
		t.Fatalf("MkdirAll catalog: %v", err)
	}
	if err := os.WriteFile(filepath.Join(edc, "vmax.yml"), []byte(vmaxRecipe), 0o644); err != nil {
		t.Fatalf("WriteFile recipe: %v", err)
	}
	return root
}

func syntheticImage(patchable bool) []byte {
	buf := make([]byte, 128)
	if patchable {
		copy(buf[8:], []byte{0xAA, 0xBB})
	}
	copy(buf[32:], "BOSCH EDC17 C46")
	return buf
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	nested := filepath.Join(inputDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll inputs: %v", err)
	}
	outDir := filepath.Join(root, "out")
	if err := os.WriteFile(filepath.Join(inputDir, "alpha.bin"), syntheticImage(true), 0o644); err != nil {
		t.Fatalf("WriteFile alpha: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "beta.bin"), syntheticImage(true), 0o644); err != nil {
		t.Fatalf("WriteFile beta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, "gamma.bin"), syntheticImage(false), 0o644); err != nil {
		t.Fatalf("WriteFile gamma: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile hidden: %v", err)
	}
	ledgerPath := filepath.Join(root, "ledger.db")

	ctx, out := testContext()
	cmd := &BatchCmd{
		In:          inputDir,
		OutDir:      outDir,
		Catalog:     []string{writeCatalog(t)},
		Fallback:    true,
		Ledger:      ledgerPath,
		Lang:        "en",
		Concurrency: 2,
	}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("batch: %v\n%s", err, out.String())
	}

	check := func(name string) {
		dir := filepath.Join(outDir, name)
		patched, err := os.ReadFile(filepath.Join(dir, "patched.bin"))
		if err != nil {
			t.Fatalf("ReadFile patched %s: %v", name, err)
		}
		if patched[9] != 0x00 {
			t.Fatalf("%s not patched", name)
		}
		data, err := os.ReadFile(filepath.Join(dir, "receipt.json"))
		if err != nil {
			t.Fatalf("ReadFile receipt %s: %v", name, err)
		}
		var rec report.Receipt
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("Unmarshal receipt %s: %v", name, err)
		}
		if !rec.Meta.Success || rec.Source != "vmax" {
			t.Fatalf("unexpected receipt for %s: %+v", name, rec.Meta)
		}
		if _, err := os.Stat(filepath.Join(dir, "receipt.pdf")); err != nil {
			t.Fatalf("receipt pdf %s: %v", name, err)
		}
	}
	check("alpha")
	check(filepath.Join("nested", "beta"))

	if _, err := os.Stat(filepath.Join(outDir, "gamma", "patched.bin")); !os.IsNotExist(err) {
		t.Fatalf("gamma should not have a patched output: %v", err)
	}
	if !strings.Contains(out.String(), "FAIL gamma.bin") {
		t.Fatalf("summary missing gamma failure:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(outDir, ".hidden")); !os.IsNotExist(err) {
		t.Fatalf("hidden files must be skipped")
	}

	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer l.Close()
	stats, err := l.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 {
		t.Fatalf("unexpected ledger stats %+v", stats)
	}
}

func TestApplyRecipeAndUndo(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "car.bin")
	if err := os.WriteFile(in, syntheticImage(true), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	recipePath := filepath.Join(root, "vmax.yml")
	if err := os.WriteFile(recipePath, []byte(vmaxRecipe), 0o644); err != nil {
		t.Fatalf("WriteFile recipe: %v", err)
	}
	out := filepath.Join(root, "car.mod.bin")
	receipt := filepath.Join(root, "receipt.json")

	ctx, buf := testContext()
	apply := &ApplyCmd{In: in, Out: out, Recipe: recipePath, Receipt: receipt, Lang: "es"}
	if err := apply.Run(ctx); err != nil {
		t.Fatalf("apply: %v\n%s", err, buf.String())
	}
	rec, err := report.LoadJSON(receipt)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if rec.Meta.OpsApplied != 1 || rec.SourceKind != "recipe" {
		t.Fatalf("unexpected receipt %+v", rec)
	}

	restored := filepath.Join(root, "car.restored.bin")
	undo := &UndoCmd{In: out, Audit: out + ".audit.jsonl", Out: restored}
	if err := undo.Run(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if !bytes.Equal(got, syntheticImage(true)) {
		t.Fatalf("restored image differs from the original")
	}
}

func TestLintReportsBrokenRecipes(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good.yml")
	bad := filepath.Join(root, "bad.yml")
	os.WriteFile(good, []byte(vmaxRecipe), 0o644)
	os.WriteFile(bad, []byte("id: bad\nops:\n  - find_hex: \"AA BB\"\n    replace_hex: \"AA\"\n"), 0o644)

	ctx, out := testContext()
	if err := (&LintCmd{Files: []string{good, bad}}).Run(ctx); err == nil {
		t.Fatalf("expected lint failure")
	}
	if !strings.Contains(out.String(), "OK "+good) || !strings.Contains(out.String(), "FAIL "+bad) {
		t.Fatalf("unexpected lint output:\n%s", out.String())
	}
}
