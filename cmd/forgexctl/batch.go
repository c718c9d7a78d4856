package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

type BatchCmd struct {
	In     string `required:"" help:"Input directory, walked recursively." type:"path"`
	OutDir string `required:"" name:"out-dir" help:"Results directory." type:"path"`

	Catalog  []string `optional:"" help:"Catalog roots." type:"path"`
	Packs    bool     `optional:"" help:"Include the active packs of the repository."`
	Family   string   `optional:"" help:"Family tag; detected per image when empty."`
	Engine   string   `optional:"" help:"Engine filter."`
	PatchID  string   `optional:"" name:"patch-id" help:"Patch identifier to resolve."`
	Fallback bool     `optional:"" help:"Try the next candidate when one fails." default:"true"`

	Ledger      string `optional:"" help:"SQLite ledger recording every outcome." type:"path"`
	Lang        string `optional:"" help:"Receipt language (en, es)." default:"en"`
	Concurrency int    `optional:"" help:"Images processed in parallel." default:"4"`
	Progress    bool   `optional:"" help:"Print progress to stderr."`
}

// batchResult is one line of the batch summary.
type batchResult struct {
	Rel     string
	Source  string
	Failure string
}

func (c *BatchCmd) Run(ctx *Context) error {
	lang, err := report.ParseLanguage(c.Lang)
	if err != nil {
		return err
	}
	snap, err := loadCatalog(ctx.Log, c.Catalog, c.Packs)
	if err != nil {
		return err
	}
	inputs, err := collectInputs(c.In)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no images under %s", c.In)
	}
	var led *ledger.Ledger
	if c.Ledger != "" {
		if led, err = ledger.Open(c.Ledger); err != nil {
			return err
		}
		defer led.Close()
	}
	metrics := common.NewMetrics()
	metrics.SetTotalJobs(len(inputs))
	mem := store.NewMemory()
	svc, err := service.New(service.Options{
		Store:    mem,
		Catalog:  service.StaticCatalog{Snapshot: snap},
		Ledger:   led,
		AuditLog: common.NewPatchLog(filepath.Join(c.OutDir, "audit.jsonl")),
		Metrics:  metrics,
		Logger:   logrus.NewEntry(ctx.Log),
		Language: lang,
	})
	if err != nil {
		return err
	}

	metrics.Start()
	stop := func() {}
	if c.Progress {
		stop = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	var (
		mu      sync.Mutex
		results []batchResult
	)
	g, gctx := errgroup.WithContext(context.Background())
	if c.Concurrency > 0 {
		g.SetLimit(c.Concurrency)
	}
	for _, rel := range inputs {
		rel := rel
		g.Go(func() error {
			res, err := c.processOne(gctx, svc, mem, rel)
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	stop()
	metrics.Stop()
	if err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Rel < results[j].Rel })
	for _, r := range results {
		if r.Failure != "" {
			fmt.Fprintf(ctx.Out, "%s %s: %s\n", failLabel("FAIL"), r.Rel, r.Failure)
			continue
		}
		fmt.Fprintf(ctx.Out, "%s %s: %s\n", okLabel("OK"), r.Rel, r.Source)
	}
	fmt.Fprintln(ctx.Out, metrics.Snapshot().String())
	return nil
}

// processOne applies the catalog to one image and writes patched.bin and the
// receipts to <out-dir>/<rel without extension>/. Apply failures are part of
// the result, not errors.
func (c *BatchCmd) processOne(ctx context.Context, svc *service.Service, mem *store.Memory, rel string) (batchResult, error) {
	res := batchResult{Rel: rel}
	data, err := os.ReadFile(filepath.Join(c.In, rel))
	if err != nil {
		return res, err
	}
	name := filepath.Base(rel)
	up, err := svc.Upload(ctx, name, "", data)
	if err != nil {
		return res, err
	}
	job, err := svc.Apply(ctx, service.Request{
		Upload:   up.SHA256,
		Family:   c.Family,
		Filename: name,
		Engine:   c.Engine,
		PatchID:  c.PatchID,
		Fallback: c.Fallback,
	})
	if job == nil {
		res.Failure = err.Error()
		return res, nil
	}
	dir := filepath.Join(c.OutDir, strings.TrimSuffix(rel, filepath.Ext(rel)))
	if err := report.SaveJSON(job.Receipt, filepath.Join(dir, "receipt.json")); err != nil {
		return res, err
	}
	if pdf, perr := mem.Load(job.PDFKey); perr == nil {
		if err := common.WriteFileAtomic(filepath.Join(dir, "receipt.pdf"), pdf, 0o644); err != nil {
			return res, err
		}
	}
	if err != nil {
		res.Failure = err.Error()
		return res, nil
	}
	out, err := mem.Load(job.OutputKey)
	if err != nil {
		return res, err
	}
	res.Source = job.Receipt.Source
	return res, common.WriteFileAtomic(filepath.Join(dir, "patched.bin"), out, 0o644)
}

// collectInputs returns the regular files below root relative to it,
// skipping hidden entries.
func collectInputs(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	sort.Strings(out)
	return out, err
}
