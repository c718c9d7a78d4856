package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

type ApplyCmd struct {
	In  string `arg:"" help:"Firmware image." type:"path"`
	Out string `required:"" help:"Patched output." type:"path"`

	Recipe   string `optional:"" help:"Apply this recipe file." type:"path"`
	Artifact string `optional:"" help:"Apply this artifact directory." type:"path"`

	Catalog  []string `optional:"" help:"Resolve against these catalog roots." type:"path"`
	Packs    bool     `optional:"" help:"Include the active packs of the repository."`
	Family   string   `optional:"" help:"Family tag; detected when empty."`
	ECUType  string   `optional:"" name:"ecu-type" help:"ECU type label used for detection."`
	Engine   string   `optional:"" help:"Engine filter (diesel, petrol)."`
	PatchID  string   `optional:"" name:"patch-id" help:"Patch identifier to resolve."`
	Fallback bool     `optional:"" help:"Try the next candidate when one fails."`

	Audit   string        `optional:"" help:"Audit log (defaults to <out>.audit.jsonl)." type:"path"`
	Receipt string        `optional:"" help:"Write the receipt JSON here." type:"path"`
	PDF     string        `optional:"" help:"Write the receipt PDF here." type:"path"`
	Lang    string        `optional:"" help:"Receipt language (en, es)." default:"en"`
	Timeout time.Duration `optional:"" help:"Apply timeout." default:"30s"`
}

func (c *ApplyCmd) Run(ctx *Context) error {
	if c.Recipe != "" && c.Artifact != "" {
		return errors.New("--recipe and --artifact cannot be used together")
	}
	if c.Audit == "" {
		c.Audit = c.Out + ".audit.jsonl"
	}
	lang, err := report.ParseLanguage(c.Lang)
	if err != nil {
		return err
	}
	var rec report.Receipt
	switch {
	case c.Recipe != "" || c.Artifact != "":
		rec, err = c.applyDirect(ctx)
	default:
		rec, err = c.applyCatalog(ctx, lang)
	}
	if rec.JobID != "" {
		if werr := writeReceipt(rec, lang, c.Receipt, c.PDF); werr != nil {
			return werr
		}
	}
	if err != nil {
		kind := patcherr.KindOf(err)
		if kind == "" {
			kind = "Error"
		}
		fmt.Fprintf(ctx.Out, "%s %s: %v\n", failLabel("FAILED"), kind, err)
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %s ops=%d sha256=%s\n", okLabel("OK"), rec.Source, rec.Meta.OpsApplied, rec.OutputSHA256)
	fmt.Fprintf(ctx.Out, "Output: %s\nAudit log: %s\n", c.Out, c.Audit)
	return nil
}

// applyDirect runs a single recipe or artifact without catalog resolution.
func (c *ApplyCmd) applyDirect(ctx *Context) (report.Receipt, error) {
	img, err := firmware.Open(c.In)
	if err != nil {
		return report.Receipt{}, err
	}
	jobID := uuid.NewString()
	edits := &editLog{jobID: jobID}
	eng := engine.New(engine.Options{
		Logger:    logrus.NewEntry(ctx.Log),
		Observers: []engine.Observer{edits},
	})
	started := time.Now()
	var (
		out  []byte
		res  engine.Result
		kind = "recipe"
	)
	if c.Recipe != "" {
		r, perr := recipe.ParseFile(c.Recipe)
		if perr != nil {
			return report.Receipt{}, perr
		}
		out, res, err = eng.ApplyRecipe(img.Bytes(), r)
	} else {
		kind = "artifact"
		a, lerr := diff.LoadArtifact(store.OpenDir(c.Artifact), "")
		if lerr != nil {
			return report.Receipt{}, lerr
		}
		out, res, err = eng.ApplyArtifact(img.Bytes(), a)
		res.Source = filepath.Base(c.Artifact)
	}
	rec := report.Receipt{
		JobID:       jobID,
		CreatedAt:   time.Now().UTC(),
		Filename:    filepath.Base(c.In),
		Family:      c.Family,
		Engine:      c.Engine,
		PatchID:     c.PatchID,
		Source:      res.Source,
		SourceKind:  kind,
		Meta:        res.Meta(),
		Hits:        res.Hits,
		InputSHA256: img.SHA256(),
		InputSize:   img.Len(),
		CVNIn:       img.CVN(),
		Checksum:    res.Checksum,
		Duration:    time.Since(started),
	}
	if err != nil {
		return rec, err
	}
	if err := common.WriteFileAtomic(c.Out, out, 0o644); err != nil {
		return rec, err
	}
	if err := common.NewPatchLog(c.Audit).Append(edits.entries...); err != nil {
		return rec, fmt.Errorf("write audit log: %w", err)
	}
	o := firmware.New(out)
	rec.OutputSHA256 = o.SHA256()
	rec.OutputSize = o.Len()
	rec.CVNOut = o.CVN()
	rec.OutputKey = c.Out
	return rec, nil
}

func (c *ApplyCmd) applyCatalog(ctx *Context, lang report.Language) (report.Receipt, error) {
	snap, err := loadCatalog(ctx.Log, c.Catalog, c.Packs)
	if err != nil {
		return report.Receipt{}, err
	}
	data, err := os.ReadFile(c.In)
	if err != nil {
		return report.Receipt{}, fmt.Errorf("read image: %w", err)
	}
	mem := store.NewMemory()
	svc, err := service.New(service.Options{
		Store:        mem,
		Catalog:      service.StaticCatalog{Snapshot: snap},
		AuditLog:     common.NewPatchLog(c.Audit),
		Logger:       logrus.NewEntry(ctx.Log),
		ApplyTimeout: c.Timeout,
		Language:     lang,
	})
	if err != nil {
		return report.Receipt{}, err
	}
	bg := context.Background()
	up, err := svc.Upload(bg, filepath.Base(c.In), c.ECUType, data)
	if err != nil {
		return report.Receipt{}, err
	}
	job, err := svc.Apply(bg, service.Request{
		Upload:   up.SHA256,
		Family:   c.Family,
		ECUType:  c.ECUType,
		Filename: filepath.Base(c.In),
		Engine:   c.Engine,
		PatchID:  c.PatchID,
		Fallback: c.Fallback,
		Lang:     string(lang),
	})
	if job == nil {
		return report.Receipt{}, err
	}
	for _, at := range job.Attempts {
		if at.FailureKind != "" {
			fmt.Fprintf(ctx.Out, "%s %s (%s): %s\n", warnLabel("tried"), at.Source, at.FailureKind, at.Error)
		}
	}
	if err != nil {
		return job.Receipt, err
	}
	out, err := mem.Load(job.OutputKey)
	if err != nil {
		return job.Receipt, err
	}
	rec := job.Receipt
	rec.OutputKey = c.Out
	return rec, common.WriteFileAtomic(c.Out, out, 0o644)
}

func writeReceipt(rec report.Receipt, lang report.Language, jsonPath, pdfPath string) error {
	if jsonPath != "" {
		if err := report.SaveJSON(rec, jsonPath); err != nil {
			return fmt.Errorf("write receipt: %w", err)
		}
	}
	if pdfPath != "" {
		if err := report.SavePDF(rec, lang, pdfPath); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
	}
	return nil
}

// editLog collects the edits of one apply for the audit log.
type editLog struct {
	jobID   string
	entries []common.PatchEntry
}

func (l *editLog) OnState(_ string, s engine.State) {
	if s == engine.StateFailed {
		l.entries = nil
	}
}

func (l *editLog) OnEdit(e engine.Edit) {
	l.entries = append(l.entries, common.PatchEntry{
		JobID:     l.jobID,
		Source:    e.Source,
		Op:        e.Op,
		Kind:      e.Kind,
		Offset:    int64(e.Offset),
		BeforeHex: hex.EncodeToString(e.Before),
		AfterHex:  hex.EncodeToString(e.After),
	})
}

type UndoCmd struct {
	In    string `arg:"" help:"Patched image." type:"path"`
	Audit string `required:"" help:"Audit log written by apply." type:"path"`
	Out   string `required:"" help:"Restored output." type:"path"`
	Job   string `optional:"" help:"Only revert the edits of this job."`
}

func (c *UndoCmd) Run(ctx *Context) error {
	entries, err := common.ReadPatchLog(c.Audit)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if c.Job != "" {
		entries = common.EntriesForJob(entries, c.Job)
	}
	if len(entries) == 0 {
		return errors.New("audit log has no matching entries")
	}
	data, err := os.ReadFile(c.In)
	if err != nil {
		return err
	}
	restored, err := common.Revert(data, entries)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(c.Out, restored, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "Restored %d edit(s) to %s\n", len(entries), c.Out)
	fmt.Fprintf(ctx.Out, "Patched SHA256:  %s\n", firmware.SHA256Hex(data))
	fmt.Fprintf(ctx.Out, "Restored SHA256: %s\n", firmware.SHA256Hex(restored))
	return nil
}

type LintCmd struct {
	Files []string `arg:"" help:"Recipe files (YAML or JSON)." type:"path"`
}

func (c *LintCmd) Run(ctx *Context) error {
	failed := 0
	for _, f := range c.Files {
		if err := lintFile(f); err != nil {
			failed++
			fmt.Fprintf(ctx.Out, "%s %s: %v\n", failLabel("FAIL"), f, err)
			continue
		}
		fmt.Fprintf(ctx.Out, "%s %s\n", okLabel("OK"), f)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recipe(s) failed lint", failed, len(c.Files))
	}
	return nil
}

func lintFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r, err := recipe.Parse(data)
	if err != nil {
		return err
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	_, err = recipe.Compile(r)
	return err
}
