package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

type DiffCmd struct {
	Stock string `required:"" help:"Stock image." type:"path"`
	Mod   string `required:"" help:"Modified image." type:"path"`
	Out   string `required:"" help:"Artifact directory (catalog family dir/<id> to publish it)." type:"path"`
}

func (c *DiffCmd) Run(ctx *Context) error {
	stock, err := os.ReadFile(c.Stock)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	mod, err := os.ReadFile(c.Mod)
	if err != nil {
		return fmt.Errorf("read mod: %w", err)
	}
	a, err := diff.Synthesize(stock, mod)
	if err != nil {
		return err
	}
	dst, err := store.NewDir(c.Out)
	if err != nil {
		return err
	}
	if err := diff.SaveArtifact(dst, "", a); err != nil {
		return err
	}
	m := a.Meta()
	fmt.Fprintf(ctx.Out, "%s artifact %s\n", okLabel("Wrote"), c.Out)
	fmt.Fprintf(ctx.Out, "Base:  %s\n", m.BaseSHA256)
	fmt.Fprintf(ctx.Out, "Delta: %s\n", humanize.IBytes(uint64(len(a.Delta))))
	return nil
}

type AlignedDiffCmd struct {
	Stock string `required:"" help:"Stock image." type:"path"`
	Mod   string `required:"" help:"Modified image." type:"path"`
	JSON  bool   `optional:"" help:"Print JSON."`
}

func (c *AlignedDiffCmd) Run(ctx *Context) error {
	stock, err := os.ReadFile(c.Stock)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	mod, err := os.ReadFile(c.Mod)
	if err != nil {
		return fmt.Errorf("read mod: %w", err)
	}
	ranges, err := diff.SynthesizeAligned(stock, mod)
	if err != nil {
		return err
	}
	if c.JSON {
		if ranges == nil {
			ranges = []diff.Range{}
		}
		return printJSON(ctx, ranges)
	}
	for _, r := range ranges {
		fmt.Fprintf(ctx.Out, "0x%06X  %4d bytes\n", r.Offset, r.Len())
	}
	fmt.Fprintf(ctx.Out, "%d range(s), %d changed byte(s)\n", len(ranges), diff.ChangedBytes(ranges))
	return nil
}

type BootstrapCmd struct {
	Stock   string `required:"" help:"Stock image." type:"path"`
	Mod     string `required:"" help:"Modified image." type:"path"`
	ID      string `required:"" help:"Recipe id."`
	Context int    `optional:"" help:"Unchanged bytes kept around each change as anchor." default:"8"`
	Out     string `optional:"" help:"Recipe output (stdout when empty)." type:"path"`
}

func (c *BootstrapCmd) Run(ctx *Context) error {
	stock, err := os.ReadFile(c.Stock)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	mod, err := os.ReadFile(c.Mod)
	if err != nil {
		return fmt.Errorf("read mod: %w", err)
	}
	r, err := diff.Bootstrap(c.ID, stock, mod, c.Context)
	if err != nil {
		return err
	}
	data, err := recipe.Encode(r)
	if err != nil {
		return err
	}
	if c.Out == "" {
		_, err = ctx.Out.Write(data)
		return err
	}
	if err := common.WriteFileAtomic(c.Out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %s (%d ops) to %s\n", okLabel("Wrote"), r.ID, len(r.Ops), filepath.Clean(c.Out))
	return nil
}
