package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
)

type FingerprintCmd struct {
	In   string `arg:"" help:"Firmware image." type:"path"`
	JSON bool   `optional:"" help:"Print JSON."`
}

func (c *FingerprintCmd) Run(ctx *Context) error {
	img, err := firmware.Open(c.In)
	if err != nil {
		return err
	}
	fp := img.Fingerprint()
	if c.JSON {
		return printJSON(ctx, fp)
	}
	fmt.Fprintf(ctx.Out, "File:   %s\n", c.In)
	fmt.Fprintf(ctx.Out, "Size:   %s (%d bytes)\n", humanize.IBytes(uint64(fp.Size)), fp.Size)
	fmt.Fprintf(ctx.Out, "SHA256: %s\n", fp.SHA256)
	fmt.Fprintf(ctx.Out, "CVN:    %s\n", fp.CVN)
	return nil
}

type ClassifyCmd struct {
	In      string   `arg:"" help:"Firmware image." type:"path"`
	ECUType string   `optional:"" name:"ecu-type" help:"ECU type label supplied by the customer."`
	Catalog []string `optional:"" help:"Catalog roots providing families and detectors." type:"path"`
	Packs   bool     `optional:"" help:"Include the active packs of the repository."`
}

func (c *ClassifyCmd) Run(ctx *Context) error {
	img, err := firmware.Open(c.In)
	if err != nil {
		return err
	}
	var det family.Detection
	if len(c.Catalog) > 0 || c.Packs {
		snap, err := loadCatalog(ctx.Log, c.Catalog, c.Packs)
		if err != nil {
			return err
		}
		det = snap.Detect(img, filepath.Base(c.In), c.ECUType)
	} else {
		det = family.Classify(family.Hints{
			ECUType:  c.ECUType,
			Filename: filepath.Base(c.In),
			Text:     firmware.Text(img.Bytes()),
		})
	}
	if det.Family == "" {
		fmt.Fprintln(ctx.Out, warnLabel("family not detected"))
		return nil
	}
	fmt.Fprintf(ctx.Out, "%s (from %s)\n", det.Family, det.Source)
	return nil
}

type ScanDTCCmd struct {
	In     string `arg:"" help:"Firmware image." type:"path"`
	Sample int    `optional:"" help:"Codes shown per cluster." default:"8"`
}

func (c *ScanDTCCmd) Run(ctx *Context) error {
	img, err := firmware.Open(c.In)
	if err != nil {
		return err
	}
	clusters := firmware.ScanDTC(img.Bytes())
	if len(clusters) == 0 {
		fmt.Fprintln(ctx.Out, "No DTC clusters found")
		return nil
	}
	for _, cl := range clusters {
		fmt.Fprintf(ctx.Out, "0x%06X-0x%06X  %3d codes  %s\n", cl.Start, cl.End, len(cl.Codes), cl.Sample(c.Sample))
	}
	return nil
}

func printJSON(ctx *Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Out, string(data))
	return nil
}
