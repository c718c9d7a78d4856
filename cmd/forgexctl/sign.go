package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/manifest"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
)

type ManifestCmd struct {
	Inputs []string `arg:"" help:"Files to list." type:"path"`
	Out    string   `optional:"" help:"Manifest output." default:"MANIFEST.json" type:"path"`
	Key    string   `optional:"" help:"RSA private key (PEM); signs the manifest." type:"path"`
	Cert   string   `optional:"" help:"Signer certificate (PEM)." type:"path"`
}

func (c *ManifestCmd) Run(ctx *Context) error {
	m, err := manifest.Build(c.Inputs)
	if err != nil {
		return err
	}
	if c.Key == "" && c.Cert == "" {
		if err := manifest.Save(m, c.Out); err != nil {
			return err
		}
		fmt.Fprintf(ctx.Out, "Wrote %s (%d items)\n", c.Out, len(m.Items))
		return nil
	}
	if c.Key == "" || c.Cert == "" {
		return errors.New("signing needs both --key and --cert")
	}
	keyPEM, err := os.ReadFile(c.Key)
	if err != nil {
		return err
	}
	certPEM, err := os.ReadFile(c.Cert)
	if err != nil {
		return err
	}
	if err := manifest.Sign(m, c.Out, keyPEM, certPEM); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "Wrote %s (%d items)\n", c.Out, len(m.Items))
	fmt.Fprintf(ctx.Out, "Wrote signature %s\n", filepath.Join(filepath.Dir(c.Out), manifest.SignatureFile))
	return nil
}

type VerifySignatureCmd struct {
	Manifest string `arg:"" help:"Manifest JSON." type:"path"`
	Cert     string `required:"" help:"Signer certificate (PEM)." type:"path"`
	JWS      string `optional:"" name:"jws" help:"Signature file; SIGNATURE.jws beside the manifest by default." type:"path"`
	Check    bool   `optional:"" help:"Also re-hash every listed file."`
}

func (c *VerifySignatureCmd) Run(ctx *Context) error {
	certPEM, err := os.ReadFile(c.Cert)
	if err != nil {
		return err
	}
	if c.JWS == "" {
		if err := manifest.VerifySignature(c.Manifest, certPEM); err != nil {
			fmt.Fprintf(ctx.Out, "%s %v\n", failLabel("FAIL"), err)
			return err
		}
	} else {
		payload, err := os.ReadFile(c.Manifest)
		if err != nil {
			return err
		}
		sig, err := os.ReadFile(c.JWS)
		if err != nil {
			return err
		}
		j, err := crypto.ParseDetachedJWS(sig)
		if err != nil {
			return err
		}
		if err := crypto.VerifyDetachedJWS(payload, j, certPEM); err != nil {
			fmt.Fprintf(ctx.Out, "%s %v\n", failLabel("FAIL"), err)
			return err
		}
	}
	fmt.Fprintln(ctx.Out, okLabel("Signature OK"))
	if !c.Check {
		return nil
	}
	m, _, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}
	if err := m.Check(); err != nil {
		fmt.Fprintf(ctx.Out, "%s %v\n", failLabel("FAIL"), err)
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %d file(s) match\n", okLabel("OK"), len(m.Items))
	return nil
}

type ReceiptCmd struct {
	In   string `arg:"" help:"Receipt JSON." type:"path"`
	PDF  string `optional:"" help:"Render the receipt as PDF here." type:"path"`
	Lang string `optional:"" help:"PDF language (en, es)." default:"en"`
}

func (c *ReceiptCmd) Run(ctx *Context) error {
	r, err := report.LoadJSON(c.In)
	if err != nil {
		return err
	}
	lang, err := report.ParseLanguage(c.Lang)
	if err != nil {
		return err
	}
	tr := report.NewTranslator(lang)
	status := okLabel(tr.T("success"))
	if !r.Meta.Success {
		status = failLabel(tr.T("failed"))
		if r.Meta.FailureKind != "" {
			status += " (" + r.Meta.FailureKind + ")"
		}
	}
	fmt.Fprintf(ctx.Out, "%s: %s\n", tr.T("job"), r.JobID)
	fmt.Fprintf(ctx.Out, "%s: %s\n", tr.T("result"), status)
	fmt.Fprintf(ctx.Out, "%s: %s (%s)\n", tr.T("source"), r.Source, r.SourceKind)
	fmt.Fprintf(ctx.Out, "%s: %s\n", tr.T("family"), emptyDash(r.Family))
	fmt.Fprintf(ctx.Out, "%s: %d\n", tr.T("ops_applied"), r.Meta.OpsApplied)
	fmt.Fprintf(ctx.Out, "%s: %s (%s)\n", tr.T("input_sha"), r.InputSHA256, humanize.IBytes(uint64(r.InputSize)))
	if r.OutputSHA256 != "" {
		fmt.Fprintf(ctx.Out, "%s: %s (%s)\n", tr.T("output_sha"), r.OutputSHA256, humanize.IBytes(uint64(r.OutputSize)))
	}
	if c.PDF != "" {
		if err := report.SavePDF(r, lang, c.PDF); err != nil {
			return err
		}
		fmt.Fprintf(ctx.Out, "Wrote %s\n", c.PDF)
	}
	return nil
}

func emptyDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
