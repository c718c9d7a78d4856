package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
)

type CatalogCmd struct {
	List CatalogListCmd `cmd:"" help:"List catalog entries."`
}

type CatalogListCmd struct {
	Catalog []string `optional:"" help:"Catalog roots." type:"path"`
	Packs   bool     `optional:"" help:"Include the active packs of the repository."`
	Family  string   `optional:"" help:"Only this family."`
	Engine  string   `optional:"" help:"Only entries for this engine."`
}

func (c *CatalogListCmd) Run(ctx *Context) error {
	snap, err := loadCatalog(ctx.Log, c.Catalog, c.Packs)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tID\tKIND\tENGINES\tLABEL")
	n := 0
	for _, f := range snap.Families {
		if c.Family != "" && snap.Family(c.Family) != f {
			continue
		}
		for _, e := range snap.List(f.Name, c.Engine) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, e.ID, e.Kind, strings.Join(e.Engines, ","), e.Label)
			n++
		}
	}
	w.Flush()
	fmt.Fprintf(ctx.Out, "%d entr(ies), %d warning(s)\n", n, len(snap.Warnings))
	return nil
}

type PackCmd struct {
	Install  PackInstallCmd  `cmd:"" help:"Install a pack archive."`
	List     PackListCmd     `cmd:"" help:"List installed packs."`
	Remove   PackRemoveCmd   `cmd:"" help:"Remove an installed pack version."`
	Verify   PackVerifyCmd   `cmd:"" help:"Re-check the signature and files of a pack."`
	Activate PackActivateCmd `cmd:"" help:"Select the version used by catalogs."`
	Build    PackBuildCmd    `cmd:"" help:"Build a pack archive from a catalog directory."`
	Trust    PackTrustCmd    `cmd:"" help:"Add a certificate to the repository truststore."`
}

type PackInstallCmd struct {
	File          string `arg:"" help:"Pack archive (.zip)." type:"path"`
	AllowUnsigned bool   `optional:"" name:"allow-unsigned" help:"Accept packs without signature."`
	Activate      bool   `optional:"" help:"Make the installed version active."`
}

func (c *PackInstallCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	inst, err := repo.Install(c.File, c.AllowUnsigned)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %s@%s (%d files)\n", okLabel("Installed"), inst.Pack.PackID, inst.Pack.Version, len(inst.Pack.Files))
	if inst.Signed {
		fmt.Fprintf(ctx.Out, "Signer: %s\n", inst.Signer)
	} else {
		fmt.Fprintln(ctx.Out, warnLabel("Pack installed without signature"))
	}
	if c.Activate {
		ref, err := repo.SetActive(inst.Pack.PackID, inst.Pack.Version)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.Out, "Active: %s@%s\n", ref.PackID, ref.Version)
	}
	return nil
}

type PackListCmd struct{}

func (c *PackListCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	list, err := repo.ListInstalled()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(ctx.Out, "No packs installed")
		return nil
	}
	w := tabwriter.NewWriter(ctx.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tFAMILIES\tSIGNED\tACTIVE\tSIGNER")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Pack.PackID, p.Pack.Version, strings.Join(p.Pack.Families, ","),
			yesNo(p.Signed), yesNo(p.Active), p.Signer)
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

type PackRemoveCmd struct {
	ID      string `required:"" help:"Pack identifier."`
	Version string `required:"" help:"Pack version."`
}

func (c *PackRemoveCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	if err := repo.Remove(c.ID, c.Version); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("pack %s@%s not found", c.ID, c.Version)
		}
		return err
	}
	fmt.Fprintf(ctx.Out, "Removed %s@%s\n", c.ID, c.Version)
	return nil
}

type PackVerifyCmd struct {
	ID      string `required:"" help:"Pack identifier."`
	Version string `required:"" help:"Pack version."`
}

func (c *PackVerifyCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	if err := repo.Verify(c.ID, c.Version); err != nil {
		fmt.Fprintf(ctx.Out, "%s %s@%s: %v\n", failLabel("FAIL"), c.ID, c.Version, err)
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %s@%s\n", okLabel("Signature OK"), c.ID, c.Version)
	return nil
}

type PackActivateCmd struct {
	ID      string `required:"" help:"Pack identifier."`
	Version string `optional:"" help:"Pack version; latest installed when empty."`
}

func (c *PackActivateCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	ref, err := repo.SetActive(c.ID, c.Version)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "Active: %s@%s\n", ref.PackID, ref.Version)
	return nil
}

type PackBuildCmd struct {
	Src     string `required:"" help:"Catalog directory with one subdirectory per family." type:"path"`
	ID      string `required:"" help:"Pack identifier."`
	Version string `required:"" help:"Pack version."`
	Out     string `required:"" help:"Archive to write." type:"path"`
	Key     string `optional:"" help:"RSA private key (PEM) signing pack.json." type:"path"`
	Cert    string `optional:"" help:"Signer certificate chain (PEM)." type:"path"`
}

func (c *PackBuildCmd) Run(ctx *Context) error {
	opts := catalog.BuildOptions{SourceDir: c.Src, PackID: c.ID, Version: c.Version, Output: c.Out}
	if (c.Key == "") != (c.Cert == "") {
		return errors.New("--key and --cert must be given together")
	}
	if c.Key != "" {
		var err error
		if opts.KeyPEM, err = os.ReadFile(c.Key); err != nil {
			return err
		}
		if opts.CertPEM, err = os.ReadFile(c.Cert); err != nil {
			return err
		}
	}
	p, err := catalog.BuildPack(opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "%s %s@%s: %d file(s), families %s\n", okLabel("Built"), p.PackID, p.Version, len(p.Files), strings.Join(p.Families, ","))
	if c.Key == "" {
		fmt.Fprintln(ctx.Out, warnLabel("pack is unsigned"))
	}
	return nil
}

type PackTrustCmd struct {
	Name string `required:"" help:"File name inside the truststore."`
	Cert string `arg:"" help:"CA certificate (PEM)." type:"path"`
}

func (c *PackTrustCmd) Run(ctx *Context) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.Cert)
	if err != nil {
		return err
	}
	if err := repo.Trust(c.Name, data); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "Trusted %s in %s\n", c.Name, repo.TrustDir())
	return nil
}

type KeygenCmd struct {
	CN   string `required:"" name:"cn" help:"Certificate common name."`
	Key  string `required:"" help:"Private key output." type:"path"`
	Cert string `required:"" help:"Certificate output." type:"path"`
	Bits int    `optional:"" help:"RSA key size." default:"2048"`
}

func (c *KeygenCmd) Run(ctx *Context) error {
	keyPEM, certPEM, err := crypto.GenerateSelfSigned(c.CN, c.Bits)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(c.Key, keyPEM, 0o600); err != nil {
		return err
	}
	if err := common.WriteFileAtomic(c.Cert, certPEM, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "Wrote %s and %s\n", c.Key, c.Cert)
	return nil
}
