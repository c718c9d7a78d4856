package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Context carries what every command needs.
type Context struct {
	Out io.Writer
	Log *logrus.Logger
}

var (
	okLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	warnLabel = color.New(color.FgYellow).SprintFunc()
)

type cli struct {
	LogLevel string `optional:"" help:"Log level (debug, info, warn, error)." default:"warn"`
	Repo     string `optional:"" help:"Pack repository root." env:"FORGEX_REPO"`

	Version VersionCmd `cmd:"" help:"Print the version."`

	Fingerprint FingerprintCmd `cmd:"" help:"Print SHA-256, CVN and size of a firmware image."`
	Classify    ClassifyCmd    `cmd:"" help:"Detect the ECU family of an image."`
	ScanDTC     ScanDTCCmd     `cmd:"" name:"scan-dtc" help:"List clusters of ASCII trouble codes."`

	Diff        DiffCmd        `cmd:"" help:"Synthesize a binary diff artifact from stock and modified images."`
	AlignedDiff AlignedDiffCmd `cmd:"" name:"aligned-diff" help:"List changed byte ranges of two same-size images."`
	Bootstrap   BootstrapCmd   `cmd:"" help:"Derive a pattern recipe from stock and modified images."`

	Apply ApplyCmd `cmd:"" help:"Apply a recipe, an artifact or the best catalog match."`
	Batch BatchCmd `cmd:"" help:"Apply the catalog to every image in a directory."`
	Undo  UndoCmd  `cmd:"" help:"Revert an apply using its audit log."`
	Lint  LintCmd  `cmd:"" help:"Validate recipe documents."`

	Catalog CatalogCmd `cmd:"" help:"Inspect recipe catalogs."`
	Pack    PackCmd    `cmd:"" help:"Manage signed recipe packs."`
	Keygen  KeygenCmd  `cmd:"" help:"Create a self-signed RSA signing key and certificate."`

	Manifest        ManifestCmd        `cmd:"" help:"Write a delivery manifest, optionally signed."`
	VerifySignature VerifySignatureCmd `cmd:"" name:"verify-signature" help:"Verify a detached manifest signature."`
	Receipt         ReceiptCmd         `cmd:"" help:"Show a receipt and render it as PDF."`
}

var CLI cli

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("forgexctl"),
		kong.Description("ECU firmware patching toolkit."),
		kong.UsageOnError())

	log, _, err := common.NewLogger(common.LogOptions{Level: CLI.LogLevel, Stdout: os.Stderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = ctx.Run(&Context{Out: os.Stdout, Log: log})
	ctx.FatalIfErrorf(err)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *Context) error {
	fmt.Fprintf(ctx.Out, "forgexctl %s (built %s)\n", version, buildDate)
	return nil
}

func openRepository() (*catalog.Repository, error) {
	root := CLI.Repo
	if root == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate repository: %w", err)
		}
		root = filepath.Join(dir, "forgex", "repository")
	}
	return catalog.OpenRepository(root)
}

// catalogRoots returns roots plus the active pack directories when packs is
// set.
func catalogRoots(roots []string, packs bool) ([]string, error) {
	out := append([]string(nil), roots...)
	if packs {
		repo, err := openRepository()
		if err != nil {
			return nil, err
		}
		dirs, err := repo.ActiveDirs()
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no catalog roots: pass --catalog or --packs")
	}
	return out, nil
}

func loadCatalog(log *logrus.Logger, roots []string, packs bool) (*catalog.Snapshot, error) {
	all, err := catalogRoots(roots, packs)
	if err != nil {
		return nil, err
	}
	snap, err := catalog.Load(logrus.NewEntry(log), all...)
	if err != nil {
		return nil, err
	}
	for _, w := range snap.Warnings {
		fmt.Fprintln(os.Stderr, warnLabel("warning:"), w)
	}
	return snap, nil
}
