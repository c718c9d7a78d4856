package catalog

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
)

// BuildOptions describes a pack archive to create from a catalog directory.
type BuildOptions struct {
	SourceDir string
	PackID    string
	Version   string
	Output    string
	// KeyPEM and CertPEM sign pack.json. Without a key the pack is unsigned.
	KeyPEM  []byte
	CertPEM []byte
}

// BuildPack walks SourceDir, writes pack.json with every file's hash and size,
// signs it and zips everything to Output.
func BuildPack(opts BuildOptions) (Pack, error) {
	pack := Pack{PackID: opts.PackID, Version: opts.Version}
	if err := validateRef(opts.PackID, opts.Version); err != nil {
		return pack, err
	}
	families := map[string]bool{}
	err := filepath.WalkDir(opts.SourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(opts.SourceDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.Contains(rel, "/") {
			return nil
		}
		sum, size, err := common.Sha256OfFile(p)
		if err != nil {
			return err
		}
		pack.Files = append(pack.Files, PackFile{Path: rel, Sha256: sum, Size: size})
		families[strings.SplitN(rel, "/", 2)[0]] = true
		return nil
	})
	if err != nil {
		return pack, fmt.Errorf("scan source: %w", err)
	}
	if len(pack.Files) == 0 {
		return pack, errors.New("no family files found")
	}
	for f := range families {
		pack.Families = append(pack.Families, f)
	}
	sort.Strings(pack.Families)
	sort.Slice(pack.Files, func(i, j int) bool { return pack.Files[i].Path < pack.Files[j].Path })

	packBytes, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return pack, err
	}
	var sigBytes []byte
	if len(opts.KeyPEM) > 0 {
		jws, err := crypto.SignDetachedJWS(packBytes, opts.KeyPEM, opts.CertPEM)
		if err != nil {
			return pack, fmt.Errorf("sign pack: %w", err)
		}
		if sigBytes, err = json.MarshalIndent(jws, "", "  "); err != nil {
			return pack, err
		}
	}

	out, err := os.Create(opts.Output)
	if err != nil {
		return pack, err
	}
	zw := zip.NewWriter(out)
	write := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	if err := write(packFileName, packBytes); err != nil {
		out.Close()
		return pack, err
	}
	if sigBytes != nil {
		if err := write(signatureFileName, sigBytes); err != nil {
			out.Close()
			return pack, err
		}
	}
	for _, f := range pack.Files {
		data, err := os.ReadFile(filepath.Join(opts.SourceDir, filepath.FromSlash(f.Path)))
		if err != nil {
			out.Close()
			return pack, err
		}
		if err := write(packCatalogDir+"/"+f.Path, data); err != nil {
			out.Close()
			return pack, err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return pack, err
	}
	return pack, out.Close()
}
