package catalog

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
)

const (
	repoPacksDir      = "packs"
	repoTruststoreDir = "truststore"
	repoConfigFile    = "config.json"
	packFileName      = "pack.json"
	signatureFileName = "signature.jws"
	packCatalogDir    = "catalog"
)

// Pack describes a signed archive of family directories.
type Pack struct {
	PackID   string     `json:"packId"`
	Version  string     `json:"version"`
	Families []string   `json:"families,omitempty"`
	Files    []PackFile `json:"files"`
}

// PackFile is one file of a pack, relative to the catalog root.
type PackFile struct {
	Path   string `json:"path"`
	Sha256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// PackRef identifies a pack by id and version.
type PackRef struct {
	PackID  string `json:"packId"`
	Version string `json:"version"`
}

// InstalledPack is a pack stored in the repository.
type InstalledPack struct {
	Pack    Pack   `json:"pack"`
	Dir     string `json:"dir"`
	Signed  bool   `json:"signed"`
	Signer  string `json:"signer,omitempty"`
	Active  bool   `json:"active"`
	Catalog string `json:"catalog"`
}

type repoConfig struct {
	Active map[string]string `json:"active"`
}

// Repository installs signed recipe packs and tracks the active version of
// each pack.
type Repository struct {
	root string
}

// OpenRepository creates a Repository rooted at path and ensures the required
// subdirectories exist.
func OpenRepository(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(path, repoPacksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create packs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(path, repoTruststoreDir), 0o755); err != nil {
		return nil, fmt.Errorf("create truststore dir: %w", err)
	}
	return &Repository{root: path}, nil
}

// Root returns the root directory of the repository.
func (r *Repository) Root() string {
	if r == nil {
		return ""
	}
	return r.root
}

// TrustDir is where PEM certificates trusted to sign packs are kept.
func (r *Repository) TrustDir() string {
	return filepath.Join(r.root, repoTruststoreDir)
}

// Install unpacks a pack archive after checking its signature and every
// listed file's size and hash. Unlisted archive members are ignored.
func (r *Repository) Install(archivePath string, allowUnsigned bool) (InstalledPack, error) {
	var installed InstalledPack
	if r == nil {
		return installed, errors.New("nil repository")
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return installed, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	members := map[string]*zip.File{}
	for _, f := range zr.File {
		members[path.Clean(f.Name)] = f
	}
	packBytes, err := readMember(members, packFileName)
	if err != nil {
		return installed, err
	}
	sigBytes, err := readMember(members, signatureFileName)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return installed, err
	}
	if len(sigBytes) == 0 && !allowUnsigned {
		return installed, errors.New("signature.jws not found in archive")
	}

	pack, err := parsePack(packBytes)
	if err != nil {
		return installed, err
	}
	var signer string
	if len(sigBytes) != 0 {
		cert, err := r.verifySignatureBytes(packBytes, sigBytes)
		if err != nil {
			return installed, fmt.Errorf("verify signature: %w", err)
		}
		signer = cert.Subject.String()
	}

	contents := make(map[string][]byte, len(pack.Files))
	for _, pf := range pack.Files {
		data, err := readMember(members, path.Join(packCatalogDir, pf.Path))
		if err != nil {
			return installed, fmt.Errorf("pack file %s: %w", pf.Path, err)
		}
		if err := checkPackFile(pf, data); err != nil {
			return installed, err
		}
		contents[pf.Path] = data
	}

	dir := r.packageDir(pack.PackID, pack.Version)
	if err := os.RemoveAll(dir); err != nil {
		return installed, fmt.Errorf("clear package dir: %w", err)
	}
	for rel, data := range contents {
		dst := filepath.Join(dir, packCatalogDir, filepath.FromSlash(rel))
		if err := common.WriteFileAtomic(dst, data, 0o644); err != nil {
			return installed, fmt.Errorf("write %s: %w", rel, err)
		}
	}
	if err := common.WriteFileAtomic(filepath.Join(dir, packFileName), packBytes, 0o644); err != nil {
		return installed, fmt.Errorf("write pack.json: %w", err)
	}
	if len(sigBytes) != 0 {
		if err := common.WriteFileAtomic(filepath.Join(dir, signatureFileName), sigBytes, 0o644); err != nil {
			return installed, fmt.Errorf("write signature.jws: %w", err)
		}
	}
	installed = InstalledPack{
		Pack:    pack,
		Dir:     dir,
		Signed:  len(sigBytes) != 0,
		Signer:  signer,
		Catalog: filepath.Join(dir, packCatalogDir),
	}
	return installed, nil
}

func parsePack(data []byte) (Pack, error) {
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse pack.json: %w", err)
	}
	if p.PackID == "" || p.Version == "" {
		return p, errors.New("pack missing id or version")
	}
	if err := validatePathComponent(p.PackID); err != nil {
		return p, fmt.Errorf("invalid pack id: %w", err)
	}
	if err := validatePathComponent(p.Version); err != nil {
		return p, fmt.Errorf("invalid pack version: %w", err)
	}
	for _, f := range p.Files {
		if err := validateRelPath(f.Path); err != nil {
			return p, err
		}
	}
	return p, nil
}

func checkPackFile(pf PackFile, data []byte) error {
	sum, n, err := common.Sha256OfReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if n != pf.Size {
		return fmt.Errorf("pack size mismatch for %s", pf.Path)
	}
	if !strings.EqualFold(sum, pf.Sha256) {
		return fmt.Errorf("pack hash mismatch for %s", pf.Path)
	}
	return nil
}

// ListInstalled returns installed packs ordered by id then version.
func (r *Repository) ListInstalled() ([]InstalledPack, error) {
	if r == nil {
		return nil, errors.New("nil repository")
	}
	cfg, err := r.loadConfig()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	base := filepath.Join(r.root, repoPacksDir)
	ids, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var result []InstalledPack
	for _, idEntry := range ids {
		if !idEntry.IsDir() {
			continue
		}
		id := idEntry.Name()
		versions, err := os.ReadDir(filepath.Join(base, id))
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			dir := filepath.Join(base, id, v.Name())
			data, err := os.ReadFile(filepath.Join(dir, packFileName))
			if err != nil {
				continue
			}
			var p Pack
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			_, err = os.Stat(filepath.Join(dir, signatureFileName))
			result = append(result, InstalledPack{
				Pack:    p,
				Dir:     dir,
				Signed:  err == nil,
				Active:  cfg.Active[id] == v.Name(),
				Catalog: filepath.Join(dir, packCatalogDir),
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Pack.PackID == result[j].Pack.PackID {
			return compareVersions(result[i].Pack.Version, result[j].Pack.Version) < 0
		}
		return result[i].Pack.PackID < result[j].Pack.PackID
	})
	return result, nil
}

// Remove deletes a pack version and clears it from the active set.
func (r *Repository) Remove(id, version string) error {
	if r == nil {
		return errors.New("nil repository")
	}
	if err := validateRef(id, version); err != nil {
		return err
	}
	dir := r.packageDir(id, version)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	cfg, err := r.loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if cfg.Active[id] == version {
		delete(cfg.Active, id)
		return r.saveConfig(cfg)
	}
	return nil
}

// Verify re-checks the stored signature and every file of a pack.
func (r *Repository) Verify(id, version string) error {
	if r == nil {
		return errors.New("nil repository")
	}
	if err := validateRef(id, version); err != nil {
		return err
	}
	dir := r.packageDir(id, version)
	packBytes, err := os.ReadFile(filepath.Join(dir, packFileName))
	if err != nil {
		return fmt.Errorf("read pack: %w", err)
	}
	sigBytes, err := os.ReadFile(filepath.Join(dir, signatureFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("pack is unsigned")
		}
		return fmt.Errorf("read signature: %w", err)
	}
	if _, err := r.verifySignatureBytes(packBytes, sigBytes); err != nil {
		return err
	}
	p, err := parsePack(packBytes)
	if err != nil {
		return err
	}
	for _, pf := range p.Files {
		data, err := os.ReadFile(filepath.Join(dir, packCatalogDir, filepath.FromSlash(pf.Path)))
		if err != nil {
			return fmt.Errorf("pack file %s: %w", pf.Path, err)
		}
		if err := checkPackFile(pf, data); err != nil {
			return err
		}
	}
	return nil
}

// SetActive marks version as the active version of pack id. An empty version
// picks the highest installed one.
func (r *Repository) SetActive(id, version string) (PackRef, error) {
	if r == nil {
		return PackRef{}, errors.New("nil repository")
	}
	if version == "" {
		v, err := r.latestVersionFor(id)
		if err != nil {
			return PackRef{}, err
		}
		if v == "" {
			return PackRef{}, fmt.Errorf("pack %s is not installed", id)
		}
		version = v
	}
	if err := validateRef(id, version); err != nil {
		return PackRef{}, err
	}
	if _, err := os.Stat(r.packageDir(id, version)); err != nil {
		return PackRef{}, fmt.Errorf("pack %s %s: %w", id, version, err)
	}
	cfg, err := r.loadConfig()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return PackRef{}, err
	}
	if cfg.Active == nil {
		cfg.Active = map[string]string{}
	}
	cfg.Active[id] = version
	return PackRef{PackID: id, Version: version}, r.saveConfig(cfg)
}

// Active returns the active version of pack id.
func (r *Repository) Active(id string) (PackRef, bool, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PackRef{}, false, nil
		}
		return PackRef{}, false, err
	}
	v, ok := cfg.Active[id]
	return PackRef{PackID: id, Version: v}, ok, nil
}

// ActiveDirs returns the catalog roots of the active packs, sorted by pack id.
func (r *Repository) ActiveDirs() ([]string, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(cfg.Active))
	for id := range cfg.Active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var dirs []string
	for _, id := range ids {
		dir := filepath.Join(r.packageDir(id, cfg.Active[id]), packCatalogDir)
		if _, err := os.Stat(dir); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func (r *Repository) latestVersionFor(id string) (string, error) {
	if err := validatePathComponent(id); err != nil {
		return "", fmt.Errorf("invalid pack id: %w", err)
	}
	entries, err := os.ReadDir(filepath.Join(r.root, repoPacksDir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if best == "" || compareVersions(e.Name(), best) > 0 {
			best = e.Name()
		}
	}
	return best, nil
}

func (r *Repository) packageDir(id, version string) string {
	return filepath.Join(r.root, repoPacksDir, id, version)
}

func (r *Repository) verifySignatureBytes(payload, sig []byte) (*x509.Certificate, error) {
	pool, err := r.loadTrustStore()
	if err != nil {
		return nil, err
	}
	jws, err := crypto.ParseDetachedJWS(sig)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	return crypto.VerifyDetachedJWSWithX5C(payload, jws, pool)
}

func (r *Repository) loadTrustStore() (*x509.CertPool, error) {
	dir := r.TrustDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read truststore: %w", err)
	}
	var pems [][]byte
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read truststore cert %s: %w", entry.Name(), err)
		}
		pems = append(pems, data)
	}
	pool, count, err := crypto.LoadCertPool(pems...)
	if err != nil {
		return nil, fmt.Errorf("parse truststore: %w", err)
	}
	if count == 0 {
		return nil, errors.New("truststore is empty")
	}
	return pool, nil
}

// Trust adds a PEM certificate to the truststore under name.
func (r *Repository) Trust(name string, certPEM []byte) error {
	if err := validatePathComponent(name); err != nil {
		return fmt.Errorf("invalid cert name: %w", err)
	}
	if _, n, err := crypto.LoadCertPool(certPEM); err != nil || n == 0 {
		return errors.New("no certificate in pem")
	}
	return common.WriteFileAtomic(filepath.Join(r.TrustDir(), name), certPEM, 0o644)
}

func (r *Repository) loadConfig() (repoConfig, error) {
	var cfg repoConfig
	if r == nil {
		return cfg, errors.New("nil repository")
	}
	data, err := os.ReadFile(filepath.Join(r.root, repoConfigFile))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r *Repository) saveConfig(cfg repoConfig) error {
	if r == nil {
		return errors.New("nil repository")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(filepath.Join(r.root, repoConfigFile), data, 0o644)
}

func readMember(members map[string]*zip.File, name string) ([]byte, error) {
	f, ok := members[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func validateRef(id, version string) error {
	if err := validatePathComponent(id); err != nil {
		return fmt.Errorf("invalid pack id: %w", err)
	}
	if err := validatePathComponent(version); err != nil {
		return fmt.Errorf("invalid pack version: %w", err)
	}
	return nil
}

func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("pack file missing path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("pack file %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("pack file %q escapes the catalog", p)
	}
	return nil
}

func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("empty string")
	}
	if strings.Contains(s, string(os.PathSeparator)) || strings.Contains(s, "/") {
		return errors.New("contains path separator")
	}
	if s == "." || s == ".." || strings.Contains(s, "..") {
		return errors.New("invalid path component")
	}
	return nil
}

func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	ap, bp := parseVersionParts(a), parseVersionParts(b)
	n := len(ap)
	if len(bp) > n {
		n = len(bp)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(ap) {
			ai = ap[i]
		}
		if i < len(bp) {
			bi = bp[i]
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return strings.Compare(a, b)
}

func parseVersionParts(s string) []int {
	parts := strings.Split(strings.TrimPrefix(s, "v"), ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return []int{0}
		}
		out = append(out, v)
	}
	return out
}
