// Package catalog loads recipes and diff artifacts from family directories
// into immutable snapshots and resolves the candidates for an image.
//
// Layout of a catalog root:
//
//	<root>/<FAMILY>/*.yml                recipes
//	<root>/<FAMILY>/<id>/patch.bsdiff    diff artifacts (with base.sha256, meta.json)
//	<root>/<FAMILY>/<id>.bin             overlays, placed by <id>.meta.json {"at": ...}
//	<root>/<FAMILY>/meta.json            label, engine_default, overrides
//	<root>/<FAMILY>/detectors.json       [{"pn": ..., "sw": ...}]
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/pattern"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

const (
	familyMetaFile = "meta.json"
	detectorsFile  = "detectors.json"
	overlayExt     = ".bin"
	overlayMetaExt = ".meta.json"
	recipeExt      = ".yml"
	recipeExtLong  = ".yaml"
	recipeExtJSON  = ".recipe.json"
)

// Kind is the type of a catalog entry.
type Kind string

const (
	KindRecipe   Kind = "recipe"
	KindArtifact Kind = "artifact"
	KindOverlay  Kind = "overlay"
)

// Entry is one patch offered by a family.
type Entry struct {
	ID            string           `json:"id"`
	Family        string           `json:"family"`
	Kind          Kind             `json:"kind"`
	Label         string           `json:"label"`
	Engines       []string         `json:"engines,omitempty"`
	CompatibleECU []string         `json:"compatibleEcu,omitempty"`
	Path          string           `json:"path"`
	Recipe        *recipe.Recipe   `json:"-"`
	Compiled      *recipe.Compiled `json:"-"`
	Artifact      *diff.Artifact   `json:"-"`
}

// FamilyMeta is the optional meta.json of a family directory.
type FamilyMeta struct {
	Label         string              `json:"label"`
	EngineDefault string              `json:"engine_default"`
	Overrides     map[string]Override `json:"overrides"`
}

// Override adjusts one entry of the family by ID.
type Override struct {
	Label   string   `json:"label,omitempty"`
	Active  *bool    `json:"active,omitempty"`
	Engines []string `json:"engines,omitempty"`
}

// Family groups the entries of one family directory.
type Family struct {
	Name          string            `json:"name"`
	Label         string            `json:"label"`
	EngineDefault string            `json:"engineDefault,omitempty"`
	Root          string            `json:"root"`
	Detectors     []family.Detector `json:"detectors,omitempty"`
	Entries       []*Entry          `json:"entries"`
}

// Snapshot is an immutable view of the catalog. Callers grab one snapshot
// per apply and never see a reload half way through.
type Snapshot struct {
	Roots    []string
	Families []*Family
	LoadedAt time.Time
	// Warnings lists entries skipped because they failed to load.
	Warnings []string
}

// Load reads every family directory below roots. A broken entry is skipped
// and recorded in Warnings; a missing root is an error.
func Load(log *logrus.Entry, roots ...string) (*Snapshot, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	log = log.WithField("component", "catalog")
	snap := &Snapshot{Roots: roots, LoadedAt: time.Now().UTC()}
	byName := map[string]*Family{}
	for _, root := range roots {
		dirs, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("read catalog root: %w", err)
		}
		for _, d := range dirs {
			if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				continue
			}
			fam, warnings := loadFamily(filepath.Join(root, d.Name()), d.Name())
			for _, w := range warnings {
				log.Warn(w)
			}
			snap.Warnings = append(snap.Warnings, warnings...)
			key := strings.ToUpper(fam.Name)
			if prev, ok := byName[key]; ok {
				prev.Entries = append(prev.Entries, fam.Entries...)
				prev.Detectors = append(prev.Detectors, fam.Detectors...)
				continue
			}
			byName[key] = fam
			snap.Families = append(snap.Families, fam)
		}
	}
	sort.Slice(snap.Families, func(i, j int) bool { return snap.Families[i].Name < snap.Families[j].Name })
	for _, f := range snap.Families {
		sort.SliceStable(f.Entries, func(i, j int) bool { return f.Entries[i].ID < f.Entries[j].ID })
	}
	log.WithFields(logrus.Fields{"families": len(snap.Families), "entries": snap.Count(), "warnings": len(snap.Warnings)}).Info("catalog loaded")
	return snap, nil
}

func loadFamily(dir, name string) (*Family, []string) {
	fam := &Family{Name: name, Label: name, Root: dir}
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf("%s: ", dir)+fmt.Sprintf(format, args...))
	}

	var meta FamilyMeta
	if err := readJSON(filepath.Join(dir, familyMetaFile), &meta); err != nil && !errors.Is(err, os.ErrNotExist) {
		warn("%s: %v", familyMetaFile, err)
	}
	if meta.Label != "" {
		fam.Label = meta.Label
	}
	fam.EngineDefault = meta.EngineDefault

	var detectors []family.Detector
	if err := readJSON(filepath.Join(dir, detectorsFile), &detectors); err != nil && !errors.Is(err, os.ErrNotExist) {
		warn("%s: %v", detectorsFile, err)
	}
	for _, d := range detectors {
		d.Family = name
		fam.Detectors = append(fam.Detectors, d)
	}

	items, err := os.ReadDir(dir)
	if err != nil {
		warn("%v", err)
		return fam, warnings
	}
	artifacts := store.OpenDir(dir)
	for _, it := range items {
		n := it.Name()
		path := filepath.Join(dir, n)
		switch {
		case it.IsDir():
			if _, err := os.Stat(filepath.Join(path, diff.PatchFile)); err != nil {
				continue
			}
			a, err := diff.LoadArtifact(artifacts, n)
			if err != nil {
				warn("artifact %s: %v", n, err)
				continue
			}
			fam.Entries = append(fam.Entries, &Entry{ID: n, Family: name, Kind: KindArtifact, Label: n, Path: path, Artifact: a})
		case strings.HasSuffix(n, recipeExt), strings.HasSuffix(n, recipeExtLong), strings.HasSuffix(n, recipeExtJSON):
			r, err := recipe.ParseFile(path)
			if err != nil {
				warn("recipe %s: %v", n, err)
				continue
			}
			c, err := recipe.Compile(r)
			if err != nil {
				warn("recipe %s: %v", n, err)
				continue
			}
			fam.Entries = append(fam.Entries, &Entry{
				ID: r.ID, Family: name, Kind: KindRecipe, Label: r.Name(), Path: path,
				Engines: r.Engines, CompatibleECU: r.CompatibleECU, Recipe: r, Compiled: c,
			})
		case strings.HasSuffix(n, overlayExt):
			e, err := loadOverlay(dir, name, strings.TrimSuffix(n, overlayExt))
			if err != nil {
				warn("overlay %s: %v", n, err)
				continue
			}
			fam.Entries = append(fam.Entries, e)
		}
	}

	var kept []*Entry
	for _, e := range fam.Entries {
		if ov, ok := meta.Overrides[e.ID]; ok {
			if ov.Active != nil && !*ov.Active {
				continue
			}
			if ov.Label != "" {
				e.Label = ov.Label
			}
			if len(ov.Engines) > 0 {
				e.Engines = ov.Engines
			}
		}
		if len(e.Engines) == 0 && fam.EngineDefault != "" {
			e.Engines = []string{fam.EngineDefault}
		}
		kept = append(kept, e)
	}
	fam.Entries = kept
	return fam, warnings
}

type overlayMeta struct {
	At    json.RawMessage `json:"at"`
	Label string          `json:"label,omitempty"`
}

// loadOverlay turns <id>.bin + <id>.meta.json into a single write recipe.
func loadOverlay(dir, fam, id string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+overlayExt))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty overlay")
	}
	var meta overlayMeta
	if err := readJSON(filepath.Join(dir, id+overlayMetaExt), &meta); err != nil {
		return nil, err
	}
	at := strings.Trim(string(meta.At), `" `)
	if at == "" {
		return nil, errors.New("overlay meta missing at")
	}
	r := &recipe.Recipe{
		ID:    id,
		Label: meta.Label,
		Ops:   []recipe.Op{{Write: &recipe.WriteOp{At: at, Hex: pattern.FormatHex(data)}}},
	}
	if r.Label == "" {
		r.Label = id
	}
	c, err := recipe.Compile(r)
	if err != nil {
		return nil, err
	}
	return &Entry{ID: id, Family: fam, Kind: KindOverlay, Label: r.Label, Path: filepath.Join(dir, id+overlayExt), Recipe: r, Compiled: c}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Count returns the number of entries across families.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, f := range s.Families {
		n += len(f.Entries)
	}
	return n
}

// FamilyNames lists the family directory names.
func (s *Snapshot) FamilyNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Families))
	for _, f := range s.Families {
		out = append(out, f.Name)
	}
	return out
}

// Detectors returns the detectors of every family.
func (s *Snapshot) Detectors() []family.Detector {
	if s == nil {
		return nil
	}
	var out []family.Detector
	for _, f := range s.Families {
		out = append(out, f.Detectors...)
	}
	return out
}

// Family returns the family whose name best matches tag.
func (s *Snapshot) Family(tag string) *Family {
	if s == nil {
		return nil
	}
	name, _ := family.BestMatch(tag, s.FamilyNames())
	for _, f := range s.Families {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Lookup returns the entry with id in the family matching tag.
func (s *Snapshot) Lookup(tag, id string) *Entry {
	f := s.Family(tag)
	if f == nil {
		return nil
	}
	for _, e := range f.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
