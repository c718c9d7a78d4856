package catalog

import (
	"sort"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

// Request selects candidates for one image.
type Request struct {
	Family  string
	Engine  string
	PatchID string
	Image   *firmware.Image
}

// Candidate is an entry that passed every filter for a request.
type Candidate struct {
	Entry     *Entry      `json:"entry"`
	Tier      family.Tier `json:"-"`
	TierName  string      `json:"tier"`
	BaseMatch bool        `json:"baseMatch"`
}

func (c Candidate) rank() int {
	switch {
	case c.Entry.Kind == KindArtifact && c.BaseMatch:
		return 0
	case c.Entry.Kind != KindArtifact:
		return 1
	}
	return 2
}

// Detect classifies an image using the catalog's families and detectors.
func (s *Snapshot) Detect(img *firmware.Image, filename, ecuType string) family.Detection {
	h := family.Hints{
		ECUType:   ecuType,
		Filename:  filename,
		Families:  s.FamilyNames(),
		Detectors: s.Detectors(),
	}
	if img != nil {
		h.Text = firmware.Text(img.Bytes())
	}
	return family.Classify(h)
}

// Resolve returns the candidates for req in preference order: artifacts built
// from exactly this image, then recipes, then the remaining artifacts, each
// group sorted by ID. It fails with NoCompatibleRecipe when nothing matches.
func (s *Snapshot) Resolve(req Request) ([]Candidate, error) {
	if s == nil {
		return nil, patcherr.New(patcherr.KindNoCompatibleRecipe, "resolve", "no catalog loaded")
	}
	sha := ""
	if req.Image != nil {
		sha = req.Image.SHA256()
	}
	var out []Candidate
	for _, f := range s.Families {
		for _, e := range f.Entries {
			tier := entryTier(req.Family, f.Name, e.CompatibleECU)
			if tier == family.TierNone {
				continue
			}
			if !family.EngineMatches(req.Engine, e.Engines) {
				continue
			}
			c := Candidate{Entry: e, Tier: tier, TierName: tier.String()}
			switch e.Kind {
			case KindArtifact:
				if req.PatchID != "" && req.PatchID != e.ID {
					continue
				}
				c.BaseMatch = sha != "" && e.Artifact.BaseSHA256 == sha
			default:
				if !e.Recipe.Answers(req.PatchID) {
					continue
				}
				if req.Image != nil && !e.Compiled.Match(req.Image) {
					continue
				}
			}
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, patcherr.New(patcherr.KindNoCompatibleRecipe, "resolve",
			"family %q engine %q patch %q", req.Family, req.Engine, req.PatchID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].rank(), out[j].rank()
		if ri != rj {
			return ri < rj
		}
		if out[i].Entry.ID != out[j].Entry.ID {
			return out[i].Entry.ID < out[j].Entry.ID
		}
		return out[i].Entry.Family < out[j].Entry.Family
	})
	return out, nil
}

// entryTier is the best tier at which detected matches the directory family
// or any compatible_ecu tag of the entry.
func entryTier(detected, dirFamily string, compatible []string) family.Tier {
	tags := append([]string{dirFamily}, compatible...)
	_, tier := family.BestMatch(detected, tags)
	return tier
}

// List returns the entries offered to a family and engine, ignoring content
// selectors.
func (s *Snapshot) List(familyTag, engine string) []*Entry {
	if s == nil {
		return nil
	}
	var out []*Entry
	for _, f := range s.Families {
		for _, e := range f.Entries {
			if familyTag != "" && entryTier(familyTag, f.Name, e.CompatibleECU) == family.TierNone {
				continue
			}
			if !family.EngineMatches(engine, e.Engines) {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}
