package diff

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

// File names of the persisted artifact layout.
const (
	PatchFile = "patch.bsdiff"
	BaseFile  = "base.sha256"
	MetaFile  = "meta.json"
)

// SaveArtifact writes a under prefix as patch.bsdiff, base.sha256 and
// meta.json.
func SaveArtifact(s store.Store, prefix string, a *Artifact) error {
	if s == nil {
		return fmt.Errorf("nil store")
	}
	meta, err := json.MarshalIndent(a.Meta(), "", "  ")
	if err != nil {
		return err
	}
	if err := s.Save(path.Join(prefix, PatchFile), a.Delta); err != nil {
		return fmt.Errorf("save delta: %w", err)
	}
	if err := s.Save(path.Join(prefix, BaseFile), []byte(a.BaseSHA256+"\n")); err != nil {
		return fmt.Errorf("save base hash: %w", err)
	}
	if err := s.Save(path.Join(prefix, MetaFile), meta); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}

// LoadArtifact reads an artifact written by SaveArtifact. meta.json is
// optional so bare patch.bsdiff + base.sha256 pairs still load.
func LoadArtifact(s store.Store, prefix string) (*Artifact, error) {
	if s == nil {
		return nil, fmt.Errorf("nil store")
	}
	delta, err := s.Load(path.Join(prefix, PatchFile))
	if err != nil {
		return nil, fmt.Errorf("load delta: %w", err)
	}
	base, err := s.Load(path.Join(prefix, BaseFile))
	if err != nil {
		return nil, fmt.Errorf("load base hash: %w", err)
	}
	a := &Artifact{
		Format:     FormatBSDiff4,
		BaseSHA256: strings.ToLower(strings.TrimSpace(string(base))),
		PatchSize:  len(delta),
		Delta:      delta,
	}
	raw, err := s.Load(path.Join(prefix, MetaFile))
	switch {
	case err == nil:
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("parse meta: %w", err)
		}
		if meta.BaseSHA256 != "" && !strings.EqualFold(meta.BaseSHA256, a.BaseSHA256) {
			return nil, fmt.Errorf("meta base %s disagrees with %s %s", meta.BaseSHA256, BaseFile, a.BaseSHA256)
		}
		if meta.Format != "" {
			a.Format = meta.Format
		}
		a.BaseSize = meta.BaseSize
		a.TargetSHA256 = meta.TargetSHA256
		a.TargetSize = meta.TargetSize
		a.CreatedAt = meta.CreatedAt
	case store.IsNotFound(err):
	default:
		return nil, fmt.Errorf("load meta: %w", err)
	}
	return a, nil
}
