package service

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
)

// DiffResult describes a persisted artifact.
type DiffResult struct {
	ID     string    `json:"id"`
	Prefix string    `json:"prefix"`
	Meta   diff.Meta `json:"meta"`
}

// Diff synthesizes an artifact from two uploads and stores it under
// artifacts/<id>/. An empty id gets a fresh UUID.
func (s *Service) Diff(ctx context.Context, stockSHA, modSHA, id string) (DiffResult, error) {
	stock, err := s.Image(stockSHA)
	if err != nil {
		return DiffResult{}, fmt.Errorf("stock: %w", err)
	}
	mod, err := s.Image(modSHA)
	if err != nil {
		return DiffResult{}, fmt.Errorf("mod: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return DiffResult{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return DiffResult{}, fmt.Errorf("invalid artifact id %q", id)
	}
	prefix := path.Join(ArtifactsPrefix, id)
	a, err := diff.Synthesize(stock.Bytes(), mod.Bytes())
	if err != nil {
		return DiffResult{}, err
	}
	if err := diff.SaveArtifact(s.store, prefix, a); err != nil {
		return DiffResult{}, err
	}
	s.log.WithField("artifact", id).WithField("patchSize", a.PatchSize).Info("artifact stored")
	return DiffResult{ID: id, Prefix: prefix, Meta: a.Meta()}, nil
}

// AlignedDiff returns the differing ranges of two equal-length uploads.
func (s *Service) AlignedDiff(stockSHA, modSHA string) ([]diff.Range, error) {
	stock, err := s.Image(stockSHA)
	if err != nil {
		return nil, fmt.Errorf("stock: %w", err)
	}
	mod, err := s.Image(modSHA)
	if err != nil {
		return nil, fmt.Errorf("mod: %w", err)
	}
	return diff.SynthesizeAligned(stock.Bytes(), mod.Bytes())
}

// LoadArtifact reads a stored artifact back.
func (s *Service) LoadArtifact(id string) (*diff.Artifact, error) {
	return diff.LoadArtifact(s.store, path.Join(ArtifactsPrefix, id))
}
