// Package diff turns a stock/modified firmware pair into a replayable binary
// delta bound to its base image, and reports byte ranges that differ.
package diff

import (
	"fmt"
	"time"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

// FormatBSDiff4 is the classic BSDIFF40 container with bzip2 blocks.
const FormatBSDiff4 = "bsdiff4"

// Artifact is a delta that reproduces a modified image from one exact base.
type Artifact struct {
	Format       string    `json:"format"`
	BaseSHA256   string    `json:"baseSha256"`
	BaseSize     int       `json:"baseSize"`
	TargetSHA256 string    `json:"targetSha256,omitempty"`
	TargetSize   int       `json:"targetSize,omitempty"`
	PatchSize    int       `json:"patchSize"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	Delta        []byte    `json:"-"`
}

// Meta is the persisted metadata view of an artifact.
type Meta struct {
	Format       string    `json:"format"`
	BaseSHA256   string    `json:"baseSha256"`
	BaseSize     int       `json:"baseSize"`
	PatchSize    int       `json:"patchSize"`
	TargetSHA256 string    `json:"targetSha256,omitempty"`
	TargetSize   int       `json:"targetSize,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// Meta returns the metadata record for a.
func (a *Artifact) Meta() Meta {
	return Meta{
		Format:       a.Format,
		BaseSHA256:   a.BaseSHA256,
		BaseSize:     a.BaseSize,
		PatchSize:    a.PatchSize,
		TargetSHA256: a.TargetSHA256,
		TargetSize:   a.TargetSize,
		CreatedAt:    a.CreatedAt,
	}
}

// Synthesize builds a delta that turns stock into mod.
func Synthesize(stock, mod []byte) (*Artifact, error) {
	delta, err := bsdiff.Bytes(stock, mod)
	if err != nil {
		return nil, fmt.Errorf("bsdiff: %w", err)
	}
	return &Artifact{
		Format:       FormatBSDiff4,
		BaseSHA256:   firmware.SHA256Hex(stock),
		BaseSize:     len(stock),
		TargetSHA256: firmware.SHA256Hex(mod),
		TargetSize:   len(mod),
		PatchSize:    len(delta),
		CreatedAt:    time.Now().UTC(),
		Delta:        delta,
	}, nil
}

// CheckBase verifies that image is the base the artifact was built from.
func (a *Artifact) CheckBase(image []byte) error {
	if a == nil {
		return patcherr.New(patcherr.KindCorruptArtifact, "artifact", "nil artifact")
	}
	got := firmware.SHA256Hex(image)
	if got != a.BaseSHA256 {
		return patcherr.New(patcherr.KindBaseMismatch, "artifact",
			"image sha256 %s, artifact expects %s", got, a.BaseSHA256)
	}
	return nil
}

// Apply reconstructs the modified image. image is never modified.
func Apply(image []byte, a *Artifact) ([]byte, error) {
	if err := a.CheckBase(image); err != nil {
		return nil, err
	}
	if a.Format != "" && a.Format != FormatBSDiff4 {
		return nil, patcherr.New(patcherr.KindCorruptArtifact, "artifact", "unsupported format %q", a.Format)
	}
	out, err := bspatch.Bytes(image, a.Delta)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.KindCorruptArtifact, "bspatch", err)
	}
	if a.TargetSize != 0 && len(out) != a.TargetSize {
		return nil, patcherr.New(patcherr.KindCorruptArtifact, "artifact",
			"output has %d bytes, artifact expects %d", len(out), a.TargetSize)
	}
	if a.TargetSHA256 != "" {
		if got := firmware.SHA256Hex(out); got != a.TargetSHA256 {
			return nil, patcherr.New(patcherr.KindCorruptArtifact, "artifact",
				"output sha256 %s, artifact expects %s", got, a.TargetSHA256)
		}
	}
	return out, nil
}
