// Package report renders apply receipts as JSON and PDF.
package report

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
)

// Receipt is the customer-facing record of one apply.
type Receipt struct {
	JobID        string          `json:"jobId"`
	CreatedAt    time.Time       `json:"createdAt"`
	Filename     string          `json:"filename,omitempty"`
	Family       string          `json:"family,omitempty"`
	FamilySource string          `json:"familySource,omitempty"`
	Engine       string          `json:"engine,omitempty"`
	PatchID      string          `json:"patchId,omitempty"`
	Source       string          `json:"source"`
	SourceKind   string          `json:"sourceKind"`
	Label        string          `json:"label,omitempty"`
	Meta         engine.Meta     `json:"meta"`
	Hits         []engine.OpHits `json:"hits,omitempty"`
	InputSHA256  string          `json:"inputSha256"`
	OutputSHA256 string          `json:"outputSha256,omitempty"`
	InputSize    int             `json:"inputSize"`
	OutputSize   int             `json:"outputSize,omitempty"`
	CVNIn        string          `json:"cvnIn"`
	CVNOut       string          `json:"cvnOut,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	Duration     time.Duration   `json:"durationNs"`
	OutputKey    string          `json:"outputKey,omitempty"`
}

func EncodeJSON(r Receipt) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func SaveJSON(r Receipt, out string) error {
	b, err := EncodeJSON(r)
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Receipt, error) {
	var r Receipt
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(b, &r)
	return r, err
}
