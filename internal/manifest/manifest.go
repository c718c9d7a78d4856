// Package manifest lists delivered files with their sizes and SHA-256 hashes
// and optionally signs the listing.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
)

// SignatureFile is the conventional name of the detached signature written
// next to a manifest.
const SignatureFile = "SIGNATURE.jws"

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	ShaAlgo   string     `json:"shaAlgo"`
	JobID     string     `json:"jobId,omitempty"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Type          string `json:"type"`
	CertSubject   string `json:"certSubject,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	SignatureFile string `json:"signatureFile,omitempty"`
}

// Build hashes every path.
func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: itemType(p)})
	}
	return m, nil
}

// ItemFromBytes describes an in-memory blob stored under name.
func ItemFromBytes(name string, data []byte) Item {
	sum := sha256.Sum256(data)
	return Item{Path: name, Size: int64(len(data)), Sha256: hex.EncodeToString(sum[:]), Type: itemType(name)}
}

func itemType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".bin", ".ori", ".mod", ".hex", ".frf":
		return "firmware"
	case ".bsdiff":
		return "artifact"
	case ".yml", ".yaml":
		return "recipe"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	}
	return "other"
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b, 0o644)
}

func Load(path string) (Manifest, []byte, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, data, nil
}

// SignBytes adds a Signature block to m and returns the encoded manifest
// together with a detached JWS over exactly those bytes.
func SignBytes(m Manifest, keyPEM, certPEM []byte) (manifestJSON, sigJSON []byte, err error) {
	if len(keyPEM) == 0 {
		return nil, nil, errors.New("signing key missing")
	}
	m.Signature = &Signature{Type: "JWS-RS256", SignatureFile: SignatureFile}
	if subj, issuer, err := crypto.CertificateNames(certPEM); err == nil {
		m.Signature.CertSubject, m.Signature.Issuer = subj, issuer
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	jws, err := crypto.SignDetachedJWS(b, keyPEM, certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("sign manifest: %w", err)
	}
	sig, err := json.MarshalIndent(jws, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return b, sig, nil
}

// Sign writes the signed manifest to out and its detached signature to
// SignatureFile in the same directory.
func Sign(m Manifest, out string, keyPEM, certPEM []byte) error {
	b, sig, err := SignBytes(m, keyPEM, certPEM)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(out, b, 0o644); err != nil {
		return err
	}
	return common.WriteFileAtomic(filepath.Join(filepath.Dir(out), SignatureFile), sig, 0o644)
}

// VerifySignature checks the detached signature of the manifest at path
// against certPEM.
func VerifySignature(path string, certPEM []byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	sigBytes, err := os.ReadFile(filepath.Join(filepath.Dir(path), SignatureFile))
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}
	jws, err := crypto.ParseDetachedJWS(sigBytes)
	if err != nil {
		return fmt.Errorf("parse jws: %w", err)
	}
	if err := crypto.VerifyDetachedJWS(data, jws, certPEM); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}

// Check re-hashes every item and reports the first mismatch.
func (m Manifest) Check() error {
	for _, it := range m.Items {
		hex, sz, err := common.Sha256OfFile(it.Path)
		if err != nil {
			return err
		}
		if sz != it.Size {
			return fmt.Errorf("%s: size %d, manifest says %d", it.Path, sz, it.Size)
		}
		if !strings.EqualFold(hex, it.Sha256) {
			return fmt.Errorf("%s: sha256 mismatch", it.Path)
		}
	}
	return nil
}
