// Package firmware wraps ECU firmware dumps and derives their fingerprints.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/checksum"
)

// Image is an immutable firmware dump. Callers must not modify the slice
// passed to New after handing it over.
type Image struct {
	data []byte
	sha  string
	cvn  string
}

// Fingerprint summarizes an image for display and catalog lookups.
type Fingerprint struct {
	SHA256 string `json:"sha256"`
	CVN    string `json:"cvn"`
	Size   int    `json:"size"`
}

// New wraps data and computes its digests once.
func New(data []byte) *Image {
	sum := sha256.Sum256(data)
	return &Image{
		data: data,
		sha:  hex.EncodeToString(sum[:]),
		cvn:  checksum.CVN(data),
	}
}

// Open reads an image from disk.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(data), nil
}

// Bytes returns the underlying bytes. The slice is shared and must be
// treated as read-only.
func (img *Image) Bytes() []byte {
	if img == nil {
		return nil
	}
	return img.data
}

// Len returns the image size in bytes.
func (img *Image) Len() int {
	if img == nil {
		return 0
	}
	return len(img.data)
}

// SHA256 returns the lowercase hex digest of the image.
func (img *Image) SHA256() string {
	if img == nil {
		return ""
	}
	return img.sha
}

// CVN returns the calibration verification number.
func (img *Image) CVN() string {
	if img == nil {
		return ""
	}
	return img.cvn
}

// Fingerprint returns the digest summary.
func (img *Image) Fingerprint() Fingerprint {
	return Fingerprint{SHA256: img.SHA256(), CVN: img.CVN(), Size: img.Len()}
}

// SHA256Hex hashes b without building an Image.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
