package server

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
)

// DefaultMaxUploadBytes caps multipart uploads. ECU dumps rarely exceed a
// few megabytes.
const DefaultMaxUploadBytes = 64 << 20

// DefaultMultipartMemory is how much of a multipart form is held in memory
// before file parts spill to temporary files.
const DefaultMultipartMemory = 32 << 20

// ManifestSigningOptions configures detached JWS manifest signing.
type ManifestSigningOptions struct {
	PrivateKeyPath  string
	CertificatePath string
}

// Options configures server creation.
type Options struct {
	Service         *service.Service
	Logger          *logrus.Entry
	MaxUploadBytes  int64
	MultipartMemory int64
	ManifestSigning ManifestSigningOptions
	// EnableAdmin exposes pack management under /admin/packs.
	EnableAdmin bool
	Repository  *catalog.Repository
	// PacksChanged runs after a pack is installed or activated, typically
	// to reload the catalog.
	PacksChanged func() error
}

type signer struct {
	keyPEM  []byte
	certPEM []byte
}

func loadSigner(opts ManifestSigningOptions) (*signer, error) {
	keyPath := strings.TrimSpace(opts.PrivateKeyPath)
	certPath := strings.TrimSpace(opts.CertificatePath)
	if keyPath == "" && certPath == "" {
		return nil, nil
	}
	if keyPath == "" || certPath == "" {
		return nil, errors.New("manifest signing needs both a key and a certificate")
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read signing certificate: %w", err)
	}
	return &signer{keyPEM: key, certPEM: cert}, nil
}
