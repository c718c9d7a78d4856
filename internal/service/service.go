// Package service ties the core packages together: uploads go to the blob
// store, applies resolve against the current catalog snapshot, and every
// outcome lands in the ledger, the audit log and a receipt.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

// DefaultApplyTimeout bounds one apply when the caller's context has no
// deadline of its own.
const DefaultApplyTimeout = 30 * time.Second

// Store key prefixes.
const (
	UploadsPrefix   = "uploads/"
	OutputsPrefix   = "outputs/"
	ReceiptsPrefix  = "receipts/"
	ArtifactsPrefix = "artifacts/"
)

// ErrUnknownUpload is returned when an upload hash is not in the store.
var ErrUnknownUpload = errors.New("service: unknown upload")

// CatalogSource hands out the snapshot in effect. *catalog.Watcher
// satisfies it.
type CatalogSource interface {
	Current() *catalog.Snapshot
}

// StaticCatalog serves a fixed snapshot.
type StaticCatalog struct {
	Snapshot *catalog.Snapshot
}

func (s StaticCatalog) Current() *catalog.Snapshot { return s.Snapshot }

// Options configures a Service. Store and Catalog are required.
type Options struct {
	Store        store.Store
	Catalog      CatalogSource
	Ledger       *ledger.Ledger
	AuditLog     *common.PatchLog
	Metrics      *common.Metrics
	Logger       *logrus.Entry
	ApplyTimeout time.Duration
	Language     report.Language
}

// Service is safe for concurrent use.
type Service struct {
	store   store.Store
	catalog CatalogSource
	ledger  *ledger.Ledger
	audit   *common.PatchLog
	metrics *common.Metrics
	log     *logrus.Entry
	timeout time.Duration
	lang    report.Language
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("service: catalog required")
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	timeout := opts.ApplyTimeout
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	lang := opts.Language
	if lang == "" {
		lang = report.LangEnglish
	}
	return &Service{
		store:   opts.Store,
		catalog: opts.Catalog,
		ledger:  opts.Ledger,
		audit:   opts.AuditLog,
		metrics: opts.Metrics,
		log:     log.WithField("component", "service"),
		timeout: timeout,
		lang:    lang,
	}, nil
}

// Snapshot returns the catalog snapshot in effect.
func (s *Service) Snapshot() *catalog.Snapshot {
	return s.catalog.Current()
}

// Upload describes a stored image.
type Upload struct {
	Key      string `json:"key"`
	Filename string `json:"filename,omitempty"`
	firmware.Fingerprint
	Detection family.Detection      `json:"detection"`
	DTC       []firmware.DTCCluster `json:"dtc,omitempty"`
}

// Fingerprint classifies data without storing it.
func (s *Service) Fingerprint(filename, ecuType string, data []byte) Upload {
	img := firmware.New(data)
	return s.describe(img, filename, ecuType)
}

func (s *Service) describe(img *firmware.Image, filename, ecuType string) Upload {
	return Upload{
		Key:         uploadKey(img.SHA256()),
		Filename:    filename,
		Fingerprint: img.Fingerprint(),
		Detection:   s.Snapshot().Detect(img, filename, ecuType),
		DTC:         firmware.ScanDTC(img.Bytes()),
	}
}

// Upload stores data under its SHA-256 and returns its fingerprint.
// Uploading the same bytes twice is harmless.
func (s *Service) Upload(ctx context.Context, filename, ecuType string, data []byte) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}
	if len(data) == 0 {
		return Upload{}, errors.New("empty upload")
	}
	img := firmware.New(data)
	up := s.describe(img, filename, ecuType)
	if err := s.store.Save(up.Key, data); err != nil {
		return Upload{}, fmt.Errorf("store upload: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"sha256": up.SHA256, "size": common.FormatBytes(int64(up.Size)), "family": up.Detection.Family,
	}).Info("upload stored")
	return up, nil
}

// Image loads a stored upload by its SHA-256.
func (s *Service) Image(sha string) (*firmware.Image, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if !isSHA256(sha) {
		return nil, fmt.Errorf("%w: %q is not a sha256", ErrUnknownUpload, sha)
	}
	data, err := s.store.Load(uploadKey(sha))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, sha)
		}
		return nil, err
	}
	return firmware.New(data), nil
}

// Blob returns a stored output, receipt or artifact file. Uploads are not
// served back.
func (s *Service) Blob(key string) ([]byte, error) {
	k, err := store.CleanKey(key)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{OutputsPrefix, ReceiptsPrefix, ArtifactsPrefix} {
		if strings.HasPrefix(k, p) {
			return s.store.Load(k)
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
}

// SaveBlob stores derived documents such as manifests. Only the receipts
// prefix is writable from outside the package.
func (s *Service) SaveBlob(key string, data []byte) error {
	k, err := store.CleanKey(key)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(k, ReceiptsPrefix) {
		return fmt.Errorf("service: key %q is not writable", key)
	}
	return s.store.Save(k, data)
}

// Catalog lists the entries offered to a family and engine.
func (s *Service) Catalog(familyTag, engine string) []*catalog.Entry {
	return s.Snapshot().List(familyTag, engine)
}

// Recent returns the newest ledger entries.
func (s *Service) Recent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.Recent(ctx, limit)
}

func uploadKey(sha string) string {
	return path.Join(UploadsPrefix, sha+".bin")
}

func isSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
