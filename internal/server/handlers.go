package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/manifest"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

// Server exposes the service over HTTP.
type Server struct {
	svc          *service.Service
	log          *logrus.Entry
	maxUpload    int64
	formMemory   int64
	signer       *signer
	enableAdmin  bool
	repo         *catalog.Repository
	packsChanged func() error
}

// NewServer validates opts and loads the manifest signer.
func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("server: service required")
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	sg, err := loadSigner(opts.ManifestSigning)
	if err != nil {
		return nil, err
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	formMemory := opts.MultipartMemory
	if formMemory <= 0 {
		formMemory = DefaultMultipartMemory
	}
	return &Server{
		svc:          opts.Service,
		log:          log.WithField("component", "server"),
		maxUpload:    maxUpload,
		formMemory:   formMemory,
		signer:       sg,
		enableAdmin:  opts.EnableAdmin,
		repo:         opts.Repository,
		packsChanged: opts.PacksChanged,
	}, nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  rec.status,
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Debug("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.svc.Snapshot()
	resp := struct {
		Status   string    `json:"status"`
		Families []string  `json:"families"`
		Entries  int       `json:"entries"`
		Warnings []string  `json:"warnings,omitempty"`
		LoadedAt time.Time `json:"loadedAt"`
	}{Status: "ok"}
	if snap != nil {
		resp.Families = snap.FamilyNames()
		resp.Entries = snap.Count()
		resp.Warnings = snap.Warnings
		resp.LoadedAt = snap.LoadedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFingerprint classifies the raw request body without storing it.
func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.svc.Fingerprint(q.Get("filename"), q.Get("ecuType"), data))
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	entries := s.svc.Catalog(q.Get("family"), q.Get("engine"))
	if entries == nil {
		entries = []*catalog.Entry{}
	}
	resp := struct {
		Family  string           `json:"family,omitempty"`
		Engine  string           `json:"engine,omitempty"`
		Entries []*catalog.Entry `json:"entries"`
	}{Family: q.Get("family"), Engine: q.Get("engine"), Entries: entries}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	offers, _, _, err := s.svc.Offers(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Upload) == "" {
		http.Error(w, "upload required", http.StatusBadRequest)
		return
	}
	job, err := s.svc.Apply(r.Context(), req)
	if err != nil {
		if job == nil {
			writeError(w, err)
			return
		}
		resp := struct {
			errorBody
			Job *service.Job `json:"job"`
		}{errorBody: newErrorBody(err), Job: job}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Stock string `json:"stock"`
		Mod   string `json:"mod"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Stock == "" || req.Mod == "" {
		http.Error(w, "stock and mod required", http.StatusBadRequest)
		return
	}
	res, err := s.svc.Diff(r.Context(), req.Stock, req.Mod, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		service.DiffResult
		Files []string `json:"files"`
	}{
		DiffResult: res,
		Files: []string{
			path.Join(res.Prefix, diff.PatchFile),
			path.Join(res.Prefix, diff.BaseFile),
			path.Join(res.Prefix, diff.MetaFile),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlignedDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Stock string `json:"stock"`
		Mod   string `json:"mod"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	ranges, err := s.svc.AlignedDiff(req.Stock, req.Mod)
	if err != nil {
		// mismatched lengths are a bad request here, not an authoring error
		if patcherr.KindOf(err) == patcherr.KindShapeMismatch {
			writeJSON(w, http.StatusUnprocessableEntity, newErrorBody(err))
			return
		}
		writeError(w, err)
		return
	}
	if ranges == nil {
		ranges = []diff.Range{}
	}
	resp := struct {
		Ranges       []diff.Range `json:"ranges"`
		ChangedBytes int          `json:"changedBytes"`
	}{Ranges: ranges, ChangedBytes: diff.ChangedBytes(ranges)}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if key == "" {
		http.NotFound(w, r)
		return
	}
	data, err := s.svc.Blob(key)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, fmt.Sprintf("load artifact: %v", err), http.StatusBadRequest)
		return
	}
	name := path.Base(key)
	w.Header().Set("Content-Type", guessContentType(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(data)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.svc.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		s.writeLedgerNDJSON(w, entries)
		return
	}
	resp := struct {
		Entries any `json:"entries"`
	}{Entries: entries}
	if entries == nil {
		resp.Entries = []struct{}{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleManifest lists the output and receipt of a job with their hashes
// and signs the listing when a signer is configured.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.JobID == "" || strings.ContainsAny(req.JobID, `/\.`) {
		http.Error(w, "valid jobId required", http.StatusBadRequest)
		return
	}
	m := manifest.Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256", JobID: req.JobID}
	for _, key := range []string{
		path.Join(service.OutputsPrefix, req.JobID+".bin"),
		path.Join(service.ReceiptsPrefix, req.JobID+".json"),
		path.Join(service.ReceiptsPrefix, req.JobID+".pdf"),
	} {
		data, err := s.svc.Blob(key)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			writeError(w, err)
			return
		}
		m.Items = append(m.Items, manifest.ItemFromBytes(key, data))
	}
	if len(m.Items) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := struct {
		Manifest     json.RawMessage `json:"manifest"`
		ManifestKey  string          `json:"manifestKey"`
		SignatureKey string          `json:"signatureKey,omitempty"`
	}{ManifestKey: path.Join(service.ReceiptsPrefix, req.JobID+".manifest.json")}

	var body, sig []byte
	var err error
	if s.signer != nil {
		body, sig, err = manifest.SignBytes(m, s.signer.keyPEM, s.signer.certPEM)
	} else {
		body, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.svc.SaveBlob(resp.ManifestKey, body); err != nil {
		http.Error(w, fmt.Sprintf("store manifest: %v", err), http.StatusInternalServerError)
		return
	}
	if sig != nil {
		resp.SignatureKey = path.Join(service.ReceiptsPrefix, req.JobID+".manifest.jws")
		if err := s.svc.SaveBlob(resp.SignatureKey, sig); err != nil {
			http.Error(w, fmt.Sprintf("store signature: %v", err), http.StatusInternalServerError)
			return
		}
	}
	resp.Manifest = body
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminPacks lists installed packs on GET and installs an uploaded pack
// archive on POST.
func (s *Server) handleAdminPacks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.repo.ListInstalled()
		if err != nil {
			http.Error(w, fmt.Sprintf("list packs: %v", err), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []catalog.InstalledPack{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		if !s.parseMultipart(w, r) {
			return
		}
		defer r.MultipartForm.RemoveAll()
		file, _, err := r.FormFile("pack")
		if err != nil {
			http.Error(w, "pack file required", http.StatusBadRequest)
			return
		}
		defer file.Close()
		tmp, err := os.CreateTemp("", "forgex-pack-*.zip")
		if err != nil {
			http.Error(w, fmt.Sprintf("temp file: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, file); err != nil {
			tmp.Close()
			http.Error(w, fmt.Sprintf("save pack: %v", err), http.StatusBadRequest)
			return
		}
		tmp.Close()
		inst, err := s.repo.Install(tmp.Name(), false)
		if err != nil {
			http.Error(w, fmt.Sprintf("install pack: %v", err), http.StatusBadRequest)
			return
		}
		if r.FormValue("activate") == "true" {
			if _, err := s.repo.SetActive(inst.Pack.PackID, inst.Pack.Version); err != nil {
				http.Error(w, fmt.Sprintf("activate pack: %v", err), http.StatusInternalServerError)
				return
			}
			inst.Active = true
		}
		if s.packsChanged != nil {
			if err := s.packsChanged(); err != nil {
				s.log.WithError(err).Warn("catalog reload after pack install failed")
			}
		}
		s.log.WithFields(logrus.Fields{"pack": inst.Pack.PackID, "version": inst.Pack.Version}).Info("pack installed")
		writeJSON(w, http.StatusOK, inst)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func newErrorBody(err error) errorBody {
	return errorBody{Error: err.Error(), Kind: string(patcherr.KindOf(err))}
}

// statusFor maps failures to HTTP statuses. Authoring errors in recipes are
// server faults; problems with the customer's image are 422.
func statusFor(err error) int {
	switch patcherr.KindOf(err) {
	case patcherr.KindNoCompatibleRecipe:
		return http.StatusNotFound
	case patcherr.KindBaseMismatch, patcherr.KindPatternNotFound, patcherr.KindSizeTooSmall,
		patcherr.KindSizeTooLarge, patcherr.KindOutOfRange:
		return http.StatusUnprocessableEntity
	case patcherr.KindInvalidRecipe, patcherr.KindShapeMismatch, patcherr.KindCorruptArtifact:
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, service.ErrUnknownUpload), store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), newErrorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".jws":
		return "application/jose+json"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
