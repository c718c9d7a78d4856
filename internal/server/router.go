package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/fingerprint", s.handleFingerprint)
	mux.HandleFunc("/catalog", s.handleCatalog)
	mux.HandleFunc("/offers", s.handleOffers)
	mux.HandleFunc("/apply", s.handleApply)
	mux.HandleFunc("/diff", s.handleDiff)
	mux.HandleFunc("/diff/aligned", s.handleAlignedDiff)
	mux.HandleFunc("/artifacts/", s.handleArtifactDownload)
	mux.HandleFunc("/ledger", s.handleLedger)
	mux.HandleFunc("/manifest", s.handleManifest)
	if s.enableAdmin && s.repo != nil {
		mux.HandleFunc("/admin/packs", s.handleAdminPacks)
	}
	return s.logRequests(mux)
}
