package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()
	ecuType := r.FormValue("ecuType")
	var uploads []service.Upload
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			up, err := s.saveUploadedFile(r, fh, ecuType)
			if err != nil {
				http.Error(w, fmt.Sprintf("save upload %s: %v", fh.Filename, err), http.StatusBadRequest)
				return
			}
			uploads = append(uploads, up)
		}
	}
	if len(uploads) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	resp := struct {
		Files []service.Upload `json:"files"`
	}{Files: uploads}
	writeJSON(w, http.StatusOK, resp)
}

// parseMultipart reads a size-capped multipart form. On false the error
// response has been written. Callers must RemoveAll the form's spilled files.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.formMemory); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return false
	}
	if r.MultipartForm == nil {
		http.Error(w, "no files provided", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) saveUploadedFile(r *http.Request, fh *multipart.FileHeader, ecuType string) (service.Upload, error) {
	if fh == nil {
		return service.Upload{}, fmt.Errorf("nil file header")
	}
	data, err := readPart(fh)
	if err != nil {
		return service.Upload{}, err
	}
	return s.svc.Upload(r.Context(), fh.Filename, ecuType, data)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}
