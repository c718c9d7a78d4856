package server

import (
	"encoding/json"
	"net/http"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
)

const ndjsonContentType = "application/x-ndjson"

// writeLedgerNDJSON streams entries one JSON object per line, flushing after
// each so a slow reader sees rows as they are encoded. It returns how many
// rows reached the connection.
func (s *Server) writeLedgerNDJSON(w http.ResponseWriter, entries []ledger.Entry) int {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			s.log.WithError(err).WithField("written", i).Debug("ledger stream aborted")
			return i
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return len(entries)
}
