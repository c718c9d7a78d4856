package service

import (
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
)

// auditObserver buffers the edits of one apply. The service writes them to
// the audit log only once the apply has been accepted.
type auditObserver struct {
	jobID   string
	log     *logrus.Entry
	entries []common.PatchEntry
}

func newAuditObserver(jobID string, log *logrus.Entry) *auditObserver {
	return &auditObserver{jobID: jobID, log: log.WithField("job", jobID)}
}

func (a *auditObserver) OnState(source string, s engine.State) {
	a.log.WithFields(logrus.Fields{"source": source, "state": s}).Debug("apply state")
	if s == engine.StateFailed {
		a.entries = nil
	}
}

func (a *auditObserver) OnEdit(e engine.Edit) {
	a.entries = append(a.entries, common.PatchEntry{
		JobID:     a.jobID,
		Source:    e.Source,
		Op:        e.Op,
		Kind:      e.Kind,
		Offset:    int64(e.Offset),
		BeforeHex: hex.EncodeToString(e.Before),
		AfterHex:  hex.EncodeToString(e.After),
		Ts:        time.Now().UTC(),
	})
}

func (a *auditObserver) flush(pl *common.PatchLog) error {
	if pl == nil || len(a.entries) == 0 {
		return nil
	}
	return pl.Append(a.entries...)
}
