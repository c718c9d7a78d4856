package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/family"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
)

// Request selects what to apply to an uploaded image.
type Request struct {
	// Upload is the SHA-256 returned by Upload.
	Upload string `json:"upload"`
	// Family skips classification when set.
	Family   string `json:"family,omitempty"`
	ECUType  string `json:"ecuType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Engine   string `json:"engine,omitempty"`
	PatchID  string `json:"patchId,omitempty"`
	// EntryID pins one catalog entry among the candidates.
	EntryID string `json:"entryId,omitempty"`
	// Fallback tries the next candidate when one fails.
	Fallback bool   `json:"fallback,omitempty"`
	Lang     string `json:"lang,omitempty"`
}

// Offers is the resolution result for a request.
type Offers struct {
	Family     family.Detection    `json:"family"`
	Candidates []catalog.Candidate `json:"candidates"`
}

// Attempt records one candidate tried by Apply.
type Attempt struct {
	Source      string `json:"source"`
	Kind        string `json:"kind"`
	FailureKind string `json:"failureKind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Job is the outcome of Apply.
type Job struct {
	ID         string         `json:"jobId"`
	Result     engine.Result  `json:"result"`
	Receipt    report.Receipt `json:"receipt"`
	OutputKey  string         `json:"outputKey,omitempty"`
	ReceiptKey string         `json:"receiptKey"`
	PDFKey     string         `json:"pdfKey,omitempty"`
	Attempts   []Attempt      `json:"attempts"`
}

// Offers resolves the candidates for req against the current snapshot.
func (s *Service) Offers(ctx context.Context, req Request) (Offers, *firmware.Image, *catalog.Snapshot, error) {
	img, err := s.Image(req.Upload)
	if err != nil {
		return Offers{}, nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return Offers{}, nil, nil, err
	}
	snap := s.Snapshot()
	det := family.Detection{Family: req.Family, Source: family.SourceECUType}
	if det.Family == "" {
		det = snap.Detect(img, req.Filename, req.ECUType)
	}
	if det.Family == "" {
		return Offers{Family: det}, img, snap, patcherr.New(patcherr.KindNoCompatibleRecipe, "classify", "image family could not be determined")
	}
	cands, err := snap.Resolve(catalog.Request{Family: det.Family, Engine: req.Engine, PatchID: req.PatchID, Image: img})
	if err != nil {
		return Offers{Family: det}, img, snap, err
	}
	if req.EntryID != "" {
		var picked []catalog.Candidate
		for _, c := range cands {
			if c.Entry.ID == req.EntryID {
				picked = append(picked, c)
			}
		}
		if len(picked) == 0 {
			return Offers{Family: det}, img, snap, patcherr.New(patcherr.KindNoCompatibleRecipe, "resolve", "entry %q is not offered for this image", req.EntryID)
		}
		cands = picked
	}
	return Offers{Family: det, Candidates: cands}, img, snap, nil
}

// Apply resolves req and applies the first candidate, or each candidate in
// turn when Fallback is set. The returned Job is non-nil whenever an apply
// was attempted, including failed ones; its receipt is stored either way.
func (s *Service) Apply(ctx context.Context, req Request) (*Job, error) {
	offers, img, _, err := s.Offers(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	job := &Job{ID: uuid.NewString()}
	log := s.log.WithFields(logrus.Fields{"job": job.ID, "input": img.SHA256(), "family": offers.Family.Family})
	started := time.Now()

	var (
		out    []byte
		res    engine.Result
		chosen catalog.Candidate
		audit  *auditObserver
	)
	for i, cand := range offers.Candidates {
		if i > 0 && !req.Fallback {
			break
		}
		chosen = cand
		out, res, audit, err = s.applyCandidate(ctx, job.ID, img, cand)
		at := Attempt{Source: cand.Entry.ID, Kind: string(cand.Entry.Kind)}
		if err != nil {
			at.FailureKind = string(patcherr.KindOf(err))
			at.Error = err.Error()
		}
		job.Attempts = append(job.Attempts, at)
		if err == nil {
			break
		}
		log.WithError(err).WithField("source", cand.Entry.ID).Info("candidate failed")
		if ctx.Err() != nil {
			break
		}
	}
	job.Result = res
	elapsed := time.Since(started)

	if err == nil {
		job.OutputKey = path.Join(OutputsPrefix, job.ID+".bin")
		if serr := s.store.Save(job.OutputKey, out); serr != nil {
			return nil, fmt.Errorf("store output: %w", serr)
		}
		if aerr := audit.flush(s.audit); aerr != nil {
			log.WithError(aerr).Warn("audit log append failed")
		}
	}
	if s.metrics != nil {
		kind := string(res.FailureKind)
		if err != nil && kind == "" {
			kind = "Aborted"
		}
		s.metrics.RecordApply(res.OpsApplied, int64(img.Len()), kind)
	}

	job.Receipt = s.receipt(job, req, offers.Family, chosen, img, out, elapsed)
	if rerr := s.storeReceipt(job, req.Lang); rerr != nil {
		log.WithError(rerr).Warn("receipt not stored")
	}
	s.record(ctx, job, req, offers.Family.Family, chosen, elapsed)

	if err != nil {
		return job, err
	}
	log.WithFields(logrus.Fields{"source": chosen.Entry.ID, "ops": res.OpsApplied, "elapsed": elapsed}).Info("apply complete")
	return job, nil
}

type outcome struct {
	out []byte
	res engine.Result
	err error
}

// applyCandidate runs the engine in its own goroutine so the deadline can
// abandon it. The engine keeps running to completion; its result is dropped.
func (s *Service) applyCandidate(ctx context.Context, jobID string, img *firmware.Image, cand catalog.Candidate) ([]byte, engine.Result, *auditObserver, error) {
	audit := newAuditObserver(jobID, s.log)
	eng := engine.New(engine.Options{Logger: s.log.WithField("job", jobID), Observers: []engine.Observer{audit}})
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o = outcome{
					res: engine.Result{Source: cand.Entry.ID, State: engine.StateFailed, InputSHA256: img.SHA256()},
					err: fmt.Errorf("apply %s: engine panic: %v", cand.Entry.ID, p),
				}
			}
			ch <- o
		}()
		if cand.Entry.Kind == catalog.KindArtifact {
			o.out, o.res, o.err = eng.ApplyArtifact(img.Bytes(), cand.Entry.Artifact)
		} else {
			o.out, o.res, o.err = eng.ApplyCompiled(img.Bytes(), cand.Entry.Compiled)
		}
		o.res.Source = cand.Entry.ID
	}()
	select {
	case o := <-ch:
		return o.out, o.res, audit, o.err
	case <-ctx.Done():
		res := engine.Result{Source: cand.Entry.ID, State: engine.StateFailed, InputSHA256: img.SHA256()}
		return nil, res, nil, fmt.Errorf("apply %s: %w", cand.Entry.ID, ctx.Err())
	}
}

func (s *Service) receipt(job *Job, req Request, det family.Detection, cand catalog.Candidate, img *firmware.Image, out []byte, elapsed time.Duration) report.Receipt {
	r := report.Receipt{
		JobID:        job.ID,
		CreatedAt:    time.Now().UTC(),
		Filename:     req.Filename,
		Family:       det.Family,
		FamilySource: string(det.Source),
		Engine:       req.Engine,
		PatchID:      req.PatchID,
		Meta:         job.Result.Meta(),
		Hits:         job.Result.Hits,
		InputSHA256:  img.SHA256(),
		InputSize:    img.Len(),
		CVNIn:        img.CVN(),
		Checksum:     job.Result.Checksum,
		Duration:     elapsed,
		OutputKey:    job.OutputKey,
	}
	if cand.Entry != nil {
		r.Source = cand.Entry.ID
		r.SourceKind = string(cand.Entry.Kind)
		r.Label = cand.Entry.Label
	}
	if out != nil {
		o := firmware.New(out)
		r.OutputSHA256 = o.SHA256()
		r.OutputSize = o.Len()
		r.CVNOut = o.CVN()
	}
	return r
}

func (s *Service) storeReceipt(job *Job, langTag string) error {
	lang := s.lang
	if langTag != "" {
		if l, err := report.ParseLanguage(langTag); err == nil {
			lang = l
		}
	}
	job.ReceiptKey = path.Join(ReceiptsPrefix, job.ID+".json")
	data, err := report.EncodeJSON(job.Receipt)
	if err != nil {
		return err
	}
	if err := s.store.Save(job.ReceiptKey, data); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := report.WritePDF(job.Receipt, lang, &buf); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	job.PDFKey = path.Join(ReceiptsPrefix, job.ID+".pdf")
	return s.store.Save(job.PDFKey, buf.Bytes())
}

func (s *Service) record(ctx context.Context, job *Job, req Request, fam string, cand catalog.Candidate, elapsed time.Duration) {
	if s.ledger == nil || cand.Entry == nil {
		return
	}
	e := &ledger.Entry{
		JobID:        job.ID,
		Source:       cand.Entry.ID,
		SourceKind:   string(cand.Entry.Kind),
		Family:       fam,
		Engine:       req.Engine,
		PatchID:      req.PatchID,
		InputSHA256:  job.Receipt.InputSHA256,
		OutputSHA256: job.Receipt.OutputSHA256,
		OpsApplied:   job.Result.OpsApplied,
		Success:      job.Result.Success,
		FailureKind:  string(job.Result.FailureKind),
		Duration:     elapsed,
	}
	if ctx.Err() != nil {
		// the apply context is spent; the row must still be written
		ctx = context.Background()
	}
	if _, err := s.ledger.Record(ctx, e); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("ledger write failed")
	}
}

// Revert rebuilds the input of a finished job from its stored output and the
// audit log, and checks the result against the ledger.
func (s *Service) Revert(ctx context.Context, jobID string) ([]byte, error) {
	if s.audit == nil {
		return nil, errors.New("audit log disabled")
	}
	out, err := s.store.Load(path.Join(OutputsPrefix, jobID+".bin"))
	if err != nil {
		return nil, fmt.Errorf("load output: %w", err)
	}
	all, err := common.ReadPatchLog(s.audit.Path())
	if err != nil {
		return nil, err
	}
	entries := common.EntriesForJob(all, jobID)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no audit entries for job %s", jobID)
	}
	in, err := common.Revert(out, entries)
	if err != nil {
		return nil, err
	}
	if s.ledger != nil {
		e, err := s.ledger.Job(ctx, jobID)
		if err == nil && e.InputSHA256 != firmware.SHA256Hex(in) {
			return nil, fmt.Errorf("reverted image does not match recorded input %s", e.InputSHA256)
		}
	}
	return in, nil
}
