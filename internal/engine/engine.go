// Package engine applies recipes and diff artifacts to a private copy of a
// firmware image. An apply either returns the complete result or fails and
// returns no bytes.
package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/checksum"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/diff"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/numeric"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/pattern"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
)

// Options configures an Engine.
type Options struct {
	Logger    *logrus.Entry
	Observers []Observer
}

// Engine runs applies. It holds no per-apply state and may be shared.
type Engine struct {
	log       *logrus.Entry
	observers []Observer
}

// New returns an Engine. A nil logger discards output.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Engine{log: log.WithField("component", "engine"), observers: opts.Observers}
}

// OpHits records where one op matched.
type OpHits struct {
	Op      int    `json:"op"`
	Kind    string `json:"kind"`
	Offsets []int  `json:"offsets"`
}

// Result describes a finished apply, successful or not.
type Result struct {
	Source       string        `json:"source"`
	OpsApplied   int           `json:"opsApplied"`
	Hits         []OpHits      `json:"hits,omitempty"`
	Success      bool          `json:"success"`
	FailureKind  patcherr.Kind `json:"failureKind,omitempty"`
	State        State         `json:"state"`
	InputSHA256  string        `json:"inputSha256"`
	OutputSHA256 string        `json:"outputSha256,omitempty"`
	Checksum     string        `json:"checksum,omitempty"`
}

// Meta is the record handed to callers outside the engine.
type Meta struct {
	OpsApplied  int    `json:"opsApplied"`
	Success     bool   `json:"success"`
	FailureKind string `json:"failureKind,omitempty"`
}

func (r Result) Meta() Meta {
	return Meta{OpsApplied: r.OpsApplied, Success: r.Success, FailureKind: string(r.FailureKind)}
}

// run tracks one apply call.
type run struct {
	e      *Engine
	log    *logrus.Entry
	res    Result
	source string
}

func (e *Engine) begin(source string, image []byte) *run {
	r := &run{
		e:      e,
		source: source,
		log:    e.log.WithField("source", source),
		res:    Result{Source: source, InputSHA256: firmware.SHA256Hex(image)},
	}
	r.transition(StateStart)
	return r
}

func (r *run) transition(s State) {
	r.res.State = s
	r.log.WithField("state", s).Debug("apply state")
	for _, o := range r.e.observers {
		o.OnState(r.source, s)
	}
}

func (r *run) edit(op int, kind string, buf []byte, off int, after []byte) {
	ev := Edit{Source: r.source, Op: op, Kind: kind, Offset: off}
	if len(r.e.observers) > 0 {
		ev.Before = append([]byte(nil), buf[off:off+len(after)]...)
		ev.After = append([]byte(nil), after...)
	}
	copy(buf[off:], after)
	r.notify(ev)
}

func (r *run) notify(ev Edit) {
	for _, o := range r.e.observers {
		o.OnEdit(ev)
	}
}

func (r *run) fail(err error) (Result, error) {
	r.res.Success = false
	r.res.FailureKind = patcherr.KindOf(err)
	r.res.OutputSHA256 = ""
	r.transition(StateFailed)
	r.log.WithError(err).WithField("kind", r.res.FailureKind).Info("apply failed")
	return r.res, err
}

func (r *run) done(out []byte) Result {
	r.res.Success = true
	r.res.OutputSHA256 = firmware.SHA256Hex(out)
	r.transition(StateDone)
	r.log.WithFields(logrus.Fields{"ops": r.res.OpsApplied, "output": r.res.OutputSHA256}).Info("apply done")
	return r.res
}

// ApplyRecipe compiles rec and applies it. See ApplyCompiled.
func (e *Engine) ApplyRecipe(image []byte, rec *recipe.Recipe) ([]byte, Result, error) {
	c, err := recipe.Compile(rec)
	if err != nil {
		id := ""
		if rec != nil {
			id = rec.ID
		}
		res, err := e.begin(id, image).fail(err)
		return nil, res, err
	}
	return e.ApplyCompiled(image, c)
}

// ApplyCompiled runs guards, ops and the checksum step on a copy of image.
// image is never modified. On failure the returned bytes are nil.
func (e *Engine) ApplyCompiled(image []byte, c *recipe.Compiled) ([]byte, Result, error) {
	if c == nil || c.Recipe == nil {
		res, err := e.begin("", image).fail(patcherr.New(patcherr.KindInvalidRecipe, "apply", "nil recipe"))
		return nil, res, err
	}
	r := e.begin(c.Recipe.ID, image)

	g := c.Guards
	if g.MinSize > 0 && len(image) < g.MinSize {
		res, err := r.fail(patcherr.New(patcherr.KindSizeTooSmall, "guard",
			"image has %d bytes, recipe requires at least %d", len(image), g.MinSize))
		return nil, res, err
	}
	if g.MaxSize > 0 && len(image) > g.MaxSize {
		res, err := r.fail(patcherr.New(patcherr.KindSizeTooLarge, "guard",
			"image has %d bytes, recipe allows at most %d", len(image), g.MaxSize))
		return nil, res, err
	}
	r.transition(StateGuardChecked)

	buf := make([]byte, len(image))
	copy(buf, image)

	for _, op := range c.Ops {
		hits, err := r.applyOp(buf, op)
		if err != nil {
			res, err := r.fail(err)
			return nil, res, err
		}
		r.res.Hits = append(r.res.Hits, OpHits{Op: op.Index, Kind: op.Kind.String(), Offsets: hits})
		r.res.OpsApplied++
		r.transition(StateOpApplied)
	}

	if c.Checksum != nil {
		if err := r.applyChecksum(buf, *c.Checksum, len(c.Ops)); err != nil {
			res, err := r.fail(err)
			return nil, res, err
		}
		r.transition(StatePostProcessed)
	}
	return buf, r.done(buf), nil
}

func (r *run) applyOp(buf []byte, op recipe.CompiledOp) ([]int, error) {
	where := op.Label()
	switch op.Kind {
	case recipe.OpPattern:
		hits := pattern.FindAll(buf, op.Find, op.Max)
		if len(hits) < op.Expect {
			return nil, patcherr.New(patcherr.KindPatternNotFound, where,
				"found %d match(es), expected at least %d", len(hits), op.Expect)
		}
		for _, off := range hits {
			after := append([]byte(nil), buf[off:off+op.Find.Len()]...)
			if err := pattern.ReplaceAt(after, 0, op.Find.Len(), op.Replace); err != nil {
				return nil, err
			}
			r.edit(op.Index, op.Kind.String(), buf, off, after)
		}
		return hits, nil
	case recipe.OpValue:
		hits, err := numeric.FindAll(buf, op.Query, op.Max)
		if err != nil {
			return nil, err
		}
		if len(hits) < op.Expect {
			return nil, patcherr.New(patcherr.KindPatternNotFound, where,
				"found %d value(s), expected at least %d", len(hits), op.Expect)
		}
		for _, off := range hits {
			r.edit(op.Index, op.Kind.String(), buf, off, op.Replacement)
		}
		return hits, nil
	case recipe.OpWrite:
		if op.At < 0 || op.At > len(buf) || len(op.Replacement) > len(buf)-op.At {
			return nil, patcherr.New(patcherr.KindOutOfRange, where,
				"write of %d bytes at %d exceeds image size %d", len(op.Replacement), op.At, len(buf))
		}
		r.edit(op.Index, op.Kind.String(), buf, op.At, op.Replacement)
		return []int{op.At}, nil
	}
	return nil, patcherr.New(patcherr.KindInvalidRecipe, where, "unknown op kind %d", op.Kind)
}

func (r *run) applyChecksum(buf []byte, spec checksum.Spec, index int) error {
	before, after, err := checksum.Apply(buf, spec)
	if err != nil {
		return err
	}
	r.notify(Edit{Source: r.source, Op: index, Kind: "checksum", Offset: spec.Offset, Before: before, After: after})
	r.res.Checksum = pattern.FormatHex(after)
	return nil
}

// ApplyArtifact reconstructs the modified image from a diff artifact. When
// input and output have the same length every differing range is reported
// as an edit.
func (e *Engine) ApplyArtifact(image []byte, a *diff.Artifact) ([]byte, Result, error) {
	source := ""
	if a != nil {
		source = a.BaseSHA256
	}
	r := e.begin(source, image)
	if err := a.CheckBase(image); err != nil {
		res, err := r.fail(err)
		return nil, res, err
	}
	r.transition(StateGuardChecked)

	out, err := diff.Apply(image, a)
	if err != nil {
		res, err := r.fail(err)
		return nil, res, err
	}
	if len(out) == len(image) && len(r.e.observers) > 0 {
		ranges, err := diff.SynthesizeAligned(image, out)
		if err == nil {
			for _, rg := range ranges {
				r.notify(Edit{Source: r.source, Kind: "artifact", Offset: rg.Offset, Before: rg.Stock, After: rg.Modified})
			}
		}
	}
	r.res.Hits = []OpHits{{Op: 0, Kind: "artifact"}}
	r.res.OpsApplied = 1
	r.transition(StateOpApplied)
	return out, r.done(out), nil
}
