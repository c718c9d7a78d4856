package numeric

import (
	"fmt"
	"math"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

// Query describes a typed value search. Scale 0 is treated as 1 and Align 0
// disables the alignment constraint, so every byte offset is tested.
type Query struct {
	Kind      Kind
	Endian    Endian
	Target    float64
	Tolerance float64
	Scale     float64
	Align     int
}

// EffectiveTarget is Target multiplied by Scale.
func (q Query) EffectiveTarget() float64 {
	if q.Scale == 0 {
		return q.Target
	}
	return q.Target * q.Scale
}

// Validate rejects queries that cannot be evaluated.
func (q Query) Validate() error {
	if q.Kind.Size() == 0 {
		return patcherr.New(patcherr.KindInvalidRecipe, "value", "unsupported numeric kind %q", q.Kind)
	}
	if q.Endian != "" && q.Endian != Little && q.Endian != Big {
		return patcherr.New(patcherr.KindInvalidRecipe, "value", "unsupported endianness %q", q.Endian)
	}
	for name, v := range map[string]float64{"value": q.Target, "tol": q.Tolerance, "scale": q.Scale} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return patcherr.New(patcherr.KindInvalidRecipe, "value", "%s must be finite", name)
		}
	}
	if q.Tolerance < 0 {
		return patcherr.New(patcherr.KindInvalidRecipe, "value", "tol must not be negative")
	}
	if q.Align < 0 {
		return patcherr.New(patcherr.KindInvalidRecipe, "value", "align must not be negative")
	}
	return nil
}

// matcher holds the precomputed acceptance window for one query.
type matcher struct {
	q     Query
	empty bool
	loU   uint64
	hiU   uint64
	loS   int64
	hiS   int64
	eff   float64
	tol   float64
}

func newMatcher(q Query) matcher {
	m := matcher{q: q}
	eff := q.EffectiveTarget()
	if q.Kind.IsFloat() {
		m.eff = eff
		m.tol = q.Tolerance
		return m
	}
	center := math.Round(eff)
	tol := math.Floor(q.Tolerance)
	lo, hi := center-tol, center+tol
	minS, maxS, maxU := q.Kind.intRange()
	if q.Kind.IsSigned() {
		if hi < float64(minS) || lo > float64(maxS) {
			m.empty = true
			return m
		}
		m.loS, m.hiS = minS, maxS
		if lo > float64(minS) {
			m.loS = int64(lo)
		}
		if hi < float64(maxS) {
			m.hiS = int64(hi)
		}
		return m
	}
	if hi < 0 || lo > float64(maxU) {
		m.empty = true
		return m
	}
	m.loU, m.hiU = 0, maxU
	if lo > 0 {
		m.loU = uint64(lo)
	}
	if hi < float64(maxU) {
		m.hiU = uint64(hi)
	}
	return m
}

func (m matcher) matchAt(buf []byte, off int) bool {
	order := m.q.Endian.order()
	switch {
	case m.q.Kind.IsFloat():
		v := decodeFloat(buf, off, m.q.Kind, order)
		if math.IsNaN(v) {
			return false
		}
		return math.Abs(v-m.eff) <= m.tol
	case m.q.Kind.IsSigned():
		v := decodeSigned(buf, off, m.q.Kind, order)
		return v >= m.loS && v <= m.hiS
	default:
		v := decodeUnsigned(buf, off, m.q.Kind, order)
		return v >= m.loU && v <= m.hiU
	}
}

// FindAll returns every offset whose decoded value lies within tolerance of
// the effective target, in ascending order. Offsets are tested independently,
// so hits may overlap. limit <= 0 means no cap.
func FindAll(buf []byte, q Query, limit int) ([]int, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m := newMatcher(q)
	if m.empty {
		return nil, nil
	}
	width := q.Kind.Size()
	step := 1
	if q.Align > 1 {
		step = q.Align
	}
	var hits []int
	for off := 0; off+width <= len(buf); off += step {
		if !m.matchAt(buf, off) {
			continue
		}
		hits = append(hits, off)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Pack encodes value as kind k in byte order e. Integer values are rounded to
// the nearest integer and must fit the kind.
func Pack(k Kind, e Endian, value float64) ([]byte, error) {
	n := k.Size()
	if n == 0 {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "pack", "unsupported numeric kind %q", k)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "pack", "replacement value must be finite")
	}
	order := e.order()
	out := make([]byte, n)
	if k.IsFloat() {
		if k == F32 {
			if math.Abs(value) > math.MaxFloat32 {
				return nil, patcherr.New(patcherr.KindInvalidRecipe, "pack", "%g overflows f32", value)
			}
			order.PutUint32(out, math.Float32bits(float32(value)))
			return out, nil
		}
		order.PutUint64(out, math.Float64bits(value))
		return out, nil
	}
	r := math.Round(value)
	minS, maxS, maxU := k.intRange()
	var raw uint64
	if k.IsSigned() {
		if r < float64(minS) || r >= float64(maxS)+1 {
			return nil, patcherr.New(patcherr.KindInvalidRecipe, "pack", "%g does not fit %s", value, k)
		}
		raw = uint64(int64(r))
	} else {
		if r < 0 || r >= float64(maxU)+1 {
			return nil, patcherr.New(patcherr.KindInvalidRecipe, "pack", "%g does not fit %s", value, k)
		}
		raw = uint64(r)
	}
	switch n {
	case 1:
		out[0] = byte(raw)
	case 2:
		order.PutUint16(out, uint16(raw))
	case 4:
		order.PutUint32(out, uint32(raw))
	default:
		order.PutUint64(out, raw)
	}
	return out, nil
}

// Describe renders a query for logs.
func (q Query) Describe() string {
	s := fmt.Sprintf("%s/%s %g±%g", q.Kind, q.endian(), q.EffectiveTarget(), q.Tolerance)
	if q.Align > 1 {
		s += fmt.Sprintf(" align %d", q.Align)
	}
	return s
}

func (q Query) endian() Endian {
	if q.Endian == "" {
		return Little
	}
	return q.Endian
}
