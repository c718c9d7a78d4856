package recipe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/checksum"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/numeric"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/pattern"
)

// OpKind identifies the variant of a compiled op.
type OpKind int

const (
	OpPattern OpKind = iota + 1
	OpValue
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpPattern:
		return "pattern"
	case OpValue:
		return "value"
	case OpWrite:
		return "write"
	}
	return "unknown"
}

// CompiledOp is an op with its hex, numbers and offsets already parsed.
type CompiledOp struct {
	Index int
	Kind  OpKind

	Find    pattern.Pattern
	Replace pattern.Pattern

	Query       numeric.Query
	Replacement []byte

	At int

	Expect int
	Max    int
}

// Label is a short description used in logs and errors.
func (op CompiledOp) Label() string {
	switch op.Kind {
	case OpPattern:
		return fmt.Sprintf("op[%d] find %s", op.Index, op.Find)
	case OpValue:
		return fmt.Sprintf("op[%d] %s", op.Index, op.Query.Describe())
	case OpWrite:
		return fmt.Sprintf("op[%d] write %d bytes at 0x%X", op.Index, len(op.Replacement), op.At)
	}
	return fmt.Sprintf("op[%d]", op.Index)
}

// Compiled is a recipe ready for execution.
type Compiled struct {
	Recipe    *Recipe
	Ops       []CompiledOp
	Guards    Guards
	Checksum  *checksum.Spec
	selectors compiledSelectors
}

// Compile validates r and prepares its ops. Shape and value errors surface
// here, before any image is touched.
func Compile(r *Recipe) (*Compiled, error) {
	if r == nil {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "compile", "nil recipe")
	}
	c := &Compiled{Recipe: r, Guards: r.EffectiveGuards()}
	if c.Guards.MinSize < 0 || c.Guards.MaxSize < 0 {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "guards", "sizes must not be negative")
	}
	if c.Guards.MaxSize > 0 && c.Guards.MinSize > c.Guards.MaxSize {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "guards",
			"min_size %d exceeds max_size %d", c.Guards.MinSize, c.Guards.MaxSize)
	}
	for i, op := range r.Ops {
		cop, err := compileOp(i, op)
		if err != nil {
			return nil, err
		}
		c.Ops = append(c.Ops, cop)
	}
	if r.Checksum != nil {
		spec, err := compileChecksum(r.Checksum)
		if err != nil {
			return nil, err
		}
		c.Checksum = spec
	}
	sel, err := compileSelectors(r.Selectors)
	if err != nil {
		return nil, err
	}
	c.selectors = sel
	return c, nil
}

func compileOp(i int, op Op) (CompiledOp, error) {
	where := fmt.Sprintf("op[%d]", i)
	variants := 0
	if op.FindHex != "" || op.ReplaceHex != "" {
		variants++
	}
	if op.Value != nil {
		variants++
	}
	if op.Write != nil {
		variants++
	}
	if variants != 1 {
		return CompiledOp{}, patcherr.New(patcherr.KindInvalidRecipe, where,
			"exactly one of find_hex, value_find or write is required, got %d", variants)
	}
	switch {
	case op.Value != nil:
		return compileValue(i, where, *op.Value)
	case op.Write != nil:
		return compileWrite(i, where, *op.Write)
	}
	if err := checkCounts(where, op.Expect, op.Max); err != nil {
		return CompiledOp{}, err
	}
	find, err := pattern.ParseHex(op.FindHex)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where+" find_hex", err)
	}
	if find.Len() == 0 {
		return CompiledOp{}, patcherr.New(patcherr.KindInvalidRecipe, where, "find_hex is empty")
	}
	repl, err := pattern.ParseHex(op.ReplaceHex)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where+" replace_hex", err)
	}
	if repl.Len() != find.Len() {
		return CompiledOp{}, patcherr.New(patcherr.KindShapeMismatch, where,
			"replace_hex has %d bytes, find_hex has %d", repl.Len(), find.Len())
	}
	return CompiledOp{Index: i, Kind: OpPattern, Find: find, Replace: repl, Expect: op.Expect, Max: op.Max}, nil
}

func compileValue(i int, where string, v ValueOp) (CompiledOp, error) {
	if err := checkCounts(where, v.Expect, v.Max); err != nil {
		return CompiledOp{}, err
	}
	kind, err := numeric.ParseKind(v.Kind)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where, err)
	}
	endian, err := numeric.ParseEndian(v.Endian)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where, err)
	}
	q := numeric.Query{Kind: kind, Endian: endian, Target: v.Value, Tolerance: v.Tol, Scale: v.Scale, Align: v.Align}
	if err := q.Validate(); err != nil {
		return CompiledOp{}, err
	}
	scale := v.ReplaceScale
	if scale == 0 {
		scale = 1
	}
	packed, err := numeric.Pack(kind, endian, v.ReplaceValue*scale)
	if err != nil {
		return CompiledOp{}, err
	}
	return CompiledOp{Index: i, Kind: OpValue, Query: q, Replacement: packed, Expect: v.Expect, Max: v.Max}, nil
}

func compileWrite(i int, where string, w WriteOp) (CompiledOp, error) {
	at, err := ParseOffset(w.At)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where+" at", err)
	}
	p, err := pattern.ParseHex(w.Hex)
	if err != nil {
		return CompiledOp{}, patcherr.Wrap(patcherr.KindInvalidRecipe, where+" hex", err)
	}
	if p.Len() == 0 {
		return CompiledOp{}, patcherr.New(patcherr.KindInvalidRecipe, where, "write hex is empty")
	}
	if p.Wildcards() > 0 {
		return CompiledOp{}, patcherr.New(patcherr.KindInvalidRecipe, where, "write hex must not contain wildcards")
	}
	return CompiledOp{Index: i, Kind: OpWrite, At: at, Replacement: p.Bytes}, nil
}

func checkCounts(where string, expect, max int) error {
	if expect < 0 || max < 0 {
		return patcherr.New(patcherr.KindInvalidRecipe, where, "expect and max must not be negative")
	}
	if max > 0 && expect > max {
		return patcherr.New(patcherr.KindInvalidRecipe, where, "expect %d exceeds max %d", expect, max)
	}
	return nil
}

func compileChecksum(c *Checksum) (*checksum.Spec, error) {
	t, err := checksum.ParseType(c.Type)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.KindInvalidRecipe, "checksum", err)
	}
	spec := &checksum.Spec{Type: t, Offset: c.Offset, Start: c.Start, End: c.End}
	if c.Endian != "" {
		e, err := numeric.ParseEndian(c.Endian)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.KindInvalidRecipe, "checksum", err)
		}
		spec.Endian = string(e)
	}
	if c.Offset < 0 || c.Start < 0 || c.End < 0 {
		return nil, patcherr.New(patcherr.KindInvalidRecipe, "checksum", "offsets must not be negative")
	}
	return spec, nil
}

// ParseOffset parses a decimal or 0x-prefixed hexadecimal offset.
func ParseOffset(s string) (int, error) {
	s = strings.TrimSpace(s)
	var (
		v   int64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative offset %q", s)
	}
	return int(v), nil
}

type compiledSelectors struct {
	sizeLo, sizeHi int
	hasSize        bool
	ascii          []string
	regexes        []*regexp.Regexp
	cvns           []string
}

func compileSelectors(s Selectors) (compiledSelectors, error) {
	var c compiledSelectors
	if len(s.SizeBetween) > 0 {
		if len(s.SizeBetween) != 2 || s.SizeBetween[0] > s.SizeBetween[1] {
			return c, patcherr.New(patcherr.KindInvalidRecipe, "selectors", "size_between needs [lo, hi] with lo <= hi")
		}
		c.hasSize = true
		c.sizeLo, c.sizeHi = s.SizeBetween[0], s.SizeBetween[1]
	}
	c.ascii = s.ASCIIContains
	for _, expr := range s.RegexAny {
		re, err := regexp.Compile("(?s)" + expr)
		if err != nil {
			return c, patcherr.Wrap(patcherr.KindInvalidRecipe, "selectors regex_any", err)
		}
		c.regexes = append(c.regexes, re)
	}
	for _, cvn := range s.CVNIn {
		c.cvns = append(c.cvns, strings.ToUpper(strings.TrimSpace(cvn)))
	}
	return c, nil
}
