package diff

import (
	"encoding/json"
	"fmt"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/pattern"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
)

// Range is a maximal run of differing bytes between two same-length images.
type Range struct {
	Offset   int
	Stock    []byte
	Modified []byte
}

type rangeJSON struct {
	Offset   int    `json:"offset"`
	StockHex string `json:"stockHex"`
	ModHex   string `json:"modHex"`
}

// MarshalJSON renders the bytes in the persisted hex form.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{
		Offset:   r.Offset,
		StockHex: pattern.FormatHex(r.Stock),
		ModHex:   pattern.FormatHex(r.Modified),
	})
}

// UnmarshalJSON parses the persisted hex form.
func (r *Range) UnmarshalJSON(data []byte) error {
	var raw rangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	stock, err := pattern.ParseHex(raw.StockHex)
	if err != nil {
		return fmt.Errorf("stockHex: %w", err)
	}
	mod, err := pattern.ParseHex(raw.ModHex)
	if err != nil {
		return fmt.Errorf("modHex: %w", err)
	}
	*r = Range{Offset: raw.Offset, Stock: stock.Bytes, Modified: mod.Bytes}
	return nil
}

// Len returns the number of bytes in the range.
func (r Range) Len() int {
	return len(r.Stock)
}

// SynthesizeAligned returns the maximal contiguous differing byte ranges of
// two same-length images in ascending offset order.
func SynthesizeAligned(stock, mod []byte) ([]Range, error) {
	if len(stock) != len(mod) {
		return nil, patcherr.New(patcherr.KindShapeMismatch, "aligned diff",
			"stock has %d bytes, modified has %d", len(stock), len(mod))
	}
	var out []Range
	start := -1
	for i := 0; i <= len(stock); i++ {
		differs := i < len(stock) && stock[i] != mod[i]
		switch {
		case differs && start < 0:
			start = i
		case !differs && start >= 0:
			out = append(out, Range{
				Offset:   start,
				Stock:    append([]byte(nil), stock[start:i]...),
				Modified: append([]byte(nil), mod[start:i]...),
			})
			start = -1
		}
	}
	return out, nil
}

// ChangedBytes sums the lengths of ranges.
func ChangedBytes(ranges []Range) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// Bootstrap drafts a recipe whose pattern-replace ops turn stock into mod.
// Each differing range is widened by context stock bytes on both sides so the
// find pattern is more likely to be unique; windows that touch are merged.
// Every op expects exactly one hit.
func Bootstrap(id string, stock, mod []byte, context int) (*recipe.Recipe, error) {
	ranges, err := SynthesizeAligned(stock, mod)
	if err != nil {
		return nil, err
	}
	if context < 0 {
		context = 0
	}
	type window struct{ lo, hi int }
	var windows []window
	for _, r := range ranges {
		lo := r.Offset - context
		if lo < 0 {
			lo = 0
		}
		hi := r.Offset + r.Len() + context
		if hi > len(stock) {
			hi = len(stock)
		}
		if n := len(windows); n > 0 && lo <= windows[n-1].hi {
			if hi > windows[n-1].hi {
				windows[n-1].hi = hi
			}
			continue
		}
		windows = append(windows, window{lo, hi})
	}
	rec := &recipe.Recipe{
		ID:    id,
		Label: id,
		Meta: recipe.Meta{
			Name:  id,
			Notes: fmt.Sprintf("bootstrapped from %d differing range(s), %d byte(s) of context", len(ranges), context),
		},
		Guards: recipe.Guards{MinSize: len(stock), MaxSize: len(stock)},
	}
	for _, w := range windows {
		rec.Ops = append(rec.Ops, recipe.Op{
			FindHex:    pattern.FormatHex(stock[w.lo:w.hi]),
			ReplaceHex: pattern.FormatHex(mod[w.lo:w.hi]),
			Expect:     1,
			Max:        1,
		})
	}
	return rec, nil
}
