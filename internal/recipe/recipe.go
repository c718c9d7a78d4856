// Package recipe holds the declarative patch recipe: its persisted YAML/JSON
// form, schema lint, content selectors and the compiled op list the engine
// executes.
package recipe

// Recipe is an ordered list of edits plus the conditions under which it may
// run. The same keys are accepted from YAML and JSON documents.
type Recipe struct {
	ID            string    `yaml:"id" json:"id"`
	Label         string    `yaml:"label,omitempty" json:"label,omitempty"`
	Engines       []string  `yaml:"engines,omitempty" json:"engines,omitempty"`
	CompatibleECU []string  `yaml:"compatible_ecu,omitempty" json:"compatible_ecu,omitempty"`
	PatchIDs      []string  `yaml:"patch_ids,omitempty" json:"patch_ids,omitempty"`
	PatchID       string    `yaml:"patch_id,omitempty" json:"patch_id,omitempty"`
	Meta          Meta      `yaml:"meta,omitempty" json:"meta,omitempty"`
	Selectors     Selectors `yaml:"selectors,omitempty" json:"selectors,omitempty"`
	Guards        Guards    `yaml:"guards,omitempty" json:"guards,omitempty"`
	MinSize       int       `yaml:"min_size,omitempty" json:"min_size,omitempty"`
	MaxSize       int       `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	Ops           []Op      `yaml:"ops" json:"ops"`
	Checksum      *Checksum `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	// Source is the file the recipe was loaded from, if any.
	Source string `yaml:"-" json:"-"`
}

type Meta struct {
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Author  string `yaml:"author,omitempty" json:"author,omitempty"`
	Notes   string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Selectors restrict a recipe to images whose content matches. Every
// non-empty selector must hold.
type Selectors struct {
	SizeBetween   []int    `yaml:"size_between,omitempty" json:"size_between,omitempty"`
	ASCIIContains []string `yaml:"ascii_contains,omitempty" json:"ascii_contains,omitempty"`
	RegexAny      []string `yaml:"regex_any,omitempty" json:"regex_any,omitempty"`
	CVNIn         []string `yaml:"cvn_in,omitempty" json:"cvn_in,omitempty"`
}

// Guards bound the image size. Zero means unbounded.
type Guards struct {
	MinSize int `yaml:"min_size,omitempty" json:"min_size,omitempty"`
	MaxSize int `yaml:"max_size,omitempty" json:"max_size,omitempty"`
}

// Op is one edit. Exactly one of FindHex, Value or Write is set.
type Op struct {
	FindHex    string   `yaml:"find_hex,omitempty" json:"find_hex,omitempty"`
	ReplaceHex string   `yaml:"replace_hex,omitempty" json:"replace_hex,omitempty"`
	Expect     int      `yaml:"expect,omitempty" json:"expect,omitempty"`
	Max        int      `yaml:"max,omitempty" json:"max,omitempty"`
	Value      *ValueOp `yaml:"value_find,omitempty" json:"value_find,omitempty"`
	Write      *WriteOp `yaml:"write,omitempty" json:"write,omitempty"`
}

// ValueOp finds numbers near Value*Scale and overwrites every hit with
// ReplaceValue*ReplaceScale encoded in the same kind and byte order.
type ValueOp struct {
	Kind         string  `yaml:"kind" json:"kind"`
	Value        float64 `yaml:"value" json:"value"`
	Endian       string  `yaml:"endian,omitempty" json:"endian,omitempty"`
	Tol          float64 `yaml:"tol,omitempty" json:"tol,omitempty"`
	Scale        float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	Align        int     `yaml:"align,omitempty" json:"align,omitempty"`
	ReplaceValue float64 `yaml:"replace_value" json:"replace_value"`
	ReplaceScale float64 `yaml:"replace_scale,omitempty" json:"replace_scale,omitempty"`
	Expect       int     `yaml:"expect,omitempty" json:"expect,omitempty"`
	Max          int     `yaml:"max,omitempty" json:"max,omitempty"`
}

// WriteOp overwrites bytes at a fixed offset. At accepts decimal or 0x hex.
type WriteOp struct {
	At  string `yaml:"at" json:"at"`
	Hex string `yaml:"hex" json:"hex"`
}

// Checksum is the persisted form of a checksum.Spec.
type Checksum struct {
	Type   string `yaml:"type" json:"type"`
	Offset int    `yaml:"offset" json:"offset"`
	Endian string `yaml:"endian,omitempty" json:"endian,omitempty"`
	Start  int    `yaml:"start,omitempty" json:"start,omitempty"`
	End    int    `yaml:"end,omitempty" json:"end,omitempty"`
}

// Name returns the best human label for the recipe.
func (r *Recipe) Name() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Label != "":
		return r.Label
	case r.Meta.Name != "":
		return r.Meta.Name
	}
	return r.ID
}

// Targets lists the patch identifiers the recipe answers to. The recipe ID is
// always included.
func (r *Recipe) Targets() []string {
	if r == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, id := range r.PatchIDs {
		add(id)
	}
	add(r.PatchID)
	add(r.ID)
	return out
}

// Answers reports whether the recipe serves patchID. An empty patchID matches
// every recipe.
func (r *Recipe) Answers(patchID string) bool {
	if patchID == "" {
		return true
	}
	for _, t := range r.Targets() {
		if t == patchID {
			return true
		}
	}
	return false
}

// EffectiveGuards merges the top-level size aliases into Guards. Values set
// inside guards win.
func (r *Recipe) EffectiveGuards() Guards {
	g := r.Guards
	if g.MinSize == 0 {
		g.MinSize = r.MinSize
	}
	if g.MaxSize == 0 {
		g.MaxSize = r.MaxSize
	}
	return g
}
