// Package samples builds a deterministic synthetic EDC17 dump, its tuned
// counterpart and a one-family demo catalog.
package samples

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/checksum"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/recipe"
)

const (
	ImageSize = 64 << 10

	identOffset    = 0x0100
	limiterOffset  = 0x2000
	limiterMapAt   = 0x2010
	dtcTableOffset = 0x3000
	checksumOffset = ImageSize - 4

	// LimiterKPH is the stock speed limit stored in the limiter map.
	LimiterKPH = 250

	// File names written by WriteFiles.
	StockFileName = "edc17_stock.bin"
	TunedFileName = "edc17_tuned.bin"
	CatalogDir    = "catalog"
	Family        = "EDC17"
	RecipeID      = "speed_limiter_off"
)

// Ident is the part number string a detector keys on.
const Ident = "BOSCH EDC17 0281011234 SW1037512345"

var dtcCodes = []string{"P0101", "P0102", "P0234", "P0299", "P0401", "P0402", "P2002", "P2463"}

// RecipeYAML raises the limiter to 300 km/h and fixes the trailing CRC32.
var RecipeYAML = fmt.Sprintf(`id: %s
label: Speed limiter removal
engines: [diesel]
compatible_ecu: [EDC17]
patch_ids: [vmax_off]
meta: {name: Vmax off, version: "1.0", author: samples}
selectors: {ascii_contains: ["EDC17"]}
guards: {min_size: %d, max_size: %d}
ops:
  - find_hex: "AA ?? CC"
    replace_hex: "AA ?? 00"
    expect: 1
    max: 1
  - value_find: {kind: u16, value: %d, endian: le, align: 2, replace_value: 300, expect: 1}
checksum: {type: crc32, offset: %d, endian: be}
`, RecipeID, ImageSize, ImageSize, LimiterKPH, checksumOffset)

const familyMetaJSON = `{"label": "Bosch EDC17", "engine_default": "diesel"}
`

const detectorsJSON = `[{"pn": "0281011234"}]
`

// BuildStock returns the synthetic stock dump. Filler bytes stay below 0x40,
// so they hold no letters and none of the recipe anchors.
func BuildStock() ([]byte, error) {
	buf := make([]byte, ImageSize)
	state := uint32(0x1F2E3D4C)
	for i := range buf {
		state = state*1664525 + 1013904223
		buf[i] = byte(state>>24) & 0x3F
	}
	copy(buf[identOffset:], Ident)
	copy(buf[limiterOffset:], []byte{0xAA, 0x5C, 0xCC})
	binary.LittleEndian.PutUint16(buf[limiterMapAt:], LimiterKPH)
	off := dtcTableOffset
	for _, code := range dtcCodes {
		off += copy(buf[off:], code)
		buf[off] = 0
		off++
	}
	t, err := checksum.ParseType("crc32")
	if err != nil {
		return nil, err
	}
	if _, _, err := checksum.Apply(buf, checksum.Spec{Type: t, Offset: checksumOffset}); err != nil {
		return nil, fmt.Errorf("stock checksum: %w", err)
	}
	return buf, nil
}

// BuildTuned applies RecipeYAML to stock.
func BuildTuned(stock []byte) ([]byte, error) {
	r, err := recipe.Parse([]byte(RecipeYAML))
	if err != nil {
		return nil, err
	}
	out, _, err := engine.New(engine.Options{}).ApplyRecipe(stock, r)
	return out, err
}

// WriteFiles materializes the stock and tuned dumps and the demo catalog
// under dir.
func WriteFiles(dir string) error {
	stock, err := BuildStock()
	if err != nil {
		return err
	}
	tuned, err := BuildTuned(stock)
	if err != nil {
		return fmt.Errorf("build tuned: %w", err)
	}
	famDir := filepath.Join(dir, CatalogDir, Family)
	if err := os.MkdirAll(famDir, 0o755); err != nil {
		return err
	}
	files := map[string][]byte{
		filepath.Join(dir, StockFileName):       stock,
		filepath.Join(dir, TunedFileName):       tuned,
		filepath.Join(famDir, RecipeID+".yml"):  []byte(RecipeYAML),
		filepath.Join(famDir, "meta.json"):      []byte(familyMetaJSON),
		filepath.Join(famDir, "detectors.json"): []byte(detectorsJSON),
	}
	for path, data := range files {
		if err := writeFileIfChanged(path, data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileIfChanged(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
