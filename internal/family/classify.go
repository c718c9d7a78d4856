package family

import (
	"path/filepath"
	"sort"
	"strings"
)

// Source records which hint produced a detection.
type Source string

const (
	SourceNone     Source = ""
	SourceECUType  Source = "ecu_type"
	SourceDetector Source = "detector"
	SourceFilename Source = "filename"
)

// Detector ties a part number or software id found in the image text to a
// family. Either PN or SW may be empty.
type Detector struct {
	Family string `json:"family,omitempty"`
	PN     string `json:"pn,omitempty"`
	SW     string `json:"sw,omitempty"`
}

// Hints are the inputs Classify considers.
type Hints struct {
	// ECUType is a label supplied by the customer or an upstream reader.
	ECUType string
	// Filename is the uploaded file name.
	Filename string
	// Text is the printable view of the image (see firmware.Text).
	Text string
	// Families restricts results to these catalog families when non-empty.
	Families []string
	// Detectors are checked against Text in order.
	Detectors []Detector
}

// Detection is the classification result.
type Detection struct {
	Family string `json:"family"`
	Source Source `json:"source"`
}

// filename keywords in priority order; longer keys first so MEVD wins over
// MED.
var filenameKeys = []string{"MEVD17", "MEDC17", "MED17", "EDC17", "EDC16", "EDC15", "SIMOS", "MEVD", "MG1", "MD1", "ME7", "ME9", "DCM", "SID", "EDC", "MED"}

// Classify determines the family of a firmware from hints. The priority is
// fixed: explicit ECU type, then detectors matched in the image text, then
// filename keywords. The first rule that yields a family wins.
func Classify(h Hints) Detection {
	if fam := classifyECUType(h); fam != "" {
		return Detection{Family: fam, Source: SourceECUType}
	}
	if fam := classifyDetectors(h); fam != "" {
		return Detection{Family: fam, Source: SourceDetector}
	}
	if fam := classifyFilename(h); fam != "" {
		return Detection{Family: fam, Source: SourceFilename}
	}
	return Detection{}
}

func classifyECUType(h Hints) string {
	t := clean(h.ECUType)
	if t == "" {
		return ""
	}
	if len(h.Families) > 0 {
		if fam, _ := BestMatch(t, sortedByLength(h.Families)); fam != "" {
			return fam
		}
		return ""
	}
	return Normalize(t)
}

func classifyDetectors(h Hints) string {
	if h.Text == "" {
		return ""
	}
	for _, d := range h.Detectors {
		if d.Family == "" {
			continue
		}
		if (d.PN != "" && strings.Contains(h.Text, d.PN)) || (d.SW != "" && strings.Contains(h.Text, d.SW)) {
			return d.Family
		}
	}
	return ""
}

func classifyFilename(h Hints) string {
	name := clean(filepath.Base(h.Filename))
	if name == "" || name == "." {
		return ""
	}
	if len(h.Families) > 0 {
		for _, fam := range sortedByLength(h.Families) {
			if strings.Contains(name, clean(fam)) {
				return fam
			}
		}
	}
	for _, key := range filenameKeys {
		if !strings.Contains(name, key) {
			continue
		}
		canon := key
		if key == "MEVD" {
			canon = "MEVD17"
		}
		if len(h.Families) == 0 {
			if fam, ok := Canonical(canon); ok {
				return fam
			}
			return canon
		}
		for _, fam := range h.Families {
			if strings.Contains(clean(fam), key) {
				return fam
			}
		}
	}
	return ""
}

// sortedByLength returns a copy of list with longer entries first, so the
// most specific catalog family wins.
func sortedByLength(list []string) []string {
	out := append([]string(nil), list...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
