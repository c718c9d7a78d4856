// Package family normalizes ECU family tags and decides whether a detected
// firmware family is compatible with the families a recipe declares.
package family

import (
	"strings"
)

// known families, longest prefix first so MEDC17 wins over MED17 and MEVD17
// over ME.
var knownFamilies = []string{
	"MEDC17", "MEVD17", "SIMOS",
	"MED17", "EDC17", "EDC16", "EDC15", "MED9",
	"ME17", "ME9", "ME7",
	"MG1", "MD1", "SID", "DCM", "PCR",
}

var vendorWords = []string{"BOSCH", "SIEMENS", "CONTINENTAL", "DELPHI", "DENSO", "MARELLI", "VDO"}

// FallbackPrefixLen is how many characters of an unrecognized tag are kept as
// its family code.
const FallbackPrefixLen = 5

// Tier says which rule made two tags compatible.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierNormalized
	TierFuzzy
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierNormalized:
		return "normalized"
	case TierFuzzy:
		return "fuzzy"
	}
	return "none"
}

func clean(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

func isSeparator(r rune) bool {
	switch r {
	case '.', '_', '-', '/', ' ', '\t':
		return true
	}
	return false
}

// Canonical returns the known family code tag starts with, if any.
func Canonical(tag string) (string, bool) {
	c := clean(tag)
	for _, fam := range knownFamilies {
		if strings.HasPrefix(c, fam) {
			return fam, true
		}
	}
	return "", false
}

// Normalize reduces a tag to its canonical family code: vendor words are
// dropped, the variant suffix after the first separator is cut, and the
// longest known family prefix is returned. Unknown tags fall back to their
// first FallbackPrefixLen characters.
func Normalize(tag string) string {
	c := clean(tag)
	for _, v := range vendorWords {
		if strings.HasPrefix(c, v) {
			rest := strings.TrimLeftFunc(c[len(v):], isSeparator)
			if rest != "" {
				c = rest
			}
			break
		}
	}
	if i := strings.IndexFunc(c, isSeparator); i > 0 {
		c = c[:i]
	}
	if fam, ok := Canonical(c); ok {
		return fam
	}
	if len(c) > FallbackPrefixLen {
		return c[:FallbackPrefixLen]
	}
	return c
}

// Match reports the first tier under which detected and entry are
// compatible.
func Match(detected, entry string) Tier {
	d, e := clean(detected), clean(entry)
	if d == "" || e == "" {
		return TierNone
	}
	if d == e {
		return TierExact
	}
	nd, ne := Normalize(d), Normalize(e)
	if nd == ne {
		return TierNormalized
	}
	if strings.Contains(d, e) || strings.Contains(e, d) {
		return TierFuzzy
	}
	return TierNone
}

// IsCompatible reports whether detected matches any entry of list.
func IsCompatible(detected string, list []string) bool {
	_, tier := BestMatch(detected, list)
	return tier != TierNone
}

// BestMatch returns the first entry of list compatible with detected under
// the strongest tier available.
func BestMatch(detected string, list []string) (string, Tier) {
	best, bestTier := "", TierNone
	for _, entry := range list {
		tier := Match(detected, entry)
		if tier == TierNone {
			continue
		}
		if bestTier == TierNone || tier < bestTier {
			best, bestTier = entry, tier
		}
		if tier == TierExact {
			break
		}
	}
	return best, bestTier
}

// EngineMatches reports whether want is accepted by the engines list. "auto",
// an empty want, or an empty list accept everything.
func EngineMatches(want string, engines []string) bool {
	w := strings.ToLower(strings.TrimSpace(want))
	if w == "" || w == "auto" || len(engines) == 0 {
		return true
	}
	for _, e := range engines {
		if strings.ToLower(strings.TrimSpace(e)) == w {
			return true
		}
	}
	return false
}
