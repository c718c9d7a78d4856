package firmware

import (
	"regexp"
	"strings"
)

var dtcPattern = regexp.MustCompile(`[PBCU][0-9][0-9A-F]{3}`)

// DTCClusterGap is the largest distance between the starts of two codes that
// still puts them in one cluster.
const DTCClusterGap = 64

// DTCCluster is a run of ASCII diagnostic trouble codes that sit close to
// each other in the image, which usually marks a DTC table.
type DTCCluster struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Codes []string `json:"codes"`
}

// ScanDTC finds ASCII trouble codes such as P0301 or U0100 and groups them
// into clusters.
func ScanDTC(buf []byte) []DTCCluster {
	locs := dtcPattern.FindAllIndex(buf, -1)
	if len(locs) == 0 {
		return nil
	}
	var clusters []DTCCluster
	cur := DTCCluster{Start: locs[0][0], End: locs[0][1], Codes: []string{string(buf[locs[0][0]:locs[0][1]])}}
	lastStart := locs[0][0]
	for _, loc := range locs[1:] {
		code := string(buf[loc[0]:loc[1]])
		if loc[0]-lastStart <= DTCClusterGap {
			cur.End = loc[1]
			cur.Codes = append(cur.Codes, code)
		} else {
			clusters = append(clusters, cur)
			cur = DTCCluster{Start: loc[0], End: loc[1], Codes: []string{code}}
		}
		lastStart = loc[0]
	}
	return append(clusters, cur)
}

// Sample returns up to n codes joined for display.
func (c DTCCluster) Sample(n int) string {
	if n <= 0 || n > len(c.Codes) {
		n = len(c.Codes)
	}
	return strings.Join(c.Codes[:n], ", ")
}

// Text returns the printable ASCII view of buf used by content selectors and
// detectors. Non-printable bytes become spaces.
func Text(buf []byte) string {
	var b strings.Builder
	b.Grow(len(buf))
	for _, c := range buf {
		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}
