package recipe

import (
	"bytes"
	"fmt"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/firmware"
)

// Match evaluates the content selectors against img. Every configured
// selector must hold; each pattern in regex_any must be found.
func (c *Compiled) Match(img *firmware.Image) bool {
	ok, _ := c.Explain(img)
	return ok
}

// Explain is Match plus the reason for a rejection.
func (c *Compiled) Explain(img *firmware.Image) (bool, string) {
	if c == nil {
		return false, "nil recipe"
	}
	s := c.selectors
	n := img.Len()
	if s.hasSize && (n < s.sizeLo || n > s.sizeHi) {
		return false, fmt.Sprintf("size %d outside [%d, %d]", n, s.sizeLo, s.sizeHi)
	}
	buf := img.Bytes()
	for _, re := range s.regexes {
		if !re.Match(buf) {
			return false, fmt.Sprintf("regex %q not found", re.String())
		}
	}
	for _, marker := range s.ascii {
		if !bytes.Contains(buf, []byte(marker)) {
			return false, fmt.Sprintf("marker %q not found", marker)
		}
	}
	if len(s.cvns) > 0 {
		cvn := img.CVN()
		found := false
		for _, want := range s.cvns {
			if want == cvn {
				found = true
				break
			}
		}
		if !found {
			return false, fmt.Sprintf("cvn %s not listed", cvn)
		}
	}
	return true, ""
}
