// Package checksum recomputes firmware checksums after a recipe has changed
// the image.
package checksum

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/sigurn/crc16"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

// Type names a checksum algorithm.
type Type string

const (
	CRC32           Type = "crc32"
	CRC16XModem     Type = "crc16-xmodem"
	CRC16CCITTFalse Type = "crc16-ccitt-false"
	CRC16ARC        Type = "crc16-arc"
	CRC16Modbus     Type = "crc16-modbus"
	Sum8            Type = "sum8"
	Sum16           Type = "sum16"
	Sum32           Type = "sum32"
)

var crc16Params = map[Type]crc16.Params{
	CRC16XModem:     crc16.CRC16_XMODEM,
	CRC16CCITTFalse: crc16.CRC16_CCITT_FALSE,
	CRC16ARC:        crc16.CRC16_ARC,
	CRC16Modbus:     crc16.CRC16_MODBUS,
}

// Spec places a checksum inside the image. The value is computed over
// [Start, End) with the checksum field itself read as zero; End 0 means the
// end of the image. Endian defaults to big-endian.
type Spec struct {
	Type   Type
	Offset int
	Start  int
	End    int
	Endian string
}

// Width returns the number of bytes the checksum occupies.
func (t Type) Width() int {
	switch t {
	case CRC32, Sum32:
		return 4
	case Sum8:
		return 1
	case CRC16XModem, CRC16CCITTFalse, CRC16ARC, CRC16Modbus, Sum16:
		return 2
	}
	return 0
}

// ParseType normalizes a persisted checksum type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t == "crc16" {
		t = CRC16XModem
	}
	if t.Width() == 0 {
		return "", fmt.Errorf("unsupported checksum type %q", s)
	}
	return t, nil
}

// Validate checks the spec against an image of size n.
func (s Spec) Validate(n int) error {
	w := s.Type.Width()
	if w == 0 {
		return patcherr.New(patcherr.KindInvalidRecipe, "checksum", "unsupported checksum type %q", s.Type)
	}
	switch strings.ToLower(s.Endian) {
	case "", "le", "little", "little-endian", "be", "big", "big-endian":
	default:
		return patcherr.New(patcherr.KindInvalidRecipe, "checksum", "unsupported endianness %q", s.Endian)
	}
	if s.Offset < 0 || s.Offset > n || w > n-s.Offset {
		return patcherr.New(patcherr.KindOutOfRange, "checksum",
			"checksum at %d with length %d exceeds image size %d", s.Offset, w, n)
	}
	end := s.End
	if end == 0 {
		end = n
	}
	if s.Start < 0 || s.Start > end || end > n {
		return patcherr.New(patcherr.KindOutOfRange, "checksum",
			"range [%d,%d) outside image size %d", s.Start, end, n)
	}
	return nil
}

func (s Spec) order() binary.ByteOrder {
	switch strings.ToLower(s.Endian) {
	case "le", "little", "little-endian":
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Compute returns the checksum of buf for s without modifying buf.
func Compute(buf []byte, s Spec) (uint32, error) {
	if err := s.Validate(len(buf)); err != nil {
		return 0, err
	}
	end := s.End
	if end == 0 {
		end = len(buf)
	}
	region := make([]byte, end-s.Start)
	copy(region, buf[s.Start:end])
	w := s.Type.Width()
	for i := s.Offset; i < s.Offset+w; i++ {
		if i >= s.Start && i < end {
			region[i-s.Start] = 0
		}
	}
	switch s.Type {
	case CRC32:
		return crc32.ChecksumIEEE(region), nil
	case Sum8, Sum16, Sum32:
		var sum uint32
		for _, b := range region {
			sum += uint32(b)
		}
		switch w {
		case 1:
			return sum & 0xFF, nil
		case 2:
			return sum & 0xFFFF, nil
		}
		return sum, nil
	}
	params := crc16Params[s.Type]
	return uint32(crc16.Checksum(region, crc16.MakeTable(params))), nil
}

// Apply computes the checksum and writes it at s.Offset. It returns the bytes
// that were overwritten and the bytes written.
func Apply(buf []byte, s Spec) (before, after []byte, err error) {
	sum, err := Compute(buf, s)
	if err != nil {
		return nil, nil, err
	}
	w := s.Type.Width()
	after = make([]byte, w)
	order := s.order()
	switch w {
	case 1:
		after[0] = byte(sum)
	case 2:
		order.PutUint16(after, uint16(sum))
	default:
		order.PutUint32(after, sum)
	}
	before = append([]byte(nil), buf[s.Offset:s.Offset+w]...)
	copy(buf[s.Offset:], after)
	return before, after, nil
}

// CVN is the calibration verification number shown for an image: CRC-32/IEEE
// of the whole image as eight uppercase hex digits.
func CVN(buf []byte) string {
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE(buf))
}
