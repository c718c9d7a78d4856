package report

import (
	"encoding/hex"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// qrScheme prefixes the payload so scanners can tell a receipt code from a
// bare hash.
const qrScheme = "forgex:"

// VerificationPayload is the text encoded in a receipt's QR code: job id,
// output SHA-256 and output CVN. Receipts of failed applies have none.
func VerificationPayload(r Receipt) (string, error) {
	sum := strings.ToLower(strings.TrimSpace(r.OutputSHA256))
	if sum == "" {
		return "", fmt.Errorf("receipt %s has no output", r.JobID)
	}
	if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
		return "", fmt.Errorf("output hash %q is not a SHA-256", r.OutputSHA256)
	}
	p := qrScheme + r.JobID + "?sha256=" + sum
	if r.CVNOut != "" {
		p += "&cvn=" + r.CVNOut
	}
	return p, nil
}

// ReceiptQR renders the verification payload of r as a PNG of size pixels.
func ReceiptQR(r Receipt, size int) ([]byte, error) {
	payload, err := VerificationPayload(r)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}
