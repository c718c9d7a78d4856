package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jung-kurt/gofpdf"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/engine"
)

// maxOffsetsShown bounds the offsets listed per op in the edits table.
const maxOffsetsShown = 8

// WritePDF renders the receipt to w.
func WritePDF(r Receipt, lang Language, w io.Writer) error {
	tr := NewTranslator(lang)
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(tr.T("title"), true)
	pdf.SetAuthor("forgex", false)
	pdf.SetCreator("forgex", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()
	// core fonts are cp1252; accented strings need translating
	enc := pdf.UnicodeTranslatorFromDescriptor("")

	addPDFTitle(pdf, enc(tr.T("title")))
	addSummarySection(pdf, tr, enc, r)
	addHashSection(pdf, tr, enc, r)
	addHitsSection(pdf, tr, enc, r.Hits)
	if err := addQR(pdf, tr, enc, r); err != nil {
		return err
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.Output(w)
}

// SavePDF renders the receipt into a PDF file.
func SavePDF(r Receipt, lang Language, out string) error {
	var buf bytes.Buffer
	if err := WritePDF(r, lang, &buf); err != nil {
		return err
	}
	return os.WriteFile(out, buf.Bytes(), 0644)
}

type translateFunc func(string) string

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addRows(pdf *gofpdf.Fpdf, enc translateFunc, items [][2]string) {
	pdf.SetFont("Helvetica", "", 10)
	for _, item := range items {
		pdf.CellFormat(50, 6, enc(item[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, enc(emptyFallback(item[1], "-")), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addSection(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(8)
}

func addSummarySection(pdf *gofpdf.Fpdf, tr Translator, enc translateFunc, r Receipt) {
	addSection(pdf, enc(tr.T("summary")))
	items := [][2]string{
		{tr.T("job"), r.JobID},
		{tr.T("created"), r.CreatedAt.Format(time.RFC3339)},
		{tr.T("file"), r.Filename},
		{tr.T("family"), r.Family},
		{tr.T("family_source"), r.FamilySource},
		{tr.T("engine"), r.Engine},
		{tr.T("patch"), emptyFallback(r.Label, r.PatchID)},
		{tr.T("source"), r.Source},
		{tr.T("source_kind"), r.SourceKind},
		{tr.T("result"), resultLabel(tr, r.Meta.Success)},
		{tr.T("ops_applied"), strconv.Itoa(r.Meta.OpsApplied)},
		{tr.T("duration"), r.Duration.Round(time.Millisecond).String()},
	}
	if !r.Meta.Success {
		items = append(items, [2]string{tr.T("failure_kind"), r.Meta.FailureKind})
	}
	addRows(pdf, enc, items)
}

func addHashSection(pdf *gofpdf.Fpdf, tr Translator, enc translateFunc, r Receipt) {
	addSection(pdf, enc(tr.T("hashes")))
	items := [][2]string{
		{tr.T("input_sha"), r.InputSHA256},
		{tr.T("input_size"), humanize.IBytes(uint64(r.InputSize))},
		{tr.T("cvn_in"), r.CVNIn},
	}
	if r.Meta.Success {
		items = append(items,
			[2]string{tr.T("output_sha"), r.OutputSHA256},
			[2]string{tr.T("output_size"), humanize.IBytes(uint64(r.OutputSize))},
			[2]string{tr.T("cvn_out"), r.CVNOut},
		)
		if r.Checksum != "" {
			items = append(items, [2]string{tr.T("checksum"), r.Checksum})
		}
	}
	addRows(pdf, enc, items)
}

func addHitsSection(pdf *gofpdf.Fpdf, tr Translator, enc translateFunc, hits []engine.OpHits) {
	addSection(pdf, enc(tr.T("hits")))
	if len(hits) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 6, enc(tr.T("no_hits")), "", "L", false)
		pdf.Ln(2)
		return
	}
	headers := []string{tr.T("col_op"), tr.T("col_kind"), tr.T("col_count"), tr.T("col_offsets")}
	widths := []float64{14, 28, 20, 118}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, enc(h), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, h := range hits {
		values := []string{
			strconv.Itoa(h.Op),
			h.Kind,
			strconv.Itoa(len(h.Offsets)),
			formatOffsets(h.Offsets),
		}
		renderTableRow(pdf, widths, values, 5)
	}
	pdf.Ln(4)
}

func addQR(pdf *gofpdf.Fpdf, tr Translator, enc translateFunc, r Receipt) error {
	if r.OutputSHA256 == "" {
		return nil
	}
	png, err := ReceiptQR(r, 256)
	if err != nil {
		return fmt.Errorf("render qr: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("output-qr", opts, bytes.NewReader(png))
	x, y := pdf.GetX(), pdf.GetY()
	pdf.ImageOptions("output-qr", x, y, 35, 35, false, opts, 0, "")
	pdf.SetXY(x+40, y+14)
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 5, enc(tr.T("qr_caption")), "", "L", false)
	pdf.SetXY(x, y+38)
	return nil
}

func formatOffsets(offsets []int) string {
	parts := make([]string, 0, maxOffsetsShown+1)
	for i, off := range offsets {
		if i == maxOffsetsShown {
			parts = append(parts, fmt.Sprintf("+%d", len(offsets)-maxOffsetsShown))
			break
		}
		parts = append(parts, fmt.Sprintf("0x%X", off))
	}
	return strings.Join(parts, ", ")
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func resultLabel(tr Translator, ok bool) string {
	if ok {
		return tr.T("success")
	}
	return tr.T("failed")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
