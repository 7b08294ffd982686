// Package reports renders on-demand telemetry exports as XLSX or PDF.
package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// NormalizedKeys are the derived telemetry keys allowed in an export.
// Unknown requested keys are silently dropped.
var NormalizedKeys = []string{
	"height", "direction", "lift_status",
	"current_floor_index", "current_floor_label",
	"x_vibe", "y_vibe", "z_vibe",
	"x_jerk", "y_jerk", "z_jerk",
	"temperature", "humidity", "sound_db", "door_open",
}

// Row is one timestamp's values in a report, keyed by telemetry key.
type Row struct {
	TsMs   int64
	Values map[string]string
}

// Report is a tabulated telemetry window for one device.
type Report struct {
	Account    string
	DeviceName string
	StartMs    int64
	EndMs      int64
	Keys       []string
	Rows       []Row
}

// FilterKeys keeps only known telemetry keys, preserving request order.
// An empty request selects every known key.
func FilterKeys(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), NormalizedKeys...)
	}
	known := make(map[string]struct{}, len(NormalizedKeys))
	for _, key := range NormalizedKeys {
		known[key] = struct{}{}
	}
	kept := make([]string, 0, len(requested))
	for _, key := range requested {
		if _, ok := known[key]; ok {
			kept = append(kept, key)
		}
	}
	return kept
}

// BuildTelemetryXLSX renders the report workbook: a summary sheet and one
// data sheet with a timestamp column followed by the selected keys.
func BuildTelemetryXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	dataSheet := "telemetry"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(dataSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Telemetry Report")
	_ = f.SetCellValue(summarySheet, "A3", "Account")
	_ = f.SetCellValue(summarySheet, "B3", report.Account)
	_ = f.SetCellValue(summarySheet, "A4", "Device")
	_ = f.SetCellValue(summarySheet, "B4", report.DeviceName)
	_ = f.SetCellValue(summarySheet, "A5", "Window Start")
	_ = f.SetCellValue(summarySheet, "B5", formatTs(report.StartMs))
	_ = f.SetCellValue(summarySheet, "A6", "Window End")
	_ = f.SetCellValue(summarySheet, "B6", formatTs(report.EndMs))
	_ = f.SetCellValue(summarySheet, "A7", "Rows")
	_ = f.SetCellValue(summarySheet, "B7", len(report.Rows))

	_ = f.SetCellValue(dataSheet, "A1", "Timestamp")
	for i, key := range report.Keys {
		cell, _ := excelize.CoordinatesToCellName(i+2, 1)
		_ = f.SetCellValue(dataSheet, cell, key)
	}
	for rowIdx, row := range report.Rows {
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("A%d", rowIdx+2), formatTs(row.TsMs))
		for colIdx, key := range report.Keys {
			cell, _ := excelize.CoordinatesToCellName(colIdx+2, rowIdx+2)
			_ = f.SetCellValue(dataSheet, cell, row.Values[key])
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildTelemetryPDF renders a minimal tabular PDF of the report. Wide key
// selections get narrow columns; readability polish is left to the XLSX
// path.
func BuildTelemetryPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Telemetry Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Account: %s", report.Account))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", report.DeviceName))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s to %s", formatTs(report.StartMs), formatTs(report.EndMs)))
	pdf.Ln(8)

	tsWidth := 42.0
	colWidth := (277.0 - tsWidth) / float64(maxInt(len(report.Keys), 1))
	pdf.SetFont("Arial", "B", 8)
	pdf.CellFormat(tsWidth, 6, "Timestamp", "1", 0, "C", false, 0, "")
	for _, key := range report.Keys {
		pdf.CellFormat(colWidth, 6, key, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, row := range report.Rows {
		pdf.CellFormat(tsWidth, 6, formatTs(row.TsMs), "1", 0, "C", false, 0, "")
		for _, key := range report.Keys {
			pdf.CellFormat(colWidth, 6, row.Values[key], "1", 0, "R", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTs(tsMs int64) string {
	if tsMs <= 0 {
		return ""
	}
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02 15:04:05")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
