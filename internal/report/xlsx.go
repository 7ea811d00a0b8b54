package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"traffic-violation-service/internal/domain/traffic"
)

const (
	SheetSummary    = "Summary"
	SheetViolations = "Violations"
	SheetOffenders  = "Repeat offenders"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var violationHeader = []any{
	"ID", "Time (UTC)", "Device", "Zone", "Type", "Severity", "Vehicle", "Plate",
	"Speed, km/h", "Limit, km/h", "Amount", "Confidence", "False positive", "Description",
}

// WriteXLSX выгружает отчет и список нарушений в книгу Excel из трех листов.
func WriteXLSX(w io.Writer, r traffic.Report, vs []traffic.Violation) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetViolations); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetOffenders); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	if err := writeSummary(f, r, bold); err != nil {
		return err
	}
	if err := writeViolations(f, vs, bold); err != nil {
		return err
	}
	if err := writeOffenders(f, r, bold); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, r traffic.Report, bold int) error {
	rows := [][]any{
		{"Period start", r.Start.UTC().Format(time.RFC3339)},
		{"Period end", r.End.UTC().Format(time.RFC3339)},
		{"Total violations", r.Total},
		{"False positives", r.FalsePositives},
		{"False positive rate", r.FalsePositiveRate},
		{"Average confidence", r.AverageConfidence},
		{"Average speed, km/h", r.AverageSpeedKmh},
		{},
		{"By type"},
	}
	for _, t := range traffic.Types {
		rows = append(rows, []any{string(t), r.ByType[t]})
	}
	rows = append(rows, []any{}, []any{"By severity"})
	for _, s := range traffic.Severities {
		rows = append(rows, []any{s.String(), r.BySeverity[s.String()]})
	}
	rows = append(rows, []any{}, []any{"By hour (UTC)"})
	hours := make([]int, 0, len(r.ByHour))
	for h := range r.ByHour {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	for _, h := range hours {
		rows = append(rows, []any{fmt.Sprintf("%02d:00", h), r.ByHour[h]})
	}
	rows = append(rows, []any{}, []any{"Top zones"})
	for _, z := range r.TopZones {
		rows = append(rows, []any{z.ZoneID, z.Count})
	}
	rows = append(rows, []any{}, []any{"System"},
		[]any{"Frames processed", r.System.FramesProcessed},
		[]any{"Observations processed", r.System.ObservationsProcessed},
		[]any{"Errors", r.System.Errors},
		[]any{"Alerts sent", r.System.AlertsSent},
		[]any{"Alerts failed", r.System.AlertsFailed},
		[]any{"Alerts dropped", r.System.AlertsDropped},
	)

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if len(row) == 0 {
			continue
		}
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		if len(row) == 1 {
			if err := f.SetCellStyle(SheetSummary, cell, cell, bold); err != nil {
				return fmt.Errorf("style summary: %w", err)
			}
		}
	}
	return f.SetColWidth(SheetSummary, "A", "A", 28)
}

func writeViolations(f *excelize.File, vs []traffic.Violation, bold int) error {
	if err := f.SetSheetRow(SheetViolations, "A1", &violationHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(violationHeader), 1)
	if err := f.SetCellStyle(SheetViolations, "A1", last, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, v := range vs {
		row := []any{
			v.ID.String(),
			v.Timestamp.UTC().Format(time.RFC3339),
			v.DeviceID,
			v.ZoneID,
			string(v.Type),
			v.Severity.String(),
			v.VehicleID,
			v.Plate,
			optional(v.MeasuredSpeedKmh),
			optional(v.SpeedLimitKmh),
			v.Amount,
			v.Confidence,
			v.FalsePositive,
			v.Description,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetViolations, cell, &row); err != nil {
			return fmt.Errorf("write violation %s: %w", v.ID, err)
		}
	}
	if err := f.SetPanes(SheetViolations, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return f.SetColWidth(SheetViolations, "A", "A", 38)
}

func writeOffenders(f *excelize.File, r traffic.Report, bold int) error {
	header := []any{"Plate", "Vehicle", "Violations"}
	if err := f.SetSheetRow(SheetOffenders, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetCellStyle(SheetOffenders, "A1", "C1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, o := range r.RepeatOffenders {
		row := []any{o.Plate, o.VehicleID, o.Count}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetOffenders, cell, &row); err != nil {
			return fmt.Errorf("write offender: %w", err)
		}
	}
	return nil
}

func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
