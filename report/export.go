// Package report renders a completed job's per-row outcomes as a workbook
// that is attached (via object storage) to the final channel report.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"notifybot/domain"
)

const sheetName = "Outcomes"

var headers = []string{"employee_id", "name", "status", "message_ts", "error"}

// GenerateOutcomeXLSX writes one row per dispatch outcome, in row order.
// Rows that did not reach "sent" get a red fill so failures stand out when
// the sheet is skimmed.
func GenerateOutcomeXLSX(outcomes []domain.RowOutcome, outPath string) error {
	outPath = strings.TrimSpace(outPath)
	if outPath == "" {
		return errors.New("outPath empty")
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	def := f.GetSheetName(0)
	if def != sheetName {
		if err := f.SetSheetName(def, sheetName); err != nil {
			return err
		}
	}

	failStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})
	if err != nil {
		return err
	}

	for i, h := range headers {
		axis, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, axis, h); err != nil {
			return err
		}
	}

	for r, out := range outcomes {
		rowIdx := r + 2
		cells := []string{out.EmployeeID, out.Name, string(out.Status), out.MessageTS, out.Error}
		for c, v := range cells {
			axis, _ := excelize.CoordinatesToCellName(c+1, rowIdx)
			if err := f.SetCellValue(sheetName, axis, v); err != nil {
				return err
			}
		}
		if out.Status != domain.RowSent {
			first, _ := excelize.CoordinatesToCellName(1, rowIdx)
			last, _ := excelize.CoordinatesToCellName(len(headers), rowIdx)
			if err := f.SetCellStyle(sheetName, first, last, failStyle); err != nil {
				return err
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	return f.SaveAs(outPath)
}
