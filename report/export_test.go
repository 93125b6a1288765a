package report

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"notifybot/domain"
)

func TestGenerateOutcomeXLSX(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outcomes.xlsx")
	err := GenerateOutcomeXLSX([]domain.RowOutcome{
		{EmployeeID: "E1", Name: "Alice", Status: domain.RowSent, MessageTS: "ts1"},
		{EmployeeID: "E2", Name: "Bob", Status: domain.RowSendFailed, Error: "transport down"},
		{EmployeeID: "E3", Name: "Carol", Status: domain.RowSkippedMissingData},
	}, out)
	if err != nil {
		t.Fatalf("GenerateOutcomeXLSX err=%v", err)
	}

	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) != 1 || sheets[0] != "Outcomes" {
		t.Fatalf("sheets: %v", sheets)
	}

	if v, _ := f.GetCellValue("Outcomes", "A1"); v != "employee_id" {
		t.Fatalf("A1=%q", v)
	}
	if v, _ := f.GetCellValue("Outcomes", "B2"); v != "Alice" {
		t.Fatalf("B2=%q", v)
	}
	if v, _ := f.GetCellValue("Outcomes", "C3"); v != string(domain.RowSendFailed) {
		t.Fatalf("C3=%q", v)
	}
	if v, _ := f.GetCellValue("Outcomes", "E3"); v != "transport down" {
		t.Fatalf("E3=%q", v)
	}

	// Failed rows are styled, sent rows are not.
	sentStyle, _ := f.GetCellStyle("Outcomes", "A2")
	failStyle, _ := f.GetCellStyle("Outcomes", "A3")
	skipStyle, _ := f.GetCellStyle("Outcomes", "A4")
	if failStyle == 0 || failStyle != skipStyle {
		t.Fatalf("failed/skipped rows should share a style: %d vs %d", failStyle, skipStyle)
	}
	if sentStyle == failStyle {
		t.Fatalf("sent row must not carry the failure style")
	}
}

func TestGenerateOutcomeXLSXEmpty(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outcomes.xlsx")
	if err := GenerateOutcomeXLSX(nil, out); err != nil {
		t.Fatalf("empty outcomes should still produce a workbook: %v", err)
	}
}
