package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"notifybot/domain"
)

// Required column names (matched case-insensitively after trimming).
const (
	ColEmployeeID     = "employee_id"
	ColName           = "name"
	ColAmount         = "amount"
	ColAbsences       = "absences"
	ColHolidaysWorked = "holidays_worked"
)

var requiredColumns = []string{
	ColEmployeeID, ColName, ColAmount, ColAbsences, ColHolidaysWorked,
}

// MissingColumnsError is returned when the header row lacks required columns.
// It fires before any data row is emitted: accepting rows against unknown
// columns would corrupt every downstream assumption.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
}

func IsMissingColumns(err error) bool {
	var mc *MissingColumnsError
	return errors.As(err, &mc)
}

// ReadRecipients streams a CSV source into ordered recipient rows.
//
// The header is validated first; structural problems abort the whole read.
// Per-row required-value checks are deliberately NOT done here — a row with
// blanks is kept as-is so the dispatcher can record it in the report instead
// of it silently vanishing. Rows that are entirely blank are dropped.
func ReadRecipients(r io.Reader) ([]domain.Row, error) {
	if r == nil {
		return nil, errors.New("nil reader")
	}
	cr := csv.NewReader(r)
	// Uploaded sheets often have ragged trailing cells; treat short records
	// as blanks rather than failing the whole file.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &MissingColumnsError{Missing: append([]string(nil), requiredColumns...)}
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := headerIndex(header)
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Missing: missing}
	}

	var rows []domain.Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}
		row := domain.Row{
			EmployeeID:     cell(rec, idx[ColEmployeeID]),
			Name:           cell(rec, idx[ColName]),
			Amount:         cell(rec, idx[ColAmount]),
			Absences:       cell(rec, idx[ColAbsences]),
			HolidaysWorked: cell(rec, idx[ColHolidaysWorked]),
		}
		if row.Blank() {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// headerIndex maps normalized header names to column positions. First
// occurrence wins on duplicate headers.
func headerIndex(raw []string) map[string]int {
	idx := make(map[string]int, len(raw))
	for i, h := range raw {
		name := strings.ToLower(strings.TrimSpace(stripBOM(h)))
		if name == "" {
			continue
		}
		if _, ok := idx[name]; !ok {
			idx[name] = i
		}
	}
	return idx
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}
