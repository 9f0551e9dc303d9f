package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type RosterImportReport struct {
	TotalRows   int              `json:"total_rows"`
	SuccessRows int              `json:"success_rows"`
	FailedRows  int              `json:"failed_rows"`
	Errors      []ImportRowError `json:"errors"`
	Test        *Test            `json:"test,omitempty"`
}

type ImportRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ImportRosterCSV replaces the roster of a test with the student ids read
// from a CSV file carrying a student_id column. Bad rows are reported and
// skipped; the roster is left untouched when no row is usable.
func (s *Service) ImportRosterCSV(ctx context.Context, testID int64, r io.Reader) (*RosterImportReport, error) {
	ids, report, err := parseRosterCSV(r)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return report, nil
	}

	test, err := s.SetRoster(ctx, testID, ids)
	if err != nil {
		return nil, err
	}
	report.Test = test
	return report, nil
}

func parseRosterCSV(r io.Reader) ([]int64, *RosterImportReport, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read csv header: %v", ErrInvalidInput, err)
	}
	col := -1
	for i, h := range header {
		if normalizeHeader(h) == "student_id" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, nil, fmt.Errorf("%w: missing required column: student_id", ErrInvalidInput)
	}

	report := &RosterImportReport{Errors: make([]ImportRowError, 0)}
	ids := make([]int64, 0)
	rowNo := 1
	for {
		rowNo++
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		report.TotalRows++
		if err != nil {
			report.FailedRows++
			report.Errors = append(report.Errors, ImportRowError{Row: rowNo, Error: fmt.Sprintf("csv parse error: %v", err)})
			continue
		}
		if isRowEmpty(rec) {
			report.TotalRows--
			continue
		}

		raw := ""
		if col < len(rec) {
			raw = strings.TrimSpace(rec[col])
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			report.FailedRows++
			report.Errors = append(report.Errors, ImportRowError{Row: rowNo, Error: fmt.Sprintf("invalid student_id %q", raw)})
			continue
		}
		ids = append(ids, id)
		report.SuccessRows++
	}
	return ids, report, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.ReplaceAll(h, " ", "_")
}

func isRowEmpty(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
