package report

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"cbtattempt/internal/catalog"
	"cbtattempt/internal/exam"

	"github.com/xuri/excelize/v2"
)

type testSource interface {
	GetTest(ctx context.Context, testID int64) (*catalog.Test, error)
}

type attemptSource interface {
	ListTestAttempts(ctx context.Context, testID int64) ([]exam.TestAttemptRow, error)
}

type Service struct {
	tests    testSource
	attempts attemptSource
}

// TestSummary aggregates finalized attempts. Score statistics cover completed
// attempts only.
type TestSummary struct {
	TestID       int64   `json:"test_id"`
	Title        string  `json:"title"`
	PassingScore float64 `json:"passing_score"`
	Participants int     `json:"participants"`
	InProgress   int     `json:"in_progress"`
	Blocked      int     `json:"blocked"`
	Completed    int     `json:"completed"`
	Passed       int     `json:"passed"`
	AverageScore float64 `json:"average_score"`
	HighestScore float64 `json:"highest_score"`
	LowestScore  float64 `json:"lowest_score"`
}

func NewService(tests testSource, attempts attemptSource) *Service {
	return &Service{tests: tests, attempts: attempts}
}

func (s *Service) TestAuthor(ctx context.Context, testID int64) (int64, error) {
	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return 0, err
	}
	return test.AuthorID, nil
}

func (s *Service) SummaryByTest(ctx context.Context, testID int64) (*TestSummary, error) {
	test, rows, err := s.load(ctx, testID)
	if err != nil {
		return nil, err
	}
	return summarize(test, rows), nil
}

func (s *Service) load(ctx context.Context, testID int64) (*catalog.Test, []exam.TestAttemptRow, error) {
	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.attempts.ListTestAttempts(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	return test, rows, nil
}

func summarize(test *catalog.Test, rows []exam.TestAttemptRow) *TestSummary {
	out := &TestSummary{
		TestID:       test.ID,
		Title:        test.Title,
		PassingScore: test.PassingScore,
		Participants: countStudents(rows),
	}

	total := 0.0
	for _, row := range rows {
		switch row.Status {
		case exam.StatusInProgress:
			out.InProgress++
			continue
		case exam.StatusBlocked:
			out.Blocked++
			continue
		}

		score := 0.0
		if row.Score != nil {
			score = *row.Score
		}
		if out.Completed == 0 || score > out.HighestScore {
			out.HighestScore = score
		}
		if out.Completed == 0 || score < out.LowestScore {
			out.LowestScore = score
		}
		out.Completed++
		total += score
		if row.IsPassed != nil && *row.IsPassed {
			out.Passed++
		}
	}
	if out.Completed > 0 {
		out.AverageScore = math.Round(total/float64(out.Completed)*100) / 100
	}
	return out
}

func countStudents(rows []exam.TestAttemptRow) int {
	seen := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		seen[row.StudentID] = struct{}{}
	}
	return len(seen)
}

// ExportExcel writes the summary and one row per attempt to an xlsx workbook.
func (s *Service) ExportExcel(ctx context.Context, testID int64) ([]byte, error) {
	test, rows, err := s.load(ctx, testID)
	if err != nil {
		return nil, err
	}
	summary := summarize(test, rows)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := "Attempts"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	headers := []string{"attempt_id", "student_id", "status", "started_at", "finished_at", "answered", "score", "is_passed", "cheat_count", "blocked_reason"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range rows {
		row := i + 2
		finishedAt := ""
		if it.FinishedAt != nil {
			finishedAt = it.FinishedAt.Format("2006-01-02 15:04:05")
		}
		var score any = ""
		if it.Score != nil {
			score = *it.Score
		}
		var passed any = ""
		if it.IsPassed != nil {
			passed = *it.IsPassed
		}
		reason := ""
		if it.BlockedReason != nil {
			reason = *it.BlockedReason
		}
		values := []any{
			it.ID,
			it.StudentID,
			string(it.Status),
			it.StartedAt.Format("2006-01-02 15:04:05"),
			finishedAt,
			it.Answered,
			score,
			passed,
			it.CheatCount,
			reason,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "J", 18)

	if _, err := f.NewSheet("Summary"); err != nil {
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}
	pairs := [][2]any{
		{"test_id", summary.TestID},
		{"title", summary.Title},
		{"passing_score", summary.PassingScore},
		{"participants", summary.Participants},
		{"in_progress", summary.InProgress},
		{"blocked", summary.Blocked},
		{"completed", summary.Completed},
		{"passed", summary.Passed},
		{"average_score", summary.AverageScore},
		{"highest_score", summary.HighestScore},
		{"lowest_score", summary.LowestScore},
	}
	for i, p := range pairs {
		_ = f.SetCellValue("Summary", fmt.Sprintf("A%d", i+1), p[0])
		_ = f.SetCellValue("Summary", fmt.Sprintf("B%d", i+1), p[1])
	}
	_ = f.SetColWidth("Summary", "A", "B", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}
