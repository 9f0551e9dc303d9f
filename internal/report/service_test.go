package report

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"cbtattempt/internal/auth"
	"cbtattempt/internal/catalog"
	"cbtattempt/internal/exam"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type stubTests struct {
	test *catalog.Test
}

func (s stubTests) GetTest(ctx context.Context, testID int64) (*catalog.Test, error) {
	if s.test == nil || s.test.ID != testID {
		return nil, catalog.ErrTestNotFound
	}
	return s.test, nil
}

type stubAttempts []exam.TestAttemptRow

func (s stubAttempts) ListTestAttempts(ctx context.Context, testID int64) ([]exam.TestAttemptRow, error) {
	return s, nil
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func sampleService() *Service {
	test := &catalog.Test{ID: 4, Title: "Bahasa Indonesia", PassingScore: 60, AuthorID: 7}
	rows := stubAttempts{
		{Attempt: exam.Attempt{ID: 1, StudentID: 21, Status: exam.StatusCompleted, Score: floatPtr(100), IsPassed: boolPtr(true)}, Answered: 2},
		{Attempt: exam.Attempt{ID: 2, StudentID: 22, Status: exam.StatusCompleted, Score: floatPtr(33.33), IsPassed: boolPtr(false)}, Answered: 2},
		{Attempt: exam.Attempt{ID: 3, StudentID: 21, Status: exam.StatusCompleted, Score: floatPtr(66.67), IsPassed: boolPtr(true)}, Answered: 1},
		{Attempt: exam.Attempt{ID: 4, StudentID: 23, Status: exam.StatusBlocked, CheatCount: 3}},
		{Attempt: exam.Attempt{ID: 5, StudentID: 24, Status: exam.StatusInProgress}},
	}
	return NewService(stubTests{test: test}, rows)
}

func TestSummaryByTest(t *testing.T) {
	summary, err := sampleService().SummaryByTest(context.Background(), 4)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Participants)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 1, summary.InProgress)
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 100.0, summary.HighestScore)
	assert.Equal(t, 33.33, summary.LowestScore)
	assert.Equal(t, 66.67, summary.AverageScore)
}

func TestSummaryWithoutCompletedAttempts(t *testing.T) {
	svc := NewService(stubTests{test: &catalog.Test{ID: 1}}, stubAttempts{})
	summary, err := svc.SummaryByTest(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, summary.Participants)
	assert.Zero(t, summary.AverageScore)
}

func TestSummaryMissingTest(t *testing.T) {
	_, err := sampleService().SummaryByTest(context.Background(), 99)
	assert.ErrorIs(t, err, catalog.ErrTestNotFound)
}

func TestExportExcel(t *testing.T) {
	content, err := sampleService().ExportExcel(context.Background(), 4)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(content))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("Attempts")
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, "attempt_id", rows[0][0])
	assert.Equal(t, "COMPLETED", rows[1][2])
	assert.Equal(t, "BLOCKED", rows[4][2])

	passed, err := f.GetCellValue("Summary", "B8")
	require.NoError(t, err)
	assert.Equal(t, "2", passed)
}

func TestHandlerScopesTeacherToOwnTests(t *testing.T) {
	h := NewHandler(sampleService())

	tests := []struct {
		name   string
		user   *auth.User
		status int
	}{
		{name: "author", user: &auth.User{ID: 7, Role: auth.RoleTeacher}, status: http.StatusOK},
		{name: "other teacher", user: &auth.User{ID: 8, Role: auth.RoleTeacher}, status: http.StatusForbidden},
		{name: "proctor", user: &auth.User{ID: 2, Role: auth.RoleProctor}, status: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/staff/tests/4/report", nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", "4")
			ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
			req = req.WithContext(auth.ContextWithUser(ctx, tc.user))
			w := httptest.NewRecorder()

			h.Summary(w, req)

			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestHandlerExportSetsAttachment(t *testing.T) {
	h := NewHandler(sampleService())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/staff/tests/4/report.xlsx", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "4")
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	req = req.WithContext(auth.ContextWithUser(ctx, &auth.User{ID: 1, Role: auth.RoleAdmin}))
	w := httptest.NewRecorder()

	h.ExportExcel(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "test-4-report.xlsx")
	assert.NotZero(t, w.Body.Len())
}
