package exam

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"cbtattempt/internal/catalog"
	internaldb "cbtattempt/internal/db"
	"cbtattempt/internal/db/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	exam    *Service
	catalog *catalog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	cat := catalog.NewService(conn)
	return &fixture{
		exam:    NewService(conn, internaldb.DriverSQLite, cat),
		catalog: cat,
	}
}

func (f *fixture) createTest(t *testing.T, in catalog.CreateTestInput) *catalog.Test {
	t.Helper()
	if in.Title == "" {
		in.Title = "Ujian Tengah Semester"
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = 60
	}
	if in.AuthorID == 0 {
		in.AuthorID = 7
	}
	test, err := f.catalog.CreateTest(context.Background(), in)
	require.NoError(t, err)
	return test
}

// addChoice adds a two-option multiple choice question and returns it with
// the id of its correct option.
func (f *fixture) addChoice(t *testing.T, testID int64, points float64) (*catalog.Question, string) {
	t.Helper()
	q, err := f.catalog.AddQuestion(context.Background(), catalog.AddQuestionInput{
		TestID: testID,
		Text:   "Pick the right one",
		Type:   catalog.QuestionMultipleChoice,
		Points: points,
		Options: []catalog.OptionInput{
			{Text: "wrong"},
			{Text: "right", IsCorrect: true},
		},
	})
	require.NoError(t, err)
	key, ok := q.CorrectOptionKey()
	require.True(t, ok)
	return q, key
}

func wrongKey(q *catalog.Question) string {
	for _, o := range q.Options {
		if !o.IsCorrect {
			return strconv.FormatInt(o.ID, 10)
		}
	}
	return ""
}

func TestStartTwiceReturnsSameAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	f.addChoice(t, test.ID, 5)

	first, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	assert.Equal(t, StatusInProgress, first.Attempt.Status)
	assert.Equal(t, 0, first.Attempt.CheatCount)
	require.Len(t, first.Questions, 1)
	require.Len(t, first.Questions[0].Options, 2)

	second, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)

	other, err := f.exam.StartAttempt(ctx, test.ID, 22)
	require.NoError(t, err)
	assert.NotEqual(t, first.Attempt.ID, other.Attempt.ID)
}

func TestStartQuestionViewsHideAnswerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	f.addChoice(t, test.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	raw, err := json.Marshal(res.Questions)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "is_correct")
}

func TestConcurrentStartCreatesOneAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.exam.StartAttempt(ctx, test.ID, 21)
			errs[i] = err
			if err == nil {
				ids[i] = res.Attempt.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	rows, err := f.exam.ListTestAttempts(ctx, test.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStartOutsideWindowCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Now().Add(time.Hour)
	test := f.createTest(t, catalog.CreateTestInput{StartAt: &start})

	_, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.ErrorIs(t, err, ErrOutOfWindow)

	rows, err := f.exam.ListTestAttempts(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStartEligibilityFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inactive := false

	closed := f.createTest(t, catalog.CreateTestInput{IsActive: &inactive})
	_, err := f.exam.StartAttempt(ctx, closed.ID, 21)
	assert.ErrorIs(t, err, ErrTestNotActive)

	rostered := f.createTest(t, catalog.CreateTestInput{Roster: []int64{30}})
	_, err = f.exam.StartAttempt(ctx, rostered.ID, 21)
	assert.ErrorIs(t, err, ErrNotOnRoster)
	_, err = f.exam.StartAttempt(ctx, rostered.ID, 30)
	assert.NoError(t, err)

	deleted := f.createTest(t, catalog.CreateTestInput{})
	require.NoError(t, f.catalog.DeleteTest(ctx, deleted.ID))
	_, err = f.exam.StartAttempt(ctx, deleted.ID, 21)
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestSubmitTwiceOverwrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	q, key := f.addChoice(t, test.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	first, err := f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q.ID, Value: wrongKey(q)})
	require.NoError(t, err)
	require.NotNil(t, first.IsCorrect)
	assert.False(t, *first.IsCorrect)
	assert.Equal(t, 0.0, first.PointsEarned)

	second, err := f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q.ID, Value: key})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.IsCorrect)
	assert.True(t, *second.IsCorrect)
	assert.Equal(t, 5.0, second.PointsEarned)

	summary, err := f.exam.GetAttemptSummary(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Answered)
	assert.Equal(t, 1, summary.TotalQuestions)
}

func TestSubmitGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	q, key := f.addChoice(t, test.ID, 5)
	otherTest := f.createTest(t, catalog.CreateTestInput{})
	foreign, _ := f.addChoice(t, otherTest.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: 9999, StudentID: 21, QuestionID: q.ID, Value: key})
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 22, QuestionID: q.ID, Value: key})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: foreign.ID, Value: key})
	assert.ErrorIs(t, err, ErrQuestionNotInTest)

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q.ID, Value: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFinishScoresPartialCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{PassingScore: 60})
	q1, key1 := f.addChoice(t, test.ID, 5)
	q2, _ := f.addChoice(t, test.ID, 10)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q1.ID, Value: key1})
	require.NoError(t, err)
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q2.ID, Value: wrongKey(q2)})
	require.NoError(t, err)

	result, err := f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	assert.Equal(t, 33.33, result.Score)
	assert.False(t, result.IsPassed)
	assert.Equal(t, 5.0, result.EarnedPoints)
	assert.Equal(t, 15.0, result.PossiblePoints)
	assert.Equal(t, StatusCompleted, result.Attempt.Status)
	require.NotNil(t, result.Attempt.FinishedAt)
}

func TestFinishAllCorrectPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{PassingScore: 60})
	q1, key1 := f.addChoice(t, test.ID, 5)
	q2, key2 := f.addChoice(t, test.ID, 10)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	for _, a := range []struct {
		q   *catalog.Question
		key string
	}{{q1, key1}, {q2, key2}} {
		_, err := f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: a.q.ID, Value: a.key})
		require.NoError(t, err)
	}

	result, err := f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Score)
	assert.True(t, result.IsPassed)

	again, err := f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	assert.Equal(t, result.Score, again.Score)
	assert.Equal(t, result.Attempt.FinishedAt, again.Attempt.FinishedAt)

	stored, err := f.exam.GetAttemptResult(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Score)
	assert.Len(t, stored.Answers, 2)
}

func TestSubmitAfterFinishFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	q, key := f.addChoice(t, test.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	_, err = f.exam.FinishAttempt(ctx, res.Attempt.ID, 21)
	require.NoError(t, err)

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: res.Attempt.ID, StudentID: 21, QuestionID: q.ID, Value: key})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAttemptNotEditable)

	_, err = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "blur"})
	assert.ErrorIs(t, err, ErrInvalidState)

	next, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	assert.NotEqual(t, res.Attempt.ID, next.Attempt.ID)
	assert.False(t, next.Resumed)
}

func TestCheatThresholdBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{CheatDetectionEnabled: true})
	q, key := f.addChoice(t, test.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID
	event := RecordEventInput{AttemptID: attemptID, StudentID: 21, EventType: "tab_switch", Metadata: json.RawMessage(`{"tab":1}`)}

	for i := 1; i <= 2; i++ {
		out, err := f.exam.RecordEvent(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, i, out.CheatCount)
		assert.Equal(t, StatusInProgress, out.Status)
	}

	summary, err := f.exam.GetAttemptSummary(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, summary.Attempt.Status)
	assert.Equal(t, 2, summary.Attempt.CheatCount)

	_, err = f.exam.RecordEvent(ctx, event)
	require.ErrorIs(t, err, ErrBlockedByIntegrity)

	summary, err = f.exam.GetAttemptSummary(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, summary.Attempt.Status)
	assert.Equal(t, 3, summary.Attempt.CheatCount)
	assert.True(t, summary.Attempt.IsBlocked)
	require.NotNil(t, summary.Attempt.BlockedReason)
	assert.Equal(t, "Exceeded cheat detection threshold", *summary.Attempt.BlockedReason)
	assert.Equal(t, int64(0), summary.RemainingSeconds)
	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"remaining_seconds":0`)

	events, err := f.exam.ListAttemptEvents(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, EventBlocked, events[3].EventType)
	assert.Equal(t, TriggeredBySystem, events[3].TriggeredBy)
	assert.Equal(t, EventCheatThresholdExceeded, events[4].EventType)
	assert.JSONEq(t, `{"cheat_count":3,"threshold":3}`, string(events[4].Metadata))

	_, err = f.exam.FinishAttempt(ctx, attemptID, 21)
	assert.ErrorIs(t, err, ErrAttemptBlocked)
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q.ID, Value: key})
	assert.ErrorIs(t, err, ErrAttemptBlocked)
	_, err = f.exam.RecordEvent(ctx, event)
	assert.ErrorIs(t, err, ErrAttemptBlocked)

	resumed, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, StatusBlocked, resumed.Attempt.Status)
}

func TestCheatDetectionDisabledNeverBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		out, err := f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "blur"})
		require.NoError(t, err)
		assert.Equal(t, i, out.CheatCount)
	}

	summary, err := f.exam.GetAttemptSummary(ctx, res.Attempt.ID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, summary.Attempt.Status)
	assert.Equal(t, 6, summary.Attempt.CheatCount)
}

func TestConcurrentEventsKeepEveryIncrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	const burst = 10
	errs := make([]error, burst)
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "visibility_change"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	summary, err := f.exam.GetAttemptSummary(ctx, res.Attempt.ID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, burst, summary.Attempt.CheatCount)
}

func TestConcurrentEventsBlockOnceAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{CheatDetectionEnabled: true})

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	const burst = 6
	errs := make([]error, burst)
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "tab_switch"})
		}(i)
	}
	wg.Wait()

	var accepted, blockedNow, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBlockedByIntegrity):
			blockedNow++
		case errors.Is(err, ErrAttemptBlocked):
			rejected++
		default:
			t.Fatalf("unexpected event error: %v", err)
		}
	}
	assert.Equal(t, CheatThreshold-1, accepted)
	assert.Equal(t, 1, blockedNow)
	assert.Equal(t, burst-CheatThreshold, rejected)

	summary, err := f.exam.GetAttemptSummary(ctx, res.Attempt.ID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, summary.Attempt.Status)
	assert.Equal(t, CheatThreshold, summary.Attempt.CheatCount)
}

func TestRecordEventValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	_, err = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "  "})
	assert.ErrorIs(t, err, ErrInvalidEventType)

	_, err = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "blur", Metadata: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 22, EventType: "blur"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBlockUnblockLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	_, err = f.exam.UnblockAttempt(ctx, attemptID, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	blocked, err := f.exam.BlockAttempt(ctx, attemptID, "", TriggeredByStaff)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status)
	require.NotNil(t, blocked.BlockedAt)
	require.NotNil(t, blocked.BlockedReason)
	assert.Equal(t, "Blocked by staff", *blocked.BlockedReason)

	_, err = f.exam.BlockAttempt(ctx, attemptID, "again", TriggeredByStaff)
	assert.ErrorIs(t, err, ErrAttemptBlocked)

	_, err = f.exam.BlockAttempt(ctx, attemptID, "x", "robot")
	assert.ErrorIs(t, err, ErrInvalidInput)

	unblocked, err := f.exam.UnblockAttempt(ctx, attemptID, "talked to student")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, unblocked.Status)
	assert.False(t, unblocked.IsBlocked)

	events, err := f.exam.ListAttemptEvents(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBlocked, events[0].EventType)
	assert.Equal(t, TriggeredByStaff, events[0].TriggeredBy)
	assert.Equal(t, EventUnblocked, events[1].EventType)
	assert.Equal(t, "talked to student", events[1].Description)

	_, err = f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	_, err = f.exam.BlockAttempt(ctx, attemptID, "late", TriggeredByStaff)
	assert.ErrorIs(t, err, ErrAttemptNotEditable)
}

func TestDeadlineStopsWritesButNotFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{DurationMinutes: 30})
	q, key := f.addChoice(t, test.ID, 5)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	assert.True(t, res.Deadline.Equal(res.Attempt.StartedAt.Add(30*time.Minute)))

	late := res.Attempt.StartedAt.Add(31 * time.Minute)
	f.exam.now = func() time.Time { return late }

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: res.Attempt.ID, StudentID: 21, QuestionID: q.ID, Value: key})
	assert.ErrorIs(t, err, ErrDeadlinePassed)
	_, err = f.exam.RecordEvent(ctx, RecordEventInput{AttemptID: res.Attempt.ID, StudentID: 21, EventType: "blur"})
	assert.ErrorIs(t, err, ErrDeadlinePassed)

	result, err := f.exam.FinishAttempt(ctx, res.Attempt.ID, 21)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Score)
}

func TestManualGradeRecomputesCompletedAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{PassingScore: 50})
	mc, _ := f.addChoice(t, test.ID, 5)
	essay, err := f.catalog.AddQuestion(ctx, catalog.AddQuestionInput{
		TestID: test.ID,
		Text:   "Explain photosynthesis",
		Type:   catalog.QuestionEssay,
		Points: 5,
	})
	require.NoError(t, err)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID

	mcAnswer, err := f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: mc.ID, Value: wrongKey(mc)})
	require.NoError(t, err)
	essayAnswer, err := f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: essay.ID, Value: "Light becomes sugar"})
	require.NoError(t, err)
	assert.Nil(t, essayAnswer.IsCorrect)
	assert.Equal(t, 0.0, essayAnswer.PointsEarned)

	_, err = f.exam.RecomputeAttempt(ctx, attemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFinal)

	result, err := f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Score)
	assert.False(t, result.IsPassed)

	_, err = f.exam.GradeAnswerManually(ctx, ManualGradeInput{AnswerID: mcAnswer.ID, GraderID: 7, PointsEarned: 5})
	assert.ErrorIs(t, err, ErrObjectiveQuestion)
	_, err = f.exam.GradeAnswerManually(ctx, ManualGradeInput{AnswerID: essayAnswer.ID, GraderID: 7, PointsEarned: 6})
	assert.ErrorIs(t, err, ErrInvalidInput)

	graded, err := f.exam.GradeAnswerManually(ctx, ManualGradeInput{AnswerID: essayAnswer.ID, GraderID: 7, PointsEarned: 4, IsCorrect: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 4.0, graded.PointsEarned)
	require.NotNil(t, graded.GradedBy)
	assert.Equal(t, int64(7), *graded.GradedBy)

	stored, err := f.exam.GetAttemptResult(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, 40.0, stored.Score)
	assert.False(t, stored.IsPassed)

	// Authoring after the attempt started leaves its grade alone.
	f.addChoice(t, test.ID, 0.5)
	require.NoError(t, f.catalog.DeleteQuestion(ctx, test.ID, essay.ID))
	recomputed, err := f.exam.RecomputeAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, recomputed.Score)
	assert.Equal(t, 10.0, recomputed.PossiblePoints)
	assert.Equal(t, 4.0, recomputed.EarnedPoints)
}

func TestAuthoringChangesDoNotReachStartedAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{PassingScore: 60})
	q, key := f.addChoice(t, test.ID, 10)

	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	attemptID := res.Attempt.ID
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: q.ID, Value: key})
	require.NoError(t, err)

	added, addedKey := f.addChoice(t, test.ID, 10)
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: attemptID, StudentID: 21, QuestionID: added.ID, Value: addedKey})
	assert.ErrorIs(t, err, ErrQuestionNotInTest)

	resumed, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	require.True(t, resumed.Resumed)
	require.Len(t, resumed.Questions, 1)
	assert.Equal(t, q.ID, resumed.Questions[0].ID)

	summary, err := f.exam.GetAttemptSummary(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalQuestions)

	result, err := f.exam.FinishAttempt(ctx, attemptID, 21)
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Score)
	assert.True(t, result.IsPassed)
	assert.Equal(t, 10.0, result.PossiblePoints)

	require.NoError(t, f.catalog.DeleteQuestion(ctx, test.ID, q.ID))
	recomputed, err := f.exam.RecomputeAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, recomputed.Score)
	assert.True(t, recomputed.IsPassed)

	views, err := f.exam.GetAttemptQuestions(ctx, attemptID, Viewer{UserID: 21})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, q.ID, views[0].ID)
	assert.Len(t, views[0].Options, 2)

	// A later attempt pins the test as it stands now.
	next, err := f.exam.StartAttempt(ctx, test.ID, 22)
	require.NoError(t, err)
	require.Len(t, next.Questions, 1)
	assert.Equal(t, added.ID, next.Questions[0].ID)
}

func TestReadsRespectOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{AuthorID: 7})
	res, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)

	_, err = f.exam.GetAttemptSummary(ctx, res.Attempt.ID, Viewer{UserID: 22})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.exam.GetAttemptQuestions(ctx, res.Attempt.ID, Viewer{UserID: 22})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.exam.GetAttemptSummary(ctx, res.Attempt.ID, Viewer{UserID: 7, Staff: true})
	assert.NoError(t, err)

	_, err = f.exam.GetAttemptResult(ctx, res.Attempt.ID, Viewer{UserID: 21})
	assert.ErrorIs(t, err, ErrAttemptNotFinal)

	author, err := f.exam.AttemptTestAuthor(ctx, res.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), author)
}

func TestListTestAttemptsCountsAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	test := f.createTest(t, catalog.CreateTestInput{})
	q1, key1 := f.addChoice(t, test.ID, 1)
	q2, key2 := f.addChoice(t, test.ID, 1)

	a, err := f.exam.StartAttempt(ctx, test.ID, 21)
	require.NoError(t, err)
	b, err := f.exam.StartAttempt(ctx, test.ID, 22)
	require.NoError(t, err)

	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: a.Attempt.ID, StudentID: 21, QuestionID: q1.ID, Value: key1})
	require.NoError(t, err)
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: a.Attempt.ID, StudentID: 21, QuestionID: q2.ID, Value: key2})
	require.NoError(t, err)
	_, err = f.exam.SubmitAnswer(ctx, SubmitAnswerInput{AttemptID: b.Attempt.ID, StudentID: 22, QuestionID: q1.ID, Value: key1})
	require.NoError(t, err)

	rows, err := f.exam.ListTestAttempts(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	answered := map[int64]int{}
	for _, row := range rows {
		answered[row.StudentID] = row.Answered
	}
	assert.Equal(t, 2, answered[21])
	assert.Equal(t, 1, answered[22])
}
