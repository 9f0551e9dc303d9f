package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cbtattempt/internal/catalog"
	internaldb "cbtattempt/internal/db"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TestCatalog is the read side of authoring the engine depends on.
// ListQuestionHistory includes removed questions so attempts pinned to them
// still render.
type TestCatalog interface {
	GetTest(ctx context.Context, testID int64) (*catalog.Test, error)
	ListQuestions(ctx context.Context, testID int64) ([]catalog.Question, error)
	ListQuestionHistory(ctx context.Context, testID int64) ([]catalog.Question, error)
}

type Service struct {
	db      *sql.DB
	store   *store
	catalog TestCatalog
	now     func() time.Time
}

// Viewer is the resolved caller of a read. Staff viewers are expected to be
// scope-checked by the transport before reaching the service.
type Viewer struct {
	UserID int64
	Staff  bool
}

func (v Viewer) canRead(a *Attempt) bool {
	return v.Staff || a.StudentID == v.UserID
}

func NewService(db *sql.DB, driver internaldb.Driver, cat TestCatalog) *Service {
	return &Service{
		db:      db,
		store:   &store{driver: driver},
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) StartAttempt(ctx context.Context, testID, studentID int64) (*StartResult, error) {
	test, err := s.catalog.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := CheckEligibility(test, studentID, now); err != nil {
		return nil, err
	}

	questions, err := s.catalog.ListQuestions(ctx, testID)
	if err != nil {
		return nil, err
	}

	attempt, resumed, err := s.startOrResume(ctx, testID, studentID, questions, now)
	if err != nil {
		return nil, err
	}

	var views []QuestionView
	if resumed {
		views, err = s.pinnedViews(ctx, attempt)
	} else {
		log.Info().Int64("attempt_id", attempt.ID).Int64("test_id", testID).Int64("student_id", studentID).Msg("attempt started")
		views, err = toQuestionViews(questions)
	}
	if err != nil {
		return nil, err
	}

	return &StartResult{
		Attempt:   attempt,
		Resumed:   resumed,
		Deadline:  test.Deadline(attempt.StartedAt),
		Questions: views,
	}, nil
}

// startOrResume creates the attempt and pins its question set in one
// transaction, or returns the open attempt for the pair.
func (s *Service) startOrResume(ctx context.Context, testID, studentID int64, questions []catalog.Question, now time.Time) (*Attempt, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.store.findOpenAttempt(ctx, tx, testID, studentID)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit resume: %w", err)
		}
		return existing, true, nil
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, false, err
	}

	id, created, err := s.store.insertAttempt(ctx, tx, testID, studentID, now)
	if err != nil {
		return nil, false, err
	}

	var attempt *Attempt
	if created {
		pinned := make([]AttemptQuestion, 0, len(questions))
		for _, q := range questions {
			pinned = append(pinned, pinQuestion(q))
		}
		if err := s.store.pinQuestions(ctx, tx, id, pinned); err != nil {
			return nil, false, err
		}
		attempt, err = s.store.loadAttempt(ctx, tx, id, false)
	} else {
		// A concurrent start won the open-pair index.
		attempt, err = s.store.findOpenAttempt(ctx, tx, testID, studentID)
	}
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit start: %w", err)
	}
	return attempt, !created, nil
}

func (s *Service) BlockAttempt(ctx context.Context, attemptID int64, reason, triggeredBy string) (*Attempt, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Blocked by staff"
	}
	if !validTrigger(triggeredBy) {
		return nil, fmt.Errorf("%w: unknown triggered_by %q", ErrInvalidInput, triggeredBy)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin block tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err := s.store.loadAttempt(ctx, tx, attemptID, true)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusInProgress {
		return nil, stateError(attempt.Status)
	}
	if err := s.blockTx(ctx, tx, attemptID, reason, triggeredBy, s.now()); err != nil {
		return nil, err
	}

	attempt, err = s.store.loadAttempt(ctx, tx, attemptID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit block: %w", err)
	}
	log.Warn().Int64("attempt_id", attemptID).Str("triggered_by", triggeredBy).Str("reason", reason).Msg("attempt blocked")
	return attempt, nil
}

func (s *Service) blockTx(ctx context.Context, tx *sql.Tx, attemptID int64, reason, triggeredBy string, now time.Time) error {
	if err := s.store.markBlocked(ctx, tx, attemptID, reason, now); err != nil {
		if errors.Is(err, errNotInProgress) {
			return ErrAttemptNotEditable
		}
		return err
	}
	meta, _ := json.Marshal(map[string]any{"reason": reason})
	_, err := s.store.insertEvent(ctx, tx, Event{
		AttemptID:   attemptID,
		EventType:   EventBlocked,
		Description: reason,
		Metadata:    meta,
		TriggeredBy: triggeredBy,
		CreatedAt:   now,
	})
	return err
}

func (s *Service) UnblockAttempt(ctx context.Context, attemptID int64, reason string) (*Attempt, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unblocked by staff"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unblock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err := s.store.loadAttempt(ctx, tx, attemptID, true)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusBlocked {
		return nil, fmt.Errorf("%w: attempt is not blocked", ErrInvalidState)
	}

	now := s.now()
	if err := s.store.clearBlocked(ctx, tx, attemptID, now); err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(map[string]any{"reason": reason})
	if _, err := s.store.insertEvent(ctx, tx, Event{
		AttemptID:   attemptID,
		EventType:   EventUnblocked,
		Description: reason,
		Metadata:    meta,
		TriggeredBy: TriggeredByStaff,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	attempt, err = s.store.loadAttempt(ctx, tx, attemptID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit unblock: %w", err)
	}
	log.Info().Int64("attempt_id", attemptID).Str("reason", reason).Msg("attempt unblocked")
	return attempt, nil
}

// FinishAttempt grades and completes an attempt. Finishing a completed
// attempt returns the stored result so client retries are safe.
func (s *Service) FinishAttempt(ctx context.Context, attemptID, studentID int64) (*AttemptResult, error) {
	attempt, err := s.loadOwned(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status == StatusBlocked {
		return nil, ErrAttemptBlocked
	}

	if attempt.Status == StatusCompleted {
		return s.storedResult(ctx, attempt)
	}
	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err = s.store.loadAttempt(ctx, tx, attemptID, true)
	if err != nil {
		return nil, err
	}
	switch attempt.Status {
	case StatusBlocked:
		return nil, ErrAttemptBlocked
	case StatusCompleted:
		_ = tx.Rollback()
		return s.storedResult(ctx, attempt)
	}

	questions, err := s.store.listPinnedQuestions(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.listAnswers(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	earned, possible := tally(questions, answers)
	score, passed := ComputeScore(earned, possible, test.PassingScore)

	if err := s.store.markCompleted(ctx, tx, attemptID, score, passed, s.now()); err != nil {
		if errors.Is(err, errNotInProgress) {
			return nil, ErrAttemptNotEditable
		}
		return nil, err
	}
	attempt, err = s.store.loadAttempt(ctx, tx, attemptID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finish: %w", err)
	}

	log.Info().Int64("attempt_id", attemptID).Float64("score", score).Bool("is_passed", passed).Msg("attempt completed")
	return &AttemptResult{
		Attempt:        attempt,
		Score:          score,
		IsPassed:       passed,
		EarnedPoints:   earned,
		PossiblePoints: possible,
		Answers:        answers,
	}, nil
}

func (s *Service) SubmitAnswer(ctx context.Context, in SubmitAnswerInput) (*Answer, error) {
	attempt, err := s.loadOwned(ctx, in.AttemptID, in.StudentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusInProgress {
		return nil, stateError(attempt.Status)
	}

	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.After(test.Deadline(attempt.StartedAt)) {
		return nil, ErrDeadlinePassed
	}

	questions, err := s.store.listPinnedQuestions(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	question := findPinned(questions, in.QuestionID)
	if question == nil {
		return nil, ErrQuestionNotInTest
	}
	if strings.TrimSpace(in.Value) == "" {
		return nil, fmt.Errorf("%w: answer value is required", ErrInvalidInput)
	}
	graded := question.Grade(in.Value)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The attempt may have been blocked or finished since the first read.
	attempt, err = s.store.loadAttempt(ctx, tx, in.AttemptID, true)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusInProgress {
		return nil, stateError(attempt.Status)
	}

	answer, err := s.store.upsertAnswer(ctx, tx, Answer{
		AttemptID:    in.AttemptID,
		QuestionID:   in.QuestionID,
		Value:        in.Value,
		IsCorrect:    graded.IsCorrect,
		PointsEarned: graded.PointsEarned,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.touchActivity(ctx, tx, in.AttemptID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit answer: %w", err)
	}
	return answer, nil
}

// GradeAnswerManually overwrites the grade of a non-objective answer. A
// completed attempt is rescored in the same transaction.
func (s *Service) GradeAnswerManually(ctx context.Context, in ManualGradeInput) (*Answer, error) {
	if in.GraderID <= 0 {
		return nil, fmt.Errorf("%w: grader is required", ErrInvalidInput)
	}
	answer, err := s.store.loadAnswer(ctx, s.db, in.AnswerID)
	if err != nil {
		return nil, err
	}
	attempt, err := s.store.loadAttempt(ctx, s.db, answer.AttemptID, false)
	if err != nil {
		return nil, err
	}
	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.listPinnedQuestions(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	question := findPinned(questions, answer.QuestionID)
	if question == nil {
		return nil, ErrQuestionNotInTest
	}
	if question.Objective {
		return nil, ErrObjectiveQuestion
	}
	if math.IsNaN(in.PointsEarned) || in.PointsEarned < 0 || in.PointsEarned > question.Points {
		return nil, fmt.Errorf("%w: points_earned must be between 0 and %v", ErrInvalidInput, question.Points)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grade tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err = s.store.loadAttempt(ctx, tx, answer.AttemptID, true)
	if err != nil {
		return nil, err
	}
	graded, err := s.store.gradeAnswer(ctx, tx, in.AnswerID, in.PointsEarned, in.IsCorrect, in.GraderID, s.now())
	if err != nil {
		return nil, err
	}
	if attempt.Status == StatusCompleted {
		if _, err := s.rescoreTx(ctx, tx, attempt.ID, test); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grade: %w", err)
	}

	log.Info().Int64("answer_id", in.AnswerID).Int64("grader_id", in.GraderID).Float64("points", in.PointsEarned).Msg("answer graded manually")
	return graded, nil
}

// RecomputeAttempt reapplies the score formula to a completed attempt over
// the question set it was started with.
func (s *Service) RecomputeAttempt(ctx context.Context, attemptID int64) (*AttemptResult, error) {
	attempt, err := s.store.loadAttempt(ctx, s.db, attemptID, false)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusCompleted {
		return nil, ErrAttemptNotFinal
	}
	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recompute tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err = s.store.loadAttempt(ctx, tx, attemptID, true)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusCompleted {
		return nil, ErrAttemptNotFinal
	}
	result, err := s.rescoreTx(ctx, tx, attemptID, test)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recompute: %w", err)
	}
	return result, nil
}

func (s *Service) rescoreTx(ctx context.Context, tx *sql.Tx, attemptID int64, test *catalog.Test) (*AttemptResult, error) {
	questions, err := s.store.listPinnedQuestions(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.listAnswers(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	earned, possible := tally(questions, answers)
	score, passed := ComputeScore(earned, possible, test.PassingScore)
	if err := s.store.updateScore(ctx, tx, attemptID, score, passed); err != nil {
		return nil, err
	}
	attempt, err := s.store.loadAttempt(ctx, tx, attemptID, false)
	if err != nil {
		return nil, err
	}
	return &AttemptResult{
		Attempt:        attempt,
		Score:          score,
		IsPassed:       passed,
		EarnedPoints:   earned,
		PossiblePoints: possible,
		Answers:        answers,
	}, nil
}

func (s *Service) GetAttemptSummary(ctx context.Context, attemptID int64, viewer Viewer) (*AttemptSummary, error) {
	attempt, err := s.loadReadable(ctx, attemptID, viewer)
	if err != nil {
		return nil, err
	}
	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.listPinnedQuestions(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.listAnswers(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}

	deadline := test.Deadline(attempt.StartedAt)
	return &AttemptSummary{
		Attempt:          attempt,
		Deadline:         deadline,
		RemainingSeconds: remainingSeconds(attempt.Status, deadline, s.now()),
		TotalQuestions:   len(questions),
		Answered:         len(answers),
	}, nil
}

func (s *Service) GetAttemptQuestions(ctx context.Context, attemptID int64, viewer Viewer) ([]QuestionView, error) {
	attempt, err := s.loadReadable(ctx, attemptID, viewer)
	if err != nil {
		return nil, err
	}
	return s.pinnedViews(ctx, attempt)
}

func (s *Service) GetAttemptResult(ctx context.Context, attemptID int64, viewer Viewer) (*AttemptResult, error) {
	attempt, err := s.loadReadable(ctx, attemptID, viewer)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusCompleted {
		return nil, ErrAttemptNotFinal
	}
	return s.storedResult(ctx, attempt)
}

// ListTestAttempts backs the staff dashboard. Attempts and per-attempt answer
// counts load concurrently.
func (s *Service) ListTestAttempts(ctx context.Context, testID int64) ([]TestAttemptRow, error) {
	if _, err := s.catalog.GetTest(ctx, testID); err != nil {
		return nil, err
	}

	var (
		attempts []Attempt
		counts   map[int64]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		attempts, err = s.store.listAttemptsByTest(gctx, s.db, testID)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = s.store.countAnsweredByTest(gctx, s.db, testID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]TestAttemptRow, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, TestAttemptRow{Attempt: a, Answered: counts[a.ID]})
	}
	return rows, nil
}

func (s *Service) ListAttemptEvents(ctx context.Context, attemptID int64) ([]Event, error) {
	if _, err := s.store.loadAttempt(ctx, s.db, attemptID, false); err != nil {
		return nil, err
	}
	return s.store.listEvents(ctx, s.db, attemptID)
}

// TestAuthor, AttemptTestAuthor and AnswerTestAuthor resolve the owning
// author for staff scope checks.
func (s *Service) TestAuthor(ctx context.Context, testID int64) (int64, error) {
	test, err := s.catalog.GetTest(ctx, testID)
	if err != nil {
		return 0, err
	}
	return test.AuthorID, nil
}

func (s *Service) AttemptTestAuthor(ctx context.Context, attemptID int64) (int64, error) {
	attempt, err := s.store.loadAttempt(ctx, s.db, attemptID, false)
	if err != nil {
		return 0, err
	}
	return s.TestAuthor(ctx, attempt.TestID)
}

func (s *Service) AnswerTestAuthor(ctx context.Context, answerID int64) (int64, error) {
	answer, err := s.store.loadAnswer(ctx, s.db, answerID)
	if err != nil {
		return 0, err
	}
	return s.AttemptTestAuthor(ctx, answer.AttemptID)
}

func (s *Service) storedResult(ctx context.Context, attempt *Attempt) (*AttemptResult, error) {
	questions, err := s.store.listPinnedQuestions(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.listAnswers(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	earned, possible := tally(questions, answers)
	out := &AttemptResult{
		Attempt:        attempt,
		EarnedPoints:   earned,
		PossiblePoints: possible,
		Answers:        answers,
	}
	if attempt.Score != nil {
		out.Score = *attempt.Score
	}
	if attempt.IsPassed != nil {
		out.IsPassed = *attempt.IsPassed
	}
	return out, nil
}

// loadOwned enforces ownership before any state check.
func (s *Service) loadOwned(ctx context.Context, attemptID, studentID int64) (*Attempt, error) {
	attempt, err := s.store.loadAttempt(ctx, s.db, attemptID, false)
	if err != nil {
		return nil, err
	}
	if attempt.StudentID != studentID {
		return nil, ErrForbidden
	}
	return attempt, nil
}

func (s *Service) loadReadable(ctx context.Context, attemptID int64, viewer Viewer) (*Attempt, error) {
	attempt, err := s.store.loadAttempt(ctx, s.db, attemptID, false)
	if err != nil {
		return nil, err
	}
	if !viewer.canRead(attempt) {
		return nil, ErrForbidden
	}
	return attempt, nil
}

func toQuestionViews(questions []catalog.Question) ([]QuestionView, error) {
	views := make([]QuestionView, 0, len(questions))
	if err := copier.CopyWithOption(&views, &questions, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy question views: %w", err)
	}
	for i := range views {
		if views[i].Options == nil {
			views[i].Options = []OptionView{}
		}
	}
	return views, nil
}

// pinnedViews renders the questions an attempt was started with, including
// any removed from the test since.
func (s *Service) pinnedViews(ctx context.Context, attempt *Attempt) ([]QuestionView, error) {
	pinned, err := s.store.listPinnedQuestions(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	history, err := s.catalog.ListQuestionHistory(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]catalog.Question, len(history))
	for _, q := range history {
		byID[q.ID] = q
	}
	questions := make([]catalog.Question, 0, len(pinned))
	for _, aq := range pinned {
		if q, ok := byID[aq.QuestionID]; ok {
			questions = append(questions, q)
		}
	}
	return toQuestionViews(questions)
}

func findPinned(questions []AttemptQuestion, questionID int64) *AttemptQuestion {
	for i := range questions {
		if questions[i].QuestionID == questionID {
			return &questions[i]
		}
	}
	return nil
}

func stateError(status Status) error {
	switch status {
	case StatusBlocked:
		return ErrAttemptBlocked
	default:
		return ErrAttemptNotEditable
	}
}

func validTrigger(v string) bool {
	switch v {
	case TriggeredByStudent, TriggeredBySystem, TriggeredByStaff:
		return true
	default:
		return false
	}
}

func remainingSeconds(status Status, deadline, now time.Time) int64 {
	if status != StatusInProgress {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}
