package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internaldb "cbtattempt/internal/db"
)

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// GetTest loads a visible test with its roster. Soft-deleted tests are
// reported as missing.
func (s *Service) GetTest(ctx context.Context, testID int64) (*Test, error) {
	if testID <= 0 {
		return nil, ErrTestNotFound
	}

	var (
		t         Test
		startAt   sql.NullInt64
		endAt     sql.NullInt64
		state     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, duration_minutes, passing_score, cheat_detection_enabled,
			start_at, end_at, is_active, author_id, total_questions, state, created_at
		FROM tests
		WHERE id = $1
	`, testID).Scan(
		&t.ID,
		&t.Title,
		&t.DurationMinutes,
		&t.PassingScore,
		&t.CheatDetectionEnabled,
		&startAt,
		&endAt,
		&t.IsActive,
		&t.AuthorID,
		&t.TotalQuestions,
		&state,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}
	t.State = Lifecycle(state)
	if !t.Visible() {
		return nil, ErrTestNotFound
	}
	t.StartAt = internaldb.TimePtr(startAt)
	t.EndAt = internaldb.TimePtr(endAt)
	t.CreatedAt = internaldb.FromMillis(createdAt)

	roster, err := s.loadRoster(ctx, s.db, testID)
	if err != nil {
		return nil, err
	}
	t.Roster = roster
	return &t, nil
}

func (s *Service) loadRoster(ctx context.Context, q queryable, testID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT student_id
		FROM test_roster
		WHERE test_id = $1
		ORDER BY student_id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	roster := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan roster: %w", err)
		}
		roster = append(roster, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return roster, nil
}

// ListQuestions returns the active questions of a test ordered by position,
// each with its options. The result includes the answer key; callers that
// face students must strip it.
func (s *Service) ListQuestions(ctx context.Context, testID int64) ([]Question, error) {
	return s.listQuestions(ctx, testID, false)
}

// ListQuestionHistory also returns questions removed from the test, so
// attempts started before a removal can still render and grade them.
func (s *Service) ListQuestionHistory(ctx context.Context, testID int64) ([]Question, error) {
	return s.listQuestions(ctx, testID, true)
}

func (s *Service) listQuestions(ctx context.Context, testID int64, withRemoved bool) ([]Question, error) {
	questionFilter, optionFilter := " AND state = 'active'", " AND q.state = 'active'"
	if withRemoved {
		questionFilter, optionFilter = "", ""
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, text, type, points, position
		FROM questions
		WHERE test_id = $1`+questionFilter+`
		ORDER BY position ASC, id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	index := map[int64]int{}
	for rows.Next() {
		var q Question
		var qType string
		if err := rows.Scan(&q.ID, &q.TestID, &q.Text, &qType, &q.Points, &q.Position); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = QuestionType(qType)
		q.Options = []Option{}
		index[q.ID] = len(items)
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	optRows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.question_id, o.text, o.is_correct, o.position
		FROM question_options o
		JOIN questions q ON q.id = o.question_id
		WHERE q.test_id = $1`+optionFilter+`
		ORDER BY o.question_id ASC, o.position ASC, o.id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var o Option
		if err := optRows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect, &o.Position); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		if i, ok := index[o.QuestionID]; ok {
			items[i].Options = append(items[i].Options, o)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate options: %w", err)
	}
	return items, nil
}

// GetQuestion loads one active question with its options.
func (s *Service) GetQuestion(ctx context.Context, questionID int64) (*Question, error) {
	var testID int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT test_id
		FROM questions
		WHERE id = $1 AND state = 'active'
	`, questionID).Scan(&testID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("load question: %w", err)
	}

	questions, err := s.ListQuestions(ctx, testID)
	if err != nil {
		return nil, err
	}
	for i := range questions {
		if questions[i].ID == questionID {
			return &questions[i], nil
		}
	}
	return nil, ErrQuestionNotFound
}

func (s *Service) CreateTest(ctx context.Context, in CreateTestInput) (*Test, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" || in.AuthorID <= 0 {
		return nil, ErrInvalidInput
	}
	if in.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be positive", ErrInvalidInput)
	}
	if in.PassingScore < 0 || in.PassingScore > 100 {
		return nil, fmt.Errorf("%w: passing_score must be between 0 and 100", ErrInvalidInput)
	}
	if in.StartAt != nil && in.EndAt != nil && !in.EndAt.After(*in.StartAt) {
		return nil, fmt.Errorf("%w: end_at must be after start_at", ErrInvalidInput)
	}
	isActive := true
	if in.IsActive != nil {
		isActive = *in.IsActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var testID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO tests (
			title, duration_minutes, passing_score, cheat_detection_enabled,
			start_at, end_at, is_active, author_id, total_questions, state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 'active', $9)
		RETURNING id
	`,
		in.Title,
		in.DurationMinutes,
		in.PassingScore,
		in.CheatDetectionEnabled,
		internaldb.NullMillis(in.StartAt),
		internaldb.NullMillis(in.EndAt),
		isActive,
		in.AuthorID,
		internaldb.Millis(s.now()),
	).Scan(&testID); err != nil {
		return nil, fmt.Errorf("insert test: %w", err)
	}

	if err := replaceRosterTx(ctx, tx, testID, in.Roster); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s.GetTest(ctx, testID)
}

// SetRoster replaces the roster. An empty list opens the test to every
// student.
func (s *Service) SetRoster(ctx context.Context, testID int64, studentIDs []int64) (*Test, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureTestActiveTx(ctx, tx, testID); err != nil {
		return nil, err
	}
	if err := replaceRosterTx(ctx, tx, testID, studentIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s.GetTest(ctx, testID)
}

func (s *Service) DeleteTest(ctx context.Context, testID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tests
		SET state = 'deleted', is_active = FALSE
		WHERE id = $1 AND state = 'active'
	`, testID)
	if err != nil {
		return fmt.Errorf("delete test: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete test rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTestNotFound
	}
	return nil
}

func (s *Service) AddQuestion(ctx context.Context, in AddQuestionInput) (*Question, error) {
	in.Text = strings.TrimSpace(in.Text)
	in.Type = QuestionType(strings.TrimSpace(strings.ToLower(string(in.Type))))
	if in.TestID <= 0 || in.Text == "" || !in.Type.Valid() {
		return nil, ErrInvalidInput
	}
	if in.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidInput)
	}
	options, err := normalizeOptions(in.Type, in.Options)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureTestActiveTx(ctx, tx, in.TestID); err != nil {
		return nil, err
	}

	position := 0
	if in.Position != nil {
		position = *in.Position
	} else if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1
		FROM questions
		WHERE test_id = $1 AND state = 'active'
	`, in.TestID).Scan(&position); err != nil {
		return nil, fmt.Errorf("next question position: %w", err)
	}

	out := Question{
		TestID:   in.TestID,
		Text:     in.Text,
		Type:     in.Type,
		Points:   in.Points,
		Position: position,
		Options:  make([]Option, 0, len(options)),
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO questions (test_id, text, type, points, position, state)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING id
	`, in.TestID, in.Text, string(in.Type), in.Points, position).Scan(&out.ID); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}

	for i, opt := range options {
		o := Option{QuestionID: out.ID, Text: opt.Text, IsCorrect: opt.IsCorrect, Position: i + 1}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO question_options (question_id, text, is_correct, position)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, o.QuestionID, o.Text, o.IsCorrect, o.Position).Scan(&o.ID); err != nil {
			return nil, fmt.Errorf("insert option: %w", err)
		}
		out.Options = append(out.Options, o)
	}

	if _, err := recomputeTotalQuestions(ctx, tx, in.TestID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &out, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, testID, questionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE questions
		SET state = 'deleted'
		WHERE id = $1 AND test_id = $2 AND state = 'active'
	`, questionID, testID)
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete question rows affected: %w", err)
	}
	if affected == 0 {
		return ErrQuestionNotFound
	}

	if _, err := recomputeTotalQuestions(ctx, tx, testID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecomputeTotalQuestions refreshes the derived question count from the
// active questions of the test.
func (s *Service) RecomputeTotalQuestions(ctx context.Context, testID int64) (int, error) {
	return recomputeTotalQuestions(ctx, s.db, testID)
}

func recomputeTotalQuestions(ctx context.Context, q queryable, testID int64) (int, error) {
	var total int
	err := q.QueryRowContext(ctx, `
		UPDATE tests
		SET total_questions = (
			SELECT COUNT(*) FROM questions WHERE test_id = $1 AND state = 'active'
		)
		WHERE id = $2
		RETURNING total_questions
	`, testID, testID).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTestNotFound
		}
		return 0, fmt.Errorf("recompute total questions: %w", err)
	}
	return total, nil
}

// DeactivateEndedTests closes every active test whose window has ended.
func (s *Service) DeactivateEndedTests(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tests
		SET is_active = FALSE
		WHERE is_active = TRUE
		  AND state = 'active'
		  AND end_at IS NOT NULL
		  AND end_at < $1
	`, internaldb.Millis(now))
	if err != nil {
		return 0, fmt.Errorf("deactivate ended tests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate rows affected: %w", err)
	}
	return affected, nil
}

func ensureTestActiveTx(ctx context.Context, tx *sql.Tx, testID int64) error {
	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM tests WHERE id = $1 AND state = 'active'
	`, testID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTestNotFound
		}
		return fmt.Errorf("load test: %w", err)
	}
	return nil
}

func replaceRosterTx(ctx context.Context, tx *sql.Tx, testID int64, studentIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM test_roster WHERE test_id = $1`, testID); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	seen := make(map[int64]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		if id <= 0 {
			return fmt.Errorf("%w: roster contains invalid student id %d", ErrInvalidInput, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO test_roster (test_id, student_id) VALUES ($1, $2)
		`, testID, id); err != nil {
			return fmt.Errorf("insert roster: %w", err)
		}
	}
	return nil
}

func normalizeOptions(qType QuestionType, options []OptionInput) ([]OptionInput, error) {
	switch qType {
	case QuestionEssay, QuestionShortAnswer:
		if len(options) > 0 {
			return nil, fmt.Errorf("%w: %s questions take no options", ErrInvalidInput, qType)
		}
		return nil, nil
	case QuestionTrueFalse:
		if len(options) == 0 {
			return nil, nil
		}
	}

	if len(options) < 2 {
		return nil, fmt.Errorf("%w: options must contain at least 2 rows", ErrInvalidInput)
	}
	out := make([]OptionInput, 0, len(options))
	correct := 0
	for i, opt := range options {
		text := strings.TrimSpace(opt.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: options[%d].text is required", ErrInvalidInput, i)
		}
		if opt.IsCorrect {
			correct++
		}
		out = append(out, OptionInput{Text: text, IsCorrect: opt.IsCorrect})
	}
	if correct != 1 {
		return nil, fmt.Errorf("%w: exactly one option must be correct", ErrInvalidInput)
	}
	return out, nil
}
