package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cbtattempt/internal/catalog"
	internaldb "cbtattempt/internal/db"
)

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// store holds the attempt SQL. Every method takes the queryable it runs on so
// the same statement serves plain reads and transactional paths.
type store struct {
	driver internaldb.Driver
}

// errNotInProgress reports that a conditional update matched no row because
// the attempt left IN_PROGRESS between the read and the write.
var errNotInProgress = errors.New("attempt not in progress")

const attemptColumns = `
	id, test_id, student_id, status, started_at, finished_at, last_activity_at,
	score, is_passed, cheat_count, is_blocked, blocked_at, blocked_reason`

// forUpdate locks the selected row on Postgres. SQLite transactions already
// hold the database write lock (BEGIN IMMEDIATE).
func (st *store) forUpdate(lock bool) string {
	if lock && st.driver != internaldb.DriverSQLite {
		return " FOR UPDATE"
	}
	return ""
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (*Attempt, error) {
	var (
		a              Attempt
		status         string
		startedAt      int64
		finishedAt     sql.NullInt64
		lastActivityAt int64
		score          sql.NullFloat64
		isPassed       sql.NullBool
		blockedAt      sql.NullInt64
		blockedReason  sql.NullString
	)
	if err := scanner.Scan(
		&a.ID,
		&a.TestID,
		&a.StudentID,
		&status,
		&startedAt,
		&finishedAt,
		&lastActivityAt,
		&score,
		&isPassed,
		&a.CheatCount,
		&a.IsBlocked,
		&blockedAt,
		&blockedReason,
	); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.StartedAt = internaldb.FromMillis(startedAt)
	a.FinishedAt = internaldb.TimePtr(finishedAt)
	a.LastActivityAt = internaldb.FromMillis(lastActivityAt)
	if score.Valid {
		a.Score = &score.Float64
	}
	if isPassed.Valid {
		a.IsPassed = &isPassed.Bool
	}
	a.BlockedAt = internaldb.TimePtr(blockedAt)
	if blockedReason.Valid {
		a.BlockedReason = &blockedReason.String
	}
	return &a, nil
}

func (st *store) loadAttempt(ctx context.Context, q queryable, attemptID int64, lock bool) (*Attempt, error) {
	a, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT`+attemptColumns+`
		FROM attempts
		WHERE id = $1`+st.forUpdate(lock), attemptID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return a, nil
}

func (st *store) findOpenAttempt(ctx context.Context, q queryable, testID, studentID int64) (*Attempt, error) {
	a, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT`+attemptColumns+`
		FROM attempts
		WHERE test_id = $1
		  AND student_id = $2
		  AND status IN ('IN_PROGRESS', 'BLOCKED')`, testID, studentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("find open attempt: %w", err)
	}
	return a, nil
}

// insertAttempt returns created=false when the open-pair unique index already
// holds a row for the pair.
func (st *store) insertAttempt(ctx context.Context, q queryable, testID, studentID int64, now time.Time) (int64, bool, error) {
	ms := internaldb.Millis(now)
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO attempts (
			test_id, student_id, status, started_at, last_activity_at, cheat_count, is_blocked
		) VALUES ($1, $2, 'IN_PROGRESS', $3, $4, 0, FALSE)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, testID, studentID, ms, ms).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("insert attempt: %w", err)
	}
	return id, true, nil
}

// pinQuestions records the grading terms of the questions an attempt starts
// with.
func (st *store) pinQuestions(ctx context.Context, q queryable, attemptID int64, questions []AttemptQuestion) error {
	for _, aq := range questions {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO attempt_questions (
				attempt_id, question_id, position, question_type, points, correct_key, objective
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, attemptID, aq.QuestionID, aq.Position, string(aq.Type), aq.Points, aq.CorrectKey, aq.Objective); err != nil {
			return fmt.Errorf("pin attempt question: %w", err)
		}
	}
	return nil
}

func (st *store) listPinnedQuestions(ctx context.Context, q queryable, attemptID int64) ([]AttemptQuestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, position, question_type, points, correct_key, objective
		FROM attempt_questions
		WHERE attempt_id = $1
		ORDER BY position ASC, question_id ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query attempt questions: %w", err)
	}
	defer rows.Close()

	items := make([]AttemptQuestion, 0)
	for rows.Next() {
		var (
			aq    AttemptQuestion
			qType string
		)
		if err := rows.Scan(&aq.QuestionID, &aq.Position, &qType, &aq.Points, &aq.CorrectKey, &aq.Objective); err != nil {
			return nil, fmt.Errorf("scan attempt question: %w", err)
		}
		aq.Type = catalog.QuestionType(qType)
		items = append(items, aq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt questions: %w", err)
	}
	return items, nil
}

func (st *store) touchActivity(ctx context.Context, q queryable, attemptID int64, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE attempts SET last_activity_at = $1 WHERE id = $2
	`, internaldb.Millis(now), attemptID); err != nil {
		return fmt.Errorf("touch attempt activity: %w", err)
	}
	return nil
}

// incrementCheatCount is a single-statement increment so concurrent events
// never lose a count.
func (st *store) incrementCheatCount(ctx context.Context, q queryable, attemptID int64, now time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		UPDATE attempts
		SET cheat_count = cheat_count + 1,
			last_activity_at = $1
		WHERE id = $2 AND status = 'IN_PROGRESS'
		RETURNING cheat_count
	`, internaldb.Millis(now), attemptID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errNotInProgress
		}
		return 0, fmt.Errorf("increment cheat count: %w", err)
	}
	return count, nil
}

func (st *store) markBlocked(ctx context.Context, q queryable, attemptID int64, reason string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE attempts
		SET status = 'BLOCKED',
			is_blocked = TRUE,
			blocked_at = $1,
			blocked_reason = $2
		WHERE id = $3 AND status = 'IN_PROGRESS'
	`, internaldb.Millis(now), reason, attemptID)
	if err != nil {
		return fmt.Errorf("block attempt: %w", err)
	}
	return requireAffected(res, errNotInProgress)
}

func (st *store) clearBlocked(ctx context.Context, q queryable, attemptID int64, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE attempts
		SET status = 'IN_PROGRESS',
			is_blocked = FALSE,
			blocked_at = NULL,
			blocked_reason = NULL,
			last_activity_at = $1
		WHERE id = $2 AND status = 'BLOCKED'
	`, internaldb.Millis(now), attemptID)
	if err != nil {
		return fmt.Errorf("unblock attempt: %w", err)
	}
	return requireAffected(res, ErrInvalidState)
}

func (st *store) markCompleted(ctx context.Context, q queryable, attemptID int64, score float64, passed bool, now time.Time) error {
	ms := internaldb.Millis(now)
	res, err := q.ExecContext(ctx, `
		UPDATE attempts
		SET status = 'COMPLETED',
			score = $1,
			is_passed = $2,
			finished_at = $3,
			last_activity_at = $4
		WHERE id = $5 AND status = 'IN_PROGRESS'
	`, score, passed, ms, ms, attemptID)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return requireAffected(res, errNotInProgress)
}

func (st *store) updateScore(ctx context.Context, q queryable, attemptID int64, score float64, passed bool) error {
	res, err := q.ExecContext(ctx, `
		UPDATE attempts
		SET score = $1, is_passed = $2
		WHERE id = $3 AND status = 'COMPLETED'
	`, score, passed, attemptID)
	if err != nil {
		return fmt.Errorf("update attempt score: %w", err)
	}
	return requireAffected(res, ErrAttemptNotFinal)
}

func (st *store) listAttemptsByTest(ctx context.Context, q queryable, testID int64) ([]Attempt, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT`+attemptColumns+`
		FROM attempts
		WHERE test_id = $1
		ORDER BY started_at ASC, id ASC`, testID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	items := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return items, nil
}

const answerColumns = `id, attempt_id, question_id, value, is_correct, points_earned, graded_by, updated_at`

func scanAnswer(scanner interface{ Scan(dest ...any) error }) (*Answer, error) {
	var (
		a         Answer
		isCorrect sql.NullBool
		gradedBy  sql.NullInt64
		updatedAt int64
	)
	if err := scanner.Scan(
		&a.ID,
		&a.AttemptID,
		&a.QuestionID,
		&a.Value,
		&isCorrect,
		&a.PointsEarned,
		&gradedBy,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if isCorrect.Valid {
		a.IsCorrect = &isCorrect.Bool
	}
	if gradedBy.Valid {
		a.GradedBy = &gradedBy.Int64
	}
	a.UpdatedAt = internaldb.FromMillis(updatedAt)
	return &a, nil
}

// upsertAnswer keys on (attempt_id, question_id). A resubmission replaces the
// stored value and grade and clears any manual grader.
func (st *store) upsertAnswer(ctx context.Context, q queryable, in Answer, now time.Time) (*Answer, error) {
	a, err := scanAnswer(q.QueryRowContext(ctx, `
		INSERT INTO attempt_answers (
			attempt_id, question_id, value, is_correct, points_earned, graded_by, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULL, $6)
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET
			value = EXCLUDED.value,
			is_correct = EXCLUDED.is_correct,
			points_earned = EXCLUDED.points_earned,
			graded_by = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING `+answerColumns,
		in.AttemptID,
		in.QuestionID,
		in.Value,
		nullableBool(in.IsCorrect),
		in.PointsEarned,
		internaldb.Millis(now),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert answer: %w", err)
	}
	return a, nil
}

func (st *store) loadAnswer(ctx context.Context, q queryable, answerID int64) (*Answer, error) {
	a, err := scanAnswer(q.QueryRowContext(ctx, `
		SELECT `+answerColumns+`
		FROM attempt_answers
		WHERE id = $1`, answerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnswerNotFound
		}
		return nil, fmt.Errorf("load answer: %w", err)
	}
	return a, nil
}

func (st *store) gradeAnswer(ctx context.Context, q queryable, answerID int64, points float64, isCorrect *bool, graderID int64, now time.Time) (*Answer, error) {
	a, err := scanAnswer(q.QueryRowContext(ctx, `
		UPDATE attempt_answers
		SET points_earned = $1,
			is_correct = $2,
			graded_by = $3,
			updated_at = $4
		WHERE id = $5
		RETURNING `+answerColumns,
		points,
		nullableBool(isCorrect),
		graderID,
		internaldb.Millis(now),
		answerID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnswerNotFound
		}
		return nil, fmt.Errorf("grade answer: %w", err)
	}
	return a, nil
}

func (st *store) listAnswers(ctx context.Context, q queryable, attemptID int64) ([]Answer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+answerColumns+`
		FROM attempt_answers
		WHERE attempt_id = $1
		ORDER BY question_id ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return items, nil
}

func (st *store) countAnsweredByTest(ctx context.Context, q queryable, testID int64) (map[int64]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT aa.attempt_id, COUNT(*)
		FROM attempt_answers aa
		JOIN attempts a ON a.id = aa.attempt_id
		WHERE a.test_id = $1
		GROUP BY aa.attempt_id
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var attemptID int64
		var n int
		if err := rows.Scan(&attemptID, &n); err != nil {
			return nil, fmt.Errorf("scan answer count: %w", err)
		}
		out[attemptID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answer counts: %w", err)
	}
	return out, nil
}

func (st *store) insertEvent(ctx context.Context, q queryable, ev Event) (*Event, error) {
	metadata := ev.Metadata
	if len(metadata) == 0 || !json.Valid(metadata) {
		metadata = json.RawMessage(`{}`)
	}
	ev.Metadata = metadata
	if err := q.QueryRowContext(ctx, `
		INSERT INTO attempt_events (
			attempt_id, event_type, description, metadata, triggered_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		ev.AttemptID,
		ev.EventType,
		ev.Description,
		string(metadata),
		ev.TriggeredBy,
		internaldb.Millis(ev.CreatedAt),
	).Scan(&ev.ID); err != nil {
		return nil, fmt.Errorf("insert attempt event: %w", err)
	}
	return &ev, nil
}

func (st *store) listEvents(ctx context.Context, q queryable, attemptID int64) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, attempt_id, event_type, description, metadata, triggered_by, created_at
		FROM attempt_events
		WHERE attempt_id = $1
		ORDER BY id ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query attempt events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var (
			ev        Event
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.AttemptID, &ev.EventType, &ev.Description, &metadata, &ev.TriggeredBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt event: %w", err)
		}
		ev.Metadata = json.RawMessage(metadata)
		ev.CreatedAt = internaldb.FromMillis(createdAt)
		items = append(items, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt events: %w", err)
	}
	return items, nil
}

func requireAffected(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notMatched
	}
	return nil
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
