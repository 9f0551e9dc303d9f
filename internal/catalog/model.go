package catalog

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrTestNotFound     = errors.New("test not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrForbidden        = errors.New("forbidden")
)

type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionEssay          QuestionType = "essay"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMultipleChoice, QuestionEssay, QuestionTrueFalse, QuestionShortAnswer:
		return true
	default:
		return false
	}
}

// Lifecycle replaces a nullable deleted-at column. Only active rows are
// visible to attempt-time reads.
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleDeleted Lifecycle = "deleted"
)

type Test struct {
	ID                    int64      `json:"id"`
	Title                 string     `json:"title"`
	DurationMinutes       int        `json:"duration_minutes"`
	PassingScore          float64    `json:"passing_score"`
	CheatDetectionEnabled bool       `json:"cheat_detection_enabled"`
	StartAt               *time.Time `json:"start_at,omitempty"`
	EndAt                 *time.Time `json:"end_at,omitempty"`
	IsActive              bool       `json:"is_active"`
	AuthorID              int64      `json:"author_id"`
	Roster                []int64    `json:"roster"`
	TotalQuestions        int        `json:"total_questions"`
	State                 Lifecycle  `json:"state"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (t *Test) Visible() bool {
	return t != nil && t.State == LifecycleActive
}

// AllowsStudent reports roster membership. An empty roster admits everyone.
func (t *Test) AllowsStudent(studentID int64) bool {
	if len(t.Roster) == 0 {
		return true
	}
	for _, id := range t.Roster {
		if id == studentID {
			return true
		}
	}
	return false
}

// Deadline is the latest instant an attempt started at startedAt may still
// take writes.
func (t *Test) Deadline(startedAt time.Time) time.Time {
	deadline := startedAt.Add(time.Duration(t.DurationMinutes) * time.Minute)
	if t.EndAt != nil && t.EndAt.Before(deadline) {
		deadline = *t.EndAt
	}
	return deadline
}

type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
	Position   int    `json:"position"`
}

type Question struct {
	ID       int64        `json:"id"`
	TestID   int64        `json:"test_id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Points   float64      `json:"points"`
	Position int          `json:"position"`
	Options  []Option     `json:"options"`
}

// CorrectOptionKey returns the answer value that marks the question correct:
// the decimal id of the option flagged is_correct.
func (q *Question) CorrectOptionKey() (string, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return strconv.FormatInt(o.ID, 10), true
		}
	}
	return "", false
}

// Objective reports whether answers are graded automatically.
func (q *Question) Objective() bool {
	switch q.Type {
	case QuestionMultipleChoice:
		return true
	case QuestionTrueFalse:
		return len(q.Options) > 0
	default:
		return false
	}
}

type CreateTestInput struct {
	Title                 string     `json:"title"`
	DurationMinutes       int        `json:"duration_minutes"`
	PassingScore          float64    `json:"passing_score"`
	CheatDetectionEnabled bool       `json:"cheat_detection_enabled"`
	StartAt               *time.Time `json:"start_at"`
	EndAt                 *time.Time `json:"end_at"`
	IsActive              *bool      `json:"is_active"`
	AuthorID              int64      `json:"-"`
	Roster                []int64    `json:"roster"`
}

type OptionInput struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

type AddQuestionInput struct {
	TestID   int64         `json:"-"`
	Text     string        `json:"text"`
	Type     QuestionType  `json:"type"`
	Points   float64       `json:"points"`
	Position *int          `json:"position"`
	Options  []OptionInput `json:"options"`
}
