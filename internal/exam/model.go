package exam

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cbtattempt/internal/catalog"
)

var (
	ErrTestNotFound      = catalog.ErrTestNotFound
	ErrTestNotActive     = errors.New("test is not active")
	ErrOutOfWindow       = errors.New("test is outside its attempt window")
	ErrNotOnRoster       = errors.New("student is not on the test roster")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrAnswerNotFound    = errors.New("answer not found")
	ErrQuestionNotInTest = errors.New("question not in test")
	ErrForbidden         = errors.New("attempt forbidden")
	ErrInvalidInput      = errors.New("invalid input")

	ErrInvalidState       = errors.New("invalid attempt state")
	ErrAttemptBlocked     = fmt.Errorf("%w: attempt is blocked", ErrInvalidState)
	ErrAttemptNotEditable = fmt.Errorf("%w: attempt is not in progress", ErrInvalidState)
	ErrAttemptNotFinal    = fmt.Errorf("%w: attempt is not completed", ErrInvalidState)
	ErrDeadlinePassed     = fmt.Errorf("%w: attempt deadline has passed", ErrInvalidState)

	// ErrBlockedByIntegrity is returned to the call whose event crossed the
	// cheat threshold. The block itself is committed.
	ErrBlockedByIntegrity = errors.New("attempt blocked by integrity monitor")

	ErrInvalidEventType  = fmt.Errorf("%w: event_type is required", ErrInvalidInput)
	ErrObjectiveQuestion = fmt.Errorf("%w: objective answers are graded automatically", ErrInvalidInput)
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
	StatusCompleted  Status = "COMPLETED"
)

const (
	TriggeredByStudent = "student"
	TriggeredBySystem  = "system"
	TriggeredByStaff   = "staff"
)

const (
	EventBlocked                = "blocked"
	EventUnblocked              = "unblocked"
	EventCheatThresholdExceeded = "cheat_threshold_exceeded"
)

const (
	CheatThreshold = 3

	autoBlockReason = "Exceeded cheat detection threshold"
)

type Attempt struct {
	ID             int64      `json:"id"`
	TestID         int64      `json:"test_id"`
	StudentID      int64      `json:"student_id"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Score          *float64   `json:"score,omitempty"`
	IsPassed       *bool      `json:"is_passed,omitempty"`
	CheatCount     int        `json:"cheat_count"`
	IsBlocked      bool       `json:"is_blocked"`
	BlockedAt      *time.Time `json:"blocked_at,omitempty"`
	BlockedReason  *string    `json:"blocked_reason,omitempty"`
}

type Answer struct {
	ID           int64     `json:"id"`
	AttemptID    int64     `json:"attempt_id"`
	QuestionID   int64     `json:"question_id"`
	Value        string    `json:"value"`
	IsCorrect    *bool     `json:"is_correct"`
	PointsEarned float64   `json:"points_earned"`
	GradedBy     *int64    `json:"graded_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Event struct {
	ID          int64           `json:"id"`
	AttemptID   int64           `json:"attempt_id"`
	EventType   string          `json:"event_type"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	TriggeredBy string          `json:"triggered_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AttemptQuestion is a question as it stood when the attempt started. Grading
// reads these terms, never the live catalog row.
type AttemptQuestion struct {
	QuestionID int64
	Position   int
	Type       catalog.QuestionType
	Points     float64
	CorrectKey string
	Objective  bool
}

func pinQuestion(q catalog.Question) AttemptQuestion {
	key, _ := q.CorrectOptionKey()
	return AttemptQuestion{
		QuestionID: q.ID,
		Position:   q.Position,
		Type:       q.Type,
		Points:     q.Points,
		CorrectKey: key,
		Objective:  q.Objective(),
	}
}

// QuestionView is the student-facing question. It carries no answer key.
type QuestionView struct {
	ID       int64                `json:"id"`
	Text     string               `json:"text"`
	Type     catalog.QuestionType `json:"type"`
	Points   float64              `json:"points"`
	Position int                  `json:"position"`
	Options  []OptionView         `json:"options"`
}

type OptionView struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

type StartResult struct {
	Attempt   *Attempt       `json:"attempt"`
	Resumed   bool           `json:"resumed"`
	Deadline  time.Time      `json:"deadline"`
	Questions []QuestionView `json:"questions"`
}

type AttemptSummary struct {
	Attempt          *Attempt  `json:"attempt"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	TotalQuestions   int       `json:"total_questions"`
	Answered         int       `json:"answered"`
}

type AttemptResult struct {
	Attempt        *Attempt `json:"attempt"`
	Score          float64  `json:"score"`
	IsPassed       bool     `json:"is_passed"`
	EarnedPoints   float64  `json:"earned_points"`
	PossiblePoints float64  `json:"possible_points"`
	Answers        []Answer `json:"answers"`
}

type TestAttemptRow struct {
	Attempt
	Answered int `json:"answered"`
}

type SubmitAnswerInput struct {
	AttemptID  int64
	StudentID  int64
	QuestionID int64
	Value      string
}

type RecordEventInput struct {
	AttemptID   int64
	StudentID   int64
	EventType   string
	Description string
	Metadata    json.RawMessage
}

type EventOutcome struct {
	CheatCount int    `json:"cheat_count"`
	Status     Status `json:"status"`
}

type ManualGradeInput struct {
	AnswerID     int64
	GraderID     int64
	PointsEarned float64
	IsCorrect    *bool
}
