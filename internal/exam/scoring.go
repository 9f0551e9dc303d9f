package exam

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"cbtattempt/internal/catalog"
)

type ScoreInput struct {
	QuestionType catalog.QuestionType
	// CorrectKey is the id of the option marked correct, empty for questions
	// without options.
	CorrectKey string
	Value      string
	Points     float64
}

type ScoreResult struct {
	Answered     bool    `json:"answered"`
	IsCorrect    *bool   `json:"is_correct,omitempty"`
	PointsEarned float64 `json:"points_earned"`
	Reason       string  `json:"reason"`
	Selected     string  `json:"selected,omitempty"`
}

// GradeAnswer grades one submitted value against the current question.
func GradeAnswer(q catalog.Question, value string) ScoreResult {
	return pinQuestion(q).Grade(value)
}

// Grade compares the selected option id with the pinned key for objective
// questions; everything else is left ungraded at zero points for a human
// grader.
func (aq AttemptQuestion) Grade(value string) ScoreResult {
	qType := aq.Type
	if !aq.Objective {
		qType = catalog.QuestionEssay
	}
	return ScoreQuestion(ScoreInput{
		QuestionType: qType,
		CorrectKey:   aq.CorrectKey,
		Value:        value,
		Points:       aq.Points,
	})
}

func ScoreQuestion(in ScoreInput) ScoreResult {
	points := in.Points
	if points < 0 {
		points = 0
	}

	switch in.QuestionType {
	case catalog.QuestionMultipleChoice, catalog.QuestionTrueFalse:
		return scoreSingleChoice(in.CorrectKey, in.Value, points)
	default:
		if strings.TrimSpace(in.Value) == "" {
			return ScoreResult{Reason: "unanswered"}
		}
		return ScoreResult{Answered: true, Reason: "ungraded"}
	}
}

func scoreSingleChoice(correct, value string, points float64) ScoreResult {
	correct = strings.TrimSpace(correct)
	if correct == "" {
		return ScoreResult{Reason: "malformed_answer_key"}
	}

	selected, status := parseSingleSelection(value)
	switch status {
	case "unanswered":
		return ScoreResult{Reason: "unanswered"}
	case "malformed":
		return ScoreResult{Answered: true, IsCorrect: boolPtr(false), Reason: "malformed_payload"}
	}

	if selected == correct {
		return ScoreResult{Answered: true, IsCorrect: boolPtr(true), PointsEarned: points, Reason: "correct", Selected: selected}
	}
	return ScoreResult{Answered: true, IsCorrect: boolPtr(false), Reason: "wrong", Selected: selected}
}

// parseSingleSelection accepts either the bare option id or a JSON object of
// the form {"selected": "<id>"}.
func parseSingleSelection(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "unanswered"
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, "answered"
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", "malformed"
	}
	v, ok := obj["selected"]
	if !ok {
		return "", "unanswered"
	}
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return "", "unanswered"
		}
		return t, "answered"
	case float64:
		if t != math.Trunc(t) {
			return "", "malformed"
		}
		return strconv.FormatFloat(t, 'f', -1, 64), "answered"
	default:
		return "", "malformed"
	}
}

// ComputeScore turns earned and possible points into a percentage rounded to
// two decimals. No possible points scores zero.
func ComputeScore(earned, possible, passingScore float64) (float64, bool) {
	score := 0.0
	if possible > 0 {
		score = math.Round(earned/possible*100*100) / 100
	}
	return score, score >= passingScore
}

// tally sums earned points over answers to the pinned questions and possible
// points over the pinned questions themselves. Answers outside the set are
// ignored.
func tally(questions []AttemptQuestion, answers []Answer) (earned, possible float64) {
	byID := make(map[int64]struct{}, len(questions))
	for _, q := range questions {
		possible += q.Points
		byID[q.QuestionID] = struct{}{}
	}
	for _, a := range answers {
		if _, ok := byID[a.QuestionID]; ok {
			earned += a.PointsEarned
		}
	}
	return earned, possible
}

func boolPtr(v bool) *bool {
	return &v
}
