package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cbtattempt/internal/app/apiresp"
	"cbtattempt/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	svc examService
}

type examService interface {
	StartAttempt(ctx context.Context, testID, studentID int64) (*StartResult, error)
	GetAttemptSummary(ctx context.Context, attemptID int64, viewer Viewer) (*AttemptSummary, error)
	GetAttemptQuestions(ctx context.Context, attemptID int64, viewer Viewer) ([]QuestionView, error)
	GetAttemptResult(ctx context.Context, attemptID int64, viewer Viewer) (*AttemptResult, error)
	SubmitAnswer(ctx context.Context, in SubmitAnswerInput) (*Answer, error)
	RecordEvent(ctx context.Context, in RecordEventInput) (*EventOutcome, error)
	FinishAttempt(ctx context.Context, attemptID, studentID int64) (*AttemptResult, error)
	BlockAttempt(ctx context.Context, attemptID int64, reason, triggeredBy string) (*Attempt, error)
	UnblockAttempt(ctx context.Context, attemptID int64, reason string) (*Attempt, error)
	GradeAnswerManually(ctx context.Context, in ManualGradeInput) (*Answer, error)
	RecomputeAttempt(ctx context.Context, attemptID int64) (*AttemptResult, error)
	ListTestAttempts(ctx context.Context, testID int64) ([]TestAttemptRow, error)
	ListAttemptEvents(ctx context.Context, attemptID int64) ([]Event, error)
	TestAuthor(ctx context.Context, testID int64) (int64, error)
	AttemptTestAuthor(ctx context.Context, attemptID int64) (int64, error)
	AnswerTestAuthor(ctx context.Context, answerID int64) (int64, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type startAttemptRequest struct {
	TestID int64 `json:"test_id"`
}

type submitAnswerRequest struct {
	Value string `json:"value"`
}

type attemptEventRequest struct {
	EventType   string          `json:"event_type"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type gradeAnswerRequest struct {
	PointsEarned *float64 `json:"points_earned"`
	IsCorrect    *bool    `json:"is_correct"`
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if req.TestID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "test_id is required"})
		return
	}

	result, err := h.svc.StartAttempt(r.Context(), req.TestID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, response{OK: true, Data: result})
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, viewer, ok := h.attemptViewer(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.GetAttemptSummary(r.Context(), attemptID, viewer)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: summary})
}

func (h *Handler) GetAttemptQuestions(w http.ResponseWriter, r *http.Request) {
	attemptID, viewer, ok := h.attemptViewer(w, r)
	if !ok {
		return
	}
	items, err := h.svc.GetAttemptQuestions(r.Context(), attemptID, viewer)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	attemptID, viewer, ok := h.attemptViewer(w, r)
	if !ok {
		return
	}
	result, err := h.svc.GetAttemptResult(r.Context(), attemptID, viewer)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: result})
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	attemptID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return
	}
	questionID, err := parseIDParam(r, "questionID")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid question id"})
		return
	}

	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	answer, err := h.svc.SubmitAnswer(r.Context(), SubmitAnswerInput{
		AttemptID:  attemptID,
		StudentID:  user.ID,
		QuestionID: questionID,
		Value:      req.Value,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: answer})
}

func (h *Handler) LogEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	attemptID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return
	}

	var req attemptEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	outcome, err := h.svc.RecordEvent(r.Context(), RecordEventInput{
		AttemptID:   attemptID,
		StudentID:   user.ID,
		EventType:   req.EventType,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: outcome})
}

func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	attemptID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return
	}

	result, err := h.svc.FinishAttempt(r.Context(), attemptID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: result})
}

func (h *Handler) ListTestAttempts(w http.ResponseWriter, r *http.Request) {
	testID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid test id"})
		return
	}
	if !h.authorizeStaff(w, r, func(ctx context.Context) (int64, error) { return h.svc.TestAuthor(ctx, testID) }) {
		return
	}

	items, err := h.svc.ListTestAttempts(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.staffAttempt(w, r)
	if !ok {
		return
	}
	items, err := h.svc.ListAttemptEvents(r.Context(), attemptID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.staffAttempt(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	attempt, err := h.svc.BlockAttempt(r.Context(), attemptID, req.Reason, TriggeredByStaff)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: attempt})
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.staffAttempt(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	attempt, err := h.svc.UnblockAttempt(r.Context(), attemptID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: attempt})
}

func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.staffAttempt(w, r)
	if !ok {
		return
	}
	result, err := h.svc.RecomputeAttempt(r.Context(), attemptID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: result})
}

func (h *Handler) GradeAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	answerID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid answer id"})
		return
	}
	if !h.authorizeStaff(w, r, func(ctx context.Context) (int64, error) { return h.svc.AnswerTestAuthor(ctx, answerID) }) {
		return
	}

	var req gradeAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if req.PointsEarned == nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "points_earned is required"})
		return
	}

	answer, err := h.svc.GradeAnswerManually(r.Context(), ManualGradeInput{
		AnswerID:     answerID,
		GraderID:     user.ID,
		PointsEarned: *req.PointsEarned,
		IsCorrect:    req.IsCorrect,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: answer})
}

// attemptViewer resolves the caller of an attempt read. Students are checked
// for ownership by the service; staff are scoped to tests they may manage.
func (h *Handler) attemptViewer(w http.ResponseWriter, r *http.Request) (int64, Viewer, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return 0, Viewer{}, false
	}
	attemptID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return 0, Viewer{}, false
	}
	if !user.IsStaff() {
		return attemptID, Viewer{UserID: user.ID}, true
	}
	if !h.authorizeStaff(w, r, func(ctx context.Context) (int64, error) { return h.svc.AttemptTestAuthor(ctx, attemptID) }) {
		return 0, Viewer{}, false
	}
	return attemptID, Viewer{UserID: user.ID, Staff: true}, true
}

func (h *Handler) staffAttempt(w http.ResponseWriter, r *http.Request) (int64, bool) {
	attemptID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return 0, false
	}
	if !h.authorizeStaff(w, r, func(ctx context.Context) (int64, error) { return h.svc.AttemptTestAuthor(ctx, attemptID) }) {
		return 0, false
	}
	return attemptID, true
}

func (h *Handler) authorizeStaff(w http.ResponseWriter, r *http.Request, author func(ctx context.Context) (int64, error)) bool {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return false
	}
	authorID, err := author(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return false
	}
	if !user.CanManageTest(authorID) {
		writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "forbidden"})
		return false
	}
	return true
}

// writeServiceError maps engine errors onto HTTP statuses and stable codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAttemptNotFound),
		errors.Is(err, ErrTestNotFound),
		errors.Is(err, ErrQuestionNotInTest),
		errors.Is(err, ErrAnswerNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrForbidden):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, ErrNotOnRoster):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "not_on_roster", err.Error())
	case errors.Is(err, ErrBlockedByIntegrity):
		apiresp.WriteErrorCode(w, r, http.StatusLocked, "blocked", err.Error())
	case errors.Is(err, ErrAttemptBlocked):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "attempt_blocked", err.Error())
	case errors.Is(err, ErrInvalidState):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrOutOfWindow):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "out_of_window", err.Error())
	case errors.Is(err, ErrTestNotActive):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "not_active", err.Error())
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("attempt request failed")
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseIDParam(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
