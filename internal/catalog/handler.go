package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cbtattempt/internal/app/apiresp"
	"cbtattempt/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	svc catalogService
}

type catalogService interface {
	GetTest(ctx context.Context, testID int64) (*Test, error)
	CreateTest(ctx context.Context, in CreateTestInput) (*Test, error)
	SetRoster(ctx context.Context, testID int64, studentIDs []int64) (*Test, error)
	ImportRosterCSV(ctx context.Context, testID int64, r io.Reader) (*RosterImportReport, error)
	DeleteTest(ctx context.Context, testID int64) error
	ListQuestions(ctx context.Context, testID int64) ([]Question, error)
	AddQuestion(ctx context.Context, in AddQuestionInput) (*Question, error)
	DeleteQuestion(ctx context.Context, testID, questionID int64) error
}

type apiResponse struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type setRosterRequest struct {
	StudentIDs []int64 `json:"student_ids"`
}

type testDetail struct {
	*Test
	Questions []Question `json:"questions"`
}

func NewHandler(svc catalogService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, apiResponse{OK: false, Error: "unauthorized"})
		return
	}

	var req CreateTestInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid request body"})
		return
	}
	req.AuthorID = user.ID

	item, err := h.svc.CreateTest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, apiResponse{OK: true, Data: item})
}

func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}
	questions, err := h.svc.ListQuestions(r.Context(), test.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: testDetail{Test: test, Questions: questions}})
}

func (h *Handler) SetRoster(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}

	var req setRosterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid request body"})
		return
	}

	item, err := h.svc.SetRoster(r.Context(), test.ID, req.StudentIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: item})
}

func (h *Handler) ImportRosterCSV(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(4 << 20); err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid multipart form"})
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "file field is required"})
		return
	}
	defer file.Close()

	report, err := h.svc.ImportRosterCSV(r.Context(), test.ID, file)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: map[string]any{
		"filename": hdr.Filename,
		"report":   report,
	}})
}

func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteTest(r.Context(), test.ID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: map[string]any{"deleted": true, "test_id": test.ID}})
}

func (h *Handler) AddQuestion(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}

	var req AddQuestionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid request body"})
		return
	}
	req.TestID = test.ID

	item, err := h.svc.AddQuestion(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, apiResponse{OK: true, Data: item})
}

func (h *Handler) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadManagedTest(w, r)
	if !ok {
		return
	}
	questionID, err := parseIDParam(r, "questionID")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid question id"})
		return
	}
	if err := h.svc.DeleteQuestion(r.Context(), test.ID, questionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: map[string]any{"deleted": true, "question_id": questionID}})
}

func (h *Handler) loadManagedTest(w http.ResponseWriter, r *http.Request) (*Test, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, apiResponse{OK: false, Error: "unauthorized"})
		return nil, false
	}
	testID, err := parseIDParam(r, "id")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid test id"})
		return nil, false
	}
	test, err := h.svc.GetTest(r.Context(), testID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	if !user.CanManageTest(test.AuthorID) {
		writeJSON(w, r, http.StatusForbidden, apiResponse{OK: false, Error: "forbidden"})
		return nil, false
	}
	return test, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: err.Error()})
	case errors.Is(err, ErrTestNotFound), errors.Is(err, ErrQuestionNotFound):
		writeJSON(w, r, http.StatusNotFound, apiResponse{OK: false, Error: err.Error()})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, r, http.StatusForbidden, apiResponse{OK: false, Error: "forbidden"})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("catalog request failed")
		writeJSON(w, r, http.StatusInternalServerError, apiResponse{OK: false, Error: "internal error"})
	}
}

func parseIDParam(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload apiResponse) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
