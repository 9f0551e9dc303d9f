package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cbtattempt/internal/app/apiresp"
	"cbtattempt/internal/auth"
	"cbtattempt/internal/catalog"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type reportService interface {
	TestAuthor(ctx context.Context, testID int64) (int64, error)
	SummaryByTest(ctx context.Context, testID int64) (*TestSummary, error)
	ExportExcel(ctx context.Context, testID int64) ([]byte, error)
}

type Handler struct {
	svc reportService
}

func NewHandler(svc reportService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	testID, ok := h.authorizedTest(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.SummaryByTest(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

func (h *Handler) ExportExcel(w http.ResponseWriter, r *http.Request) {
	testID, ok := h.authorizedTest(w, r)
	if !ok {
		return
	}
	content, err := h.svc.ExportExcel(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="test-%d-report.xlsx"`, testID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) authorizedTest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	testID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || testID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return 0, false
	}
	authorID, err := h.svc.TestAuthor(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return 0, false
	}
	if !user.CanManageTest(authorID) {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return 0, false
	}
	return testID, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, catalog.ErrTestNotFound) {
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		return
	}
	log.Error().Err(err).Str("path", r.URL.Path).Msg("report request failed")
	apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
}
