package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/attempts/123/answers/9")
	want := "/api/v1/attempts/{id}/answers/{id}"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
}

func TestExtractAttemptID(t *testing.T) {
	if id := extractAttemptID("/api/v1/attempts/456/finish"); id != 456 {
		t.Fatalf("expected 456, got %d", id)
	}
	if id := extractAttemptID("/api/v1/staff/tests/1/attempts"); id != 0 {
		t.Fatalf("expected 0 for non-attempt path, got %d", id)
	}
}

func TestCollectorCountsRequests(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	c := NewCollector(nil)
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLocked)
	}))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/attempts/7/events", nil))
	}

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	want := `cbtattempt_http_requests_total{method="POST",path="/api/v1/attempts/{id}/events",status="423"} 2`
	if !strings.Contains(body, want) {
		t.Fatalf("metrics missing %q:\n%s", want, body)
	}
}

func TestInitLoggerLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	InitLogger("production", "warn")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}
	InitLogger("production", "nonsense")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", zerolog.GlobalLevel())
	}
}
