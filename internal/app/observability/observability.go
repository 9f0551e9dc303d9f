package observability

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cbtattempt/internal/auth"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger. Development gets a console
// writer, every other environment writes JSON lines to stdout.
func InitLogger(appEnv, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(appEnv, "development") {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "cbtattempt").Logger()
}

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db *sql.DB

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time
}

func NewCollector(db *sql.DB) *Collector {
	return &Collector{
		db:           db,
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records per-route request stats and writes one structured
// access log line per request.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)
		c.record(key{Method: r.Method, Path: path, Status: rec.status}, latencyMS)

		userID := int64(0)
		if u, ok := auth.CurrentUser(r.Context()); ok {
			userID = u.ID
		}

		ev := log.Info()
		switch {
		case rec.status >= 500:
			ev = log.Error()
		case rec.status == http.StatusLocked || rec.status == http.StatusTooManyRequests:
			ev = log.Warn()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Int64("user_id", userID).
			Int64("attempt_id", extractAttemptID(r.URL.Path)).
			Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Float64("latency_ms", latencyMS).
			Str("remote_ip", strings.TrimSpace(r.RemoteAddr)).
			Msg("http request")
	})
}

func (c *Collector) record(k key, latencyMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.requestStats[k]
	s.Count++
	s.LatencyMS += latencyMS
	c.requestStats[k] = s
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# cbtattempt metrics\n")
	sb.WriteString("# TYPE cbtattempt_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "cbtattempt_uptime_seconds %.0f\n", time.Since(startedAt).Seconds())

	sb.WriteString("# TYPE cbtattempt_http_requests_total counter\n")
	sb.WriteString("# TYPE cbtattempt_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE cbtattempt_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=%q,path=%q,status=\"%d\"", k.Method, k.Path, k.Status)
		fmt.Fprintf(&sb, "cbtattempt_http_requests_total{%s} %d\n", labels, s.Count)
		fmt.Fprintf(&sb, "cbtattempt_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS)
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		fmt.Fprintf(&sb, "cbtattempt_http_request_latency_ms_avg{%s} %.3f\n", labels, avg)
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE cbtattempt_db_open_connections gauge\n")
		fmt.Fprintf(&sb, "cbtattempt_db_open_connections %d\n", dbs.OpenConnections)
		sb.WriteString("# TYPE cbtattempt_db_in_use_connections gauge\n")
		fmt.Fprintf(&sb, "cbtattempt_db_in_use_connections %d\n", dbs.InUse)
		sb.WriteString("# TYPE cbtattempt_db_wait_count counter\n")
		fmt.Fprintf(&sb, "cbtattempt_db_wait_count %d\n", dbs.WaitCount)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractAttemptID(path string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "attempts" {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
