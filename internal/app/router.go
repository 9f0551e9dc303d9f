package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"cbtattempt/internal/app/apiresp"
	"cbtattempt/internal/app/observability"
	"cbtattempt/internal/auth"
	"cbtattempt/internal/catalog"
	internaldb "cbtattempt/internal/db"
	"cbtattempt/internal/exam"
	"cbtattempt/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(cfg Config, db *sql.DB) (http.Handler, error) {
	authSvc, err := auth.NewService(auth.ServiceConfig{
		Accounts:    cfg.LocalAccounts,
		TokenSecret: cfg.JWTSecret,
		TokenIssuer: cfg.JWTIssuer,
		TokenTTL:    cfg.JWTTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}
	authHandler := auth.NewHandler(authSvc)

	catalogSvc := catalog.NewService(db)
	catalogHandler := catalog.NewHandler(catalogSvc)

	examSvc := exam.NewService(db, internaldb.Driver(cfg.DBDriver), catalogSvc)
	examHandler := exam.NewHandler(examSvc)

	reportHandler := report.NewHandler(report.NewService(catalogSvc, examSvc))

	metrics := observability.NewCollector(db)
	loginLimiter := NewRateLimiter(cfg.AuthRateLimitPerMin, time.Minute)
	eventLimiter := NewRateLimiter(cfg.EventRateLimitPerMin, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", csrfHeaderName},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(CSRFMiddleware(cfg.CSRFEnforced))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			apiresp.WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metrics.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(RateLimitMiddleware(loginLimiter, ByIP)).Post("/auth/login", authHandler.LoginPassword)

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Get("/auth/me", authHandler.Me)

			secure.Group(func(student chi.Router) {
				student.Use(auth.RequireRoles(auth.RoleStudent))
				student.Post("/attempts/start", examHandler.Start)
				student.Put("/attempts/{id}/answers/{questionID}", examHandler.SubmitAnswer)
				student.With(RateLimitMiddleware(eventLimiter, ByUser)).Post("/attempts/{id}/events", examHandler.LogEvent)
				student.Post("/attempts/{id}/finish", examHandler.Finish)
			})

			// Reads are shared: students see their own attempts, staff are
			// scoped by test authorship in the handler.
			secure.Get("/attempts/{id}", examHandler.GetAttempt)
			secure.Get("/attempts/{id}/questions", examHandler.GetAttemptQuestions)
			secure.Get("/attempts/{id}/result", examHandler.Result)

			secure.Route("/staff", func(staff chi.Router) {
				staff.Use(auth.RequireRoles(auth.StaffRoles...))
				staff.Get("/tests/{id}/attempts", examHandler.ListTestAttempts)
				staff.Get("/tests/{id}/report", reportHandler.Summary)
				staff.Get("/tests/{id}/report.xlsx", reportHandler.ExportExcel)
				staff.Get("/attempts/{id}/events", examHandler.ListEvents)
				staff.Post("/attempts/{id}/block", examHandler.Block)
				staff.Post("/attempts/{id}/unblock", examHandler.Unblock)
				staff.Post("/attempts/{id}/recompute", examHandler.Recompute)
				staff.Put("/answers/{id}/grade", examHandler.GradeAnswer)
			})

			secure.Route("/authoring", func(authoring chi.Router) {
				authoring.Use(auth.RequireRoles(auth.RoleTeacher, auth.RoleAdmin))
				authoring.Post("/tests", catalogHandler.CreateTest)
				authoring.Get("/tests/{id}", catalogHandler.GetTest)
				authoring.Put("/tests/{id}/roster", catalogHandler.SetRoster)
				authoring.Post("/tests/{id}/roster/import", catalogHandler.ImportRosterCSV)
				authoring.Delete("/tests/{id}", catalogHandler.DeleteTest)
				authoring.Post("/tests/{id}/questions", catalogHandler.AddQuestion)
				authoring.Delete("/tests/{id}/questions/{questionID}", catalogHandler.DeleteQuestion)
			})
		})
	})

	return r, nil
}
