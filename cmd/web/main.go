package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbtattempt/internal/app"
	"cbtattempt/internal/app/observability"
	"cbtattempt/internal/catalog"
	"cbtattempt/internal/db"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	observability.InitLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbConn, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN, db.PostgresConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("database error")
	}
	defer dbConn.Close()

	r, err := app.NewRouter(cfg, dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("router setup failed")
	}

	go deactivateEndedTests(ctx, catalog.NewService(dbConn), cfg.DeactivateInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("driver", cfg.DBDriver).Msg("cbtattempt web listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// deactivateEndedTests flips tests whose window has closed to inactive.
func deactivateEndedTests(ctx context.Context, svc *catalog.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.DeactivateEndedTests(ctx, now.UTC())
			if err != nil {
				log.Error().Err(err).Msg("deactivate ended tests failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("tests", n).Msg("deactivated ended tests")
			}
		}
	}
}
