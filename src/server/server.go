package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/auth"
	"stopguard/src/controller"
	"stopguard/src/engine"
	"stopguard/src/handler"
	"stopguard/src/repository"
)

// Deps are the collaborators behind the ops routes. History is optional and only mounted
// when the database is enabled.
type Deps struct {
	Engine    *engine.Engine
	Gateway   engine.Gateway
	Admission *controller.Admission
	History   *repository.ProtectiveLevelRepository
	Operators map[string]string
}

func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/positions", handler.ListPositionsHandler(deps.Engine.Store()))
	r.Get("/positions/{ticket}/effective", handler.EffectiveProfitHandler(deps.Gateway, deps.Engine))
	if deps.History != nil {
		r.Get("/positions/{ticket}/history", handler.PositionHistoryHandler(deps.History))
	}
	r.Get("/breaker", handler.BreakerHandler(deps.Engine.Breaker(), deps.Engine.Now))

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireOperator(deps.Operators))
		r.Post("/cycle", handler.RunCycleHandler(deps.Engine))
		r.Post("/admission", handler.AdmissionHandler(deps.Admission))
	})

	return r
}

// Run serves h on port until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, port string, h http.Handler, shutdownTimeout time.Duration) error {
	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server crashed")
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
