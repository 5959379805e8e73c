// Package api exposes the engine over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// NewRouter builds the gin engine with every route registered
func NewRouter(h *Handler, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CorrelationID())
	router.Use(RequestLogger(h.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		claims := v1.Group("/claims")
		{
			claims.POST("", h.SubmitClaim)
			claims.GET("", h.ListClaims)
			claims.GET("/:id", h.GetClaim)
			claims.GET("/:id/detail", h.GetClaimDetail)
			claims.POST("/:id/evaluate", h.EvaluateClaim)
			claims.POST("/:id/attestations", h.AttachAttestation)
			if h.feed != nil {
				claims.POST("/:id/attestations/pull", h.PullAttestations)
			}
			claims.POST("/:id/votes", h.CastVote)
			claims.POST("/:id/challenges", h.OpenChallenge)
			claims.GET("/:id/audit", h.GetAuditTrail)
			claims.GET("/:id/distribution", h.GetDistribution)
			claims.POST("/:id/distribute", h.Distribute)
		}

		challenges := v1.Group("/challenges")
		{
			challenges.GET("/:id", h.GetChallenge)
			challenges.POST("/:id/votes", h.CastChallengeVote)
		}

		validators := v1.Group("/validators")
		{
			validators.POST("", h.RegisterValidator)
			validators.GET("", h.ListValidators)
		}

		v1.GET("/metrics", h.GetMetrics)
		v1.GET("/metrics/stream", h.StreamMetrics)
	}

	return router
}

// Serve runs the HTTP server until ctx is done, then shuts it down
// gracefully
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
