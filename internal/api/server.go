// Package api exposes the read-only status endpoints used by dashboards
// and the deployment babysitter. Trading is never driven through HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/logging"
)

// StatusSource provides the account view the endpoints serve.
type StatusSource interface {
	Status() map[string]interface{}
	Scope() string
}

// Server is the HTTP status bridge.
type Server struct {
	cfg    config.ServerConfig
	log    *logging.Logger
	source StatusSource
	srv    *http.Server
	start  time.Time
}

// NewServer builds the server; Run starts it.
func NewServer(cfg config.ServerConfig, source StatusSource, log *logging.Logger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("api"),
		source: source,
		start:  time.Now(),
	}
}

// Run starts serving until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"scope":      s.source.Scope(),
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status())
}
