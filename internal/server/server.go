// Package server exposes a pipeline's health, readiness, counters and
// prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/dgpipe/internal/observability"
	"github.com/danmuck/dgpipe/internal/pipeline"
)

const version = "0.1.0"

// StatusSource is the pipeline view the status routes read from.
// *pipeline.Coordinator satisfies it.
type StatusSource interface {
	Stats() pipeline.Stats
	State() pipeline.State
}

type Status struct {
	Name     string
	Addr     string
	Appeared time.Time

	source StatusSource
	log    zerolog.Logger
	router *gin.Engine

	httpServer *http.Server
}

func New(name, addr string, corsOrigins []string, source StatusSource, logger zerolog.Logger) *Status {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(name, logger, "/health", "/ready", "/metrics"))
	r.Use(cors.New(corsConfig(corsOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Status{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		source:   source,
		log:      logger,
		router:   r,
	}
	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Status) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Status) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		state := s.source.State()
		code := http.StatusOK
		if state != pipeline.StateRunning {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   state == pipeline.StateRunning,
			"state":   state.String(),
			"service": s.Name,
		})
	})

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Stats())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until Shutdown. A clean shutdown returns nil.
func (s *Status) Serve() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

func (s *Status) ServeListener(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Status) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}
