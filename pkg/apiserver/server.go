package apiserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/apiserver/middleware"
	"github.com/reviewloop/reviewloop/pkg/config"
	"github.com/reviewloop/reviewloop/pkg/status"
)

// Server exposes the operator-facing read surface: job detail, execution
// history, aggregate stats, composite health, and prometheus metrics.
type Server struct {
	router *gin.Engine
	status *status.Service
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(statusService *status.Service, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		status: statusService,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.cfg.Auth))
		api.GET("/jobs/:id", s.getJob)
		api.GET("/jobs/:id/history", s.getHistory)
		api.GET("/stats", s.getStats)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	report := s.status.Health(c.Request.Context())
	code := http.StatusOK
	if report.Verdict == status.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := s.status.Job(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) getHistory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	entries, err := s.status.History(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("failed to load history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobId": id.String(), "attempts": entries})
}

func (s *Server) getStats(c *gin.Context) {
	stats, degraded := s.status.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stats": stats, "degradedSources": degraded})
}
