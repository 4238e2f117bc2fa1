package daemon

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the daemon's HTTP listener. It exists to serve the media
// fallback tree and a health probe, not to be a REST API.
type Server struct {
	httpServer *http.Server
	listenAddr string
	logger     *zap.Logger
}

// NewServer creates the HTTP server with the static media route mounted
// over the local fallback directory.
func NewServer(listenAddr, mediaDir string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Static("/media", mediaDir)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		httpServer: &http.Server{Addr: listenAddr, Handler: router},
		listenAddr: listenAddr,
		logger:     logger,
	}
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.listenAddr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
