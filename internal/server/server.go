// Package server exposes the grid manager over a small JSON HTTP API.
package server

import (
	"errors"
	"net/http"

	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wires the manager's operations into HTTP routes.
type Server struct {
	manager *engine.Manager
	logger  *zap.SugaredLogger
	router  *gin.Engine
}

// New builds the route table. Call Handler to mount it.
func New(manager *engine.Manager, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		manager: manager,
		logger:  logger,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api")
	{
		api.POST("/grids", s.createGrid)
		api.GET("/grids", s.listGrids)
		api.POST("/grids/stop-all", s.stopAllGrids)
		api.DELETE("/grids/completed", s.cleanCompletedGrids)
		api.GET("/grids/:id", s.getGrid)
		api.POST("/grids/:id/start", s.startGrid)
		api.POST("/grids/:id/stop", s.stopGrid)
		api.PATCH("/grids/:id", s.modifyGrid)
	}
	return s
}

// Handler returns the mountable HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) createGrid(c *gin.Context) {
	var params models.GridParams
	if err := c.ShouldBindJSON(&params); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.manager.CreateGrid(params)
	if err != nil {
		s.fail(c, httpStatusFor(err), err)
		return
	}
	s.ok(c, http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listGrids(c *gin.Context) {
	s.ok(c, http.StatusOK, s.manager.ListGrids())
}

func (s *Server) getGrid(c *gin.Context) {
	snap, err := s.manager.GetStatus(c.Param("id"))
	if err != nil {
		s.fail(c, httpStatusFor(err), err)
		return
	}
	s.ok(c, http.StatusOK, snap)
}

func (s *Server) startGrid(c *gin.Context) {
	result, err := s.manager.StartGrid(c.Param("id"))
	if err != nil {
		s.fail(c, httpStatusFor(err), err)
		return
	}
	s.ok(c, http.StatusOK, result)
}

func (s *Server) stopGrid(c *gin.Context) {
	result, err := s.manager.StopGrid(c.Param("id"))
	if err != nil {
		s.fail(c, httpStatusFor(err), err)
		return
	}
	s.ok(c, http.StatusOK, result)
}

type modifyRequest struct {
	TakeProfitPct *float64 `json:"take_profit_pct"`
	StopLossPct   *float64 `json:"stop_loss_pct"`
}

func (s *Server) modifyGrid(c *gin.Context) {
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	changes, err := s.manager.ModifyGrid(c.Param("id"), req.TakeProfitPct, req.StopLossPct)
	if err != nil {
		s.fail(c, httpStatusFor(err), err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) stopAllGrids(c *gin.Context) {
	stopped := s.manager.StopAllGrids()
	s.ok(c, http.StatusOK, gin.H{"stopped_grids": stopped})
}

func (s *Server) cleanCompletedGrids(c *gin.Context) {
	cleaned := s.manager.CleanCompletedGrids()
	s.ok(c, http.StatusOK, gin.H{"cleaned_grids": cleaned})
}

func (s *Server) ok(c *gin.Context, code int, data interface{}) {
	c.JSON(code, gin.H{"status": "ok", "data": data})
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"status": "error", "message": err.Error()})
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrGridNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, engine.ErrInvalidGridCount),
		errors.Is(err, engine.ErrGridNotStartable):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPriceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
