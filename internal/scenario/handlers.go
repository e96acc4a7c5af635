package scenario

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// RegisterRoutes adds the scenario CRUD routes to the Gin engine.
func (s *Store) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/scenarios", s.handleList)
		api.GET("/scenarios/:ref", s.handleGet)
		api.PUT("/scenarios/:ref", s.handlePut)
		api.DELETE("/scenarios/:ref", s.handleDelete)
	}
}

// handleList returns all scenarios without documents
// GET /api/v1/scenarios
func (s *Store) handleList(c *gin.Context) {
	scenarios, err := s.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

// handleGet returns one scenario with its document
// GET /api/v1/scenarios/:ref
func (s *Store) handleGet(c *gin.Context) {
	scenario, err := s.GetScenario(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenario)
}

// handlePut stores the request body as the scenario under :ref
// PUT /api/v1/scenarios/:ref
func (s *Store) handlePut(c *gin.Context) {
	var scenario v1.Scenario
	if err := c.ShouldBindJSON(&scenario); err != nil {
		s.writeError(c, apperrors.Validation("invalid scenario body: "+err.Error()))
		return
	}
	scenario.Ref = c.Param("ref")
	stored, err := s.Put(c.Request.Context(), &scenario)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// handleDelete removes a scenario
// DELETE /api/v1/scenarios/:ref
func (s *Store) handleDelete(c *gin.Context) {
	if err := s.Delete(c.Request.Context(), c.Param("ref")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Store) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		s.log.Error("request failed", zap.Error(err))
		appErr = apperrors.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
