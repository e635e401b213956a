package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/dashboard"
	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/observability"
)

// connectTimeout bounds a provisioning run started from the API.
const connectTimeout = 2 * time.Minute

// LightChangeRequest is the body of a light change.
type LightChangeRequest struct {
	Color string `json:"color" binding:"required"`
}

// IntersectionList is the body of the intersection listing.
type IntersectionList struct {
	Intersections []intersection.State `json:"intersections"`
	Total         int                  `json:"total"`
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.GET("/health", gin.WrapF(s.healthCheck.HealthHandler()))
	s.router.GET("/ready", gin.WrapF(s.healthCheck.ReadinessHandler()))
	s.router.GET("/live", gin.WrapF(observability.LivenessHandler()))

	if s.metrics != nil || s.gatherer != nil {
		s.router.GET(s.metricsPath(), gin.WrapH(s.metricsHandler()))
	}

	s.setupDocsRoutes()

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/dashboard", s.handleGetDashboard)
		v1.POST("/dashboard/connect", s.handleConnect)
		v1.POST("/dashboard/disconnect", s.handleDisconnect)

		v1.GET("/intersections", s.handleListIntersections)
		v1.GET("/intersections/:index", s.handleGetIntersection)
		v1.PUT("/intersections/:index/lights/:light", s.handleSelectLight)
		v1.DELETE("/intersections/:index/subscription", s.handleUnsubscribe)

		if s.hub != nil {
			v1.GET("/stream", gin.WrapH(s.hub))
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "NotFound", "the requested resource does not exist")
	})
}

func (s *Server) handleGetDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.dashboard.Status())
}

func (s *Server) handleConnect(c *gin.Context) {
	var overrides dashboard.Overrides
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&overrides); err != nil {
			abortWithError(c, http.StatusBadRequest, "BadRequest", "invalid connect body: "+err.Error())
			return
		}
	}

	// Provisioning outlives a dropped client; the dashboard keeps the result.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), connectTimeout)
	defer cancel()

	if err := s.dashboard.Connect(ctx, overrides); err != nil {
		s.logger.Warn("connect failed", zap.Error(err))
		abortWithError(c, http.StatusBadGateway, "ConnectFailed", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.dashboard.Status())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.dashboard.Disconnect()
	c.JSON(http.StatusOK, s.dashboard.Status())
}

func (s *Server) handleListIntersections(c *gin.Context) {
	list := s.dashboard.Intersections()
	if list == nil {
		list = []intersection.State{}
	}
	c.JSON(http.StatusOK, IntersectionList{Intersections: list, Total: len(list)})
}

func (s *Server) handleGetIntersection(c *gin.Context) {
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}
	list := s.dashboard.Intersections()
	if index < 0 || index >= len(list) {
		s.writeError(c, intersection.ErrIndexOutOfRange)
		return
	}
	c.JSON(http.StatusOK, list[index])
}

func (s *Server) handleSelectLight(c *gin.Context) {
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}
	light, ok := pathInt(c, "light")
	if !ok {
		return
	}

	var req LightChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "BadRequest", "invalid light change body: "+err.Error())
		return
	}

	state, err := s.dashboard.SelectLight(c.Request.Context(), index, light, req.Color)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}
	if err := s.dashboard.Unsubscribe(c.Request.Context(), index); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps dashboard errors to status codes. Anything unrecognized
// came from the broker.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dashboard.ErrNotConnected):
		abortWithError(c, http.StatusConflict, "NotConnected", err.Error())
	case errors.Is(err, intersection.ErrInvalidLight), errors.Is(err, intersection.ErrInvalidColor):
		abortWithError(c, http.StatusBadRequest, "BadRequest", err.Error())
	case errors.Is(err, intersection.ErrIndexOutOfRange):
		abortWithError(c, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		abortWithError(c, http.StatusGatewayTimeout, "Timeout", err.Error())
	default:
		s.logger.Warn("broker request failed", zap.String("path", c.FullPath()), zap.Error(err))
		abortWithError(c, http.StatusBadGateway, "BrokerError", err.Error())
	}
}

func pathInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "BadRequest", "path parameter "+name+" must be an integer")
		return 0, false
	}
	return v, true
}

func abortWithError(c *gin.Context, code int, kind, message string) {
	c.AbortWithStatusJSON(code, gin.H{
		"error":   kind,
		"message": message,
		"code":    code,
	})
}

// SnapshotEvents returns the events a new stream client starts from: the
// connection state and the full intersection list.
func SnapshotEvents(dash DashboardAPI) func() []*events.Event {
	return func() []*events.Event {
		status := dash.Status()
		list := dash.Intersections()
		return []*events.Event{
			events.NewConnectionEvent(events.ConnectionState{
				Connected:  status.Connected,
				URL:        status.URL,
				Originator: status.Originator,
				RootID:     status.RootID,
				Error:      status.LastError,
			}),
			events.FromChange(intersection.Change{
				Type:          intersection.ChangeReplaced,
				Intersections: list,
			}),
		}
	}
}
