// Package api exposes the facilitator over HTTP: POST /verify,
// POST /settle and GET /supported. Each call is independent and carries all
// information needed to act; the server keeps no cross-request state.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/kaiapay/x402"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/types"
)

// errorBody is the shape of every non-200 response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Server serves the facilitator API.
type Server struct {
	facilitator *x402.Facilitator
	log         logger.Logger
	engine      *gin.Engine
}

// NewServer builds the HTTP surface around a configured facilitator.
func NewServer(facilitator *x402.Facilitator, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		facilitator: facilitator,
		log:         log,
		engine:      gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.POST("/verify", s.handleVerify)
	s.engine.POST("/settle", s.handleSettle)
	s.engine.GET("/supported", s.handleSupported)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Handler returns the underlying http.Handler, used by tests and callers
// embedding the API in a larger mux.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until the process exits.
func (s *Server) Run(addr string) error {
	s.log.Info("facilitator listening", map[string]any{"addr": addr})
	return s.engine.Run(addr)
}

func (s *Server) handleVerify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request", Details: err.Error()})
		return
	}

	result, err := s.facilitator.VerifyRaw(c.Request.Context(), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request", Details: err.Error()})
		return
	}

	result, err := s.facilitator.SettleRaw(c.Request.Context(), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

// writeError maps failure classes to status codes: structural caller errors
// are 400, operator misconfiguration is 500, and transport faults are 500.
// Protocol-level disagreements never reach here; they are 200 results.
func (s *Server) writeError(c *gin.Context, err error) {
	var schemaErr *types.SchemaValidationError
	if errors.As(err, &schemaErr) {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request", Details: schemaErr.Error()})
		return
	}

	var cfgErr *types.ConfigError
	if errors.As(err, &cfgErr) {
		s.log.Error("configuration fault", map[string]any{"error": cfgErr.Error()})
		c.JSON(http.StatusInternalServerError, errorBody{Error: "Configuration error", Details: cfgErr.Error()})
		return
	}

	s.log.Error("request failed", map[string]any{"error": err.Error()})
	c.JSON(http.StatusInternalServerError, errorBody{Error: "Internal error", Details: err.Error()})
}
