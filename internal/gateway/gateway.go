// Package gateway exposes the skill callback surface over loopback HTTP.
//
// The external agent process calls POST /api/skill/{name} with a session id
// and parameters; the gateway authenticates the session, dispatches to the
// skill service and reports the uniform {success, data?, error?} shape with
// the fixed status-code ladder.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/session"
	"github.com/vesperbot/vesper/internal/skills"
)

var skillNamePattern = regexp.MustCompile(`^[a-z-]+$`)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type request struct {
	SessionID  string        `json:"sessionId"`
	Parameters skills.Params `json:"parameters"`
}

// Server is the loopback-only skill gateway.
type Server struct {
	logger   *slog.Logger
	echo     *echo.Echo
	addr     string
	service  *skills.Service
	registry *session.Registry
}

// NewServer builds the gateway. The bind host must be a loopback interface;
// anything else is rejected here, before a listener ever opens.
func NewServer(log *slog.Logger, cfg config.GatewayConfig, service *skills.Service, registry *session.Registry) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := validateLoopback(cfg.Host); err != nil {
		return nil, err
	}

	s := &Server{
		logger:   log.With(slog.String("component", "gateway")),
		addr:     cfg.Addr(),
		service:  service,
		registry: registry,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return isLocalOrigin(origin), nil
		},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
	}))
	e.HTTPErrorHandler = s.errorHandler

	e.POST("/api/skill/:name", s.handleSkill)
	e.OPTIONS("/*", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.HEAD("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	s.echo = e
	return s, nil
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the HTTP handler for in-process serving.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleSkill(c echo.Context) error {
	name := c.Param("name")
	if !skillNamePattern.MatchString(name) {
		return c.JSON(http.StatusNotFound, response{Success: false, Error: "Not found"})
	}

	var req request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, response{Success: false, Error: "Missing sessionId"})
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return c.JSON(http.StatusBadRequest, response{Success: false, Error: "Missing sessionId"})
	}

	sess, found := s.registry.Get(req.SessionID)
	if !found {
		return c.JSON(http.StatusUnauthorized, response{Success: false, Error: "Invalid or expired session"})
	}

	if !s.service.Has(name) {
		return c.JSON(http.StatusNotFound, response{
			Success: false,
			Error:   fmt.Sprintf("Unknown skill: %s", name),
		})
	}

	if name == "send-reply" && s.registry.HasReplySent(sess.ID) {
		return c.JSON(http.StatusConflict, response{
			Success: false,
			Error:   "Reply already sent for this session",
		})
	}

	s.logger.Debug("skill call",
		slog.String("skill", name),
		slog.String("session_id", sess.ID),
	)

	result := s.service.Execute(c.Request().Context(), name, sess, req.Parameters)
	if !result.Success {
		return c.JSON(http.StatusBadRequest, response{Success: false, Error: result.Error})
	}
	if name == "send-reply" {
		s.registry.MarkReplySent(sess.ID)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: result.Data})
}

// errorHandler keeps every error body in the uniform shape.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		switch status {
		case http.StatusNotFound:
			message = "Not found"
		case http.StatusMethodNotAllowed:
			message = "Method not allowed"
		default:
			message = fmt.Sprintf("%v", httpErr.Message)
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("gateway error",
			slog.String("path", c.Request().URL.Path),
			slog.Any("error", err),
		)
	}

	if writeErr := c.JSON(status, response{Success: false, Error: message}); writeErr != nil {
		s.logger.Error("write error response failed", slog.Any("error", writeErr))
	}
}

// validateLoopback rejects any bind host that is not a loopback interface.
func validateLoopback(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("gateway host must be a loopback address, got %q", host)
	}
	return nil
}

// isLocalOrigin accepts localhost origins for CORS, any port and scheme.
func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1", "http://[::1]", "https://[::1]"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}
