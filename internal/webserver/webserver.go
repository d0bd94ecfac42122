// Package webserver hosts the echo HTTP server: the public /health endpoint
// consumed by the guard layer and the JWT-protected admin API.
package webserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/pkg/common"
)

var server *WebServer

type WebServer struct {
	root    *echo.Echo
	api     *echo.Group
	cfg     *config.AppConfig
	startAt time.Time
}

// Init builds the server and its route groups. Call before registering
// routes.
func Init(cfg *config.AppConfig) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &WebServer{root: e, cfg: cfg, startAt: time.Now()}

	e.GET("/health", s.health)
	e.POST("/auth/token", s.issueToken)

	s.api = e.Group("/api")
	s.api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(cfg.Web.Secret),
	}))

	server = s
	return s
}

// Start serves until the listener fails or is shut down.
func (s *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	return s.root.Start(addr)
}

// health reports liveness plus the deploy identity. The deploy guard and the
// region failover manager poll this endpoint.
func (s *WebServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"buildId": config.BuildVersion,
		"uptime":  time.Since(s.startAt).Seconds(),
	})
}

// issueToken exchanges the web secret for a short-lived API token.
func (s *WebServer) issueToken(c echo.Context) error {
	var payload struct {
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request"})
	}
	salt := common.GetSecretSalt()
	if common.Sha256HashWithSalt(payload.Secret, salt) != common.Sha256HashWithSalt(s.cfg.Web.Secret, salt) {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": "invalid secret"})
	}
	claims := jwt.MapClaims{
		"sub": payload.Username,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Web.Secret))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "token signing failed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"token": signed})
}

// Route registration helpers used by the adminapi package.

func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}
