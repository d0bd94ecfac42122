// Package adminapi exposes the operator-facing REST API: account session
// control, conversation lookups, health consensus readouts, region failover
// state and incident history.
package adminapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/chat"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/failover"
	"github.com/partydesk/partydesk/internal/incident"
	"github.com/partydesk/partydesk/internal/monitor"
	"github.com/partydesk/partydesk/internal/supervisor"
	"github.com/partydesk/partydesk/pkg/common"
)

// Settings reads runtime-tunable values from the sys_config store.
type Settings interface {
	GetSettingsInt64Value(category, key string) int64
}

// Deps collects the services the handlers talk to. Nil members disable the
// matching route group.
type Deps struct {
	DB         *gorm.DB
	Bus        EventBus.Bus
	Supervisor *supervisor.Supervisor
	Chats      *chat.Repository
	Consensus  *monitor.Consensus
	Failover   *failover.Manager
	Incidents  *incident.Service
	Settings   Settings
}

var deps Deps

// Init stores the service handles and registers all route groups on the
// webserver. Call after webserver.Init.
func Init(d Deps) {
	deps = d
	registerAccountRoutes()
	registerChatRoutes()
	registerOpsRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, msg string, details interface{}) error {
	body := map[string]interface{}{
		"code":    code,
		"message": msg,
	}
	if details != nil {
		body["details"] = details
	}
	return c.JSON(status, body)
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func paramInt64(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
}

// oprLog appends a row to the operator action trail. Failures are logged and
// never fail the request.
func oprLog(c echo.Context, action, desc string) {
	name := "admin"
	if token, ok := c.Get("user").(*jwt.Token); ok {
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				name = sub
			}
		}
	}
	err := deps.DB.Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   name,
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}).Error
	if err != nil {
		zap.L().Warn("adminapi: operator log write failed",
			zap.String("action", action), zap.Error(err))
	}
}
