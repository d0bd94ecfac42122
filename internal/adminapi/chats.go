package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/webserver"
)

func registerChatRoutes() {
	webserver.ApiGET("/chats", listThreads)
	webserver.ApiGET("/chats/:tid/messages", listMessages)
	webserver.ApiPOST("/accounts/:id/chats/migrate", postMigrateThreads)
}

func listThreads(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := deps.DB.Model(&domain.ChatThread{})
	if acct := strings.TrimSpace(c.QueryParam("account_id")); acct != "" {
		db = db.Where("account_id = ?", acct)
	}
	if c.QueryParam("archived") == "" {
		db = db.Where("archived = ?", false)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "count threads failed", nil)
	}
	var threads []domain.ChatThread
	if err := db.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&threads).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "list threads failed", nil)
	}
	return ok(c, map[string]interface{}{
		"total": total,
		"page":  page,
		"items": threads,
	})
}

func listMessages(c echo.Context) error {
	tid := strings.TrimSpace(c.Param("tid"))
	if tid == "" {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid thread id", nil)
	}
	_, pageSize := parsePagination(c)
	msgs, err := deps.Chats.Messages(c.Request().Context(), tid, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "list messages failed", nil)
	}
	return ok(c, msgs)
}

// postMigrateThreads sweeps the account's linked-identifier threads and
// merges any that now resolve to a known phone identity.
func postMigrateThreads(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	deps.Supervisor.MigrateResolvedThreads(c.Request().Context(), id)
	oprLog(c, "migrate_threads", fmt.Sprintf("thread migration sweep for account %d", id))
	return ok(c, map[string]interface{}{"swept": true})
}
