package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/webserver"
)

type accountPayload struct {
	Name   string `json:"name" validate:"required,min=1,max=200"`
	Phone  string `json:"phone" validate:"omitempty,max=50"`
	Remark string `json:"remark" validate:"omitempty,max=500"`
}

func registerAccountRoutes() {
	webserver.ApiGET("/accounts", listAccounts)
	webserver.ApiGET("/accounts/:id", getAccount)
	webserver.ApiPOST("/accounts", createAccount)
	webserver.ApiGET("/accounts/:id/qr", getAccountQR)
	webserver.ApiPOST("/accounts/:id/connect", postAccountConnect)
	webserver.ApiPOST("/accounts/:id/disconnect", postAccountDisconnect)
	webserver.ApiPOST("/accounts/:id/send", postAccountSend)
	webserver.ApiDELETE("/accounts/:id", deleteAccount)
}

func listAccounts(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := deps.DB.Model(&domain.WaAccount{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("LOWER(name) LIKE ? OR phone LIKE ?", "%"+strings.ToLower(q)+"%", "%"+q+"%")
	}
	if st := strings.TrimSpace(c.QueryParam("status")); st != "" {
		db = db.Where("status = ?", st)
	} else {
		// retired accounts stay in the table but are hidden by default
		db = db.Where("status <> ?", domain.AccountRemoved)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "count accounts failed", nil)
	}
	var accounts []domain.WaAccount
	if err := db.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&accounts).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "list accounts failed", nil)
	}

	items := make([]map[string]interface{}, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, accountView(a))
	}
	return ok(c, map[string]interface{}{
		"total": total,
		"page":  page,
		"items": items,
	})
}

func getAccount(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	var acct domain.WaAccount
	if err := deps.DB.First(&acct, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "account not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "load account failed", nil)
	}
	return ok(c, accountView(acct))
}

func createAccount(c echo.Context) error {
	var payload accountPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "name is required", nil)
	}
	acct := domain.WaAccount{
		Name:      strings.TrimSpace(payload.Name),
		Phone:     strings.TrimSpace(payload.Phone),
		Status:    domain.AccountDisconnected,
		Remark:    payload.Remark,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := deps.DB.Create(&acct).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "create account failed", nil)
	}
	zap.L().Info("adminapi: account created",
		zap.Int64("account_id", acct.ID),
		zap.String("name", acct.Name))
	oprLog(c, "create_account", fmt.Sprintf("account %d (%s) created", acct.ID, acct.Name))
	return ok(c, accountView(acct))
}

// getAccountQR returns the latest pairing QR string (if any). The frontend
// renders the QR client-side from this string value.
func getAccountQR(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	code := deps.Supervisor.QRCode(id)
	return ok(c, map[string]interface{}{
		"code":   code,
		"has_qr": code != "",
	})
}

// postAccountConnect triggers a supervised connect attempt (non-blocking).
// It is also the recovery path for accounts parked in a terminal status.
func postAccountConnect(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	if err := deps.Supervisor.StartAccount(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusConflict, "START_FAILED", err.Error(), nil)
	}
	zap.L().Info("adminapi: triggered account connect", zap.Int64("account_id", id))
	oprLog(c, "connect_account", fmt.Sprintf("connect requested for account %d", id))
	return ok(c, map[string]interface{}{"started": true})
}

// deleteAccount disconnects, purges stored credentials and moves the account
// to the terminal removed status. The record and its conversation history
// stay in the database.
func deleteAccount(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	if err := deps.Supervisor.RemoveAccount(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "REMOVE_FAILED", err.Error(), nil)
	}
	oprLog(c, "remove_account", fmt.Sprintf("account %d retired", id))
	return ok(c, map[string]interface{}{"removed": true})
}

func postAccountDisconnect(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	deps.Supervisor.StopAccount(c.Request().Context(), id)
	oprLog(c, "disconnect_account", fmt.Sprintf("disconnect requested for account %d", id))
	return ok(c, map[string]interface{}{"stopped": true})
}

type sendPayload struct {
	Peer        string `json:"peer" validate:"required"`
	Body        string `json:"body" validate:"required"`
	ClientMsgID string `json:"client_msg_id"`
}

func postAccountSend(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_ID", "invalid account id", nil)
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
	}
	if payload.Peer == "" || payload.Body == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "peer and body are required", nil)
	}

	timeout := 30 * time.Second
	if deps.Settings != nil {
		if secs := deps.Settings.GetSettingsInt64Value("whatsapp", "SendTimeoutSeconds"); secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	msgID, err := deps.Supervisor.Send(ctx, id, payload.Peer, payload.Body, payload.ClientMsgID)
	if err != nil {
		return fail(c, http.StatusBadGateway, "SEND_FAILED", err.Error(), nil)
	}
	oprLog(c, "send_message", fmt.Sprintf("account %d sent %s to %s", id, msgID, payload.Peer))
	return ok(c, map[string]interface{}{"client_msg_id": msgID})
}

func accountView(a domain.WaAccount) map[string]interface{} {
	status := a.Status
	if live := deps.Supervisor.LiveStatus(a.ID); live != "" {
		status = live
	}
	return map[string]interface{}{
		"id":                a.ID,
		"name":              a.Name,
		"phone":             a.Phone,
		"jid":               a.Jid,
		"status":            status,
		"terminal":          domain.TerminalStatus(status),
		"retry_count":       a.RetryCount,
		"next_retry_at":     a.NextRetryAt,
		"last_connected_at": a.LastConnectedAt,
		"remark":            a.Remark,
	}
}
