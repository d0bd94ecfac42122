package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/internal/authstate"
	"github.com/partydesk/partydesk/internal/chat"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/supervisor"
	"github.com/partydesk/partydesk/internal/transport"
)

type stubSession struct{}

func (stubSession) Connect(ctx context.Context) error { return nil }
func (stubSession) Disconnect()                       {}
func (stubSession) Send(ctx context.Context, target, body, clientMsgID string) error {
	return nil
}
func (stubSession) PhoneForLinked(ctx context.Context, linked string) (string, bool) {
	return "", false
}

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, accountID int64, auth *authstate.Blob, cb transport.Callbacks) (transport.Session, error) {
	return stubSession{}, nil
}

// setupHandlers wires the package deps against an in-memory store so the
// handlers can be invoked directly.
func setupHandlers(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Tables...))

	auth, err := authstate.NewStore(db, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auth.Close() })

	sup := supervisor.New(db, auth, chat.NewRepository(db), stubDialer{}, nil,
		"test:1", time.Minute,
		supervisor.Backoff{Base: time.Millisecond, Max: time.Millisecond})
	t.Cleanup(func() { sup.Stop(context.Background()) })

	deps = Deps{DB: db, Supervisor: sup, Chats: chat.NewRepository(db)}
	return db
}

func request(t *testing.T, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}
	return c, rec
}

func oprLogCount(t *testing.T, db *gorm.DB, action string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&domain.SysOprLog{}).
		Where("opt_action = ?", action).Count(&count).Error)
	return count
}

func TestCreateAccountAuditsAction(t *testing.T) {
	db := setupHandlers(t)

	c, rec := request(t, http.MethodPost, "/api/accounts", `{"name":"Main Desk"}`)
	require.NoError(t, createAccount(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.EqualValues(t, 1, oprLogCount(t, db, "create_account"))
	var row domain.SysOprLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "admin", row.OprName)
	assert.Contains(t, row.OptDesc, "Main Desk")
	assert.False(t, row.OptTime.IsZero())
}

func TestConnectAndDisconnectAudited(t *testing.T) {
	db := setupHandlers(t)
	acct := domain.WaAccount{Name: "a", Status: domain.AccountDisconnected}
	require.NoError(t, db.Create(&acct).Error)
	id := "1"

	c, rec := request(t, http.MethodPost, "/", "", "id", id)
	require.NoError(t, postAccountConnect(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, oprLogCount(t, db, "connect_account"))

	c, _ = request(t, http.MethodPost, "/", "", "id", id)
	require.NoError(t, postAccountDisconnect(c))
	assert.EqualValues(t, 1, oprLogCount(t, db, "disconnect_account"))
}

func TestDeleteAccountIsSoft(t *testing.T) {
	db := setupHandlers(t)
	acct := domain.WaAccount{Name: "a", Status: domain.AccountDisconnected}
	require.NoError(t, db.Create(&acct).Error)

	c, rec := request(t, http.MethodDelete, "/", "", "id", "1")
	require.NoError(t, deleteAccount(c))
	require.Equal(t, http.StatusOK, rec.Code)

	// the row survives in the removed status instead of being deleted
	var kept domain.WaAccount
	require.NoError(t, db.First(&kept, acct.ID).Error)
	assert.Equal(t, domain.AccountRemoved, kept.Status)
	assert.EqualValues(t, 1, oprLogCount(t, db, "remove_account"))
}

func TestListAccountsHidesRemovedByDefault(t *testing.T) {
	db := setupHandlers(t)
	require.NoError(t, db.Create(&domain.WaAccount{Name: "live", Status: domain.AccountConnected}).Error)
	require.NoError(t, db.Create(&domain.WaAccount{Name: "gone", Status: domain.AccountRemoved}).Error)

	c, rec := request(t, http.MethodGet, "/api/accounts", "")
	require.NoError(t, listAccounts(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Total int64                    `json:"total"`
			Items []map[string]interface{} `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body.Data.Total)
	assert.Equal(t, "live", body.Data.Items[0]["name"])

	// explicit status filter still reaches retired accounts
	c, rec = request(t, http.MethodGet, "/api/accounts?status=removed", "")
	require.NoError(t, listAccounts(c))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Data.Total)
	assert.Equal(t, "gone", body.Data.Items[0]["name"])
}
