package domain

import "time"

// Account lifecycle status values. needs_qr and logged_out are terminal for
// automatic reconnection: they require a fresh pairing action.
const (
	AccountConnecting   = "connecting"
	AccountConnected    = "connected"
	AccountNeedsQR      = "needs_qr"
	AccountDisconnected = "disconnected"
	AccountLoggedOut    = "logged_out"
	AccountRemoved      = "removed"
)

// WaAccount is one WhatsApp business account supervised by this process.
// Accounts are never hard-deleted; terminal statuses keep them visible.
type WaAccount struct {
	ID              int64     `json:"id,string" gorm:"primaryKey"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"` // empty until paired
	Jid             string    `json:"jid"`   // populated after pairing
	Status          string    `json:"status" gorm:"index"`
	RetryCount      int       `json:"retry_count"`
	NextRetryAt     time.Time `json:"next_retry_at"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	Remark          string    `json:"remark"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (WaAccount) TableName() string {
	return "wa_account"
}

// TerminalStatus reports whether status forbids automatic reconnection.
func TerminalStatus(status string) bool {
	return status == AccountNeedsQR || status == AccountLoggedOut || status == AccountRemoved
}

// WaAuthState is the durable credential/key blob for one account. Keys is a
// JSON object merged at the key level; it is never replaced wholesale.
type WaAuthState struct {
	AccountID int64     `json:"account_id,string" gorm:"primaryKey"`
	Creds     string    `json:"creds"`
	Keys      string    `json:"keys"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WaAuthState) TableName() string {
	return "wa_auth_state"
}

// WaSessionLease enforces the single-writer invariant: the process named in
// Holder owns the live connection for AccountID until ExpiresAt.
type WaSessionLease struct {
	AccountID int64     `json:"account_id,string" gorm:"primaryKey"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WaSessionLease) TableName() string {
	return "wa_session_lease"
}
