package domain

import "time"

// ChatThread is the conversation between one account and one canonical peer.
// ID is "{accountID}__{canonicalPeer}". When a linked-identifier peer later
// resolves to a phone form, the thread is migrated: messages move to the new
// id and the old row is archived with RedirectTo set, never deleted.
type ChatThread struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	AccountID  int64     `json:"account_id,string" gorm:"index"`
	PeerID     string    `json:"peer_id"`
	PeerKind   string    `json:"peer_kind"` // phone | linked
	Archived   bool      `json:"archived"`
	RedirectTo string    `json:"redirect_to"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ChatThread) TableName() string {
	return "chat_thread"
}

// ChatMessage is one message in a thread. The (thread_id, client_msg_id)
// unique index makes persistence idempotent under retries and backfills.
type ChatMessage struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	ThreadID    string    `json:"thread_id" gorm:"uniqueIndex:ux_thread_client_msg,priority:1"`
	ClientMsgID string    `json:"client_msg_id" gorm:"uniqueIndex:ux_thread_client_msg,priority:2"`
	Direction   string    `json:"direction"` // in | out
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_message"
}
