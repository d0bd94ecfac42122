// Package transport abstracts the WhatsApp protocol client. The supervisor
// consumes the typed event surface defined here and never touches the wire
// library directly.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/partydesk/partydesk/internal/authstate"
)

// EventKind enumerates connection-level events emitted by a session.
type EventKind int

const (
	// EventOpen fires when the session is authenticated and online.
	EventOpen EventKind = iota
	// EventClose fires when the session drops; Reason says whether the
	// close is a recoverable network drop or a terminal logout.
	EventClose
	// EventCredsUpdate carries incremental credential/key material that
	// must be merged into the persisted auth state.
	EventCredsUpdate
	// EventQR carries a pairing challenge for an unauthenticated session.
	EventQR
)

// CloseReason describes why a session closed.
type CloseReason struct {
	Code      int
	LoggedOut bool
	Message   string
}

// Event is one connection-update from the transport layer.
type Event struct {
	Kind   EventKind
	JID    string // EventOpen: the authenticated device identity
	Reason CloseReason
	Creds  json.RawMessage            // EventCredsUpdate: base credential doc
	Keys   map[string]json.RawMessage // EventCredsUpdate: key material delta
	QR     string                     // EventQR: code to render client-side
}

// Message is one inbound chat message. ClientMsgID is the transport-assigned
// message identifier, stable across replays.
type Message struct {
	RawPeer     string
	ClientMsgID string
	Body        string
	SentAt      time.Time
}

// Callbacks receive session events. Handlers must not block; the supervisor
// serializes per-account processing itself.
type Callbacks struct {
	OnEvent   func(Event)
	OnMessage func(Message)
}

// Session is one live account connection.
type Session interface {
	// Connect starts or resumes the connection. For an unpaired account it
	// triggers the QR pairing flow.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down without invalidating credentials.
	Disconnect()
	// Send delivers a text payload to target. clientMsgID is the caller's
	// idempotency key: at most one logical send per identifier.
	Send(ctx context.Context, target, body, clientMsgID string) error
	// PhoneForLinked resolves an anonymized linked identifier to its
	// phone-addressed form using the transport's own mapping cache.
	PhoneForLinked(ctx context.Context, linked string) (string, bool)
}

// Dialer creates sessions from persisted auth state.
type Dialer interface {
	Dial(ctx context.Context, accountID int64, auth *authstate.Blob, cb Callbacks) (Session, error)
}
