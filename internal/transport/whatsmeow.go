package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/partydesk/partydesk/internal/authstate"
)

// accountMarker tags a whatsmeow store device with our account id so the
// device can be found again across restarts.
func accountMarker(accountID int64) string {
	return fmt.Sprintf("pd_acct:%d", accountID)
}

// WhatsmeowDialer creates live WhatsApp sessions backed by a whatsmeow
// sqlstore container sharing the application database.
type WhatsmeowDialer struct {
	container *sqlstore.Container
}

// NewWhatsmeowDialer wraps an existing database connection so whatsmeow
// tables live in the same database as the rest of the application.
func NewWhatsmeowDialer(ctx context.Context, driver, dsn string) (*WhatsmeowDialer, error) {
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Noop)
	if err != nil {
		return nil, errors.Wrap(err, "transport: open whatsmeow store")
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "transport: upgrade whatsmeow store")
	}
	return &WhatsmeowDialer{container: container}, nil
}

// Dial returns a session for the account. When auth is nil the account has
// never been paired: a fresh device is provisioned and Connect will start
// the QR pairing flow.
func (d *WhatsmeowDialer) Dial(ctx context.Context, accountID int64, auth *authstate.Blob, cb Callbacks) (Session, error) {
	dev, err := d.findDevice(ctx, accountID, auth)
	if err != nil {
		return nil, err
	}
	cli := whatsmeow.NewClient(dev, waLog.Noop)
	// The supervisor owns reconnect policy; the library must not race it.
	cli.EnableAutoReconnect = false
	sess := &whatsmeowSession{accountID: accountID, cli: cli, cb: cb}
	cli.AddEventHandler(sess.handleEvent)
	return sess, nil
}

func (d *WhatsmeowDialer) findDevice(ctx context.Context, accountID int64, auth *authstate.Blob) (*store.Device, error) {
	marker := accountMarker(accountID)
	if auth != nil {
		devices, err := d.container.GetAllDevices(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "transport: list devices")
		}
		for _, dev := range devices {
			if dev != nil && dev.BusinessName == marker {
				return dev, nil
			}
		}
		zap.L().Warn("transport: auth state present but no stored device, re-pairing",
			zap.Int64("account_id", accountID))
	}
	dev := d.container.NewDevice()
	dev.BusinessName = marker
	return dev, nil
}

type whatsmeowSession struct {
	accountID int64
	cli       *whatsmeow.Client
	cb        Callbacks
}

func (s *whatsmeowSession) Connect(ctx context.Context) error {
	return s.cli.Connect()
}

func (s *whatsmeowSession) Disconnect() {
	s.cli.Disconnect()
}

func (s *whatsmeowSession) Send(ctx context.Context, target, body, clientMsgID string) error {
	jid, err := types.ParseJID(target)
	if err != nil {
		return errors.Wrapf(err, "transport: invalid jid %s", target)
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	_, err = s.cli.SendMessage(ctx, jid, msg, whatsmeow.SendRequestExtra{
		ID: types.MessageID(clientMsgID),
	})
	return errors.Wrap(err, "transport: send message")
}

func (s *whatsmeowSession) PhoneForLinked(ctx context.Context, linked string) (string, bool) {
	jid, err := types.ParseJID(linked)
	if err != nil {
		return "", false
	}
	pn, err := s.cli.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return "", false
	}
	return pn.String(), true
}

// handleEvent maps whatsmeow events onto the typed event enum the supervisor
// consumes. Everything protocol-specific ends here.
func (s *whatsmeowSession) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		jid := ""
		if s.cli.Store.ID != nil {
			jid = s.cli.Store.ID.String()
		}
		s.emit(Event{Kind: EventOpen, JID: jid})
	case *events.Disconnected:
		s.emit(Event{Kind: EventClose})
	case *events.LoggedOut:
		s.emit(Event{Kind: EventClose, Reason: CloseReason{
			Code:      int(evt.Reason),
			LoggedOut: true,
			Message:   fmt.Sprintf("logged out (%d)", int(evt.Reason)),
		}})
	case *events.StreamReplaced:
		s.emit(Event{Kind: EventClose, Reason: CloseReason{Message: "stream replaced"}})
	case *events.QR:
		if len(evt.Codes) > 0 {
			s.emit(Event{Kind: EventQR, QR: evt.Codes[0]})
		}
	case *events.PairSuccess:
		creds, _ := json.Marshal(map[string]interface{}{
			"jid":       evt.ID.String(),
			"platform":  evt.Platform,
			"paired_at": time.Now().Unix(),
		})
		s.emit(Event{Kind: EventCredsUpdate, Creds: creds})
	case *events.AppStateSyncComplete:
		delta, _ := json.Marshal(map[string]interface{}{
			"synced_at": time.Now().Unix(),
		})
		s.emit(Event{Kind: EventCredsUpdate, Keys: map[string]json.RawMessage{
			string(evt.Name): delta,
		}})
	case *events.Message:
		if s.cb.OnMessage == nil || evt.Info.IsFromMe {
			return
		}
		body := evt.Message.GetConversation()
		if body == "" {
			body = evt.Message.GetExtendedTextMessage().GetText()
		}
		if body == "" {
			return
		}
		s.cb.OnMessage(Message{
			RawPeer:     evt.Info.Sender.String(),
			ClientMsgID: string(evt.Info.ID),
			Body:        body,
			SentAt:      evt.Info.Timestamp,
		})
	default:
		zap.L().Debug("transport: unhandled whatsmeow event",
			zap.Int64("account_id", s.accountID),
			zap.String("type", fmt.Sprintf("%T", raw)))
	}
}

func (s *whatsmeowSession) emit(evt Event) {
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(evt)
	}
}
