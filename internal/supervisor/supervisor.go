// Package supervisor owns the lifecycle of one live WhatsApp session per
// account: connect, observe status transitions, decide reconnect versus
// terminal stop, and persist every status change.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/authstate"
	"github.com/partydesk/partydesk/internal/chat"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/identity"
	"github.com/partydesk/partydesk/internal/transport"
)

// Bus topics published on account transitions.
const (
	TopicStatus   = "wa:status"
	TopicTerminal = "wa:terminal"
)

// Supervisor maintains live connections for every account this process holds
// a session lease for. Status writes for one account are serialized under the
// supervisor lock, so the persisted status never interleaves.
type Supervisor struct {
	db       *gorm.DB
	auth     *authstate.Store
	chats    *chat.Repository
	dialer   transport.Dialer
	bus      EventBus.Bus
	holder   string
	leaseTTL time.Duration
	backoff  Backoff

	mu       sync.Mutex
	sessions map[int64]*accountSession
	closed   bool
}

type accountSession struct {
	accountID int64
	transport transport.Session
	resolver  *identity.Resolver
	status    string
	retries   int
	qr        string
	timer     *time.Timer
}

func New(db *gorm.DB, auth *authstate.Store, chats *chat.Repository,
	dialer transport.Dialer, bus EventBus.Bus, holder string,
	leaseTTL time.Duration, backoff Backoff) *Supervisor {
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &Supervisor{
		db:       db,
		auth:     auth,
		chats:    chats,
		dialer:   dialer,
		bus:      bus,
		holder:   holder,
		leaseTTL: leaseTTL,
		backoff:  backoff,
		sessions: make(map[int64]*accountSession),
	}
}

// Resume starts sessions for every account whose persisted status allows
// automatic reconnection. Accounts left in a terminal status (needs_qr,
// logged_out) stay down until an operator re-pairs them.
func (s *Supervisor) Resume(ctx context.Context) error {
	var accounts []domain.WaAccount
	if err := s.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return errors.Wrap(err, "supervisor: list accounts")
	}
	resumed := 0
	for _, acct := range accounts {
		if domain.TerminalStatus(acct.Status) {
			zap.L().Info("supervisor: skipping terminal account on resume",
				zap.Int64("account_id", acct.ID), zap.String("status", acct.Status))
			continue
		}
		if err := s.StartAccount(ctx, acct.ID); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				continue
			}
			zap.L().Warn("supervisor: resume failed for account",
				zap.Int64("account_id", acct.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	zap.L().Info("supervisor: resume complete",
		zap.Int("accounts", len(accounts)), zap.Int("resumed", resumed))
	return nil
}

// StartAccount acquires the session lease and dials the account's transport.
// Without the lease the process stays passive and returns ErrLeaseHeld.
func (s *Supervisor) StartAccount(ctx context.Context, accountID int64) error {
	if err := s.acquireLease(ctx, accountID); err != nil {
		return err
	}

	blob, err := s.auth.Load(ctx, accountID)
	if err != nil {
		return errors.Wrap(err, "supervisor: load auth state")
	}

	sess := &accountSession{accountID: accountID, status: domain.AccountConnecting}
	cb := transport.Callbacks{
		OnEvent:   func(evt transport.Event) { s.onEvent(accountID, evt) },
		OnMessage: func(msg transport.Message) { s.onMessage(accountID, msg) },
	}
	ts, err := s.dialer.Dial(ctx, accountID, blob, cb)
	if err != nil {
		s.releaseLease(ctx, accountID)
		return errors.Wrap(err, "supervisor: dial")
	}
	sess.transport = ts
	sess.resolver = identity.NewResolver(identity.ReverseMapFunc(ts.PhoneForLinked))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ts.Disconnect()
		s.releaseLease(ctx, accountID)
		return errors.New("supervisor: stopped")
	}
	if old, ok := s.sessions[accountID]; ok {
		old.stopTimer()
		old.transport.Disconnect()
	}
	s.sessions[accountID] = sess
	s.persistStatusLocked(accountID, sess, map[string]interface{}{
		"status": domain.AccountConnecting,
	})
	s.mu.Unlock()

	if blob == nil {
		zap.L().Info("supervisor: no auth state, expecting pairing challenge",
			zap.Int64("account_id", accountID))
	}

	go func() {
		if err := ts.Connect(context.Background()); err != nil {
			zap.L().Warn("supervisor: connect failed",
				zap.Int64("account_id", accountID), zap.Error(err))
			s.onEvent(accountID, transport.Event{Kind: transport.EventClose,
				Reason: transport.CloseReason{Message: err.Error()}})
		}
	}()
	return nil
}

// onEvent drives the state machine with one transport event and applies the
// side effects its decision prescribes.
func (s *Supervisor) onEvent(accountID int64, evt transport.Event) {
	ctx := context.Background()

	// credential deltas are persistence-only, no state change
	if evt.Kind == transport.EventCredsUpdate {
		if len(evt.Creds) > 0 {
			if err := s.auth.SaveCreds(ctx, accountID, evt.Creds); err != nil {
				zap.L().Warn("supervisor: creds persist failed",
					zap.Int64("account_id", accountID), zap.Error(err))
			}
		}
		if len(evt.Keys) > 0 {
			if err := s.auth.SaveKeys(ctx, accountID, evt.Keys); err != nil {
				zap.L().Warn("supervisor: key material persist failed",
					zap.Int64("account_id", accountID), zap.Error(err))
			}
		}
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	if !ok {
		s.mu.Unlock()
		return
	}
	d := Transition(sess.status, sess.retries, evt, s.backoff)
	prev := sess.status
	sess.status = d.Next

	updates := map[string]interface{}{"status": d.Next}
	switch {
	case evt.Kind == transport.EventOpen:
		sess.retries = 0
		sess.qr = ""
		sess.stopTimer()
		updates["retry_count"] = 0
		updates["last_connected_at"] = time.Now()
		if evt.JID != "" {
			updates["jid"] = evt.JID
		}
	case evt.Kind == transport.EventQR:
		sess.qr = evt.QR
		sess.stopTimer()
	case d.ClearAuth:
		// terminal logout: abandon any scheduled reconnect and purge
		// credentials so a stale session can never be resumed
		sess.stopTimer()
		sess.transport.Disconnect()
		if err := s.auth.Clear(ctx, accountID); err != nil {
			zap.L().Error("supervisor: auth purge failed",
				zap.Int64("account_id", accountID), zap.Error(err))
		}
	case d.Reconnect:
		sess.retries++
		updates["retry_count"] = sess.retries
		updates["next_retry_at"] = time.Now().Add(d.Delay)
		s.scheduleReconnectLocked(sess, d.Delay)
	}

	// an open always persists: even without a status change it refreshes
	// retry_count and last_connected_at
	if d.Changed || d.Reconnect || evt.Kind == transport.EventOpen {
		s.persistStatusLocked(accountID, sess, updates)
	}
	s.mu.Unlock()

	if d.Changed {
		zap.L().Info("supervisor: account status transition",
			zap.Int64("account_id", accountID),
			zap.String("from", prev), zap.String("to", d.Next),
			zap.String("reason", evt.Reason.Message))
		if s.bus != nil {
			s.bus.Publish(TopicStatus, accountID, d.Next)
			if domain.TerminalStatus(d.Next) {
				s.bus.Publish(TopicTerminal, accountID, d.Next, evt.Reason.Message)
			}
		}
	}
}

// scheduleReconnectLocked arms the cancellable reconnect timer. The timer
// re-checks the status when it fires: a terminal transition in the meantime
// abandons the attempt.
func (s *Supervisor) scheduleReconnectLocked(sess *accountSession, delay time.Duration) {
	sess.stopTimer()
	accountID := sess.accountID
	zap.L().Info("supervisor: reconnect scheduled",
		zap.Int64("account_id", accountID),
		zap.Duration("delay", delay), zap.Int("attempt", sess.retries))
	sess.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.sessions[accountID]
		if !ok || cur != sess || domain.TerminalStatus(cur.status) {
			s.mu.Unlock()
			return
		}
		cur.status = domain.AccountConnecting
		s.persistStatusLocked(accountID, cur, map[string]interface{}{
			"status": domain.AccountConnecting,
		})
		ts := cur.transport
		s.mu.Unlock()

		if err := ts.Connect(context.Background()); err != nil {
			zap.L().Warn("supervisor: reconnect attempt failed",
				zap.Int64("account_id", accountID), zap.Error(err))
			s.onEvent(accountID, transport.Event{Kind: transport.EventClose,
				Reason: transport.CloseReason{Message: err.Error()}})
		}
	})
}

// persistStatusLocked writes the account's visible status. Persistence
// failures are logged, never fatal: in-memory state stays authoritative
// until the next successful write.
func (s *Supervisor) persistStatusLocked(accountID int64, sess *accountSession, updates map[string]interface{}) {
	updates["updated_at"] = time.Now()
	err := s.db.Model(&domain.WaAccount{}).
		Where("id = ?", accountID).
		Updates(updates).Error
	if err != nil {
		zap.L().Warn("supervisor: status persist failed",
			zap.Int64("account_id", accountID),
			zap.String("status", sess.status), zap.Error(err))
	}
}

// onMessage canonicalizes the sender and persists the inbound message under
// the canonical thread, idempotent per transport message id.
func (s *Supervisor) onMessage(accountID int64, msg transport.Message) {
	ctx := context.Background()
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	peer := sess.resolver.Canonical(ctx, msg.RawPeer)
	thread, err := s.chats.EnsureThread(ctx, accountID, peer)
	if err != nil {
		zap.L().Error("supervisor: thread lookup failed",
			zap.Int64("account_id", accountID), zap.String("peer", peer.Value), zap.Error(err))
		return
	}
	if err := s.chats.SaveMessage(ctx, thread.ID, msg.ClientMsgID, "in", msg.Body, msg.SentAt); err != nil {
		zap.L().Error("supervisor: message persist failed",
			zap.String("thread", thread.ID), zap.Error(err))
	}
}

// Send delivers a text message from an account to a raw peer identifier.
// clientMsgID is the idempotency key; pass "" to have one assigned. Callers
// retrying a failed send must reuse the returned id.
func (s *Supervisor) Send(ctx context.Context, accountID int64, rawPeer, body, clientMsgID string) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	s.mu.Unlock()
	if !ok {
		return "", errors.Errorf("supervisor: no live session for account %d", accountID)
	}
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	peer := sess.resolver.Canonical(ctx, rawPeer)
	thread, err := s.chats.EnsureThread(ctx, accountID, peer)
	if err != nil {
		return clientMsgID, err
	}
	if err := s.chats.SaveMessage(ctx, thread.ID, clientMsgID, "out", body, time.Now()); err != nil {
		return clientMsgID, err
	}
	if err := sess.transport.Send(ctx, peer.Value, body, clientMsgID); err != nil {
		return clientMsgID, err
	}
	return clientMsgID, nil
}

// MigrateResolvedThreads upgrades threads still keyed by a linked identifier
// whose reverse mapping has since become available. Runs from a scheduled
// job; migration is the only operation that moves data between threads.
func (s *Supervisor) MigrateResolvedThreads(ctx context.Context, accountID int64) {
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	threads, err := s.chats.UnresolvedLinkedThreads(ctx, accountID)
	if err != nil {
		zap.L().Warn("supervisor: linked thread scan failed",
			zap.Int64("account_id", accountID), zap.Error(err))
		return
	}
	for _, th := range threads {
		peer := sess.resolver.Canonical(ctx, th.PeerID)
		if peer.Kind != identity.KindPhone {
			continue
		}
		if _, err := s.chats.MigrateThread(ctx, accountID, th.ID, peer); err != nil {
			zap.L().Warn("supervisor: thread migration failed",
				zap.String("thread", th.ID), zap.Error(err))
		}
	}
}

// QRCode returns the outstanding pairing code for an account, if any.
func (s *Supervisor) QRCode(accountID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		return sess.qr
	}
	return ""
}

// LiveStatus reports the in-memory status of an account session, or "" when
// this process holds no session for it.
func (s *Supervisor) LiveStatus(accountID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		return sess.status
	}
	return ""
}

// ConnectedCount reports how many sessions are currently online.
func (s *Supervisor) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.status == domain.AccountConnected {
			n++
		}
	}
	return n
}

// StopAccount disconnects the account's session and releases its lease. The
// persisted status is set to disconnected unless the account is terminal.
func (s *Supervisor) StopAccount(ctx context.Context, accountID int64) {
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	if ok {
		delete(s.sessions, accountID)
		sess.stopTimer()
		sess.transport.Disconnect()
		if !domain.TerminalStatus(sess.status) {
			s.persistStatusLocked(accountID, sess, map[string]interface{}{
				"status": domain.AccountDisconnected,
			})
		}
	}
	s.mu.Unlock()
	if ok {
		s.releaseLease(ctx, accountID)
	}
}

// RemoveAccount retires the account: the session stops, its lease and
// credentials (durable and cached) are purged, and the record moves to the
// terminal removed status. The row itself is kept.
func (s *Supervisor) RemoveAccount(ctx context.Context, accountID int64) error {
	s.StopAccount(ctx, accountID)
	if err := s.auth.Clear(ctx, accountID); err != nil {
		return errors.Wrap(err, "supervisor: purge auth state")
	}
	err := s.db.WithContext(ctx).Model(&domain.WaAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"status":     domain.AccountRemoved,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return errors.Wrap(err, "supervisor: retire account")
	}
	zap.L().Info("supervisor: account removed", zap.Int64("account_id", accountID))
	return nil
}

// Stop shuts every session down.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.StopAccount(ctx, id)
	}
	zap.L().Info("supervisor: stopped", zap.Int("sessions", len(ids)))
}

func (a *accountSession) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
