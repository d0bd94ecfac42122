// Package identity canonicalizes volatile transport peer identifiers into
// stable conversation thread keys.
package identity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind tags the two identifier forms the transport produces.
type Kind string

const (
	// KindPhone is the stable phone-addressed form (user@s.whatsapp.net).
	KindPhone Kind = "phone"
	// KindLinked is the anonymized transport-assigned form (user@lid).
	KindLinked Kind = "linked"
)

const (
	phoneServer  = "s.whatsapp.net"
	linkedServer = "lid"

	// threadSep joins account id and canonical peer in a thread id. Neither
	// component may contain it: account ids are numeric and peer ids are
	// single-@ JIDs.
	threadSep = "__"
)

// PeerIdentifier is a tagged raw transport identifier.
type PeerIdentifier struct {
	Kind  Kind
	Value string
}

func (p PeerIdentifier) String() string { return p.Value }

// Parse classifies a raw transport identifier. The device part of the user
// portion ("1234:12@s.whatsapp.net") is stripped so every device of a peer
// maps to the same identity.
func Parse(raw string) PeerIdentifier {
	user, server := splitJID(raw)
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user = user[:idx]
	}
	if server == linkedServer {
		return PeerIdentifier{Kind: KindLinked, Value: user + "@" + linkedServer}
	}
	if server == "" {
		server = phoneServer
	}
	return PeerIdentifier{Kind: KindPhone, Value: user + "@" + server}
}

func splitJID(raw string) (user, server string) {
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

// ReverseMap recovers the phone-addressed form behind a linked identifier.
// The transport layer maintains this mapping in its own cache.
type ReverseMap interface {
	PhoneForLinked(ctx context.Context, linked string) (string, bool)
}

// ReverseMapFunc adapts a function to the ReverseMap interface.
type ReverseMapFunc func(ctx context.Context, linked string) (string, bool)

func (f ReverseMapFunc) PhoneForLinked(ctx context.Context, linked string) (string, bool) {
	return f(ctx, linked)
}

// Resolver converts raw transport identifiers to canonical peer identifiers.
type Resolver struct {
	rev ReverseMap
}

func NewResolver(rev ReverseMap) *Resolver {
	return &Resolver{rev: rev}
}

// Canonical resolves raw to its canonical peer identifier. Phone-addressed
// identifiers are canonical as-is. Linked identifiers resolve through the
// reverse map when possible; otherwise the linked form is retained and must
// not be remapped later except through an explicit thread migration.
func (r *Resolver) Canonical(ctx context.Context, raw string) PeerIdentifier {
	peer := Parse(raw)
	if peer.Kind != KindLinked || r.rev == nil {
		return peer
	}
	phone, ok := r.rev.PhoneForLinked(ctx, peer.Value)
	if !ok || phone == "" {
		zap.L().Debug("identity: linked id unresolved, keeping linked form",
			zap.String("peer", peer.Value))
		return peer
	}
	return Parse(phone)
}

// ThreadID builds the canonical thread identifier for an account/peer pair.
func ThreadID(accountID int64, peer PeerIdentifier) string {
	return fmt.Sprintf("%d%s%s", accountID, threadSep, peer.Value)
}
