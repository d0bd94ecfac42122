package supervisor

import (
	"time"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/transport"
)

// Decision is the outcome of one state transition. The machine itself is
// free of I/O; the supervisor applies the side effects it prescribes.
type Decision struct {
	Next      string
	Changed   bool
	Reconnect bool
	Delay     time.Duration
	ClearAuth bool
}

// Transition computes the next account status for an incoming transport
// event. retries is the count of consecutive failed reconnects so far; it is
// used to size the backoff delay of a prescribed reconnect.
//
// Close with a logged-out reason is terminal: no reconnect is ever scheduled
// and the persisted auth state must be purged. A close arriving while the
// account is already in a terminal status never resurrects the connection.
func Transition(current string, retries int, evt transport.Event, backoff Backoff) Decision {
	switch evt.Kind {
	case transport.EventOpen:
		return Decision{Next: domain.AccountConnected, Changed: current != domain.AccountConnected}
	case transport.EventQR:
		return Decision{Next: domain.AccountNeedsQR, Changed: current != domain.AccountNeedsQR}
	case transport.EventClose:
		if evt.Reason.LoggedOut {
			return Decision{
				Next:      domain.AccountLoggedOut,
				Changed:   current != domain.AccountLoggedOut,
				ClearAuth: true,
			}
		}
		if domain.TerminalStatus(current) {
			return Decision{Next: current}
		}
		return Decision{
			Next:      domain.AccountDisconnected,
			Changed:   current != domain.AccountDisconnected,
			Reconnect: true,
			Delay:     backoff.Delay(retries + 1),
		}
	default:
		// credential updates don't move the machine
		return Decision{Next: current}
	}
}
