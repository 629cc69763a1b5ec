package animhead

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ErrLinkTimeout marks a handshake that reached its ceiling. The link is
// in DryRun for the rest of the session; only a restart recovers it.
var ErrLinkTimeout = errors.New("link handshake timed out")

// LinkState is the connectivity state of one link hop.
type LinkState int

const (
	Disconnected LinkState = iota
	HandshakePending
	Connected
	DryRun
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case HandshakePending:
		return "handshake_pending"
	case Connected:
		return "connected"
	case DryRun:
		return "dry_run"
	default:
		return "unknown"
	}
}

// Handshake negotiates liveness with one peer over a shared-nothing byte
// stream. The local token is retransmitted at a fixed interval until the
// peer's token arrives or the ceiling elapses; the ceiling transition to
// DryRun is terminal for the session, so actuation never flaps between
// real and simulated mid-motion.
type Handshake struct {
	localToken string
	peerToken  string
	retry      time.Duration
	ceiling    time.Duration
	logger     logging.Logger

	state    LinkState
	started  time.Time
	lastSent time.Time

	// now is swapped out by tests.
	now func() time.Time
}

// NewHandshake builds a handshake for one hop. localToken is what we
// announce; peerToken is what we accept.
func NewHandshake(localToken, peerToken string, policy PolicyConfig, logger logging.Logger) *Handshake {
	return &Handshake{
		localToken: localToken,
		peerToken:  peerToken,
		retry:      policy.retryInterval(),
		ceiling:    policy.handshakeCeiling(),
		logger:     logger,
		state:      Disconnected,
		now:        time.Now,
	}
}

// State returns the current link state.
func (h *Handshake) State() LinkState {
	return h.state
}

// Actuating reports whether physical actuation over this hop is allowed.
func (h *Handshake) Actuating() bool {
	return h.state == Connected
}

// TokenDue returns the local token when a (re)transmission is due. The
// first call moves Disconnected to HandshakePending and starts the ceiling
// clock. Once the ceiling elapses the state becomes DryRun and no further
// tokens are sent.
func (h *Handshake) TokenDue() (string, bool) {
	now := h.now()
	switch h.state {
	case Disconnected:
		h.state = HandshakePending
		h.started = now
		h.lastSent = now
		h.logger.Infof("handshake started, announcing %q every %v", h.localToken, h.retry)
		return h.localToken, true

	case HandshakePending:
		if now.Sub(h.started) >= h.ceiling {
			h.state = DryRun
			h.logger.Warnf("no %q within %v: entering dry-run for the session (%v)",
				h.peerToken, h.ceiling, ErrLinkTimeout)
			return "", false
		}
		if now.Sub(h.lastSent) >= h.retry {
			h.lastSent = now
			return h.localToken, true
		}
	}
	return "", false
}

// HandleToken consumes one inbound token line. A matching peer token
// completes the handshake; anything else is ignored. In Connected the
// peer's token is answered once more so a peer that restarted mid-session
// can still complete its own handshake.
func (h *Handshake) HandleToken(token string) (reply string, ok bool) {
	if token != h.peerToken {
		h.logger.Debugf("ignoring unexpected token %q", token)
		return "", false
	}
	switch h.state {
	case Disconnected, HandshakePending:
		h.state = Connected
		h.logger.Infof("peer %q confirmed, link connected", token)
		return h.localToken, true
	case Connected:
		return h.localToken, true
	case DryRun:
		// Terminal. A reappearing peer must wait for a fresh session.
		h.logger.Debugf("peer %q arrived after dry-run ceiling, ignoring", token)
	}
	return "", false
}

// CombinedState folds two hops into the conservative end-to-end
// capability: a DryRun hop poisons the pair, and the pair is Connected
// only when both hops are.
func CombinedState(a, b LinkState) LinkState {
	if a == DryRun || b == DryRun {
		return DryRun
	}
	if a == Connected && b == Connected {
		return Connected
	}
	if a == HandshakePending || b == HandshakePending {
		return HandshakePending
	}
	return Disconnected
}
