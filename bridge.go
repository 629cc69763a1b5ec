package animhead

import (
	"context"

	"go.viam.com/rdk/logging"
)

// Bridge relays between the host above it and the servo controller below
// it, running an independent handshake on each hop. It never interprets
// servo semantics beyond what routing needs; clamping stays with the
// controller and emotion mapping stays with the host.
type Bridge struct {
	down *LineTransport
	up   *LineTransport

	hsDown *Handshake
	hsUp   *Handshake

	decDown *LineDecoder
	decUp   *LineDecoder

	logger logging.Logger
}

// NewBridge wires a bridge over its two links: down toward the servo
// controller, up toward the host.
func NewBridge(cfg *HeadConfig, down, up *LineTransport, logger logging.Logger) *Bridge {
	return &Bridge{
		down:    down,
		up:      up,
		hsDown:  NewHandshake(TokenBridge, TokenController, cfg.Policy, logger),
		hsUp:    NewHandshake(TokenBridge, TokenHost, cfg.Policy, logger),
		decDown: NewLineDecoder(),
		decUp:   NewLineDecoder(),
		logger:  logger,
	}
}

// DownState reports the controller-hop state.
func (b *Bridge) DownState() LinkState {
	return b.hsDown.State()
}

// UpState reports the host-hop state.
func (b *Bridge) UpState() LinkState {
	return b.hsUp.State()
}

// Capability folds both hops into the end-to-end link capability.
func (b *Bridge) Capability() LinkState {
	return CombinedState(b.hsDown.State(), b.hsUp.State())
}

// Run relays until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge loop running")
	for ctx.Err() == nil {
		b.Step(ctx)
	}
	return ctx.Err()
}

// Step services both handshakes and relays at most a handful of lines per
// side. Exported for deterministic tests.
func (b *Bridge) Step(ctx context.Context) {
	if token, ok := b.hsDown.TokenDue(); ok {
		if err := b.down.WriteLine(token); err != nil {
			b.logger.Debugf("downstream handshake send failed: %v", err)
		}
	}
	if token, ok := b.hsUp.TokenDue(); ok {
		if err := b.up.WriteLine(token); err != nil {
			b.logger.Debugf("upstream handshake send failed: %v", err)
		}
	}

	for i := 0; i < 16; i++ {
		line, ok := b.down.ReadLine(ctx, controllerPollInterval/2)
		if !ok {
			break
		}
		b.handleFromDown(line)
	}
	for i := 0; i < 16; i++ {
		line, ok := b.up.ReadLine(ctx, controllerPollInterval/2)
		if !ok {
			break
		}
		b.handleFromUp(line)
	}
}

// handleFromDown relays controller traffic toward the host. Commands are
// reassembled and re-encoded so a batch crosses the bridge contiguously
// even when its lines arrived interleaved with noise.
func (b *Bridge) handleFromDown(line string) {
	cmd, err := b.decDown.Feed(line)
	if err != nil {
		b.logger.Warnf("dropping downstream line %q: %v", line, err)
		return
	}
	if cmd == nil {
		return
	}

	if hs, ok := cmd.(HandshakeCommand); ok {
		if reply, ok := b.hsDown.HandleToken(hs.Token); ok {
			if err := b.down.WriteLine(reply); err != nil {
				b.logger.Debugf("downstream handshake reply failed: %v", err)
			}
		}
		return
	}

	if err := b.up.WriteCommand(cmd); err != nil {
		b.logger.Warnf("upstream relay failed: %v", err)
	}
}

// handleFromUp relays host traffic toward the controller. Moves are
// dropped, not queued, while the controller hop is anything but
// Connected: a stale buffered motion command arriving after reconnect is
// worse than a missed one.
func (b *Bridge) handleFromUp(line string) {
	cmd, err := b.decUp.Feed(line)
	if err != nil {
		b.logger.Warnf("dropping upstream line %q: %v", line, err)
		return
	}
	if cmd == nil {
		return
	}

	switch cmd := cmd.(type) {
	case HandshakeCommand:
		if reply, ok := b.hsUp.HandleToken(cmd.Token); ok {
			if err := b.up.WriteLine(reply); err != nil {
				b.logger.Debugf("upstream handshake reply failed: %v", err)
			}
		}
		return

	case MoveCommand:
		if b.hsDown.State() != Connected {
			b.logger.Debugf("dropping move for servo %d: controller hop %s", cmd.ID, b.hsDown.State())
			return
		}

	case ReportCommand:
		b.logger.Warnf("ignoring calibration report from host (%d entries)", len(cmd.Entries))
		return
	}

	if err := b.down.WriteCommand(cmd); err != nil {
		b.logger.Warnf("downstream relay failed: %v", err)
	}
}
