package animhead

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Host is the top-of-chain device: it mirrors the controller's servo state
// and turns symbolic intent (emotions, gaze) into wire commands. The
// mirror is reconciled only from inbound Report and Configure batches;
// moves the host sends are recorded optimistically and corrected by the
// next report.
type Host struct {
	cfg    *HeadConfig
	link   *LineTransport
	hs     *Handshake
	dec    *LineDecoder
	mirror *StateStore
	mapper *AnimationMapper
	logger logging.Logger
}

// NewHost wires a host over its downstream link.
func NewHost(cfg *HeadConfig, link *LineTransport, logger logging.Logger) *Host {
	return &Host{
		cfg:    cfg,
		link:   link,
		hs:     NewHandshake(TokenHost, TokenBridge, cfg.Policy, logger),
		dec:    NewLineDecoder(),
		mirror: NewStateStore(cfg, logger),
		mapper: NewAnimationMapper(),
		logger: logger,
	}
}

// LinkState reports the downstream hop state.
func (h *Host) LinkState() LinkState {
	return h.hs.State()
}

// Mirror exposes the host's view of the head's servo state.
func (h *Host) Mirror() *StateStore {
	return h.mirror
}

// Poses lists the emotion names the host can express.
func (h *Host) Poses() []string {
	return h.mapper.Names()
}

// Run drives the host loop until the context ends.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("host loop running")
	for ctx.Err() == nil {
		h.Step(ctx)
	}
	return ctx.Err()
}

// Step services the handshake and drains inbound lines. Exported for
// deterministic tests and for callers embedding the host in their own
// loop.
func (h *Host) Step(ctx context.Context) {
	if token, ok := h.hs.TokenDue(); ok {
		if err := h.link.WriteLine(token); err != nil {
			h.logger.Debugf("handshake send failed: %v", err)
		}
	}

	for i := 0; i < 16; i++ {
		line, ok := h.link.ReadLine(ctx, controllerPollInterval)
		if !ok {
			break
		}
		h.handleLine(line)
	}
}

func (h *Host) handleLine(line string) {
	cmd, err := h.dec.Feed(line)
	if err != nil {
		h.logger.Warnf("dropping line %q: %v", line, err)
		return
	}
	if cmd == nil {
		return
	}

	switch cmd := cmd.(type) {
	case HandshakeCommand:
		wasConnected := h.hs.State() == Connected
		if reply, ok := h.hs.HandleToken(cmd.Token); ok {
			if err := h.link.WriteLine(reply); err != nil {
				h.logger.Debugf("handshake reply failed: %v", err)
			}
			if !wasConnected && h.hs.State() == Connected {
				h.RequestReport()
			}
		}

	case ReportCommand:
		if err := h.mirror.ApplyReport(cmd); err != nil {
			h.logger.Warnf("rejecting report batch: %v", err)
			return
		}
		h.logger.Infof("calibration mirror updated for %d servos", len(cmd.Entries))

	case ConfigureCommand:
		if err := h.mirror.ApplyConfigure(cmd); err != nil {
			h.logger.Warnf("rejecting configure batch: %v", err)
		}

	default:
		// Moves and LED traffic flow downward only.
		h.logger.Debugf("ignoring inbound %T", cmd)
	}
}

// RequestReport asks the controller to retransmit its calibration.
func (h *Host) RequestReport() {
	if err := h.link.WriteCommand(GetReportCommand{}); err != nil {
		h.logger.Warnf("report request failed: %v", err)
	}
}

// Move sends one servo move. It refuses servos the mirror has not yet
// confirmed present and calibrated: before the first report arrives the
// host does not know a safe range exists downstream.
func (h *Host) Move(id int, targetDeg float64, velocity int) error {
	snap, ok := h.mirror.Servo(id)
	if !ok {
		return errors.Wrapf(ErrUnknownServo, "move for servo %d", id)
	}
	if !snap.Present {
		return errors.Wrapf(ErrServoAbsent, "move for servo %d (%s)", id, snap.Name)
	}
	if !snap.Calibrated {
		return errors.Errorf("servo %d (%s) not yet calibrated, refusing move", id, snap.Name)
	}

	cmd := MoveCommand{ID: id, TargetDeg: targetDeg, Velocity: velocity}
	if err := h.link.WriteCommand(cmd); err != nil {
		return errors.Wrapf(err, "send move for servo %d", id)
	}
	// Optimistic local echo; the mirror clamps the same way the
	// controller will.
	if _, err := h.mirror.ApplyMove(id, DegreesToTicks(targetDeg), velocity); err != nil {
		h.logger.Debugf("mirror echo for servo %d failed: %v", id, err)
	}
	return nil
}

// SetLed sets the main indicator color.
func (h *Host) SetLed(c LedColor) error {
	return h.link.WriteCommand(SetLedCommand{R: c.R, G: c.G, B: c.B})
}

// SetMicLed sets one microphone ring LED.
func (h *Host) SetMicLed(index int, c LedColor) error {
	return h.link.WriteCommand(SetMicLedCommand{Index: index, R: c.R, G: c.G, B: c.B})
}

// ApplyEmotion expresses a named pose: per-servo jitter reconfiguration,
// then the moves, then the indicator color. Servos the mirror has not
// confirmed are silently left out; an emotion plays on whatever subset of
// the head is alive.
func (h *Host) ApplyEmotion(name string) error {
	pose, ok := h.mapper.Pose(name)
	if !ok {
		return errors.Errorf("unknown emotion %q (have %v)", name, h.mapper.Names())
	}
	return h.applyPose(pose)
}

// LookAt aims the neck and eyes along a gaze direction in head
// coordinates (x right, y forward, z up).
func (h *Host) LookAt(dir r3.Vector) error {
	pose, err := GazePose(dir, h.cfg.Policy.DefaultVelocity)
	if err != nil {
		return err
	}
	return h.applyPose(pose)
}

func (h *Host) applyPose(pose Pose) error {
	snaps := h.mirror.Snapshot()

	if cfgCmd := h.mapper.Configure(pose, snaps); len(cfgCmd.Snapshots) > 0 {
		if err := h.link.WriteCommand(cfgCmd); err != nil {
			return errors.Wrapf(err, "send configure for pose %q", pose.Name)
		}
	}

	moves := h.mapper.MoveCommands(pose, snaps)
	if len(moves) == 0 {
		h.logger.Warnf("pose %q has no movable servos yet", pose.Name)
	}
	for _, mv := range moves {
		if err := h.link.WriteCommand(mv); err != nil {
			return errors.Wrapf(err, "send move for servo %d in pose %q", mv.ID, pose.Name)
		}
		if _, err := h.mirror.ApplyMove(mv.ID, DegreesToTicks(mv.TargetDeg), mv.Velocity); err != nil {
			h.logger.Debugf("mirror echo for servo %d failed: %v", mv.ID, err)
		}
	}

	if pose.Color != (LedColor{}) {
		if err := h.SetLed(pose.Color); err != nil {
			return errors.Wrapf(err, "send led for pose %q", pose.Name)
		}
	}
	return nil
}
