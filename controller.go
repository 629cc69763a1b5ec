package animhead

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// controllerPollInterval paces the control loop; the inbound read doubles
// as the tick sleep.
const controllerPollInterval = 20 * time.Millisecond

// LedSink receives indicator color changes. The controller suppresses
// calls while degraded, so implementations may assume hardware is live.
type LedSink interface {
	SetLed(ctx context.Context, color LedColor) error
	SetMicLed(ctx context.Context, index int, color LedColor) error
}

type logLedSink struct {
	logger logging.Logger
}

func (l logLedSink) SetLed(_ context.Context, c LedColor) error {
	l.logger.Debugf("led set to #%02x%02x%02x", c.R, c.G, c.B)
	return nil
}

func (l logLedSink) SetMicLed(_ context.Context, idx int, c LedColor) error {
	l.logger.Debugf("mic led %d set to #%02x%02x%02x", idx, c.R, c.G, c.B)
	return nil
}

// Controller is the servo-bus controller device: the authoritative owner
// of physical position and calibration. One Controller runs one control
// loop; all of its state lives on the struct so several simulated devices
// can coexist in one process.
type Controller struct {
	cfg    *HeadConfig
	store  *StateStore
	bus    ServoBus // nil when running without hardware
	link   *LineTransport
	hs     *Handshake
	dec    *LineDecoder
	leds   LedSink
	logger logging.Logger

	jitterDue map[int]time.Time
	rng       *rand.Rand

	// now is swapped out by tests.
	now func() time.Time
}

// NewController wires a controller over its bus and upstream link. A nil
// bus runs the full protocol with actuation simulated.
func NewController(cfg *HeadConfig, bus ServoBus, link *LineTransport, logger logging.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     NewStateStore(cfg, logger),
		bus:       bus,
		link:      link,
		hs:        NewHandshake(TokenController, TokenBridge, cfg.Policy, logger),
		dec:       NewLineDecoder(),
		leds:      logLedSink{logger: logger},
		logger:    logger,
		jitterDue: make(map[int]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// SetLedSink replaces the default logging sink.
func (c *Controller) SetLedSink(s LedSink) {
	c.leds = s
}

// Store exposes the controller's authoritative state.
func (c *Controller) Store() *StateStore {
	return c.store
}

// LinkState reports the upstream hop state.
func (c *Controller) LinkState() LinkState {
	return c.hs.State()
}

// Bootstrap populates the state store before the loop starts: a saved
// calibration file wins, otherwise the calibrator probes the bus. Without
// hardware the fallback ranges from startup remain in place.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if rep, ok := LoadCalibrationFile(c.cfg.CalibrationFile, c.logger); ok {
		if err := c.store.ApplyReport(rep); err != nil {
			return errors.Wrap(err, "apply saved calibration")
		}
		return nil
	}
	if c.bus == nil {
		c.logger.Warnf("no servo bus: keeping fallback ranges for %d servos", len(c.cfg.Servos))
		return nil
	}

	rep, err := NewCalibrator(c.bus, c.cfg, c.logger).Calibrate(ctx)
	if err != nil {
		return errors.Wrap(err, "calibrate")
	}
	if err := c.store.ApplyReport(rep); err != nil {
		return errors.Wrap(err, "apply calibration")
	}
	if c.cfg.CalibrationFile != "" {
		if err := SaveCalibrationFile(c.cfg.CalibrationFile, c.cfg, rep); err != nil {
			c.logger.Warnf("could not save calibration: %v", err)
		}
	}
	return nil
}

// Run drives the control loop until the context ends. Nothing inside the
// loop is allowed to terminate it; failures degrade a servo, a command,
// or the link and the loop keeps going.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller loop running")
	for ctx.Err() == nil {
		c.Step(ctx)
	}
	return ctx.Err()
}

// Step runs one loop iteration: handshake service, at most a handful of
// inbound lines, then idle jitter. Exported so tests and simulations can
// drive the loop deterministically.
func (c *Controller) Step(ctx context.Context) {
	if token, ok := c.hs.TokenDue(); ok {
		if err := c.link.WriteLine(token); err != nil {
			c.logger.Debugf("handshake send failed: %v", err)
		}
	}

	// Bound the per-tick line budget so a chatty peer cannot starve the
	// jitter timers.
	for i := 0; i < 16; i++ {
		line, ok := c.link.ReadLine(ctx, controllerPollInterval)
		if !ok {
			break
		}
		c.handleLine(ctx, line)
	}

	c.serviceJitter(ctx)
}

func (c *Controller) handleLine(ctx context.Context, line string) {
	cmd, err := c.dec.Feed(line)
	if err != nil {
		// Reject the line, keep the stream.
		c.logger.Warnf("dropping line %q: %v", line, err)
		return
	}
	if cmd == nil {
		return // mid-batch
	}

	switch cmd := cmd.(type) {
	case HandshakeCommand:
		wasConnected := c.hs.State() == Connected
		if reply, ok := c.hs.HandleToken(cmd.Token); ok {
			if err := c.link.WriteLine(reply); err != nil {
				c.logger.Debugf("handshake reply failed: %v", err)
			}
			if !wasConnected && c.hs.State() == Connected {
				// Push the calibration upstream as soon as the peer is real.
				c.sendReport()
			}
		}

	case MoveCommand:
		c.handleMove(ctx, cmd)

	case GetReportCommand:
		c.sendReport()

	case ConfigureCommand:
		if err := c.store.ApplyConfigure(cmd); err != nil {
			c.logger.Warnf("rejecting configure batch: %v", err)
		}

	case SetLedCommand:
		if c.actuating() {
			if err := c.leds.SetLed(ctx, LedColor{R: cmd.R, G: cmd.G, B: cmd.B}); err != nil {
				c.logger.Warnf("led update failed: %v", err)
			}
		}

	case SetMicLedCommand:
		if c.actuating() {
			if err := c.leds.SetMicLed(ctx, cmd.Index, LedColor{R: cmd.R, G: cmd.G, B: cmd.B}); err != nil {
				c.logger.Warnf("mic led update failed: %v", err)
			}
		}

	case ReportCommand:
		// The controller is authoritative for calibration; an inbound
		// report means a confused peer.
		c.logger.Warnf("ignoring inbound calibration report (%d entries)", len(cmd.Entries))
	}
}

func (c *Controller) handleMove(ctx context.Context, cmd MoveCommand) {
	res, err := c.store.ApplyMove(cmd.ID, DegreesToTicks(cmd.TargetDeg), cmd.Velocity)
	if err != nil {
		if errors.Is(err, ErrServoAbsent) {
			c.logger.Debugf("move skipped: %v", err)
		} else {
			c.logger.Warnf("rejecting move: %v", err)
		}
		return
	}

	// Explicit intent preempts ambient idle motion.
	c.deferJitter(res.ID)

	if !c.actuating() {
		return
	}
	vel := cmd.Velocity
	if vel == 0 {
		vel = c.cfg.Policy.DefaultVelocity
	}
	if err := c.bus.MoveTo(ctx, res.ID, res.AppliedTicks, vel); err != nil {
		c.logger.Warnf("servo %d actuation failed: %v", res.ID, err)
	}
}

// actuating reports whether physical outputs are driven: the link must be
// Connected and hardware must exist. In DryRun every mutation still runs,
// only the bus writes are suppressed.
func (c *Controller) actuating() bool {
	return c.bus != nil && c.hs.Actuating()
}

func (c *Controller) sendReport() {
	if err := c.link.WriteCommand(c.store.Report()); err != nil {
		c.logger.Warnf("report send failed: %v", err)
	}
}

func (c *Controller) deferJitter(id int) {
	if snap, ok := c.store.Servo(id); ok && snap.JitterInterval > 0 {
		c.jitterDue[id] = c.now().Add(snap.JitterInterval)
	}
}

// serviceJitter applies small ambient motion per servo at that servo's own
// interval. Jitter goes through ApplyMove like any other move, so it can
// never escape the calibrated range.
func (c *Controller) serviceJitter(ctx context.Context) {
	now := c.now()
	for _, snap := range c.store.Snapshot() {
		if !snap.Present || !snap.Calibrated || snap.JitterRangeTicks <= 0 || snap.JitterInterval <= 0 {
			continue
		}
		due, ok := c.jitterDue[snap.ID]
		if !ok {
			c.jitterDue[snap.ID] = now.Add(snap.JitterInterval)
			continue
		}
		if now.Before(due) {
			continue
		}
		offset := c.rng.Intn(2*snap.JitterRangeTicks+1) - snap.JitterRangeTicks
		target := snap.CurrentTicks + offset
		res, err := c.store.ApplyMove(snap.ID, target, snap.Velocity)
		if err == nil && c.actuating() {
			if err := c.bus.MoveTo(ctx, res.ID, res.AppliedTicks, snap.Velocity); err != nil {
				c.logger.Debugf("jitter actuation failed for servo %d: %v", res.ID, err)
			}
		}
		c.jitterDue[snap.ID] = now.Add(snap.JitterInterval)
	}
}
