package animhead

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Calibrator walks every configured servo through presence probing and
// range discovery, producing one batch Report. It holds the servo's motion
// channel exclusively while probing; motion commands must not be
// interleaved with a running calibration.
type Calibrator struct {
	bus    ServoBus
	cfg    *HeadConfig
	finder limitProber
	logger logging.Logger
}

// NewCalibrator builds a calibrator over a bus.
func NewCalibrator(bus ServoBus, cfg *HeadConfig, logger logging.Logger) *Calibrator {
	return &Calibrator{
		bus:    bus,
		cfg:    cfg,
		finder: NewLimitFinder(bus, cfg.Policy, logger),
		logger: logger,
	}
}

// Calibrate produces one CalibrationReport per configured servo and
// aggregates them into a single batch command, so the unreliable link
// upstream sees the whole calibration or none of it. Per-servo failures
// degrade that servo only; Calibrate itself fails only on context
// cancellation.
func (c *Calibrator) Calibrate(ctx context.Context) (ReportCommand, error) {
	rep := ReportCommand{Entries: make([]CalibrationReport, 0, len(c.cfg.Servos))}
	for _, sc := range c.cfg.Servos {
		if err := ctx.Err(); err != nil {
			return rep, errors.Wrap(err, "calibration interrupted")
		}
		entry, err := c.calibrateServo(ctx, sc)
		if err != nil {
			return rep, err
		}
		rep.Entries = append(rep.Entries, entry)
	}
	return rep, nil
}

func (c *Calibrator) calibrateServo(ctx context.Context, sc ServoConfig) (CalibrationReport, error) {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.Policy.presenceTimeout())
	err := c.bus.Ping(pingCtx, sc.ID)
	cancel()
	if err != nil {
		// Soft-disable: the rest of the head keeps working.
		c.logger.Warnf("servo %d (%s) did not answer presence probe: %v", sc.ID, sc.Name, err)
		return CalibrationReport{ID: sc.ID, Present: false}, nil
	}

	var rng ServoRange
	degraded := false

	if sc.Override != nil {
		// Manual overrides take strict precedence; no stall probing at all
		// for servos with an unreliable stall signature.
		rng = ServoRange{MinTicks: sc.Override.MinTicks, MaxTicks: sc.Override.MaxTicks}
		c.logger.Infof("servo %d (%s): manual override range [%d, %d]", sc.ID, sc.Name, rng.MinTicks, rng.MaxTicks)
	} else {
		rng, degraded, err = c.discoverRange(ctx, sc)
		if err != nil {
			return CalibrationReport{}, err
		}
	}

	if err := c.persistRange(ctx, sc.ID, rng); err != nil {
		c.logger.Warnf("servo %d (%s): could not persist range: %v", sc.ID, sc.Name, err)
	}

	// Park in the middle of the discovered window.
	if err := c.bus.MoveTo(ctx, sc.ID, rng.Center(), c.cfg.Policy.CalibrateVelocity); err != nil {
		c.logger.Warnf("servo %d (%s): centering failed: %v", sc.ID, sc.Name, err)
	}

	if degraded {
		c.logger.Warnf("servo %d (%s): degraded calibration, fallback range [%d, %d]",
			sc.ID, sc.Name, rng.MinTicks, rng.MaxTicks)
	} else {
		c.logger.Infof("servo %d (%s): calibrated range [%d, %d]", sc.ID, sc.Name, rng.MinTicks, rng.MaxTicks)
	}

	return CalibrationReport{ID: sc.ID, MinTicks: rng.MinTicks, MaxTicks: rng.MaxTicks, Present: true}, nil
}

// discoverRange runs the stall search in both directions from the
// reference position. If either sweep finishes without a stall the whole
// servo falls back to the symmetric safe window: a range with one probed
// and one guessed end is not trustworthy.
func (c *Calibrator) discoverRange(ctx context.Context, sc ServoConfig) (ServoRange, bool, error) {
	ref := c.cfg.Policy.referenceTicks()

	if err := c.bus.SetTorque(ctx, sc.ID, true); err != nil {
		return ServoRange{}, false, errors.Wrapf(err, "enable torque for servo %d", sc.ID)
	}
	if err := c.bus.MoveTo(ctx, sc.ID, ref, c.cfg.Policy.CalibrateVelocity); err != nil {
		c.logger.Warnf("servo %d: could not reach reference position: %v", sc.ID, err)
	}

	fwd, err := c.finder.FindLimit(ctx, sc.ID, Forward, ref)
	if err != nil {
		return ServoRange{}, false, err
	}
	back, err := c.finder.FindLimit(ctx, sc.ID, Backward, ref)
	if err != nil {
		return ServoRange{}, false, err
	}

	if !fwd.Stalled || !back.Stalled {
		return c.cfg.Policy.fallbackRange(ref), true, nil
	}

	rng := ServoRange{MinTicks: back.LimitTicks, MaxTicks: fwd.LimitTicks}
	if err := rng.Validate(); err != nil {
		// Both stops collapsed onto the reference: a jammed or unloaded
		// horn. Fall back rather than report an empty window.
		c.logger.Warnf("servo %d: discovered range unusable (%v), using fallback", sc.ID, err)
		return c.cfg.Policy.fallbackRange(ref), true, nil
	}
	return rng, false, nil
}

// persistRange writes the limits to the servo's EEPROM registers. Torque
// must be off for the write; the sequencing here is the invariant, not an
// optimization.
func (c *Calibrator) persistRange(ctx context.Context, id int, rng ServoRange) error {
	if err := c.bus.SetTorque(ctx, id, false); err != nil {
		return errors.Wrapf(err, "disable torque before range write for servo %d", id)
	}
	writeErr := c.bus.WriteRange(ctx, id, rng)
	if err := c.bus.SetTorque(ctx, id, true); err != nil {
		if writeErr == nil {
			writeErr = errors.Wrapf(err, "re-enable torque after range write for servo %d", id)
		}
	}
	return writeErr
}
