package animhead

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// Direction of a limit search along the servo's travel.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// minStepTicks lower-bounds the creep step. A step below the encoder's
// useful resolution would register false stalls from quantization alone.
const minStepTicks = 8

// LimitResult is the outcome of one directional search.
type LimitResult struct {
	// LimitTicks is the last position confirmed before the stalling step.
	LimitTicks int
	// Stalled is false when the full sweep completed without resistance;
	// the caller then falls back to the configured safe window.
	Stalled bool
	// Steps taken before stopping.
	Steps int
}

// limitProber lets the calibrator count and substitute limit searches.
type limitProber interface {
	FindLimit(ctx context.Context, id int, dir Direction, referenceTicks int) (LimitResult, error)
}

// LimitFinder discovers a servo's mechanical hard stop by creeping in
// fixed angular steps and watching for commanded travel that does not
// happen. It owns the servo's motion channel for the duration of a search.
type LimitFinder struct {
	bus    ServoBus
	policy PolicyConfig
	logger logging.Logger
}

// NewLimitFinder builds a finder over a bus.
func NewLimitFinder(bus ServoBus, policy PolicyConfig, logger logging.Logger) *LimitFinder {
	return &LimitFinder{bus: bus, policy: policy, logger: logger}
}

// FindLimit creeps from referenceTicks in the given direction until a step
// travels less than the stall fraction of its commanded distance. A servo
// that stops answering position reads counts as stalled at the last
// confirmed position. A full sweep without a stall returns Stalled=false.
func (f *LimitFinder) FindLimit(ctx context.Context, id int, dir Direction, referenceTicks int) (LimitResult, error) {
	step := DegreesToTicks(f.policy.StepDegrees)
	if step < minStepTicks {
		step = minStepTicks
	}
	sweep := DegreesToTicks(f.policy.SweepDegrees)
	threshold := int(float64(step) * f.policy.StallFraction)

	confirmed := referenceTicks
	res := LimitResult{LimitTicks: referenceTicks}

	for travelled := 0; travelled < sweep; travelled += step {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrapf(err, "limit search for servo %d interrupted", id)
		}

		target := confirmed + int(dir)*step
		stepCtx, cancel := context.WithTimeout(ctx, f.policy.stepTimeout())
		err := f.bus.MoveTo(stepCtx, id, target, f.policy.CalibrateVelocity)
		if err == nil {
			// Let the horn physically track the goal before the readback.
			if !goutils.SelectContextOrWait(stepCtx, f.policy.stepTimeout()/4) {
				err = stepCtx.Err()
			}
		}
		var measured int
		if err == nil {
			measured, err = f.bus.Position(stepCtx, id)
		}
		cancel()
		res.Steps++

		if err != nil {
			// No position readback means no confirmed travel: stall here.
			f.logger.Warnf("servo %d stopped answering during %s search: %v", id, dir, err)
			res.LimitTicks = confirmed
			res.Stalled = true
			return res, nil
		}

		displacement := measured - confirmed
		if dir == Backward {
			displacement = -displacement
		}
		if displacement < threshold {
			f.logger.Debugf("servo %d stalled %s at %d after %d steps (moved %d of %d)",
				id, dir, confirmed, res.Steps, displacement, step)
			res.LimitTicks = confirmed
			res.Stalled = true
			return res, nil
		}
		confirmed = measured
	}

	// Swept the whole configured arc without resistance. Continuous
	// rotation or a slipping horn; the caller applies the fallback window.
	f.logger.Warnf("servo %d: no stall in %v° sweep %s, calibration degraded",
		id, f.policy.SweepDegrees, dir)
	res.LimitTicks = confirmed
	res.Stalled = false
	return res, nil
}
