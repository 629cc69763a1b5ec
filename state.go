package animhead

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Bus geometry. STS-class servos report a 12-bit position, so one full
// revolution is 4096 ticks.
const (
	TicksPerRevolution = 4096
	MaxBusServos       = 11
	DefaultServoCount  = 7
)

var (
	// ErrServoAbsent signals a soft per-servo failure: the servo never
	// answered a presence probe. Callers skip the servo and continue.
	ErrServoAbsent = errors.New("servo absent")

	// ErrUnknownServo rejects commands for IDs outside the configured set.
	ErrUnknownServo = errors.New("unknown servo id")
)

// DegreesToTicks converts degrees to bus-native ticks.
func DegreesToTicks(deg float64) int {
	return int(deg*TicksPerRevolution/360.0 + 0.5*sign(deg))
}

// TicksToDegrees converts bus-native ticks to degrees.
func TicksToDegrees(ticks int) float64 {
	return float64(ticks) * 360.0 / TicksPerRevolution
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ServoRange is a servo's mechanical travel window in ticks.
type ServoRange struct {
	MinTicks int
	MaxTicks int
}

// Validate enforces the min < max invariant.
func (r ServoRange) Validate() error {
	if r.MinTicks >= r.MaxTicks {
		return errors.Errorf("invalid range: min (%d) must be less than max (%d)", r.MinTicks, r.MaxTicks)
	}
	return nil
}

// Clamp pins a target strictly inside the range.
func (r ServoRange) Clamp(ticks int) int {
	if ticks < r.MinTicks {
		return r.MinTicks
	}
	if ticks > r.MaxTicks {
		return r.MaxTicks
	}
	return ticks
}

// Center returns the midpoint of the range.
func (r ServoRange) Center() int {
	return (r.MinTicks + r.MaxTicks) / 2
}

// Contains reports whether ticks lies inside the range.
func (r ServoRange) Contains(ticks int) bool {
	return ticks >= r.MinTicks && ticks <= r.MaxTicks
}

// CalibrationReport is the ephemeral per-servo calibration result. It is
// consumed to mutate servo state and then discarded.
type CalibrationReport struct {
	ID       int
	MinTicks int
	MaxTicks int
	Present  bool
}

// Range returns the report's travel window.
func (r CalibrationReport) Range() ServoRange {
	return ServoRange{MinTicks: r.MinTicks, MaxTicks: r.MaxTicks}
}

// ServoSnapshot is the value-copy view of one servo used by Configure
// batches and by callers outside the control loop.
type ServoSnapshot struct {
	ID               int
	Name             string
	Range            ServoRange
	CurrentTicks     int
	Velocity         int
	JitterRangeTicks int
	JitterInterval   time.Duration
	Present          bool
	Calibrated       bool
}

// servoState is owned exclusively by the StateStore.
type servoState struct {
	id               int
	name             string
	rng              ServoRange
	currentTicks     int
	velocity         int
	jitterRangeTicks int
	jitterInterval   time.Duration
	present          bool
	calibrated       bool
}

// MoveResult describes what ApplyMove actually did.
type MoveResult struct {
	ID           int
	AppliedTicks int
	Clamped      bool
}

// StateStore is the authoritative in-memory servo model for one device.
// Servos are created at startup with the fallback range and never removed;
// a servo that fails its presence probe is marked absent instead.
//
// Each device runs a single control loop, so the store needs no locking for
// correctness there; the RWMutex exists because headctl reads snapshots
// from a second goroutine.
type StateStore struct {
	mu     sync.RWMutex
	servos map[int]*servoState
	order  []int
	logger logging.Logger
}

// NewStateStore builds a store from the head config, seeding every servo
// with the configured fallback window centered on the reference position.
func NewStateStore(cfg *HeadConfig, logger logging.Logger) *StateStore {
	s := &StateStore{
		servos: make(map[int]*servoState, len(cfg.Servos)),
		logger: logger,
	}
	fallback := cfg.Policy.fallbackRange(cfg.Policy.referenceTicks())
	for _, sc := range cfg.Servos {
		s.servos[sc.ID] = &servoState{
			id:               sc.ID,
			name:             sc.Name,
			rng:              fallback,
			currentTicks:     fallback.Center(),
			velocity:         cfg.Policy.DefaultVelocity,
			jitterRangeTicks: DegreesToTicks(sc.Jitter.AmplitudeDeg),
			jitterInterval:   millis(sc.Jitter.IntervalMs),
			present:          true,
			calibrated:       false,
		}
		s.order = append(s.order, sc.ID)
	}
	return s
}

// ApplyCalibration replaces a servo's range from one report. A report with
// Present=false soft-disables the servo without touching its range.
func (s *StateStore) ApplyCalibration(rep CalibrationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCalibrationLocked(rep)
}

func (s *StateStore) applyCalibrationLocked(rep CalibrationReport) error {
	st, ok := s.servos[rep.ID]
	if !ok {
		return errors.Wrapf(ErrUnknownServo, "calibration for servo %d", rep.ID)
	}
	if !rep.Present {
		st.present = false
		s.logger.Warnf("servo %d (%s) absent, moves disabled", st.id, st.name)
		return nil
	}
	rng := rep.Range()
	if err := rng.Validate(); err != nil {
		return errors.Wrapf(err, "calibration for servo %d", rep.ID)
	}
	st.present = true
	st.calibrated = true
	st.rng = rng
	st.currentTicks = rng.Clamp(st.currentTicks)
	s.logger.Debugf("servo %d (%s) calibrated to [%d, %d]", st.id, st.name, rng.MinTicks, rng.MaxTicks)
	return nil
}

// ApplyReport applies a full batch. All entries are validated before any
// mutation so a bad batch leaves the store untouched.
func (s *StateStore) ApplyReport(rep ReportCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range rep.Entries {
		if _, ok := s.servos[e.ID]; !ok {
			return errors.Wrapf(ErrUnknownServo, "report entry for servo %d", e.ID)
		}
		if e.Present {
			if err := e.Range().Validate(); err != nil {
				return errors.Wrapf(err, "report entry for servo %d", e.ID)
			}
		}
	}
	for _, e := range rep.Entries {
		// Entries were validated above.
		if err := s.applyCalibrationLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMove clamps targetTicks strictly to the servo's current range and
// records the result. The sender's idea of the range is never trusted; this
// is the single invariant protecting the hardware. Absent servos return
// ErrServoAbsent with state unchanged.
func (s *StateStore) ApplyMove(id, targetTicks, velocity int) (MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.servos[id]
	if !ok {
		return MoveResult{}, errors.Wrapf(ErrUnknownServo, "move for servo %d", id)
	}
	if !st.present {
		return MoveResult{}, errors.Wrapf(ErrServoAbsent, "move for servo %d (%s)", id, st.name)
	}

	applied := st.rng.Clamp(targetTicks)
	res := MoveResult{ID: id, AppliedTicks: applied, Clamped: applied != targetTicks}
	if res.Clamped {
		s.logger.Debugf("servo %d target %d clamped to %d (range [%d, %d])",
			id, targetTicks, applied, st.rng.MinTicks, st.rng.MaxTicks)
	}
	st.currentTicks = applied
	if velocity > 0 {
		st.velocity = velocity
	}
	return res, nil
}

// ApplyConfigure replaces jitter and velocity settings from a snapshot
// batch. Ranges in a Configure are informational; only a Report replaces
// the local range.
func (s *StateStore) ApplyConfigure(cmd ConfigureCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range cmd.Snapshots {
		if _, ok := s.servos[snap.ID]; !ok {
			return errors.Wrapf(ErrUnknownServo, "configure entry for servo %d", snap.ID)
		}
	}
	for _, snap := range cmd.Snapshots {
		st := s.servos[snap.ID]
		st.velocity = snap.Velocity
		st.jitterRangeTicks = snap.JitterRangeTicks
		st.jitterInterval = snap.JitterInterval
	}
	return nil
}

// Snapshot returns value copies of every servo in configured order.
func (s *StateStore) Snapshot() []ServoSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServoSnapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.servos[id].snapshot())
	}
	return out
}

// Servo returns a value copy of one servo.
func (s *StateStore) Servo(id int) (ServoSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.servos[id]
	if !ok {
		return ServoSnapshot{}, false
	}
	return st.snapshot(), true
}

// IDs returns the configured servo IDs in order.
func (s *StateStore) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// Report renders the store's current calibration as a batch command.
func (s *StateStore) Report() ReportCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]CalibrationReport, 0, len(s.order))
	for _, id := range s.order {
		st := s.servos[id]
		entries = append(entries, CalibrationReport{
			ID:       st.id,
			MinTicks: st.rng.MinTicks,
			MaxTicks: st.rng.MaxTicks,
			Present:  st.present,
		})
	}
	return ReportCommand{Entries: entries}
}

func (st *servoState) snapshot() ServoSnapshot {
	return ServoSnapshot{
		ID:               st.id,
		Name:             st.name,
		Range:            st.rng,
		CurrentTicks:     st.currentTicks,
		Velocity:         st.velocity,
		JitterRangeTicks: st.jitterRangeTicks,
		JitterInterval:   st.jitterInterval,
		Present:          st.present,
		Calibrated:       st.calibrated,
	}
}
