package animhead

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// LedColor is an RGB indicator color.
type LedColor struct {
	R, G, B uint8
}

// PoseTarget positions one servo as a normalized factor of its calibrated
// range: 0 is the range minimum, 1 the maximum. Using factors keeps poses
// valid for any head regardless of what calibration discovered.
type PoseTarget struct {
	ID             int
	Factor         float64
	Velocity       int
	JitterDeg      float64
	JitterInterval time.Duration
}

// Pose is a named full-head target configuration plus indicator color.
type Pose struct {
	Name    string
	Targets []PoseTarget
	Color   LedColor
}

// Servo indices on the head, matching the default config order.
const (
	ServoNeckPan = iota
	ServoNeckTilt
	ServoJaw
	ServoEyePan
	ServoEyeTilt
	ServoEyelidLeft
	ServoEyelidRight
)

// AnimationMapper resolves symbolic emotion names to concrete per-servo
// targets. It decides nothing itself; callers pick the pose.
type AnimationMapper struct {
	poses map[string]Pose
}

// NewAnimationMapper returns a mapper with the built-in emotion table.
func NewAnimationMapper() *AnimationMapper {
	m := &AnimationMapper{poses: make(map[string]Pose)}
	for _, p := range builtinPoses {
		m.poses[p.Name] = p
	}
	return m
}

// Pose looks up a pose by name.
func (m *AnimationMapper) Pose(name string) (Pose, bool) {
	p, ok := m.poses[name]
	return p, ok
}

// Names lists the known pose names.
func (m *AnimationMapper) Names() []string {
	names := make([]string, 0, len(m.poses))
	for name := range m.poses {
		names = append(names, name)
	}
	return names
}

// MoveCommands renders a pose against a state snapshot, producing one
// wire-level move per servo that is present and calibrated. Factors are
// resolved against each servo's own confirmed range, so a pose can never
// ask for travel outside it.
func (m *AnimationMapper) MoveCommands(pose Pose, snaps []ServoSnapshot) []MoveCommand {
	byID := make(map[int]ServoSnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}

	out := make([]MoveCommand, 0, len(pose.Targets))
	for _, t := range pose.Targets {
		snap, ok := byID[t.ID]
		if !ok || !snap.Present || !snap.Calibrated {
			continue
		}
		factor := math.Max(0, math.Min(1, t.Factor))
		span := snap.Range.MaxTicks - snap.Range.MinTicks
		ticks := snap.Range.MinTicks + int(math.Round(factor*float64(span)))
		vel := t.Velocity
		if vel == 0 {
			vel = snap.Velocity
		}
		out = append(out, MoveCommand{
			ID:        t.ID,
			TargetDeg: TicksToDegrees(ticks),
			Velocity:  vel,
		})
	}
	return out
}

// Configure renders a pose's jitter settings as a Configure batch for the
// downstream controller.
func (m *AnimationMapper) Configure(pose Pose, snaps []ServoSnapshot) ConfigureCommand {
	byID := make(map[int]PoseTarget, len(pose.Targets))
	for _, t := range pose.Targets {
		byID[t.ID] = t
	}

	out := make([]ServoSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		if t, ok := byID[snap.ID]; ok {
			snap.JitterRangeTicks = DegreesToTicks(t.JitterDeg)
			if t.JitterInterval > 0 {
				snap.JitterInterval = t.JitterInterval
			}
			if t.Velocity > 0 {
				snap.Velocity = t.Velocity
			}
		}
		out = append(out, snap)
	}
	return NewConfigureCommand(out)
}

// GazeTargets converts a gaze direction in head coordinates (x right,
// y forward, z up) to pan/tilt range factors. The head can track roughly
// ±90° each way; directions beyond that pin to the range edge.
func GazeTargets(dir r3.Vector) (panFactor, tiltFactor float64, err error) {
	if dir.Norm() == 0 {
		return 0, 0, errors.New("gaze direction is the zero vector")
	}
	pan := math.Atan2(dir.X, dir.Y)
	tilt := math.Atan2(dir.Z, math.Hypot(dir.X, dir.Y))

	const halfArc = math.Pi / 2
	panFactor = math.Max(0, math.Min(1, pan/(2*halfArc)+0.5))
	tiltFactor = math.Max(0, math.Min(1, tilt/(2*halfArc)+0.5))
	return panFactor, tiltFactor, nil
}

// GazePose builds an unnamed pose aiming the neck and eyes along dir.
func GazePose(dir r3.Vector, velocity int) (Pose, error) {
	pan, tilt, err := GazeTargets(dir)
	if err != nil {
		return Pose{}, err
	}
	return Pose{
		Name: "gaze",
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: pan, Velocity: velocity},
			{ID: ServoNeckTilt, Factor: tilt, Velocity: velocity},
			{ID: ServoEyePan, Factor: pan, Velocity: velocity * 2},
			{ID: ServoEyeTilt, Factor: tilt, Velocity: velocity * 2},
		},
	}, nil
}

var builtinPoses = []Pose{
	{
		Name:  "neutral",
		Color: LedColor{R: 64, G: 64, B: 64},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5, JitterDeg: 1.5, JitterInterval: 2 * time.Second},
			{ID: ServoNeckTilt, Factor: 0.5, JitterDeg: 1.0, JitterInterval: 3 * time.Second},
			{ID: ServoJaw, Factor: 0.0},
			{ID: ServoEyePan, Factor: 0.5, JitterDeg: 2.0, JitterInterval: 1500 * time.Millisecond},
			{ID: ServoEyeTilt, Factor: 0.5, JitterDeg: 2.0, JitterInterval: 1500 * time.Millisecond},
			{ID: ServoEyelidLeft, Factor: 0.8},
			{ID: ServoEyelidRight, Factor: 0.8},
		},
	},
	{
		Name:  "happy",
		Color: LedColor{R: 255, G: 180, B: 0},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5, JitterDeg: 3.0, JitterInterval: time.Second},
			{ID: ServoNeckTilt, Factor: 0.65, JitterDeg: 2.0, JitterInterval: time.Second},
			{ID: ServoJaw, Factor: 0.35},
			{ID: ServoEyePan, Factor: 0.5, JitterDeg: 3.0, JitterInterval: 800 * time.Millisecond},
			{ID: ServoEyeTilt, Factor: 0.6},
			{ID: ServoEyelidLeft, Factor: 1.0},
			{ID: ServoEyelidRight, Factor: 1.0},
		},
	},
	{
		Name:  "sad",
		Color: LedColor{R: 0, G: 60, B: 160},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5},
			{ID: ServoNeckTilt, Factor: 0.25, JitterDeg: 0.5, JitterInterval: 4 * time.Second},
			{ID: ServoJaw, Factor: 0.0},
			{ID: ServoEyePan, Factor: 0.5},
			{ID: ServoEyeTilt, Factor: 0.3},
			{ID: ServoEyelidLeft, Factor: 0.45},
			{ID: ServoEyelidRight, Factor: 0.45},
		},
	},
	{
		Name:  "angry",
		Color: LedColor{R: 255, G: 0, B: 0},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5, JitterDeg: 1.0, JitterInterval: 600 * time.Millisecond},
			{ID: ServoNeckTilt, Factor: 0.55},
			{ID: ServoJaw, Factor: 0.15},
			{ID: ServoEyePan, Factor: 0.5},
			{ID: ServoEyeTilt, Factor: 0.45},
			{ID: ServoEyelidLeft, Factor: 0.6},
			{ID: ServoEyelidRight, Factor: 0.6},
		},
	},
	{
		Name:  "surprised",
		Color: LedColor{R: 200, G: 0, B: 255},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5},
			{ID: ServoNeckTilt, Factor: 0.7},
			{ID: ServoJaw, Factor: 0.8},
			{ID: ServoEyePan, Factor: 0.5},
			{ID: ServoEyeTilt, Factor: 0.65},
			{ID: ServoEyelidLeft, Factor: 1.0},
			{ID: ServoEyelidRight, Factor: 1.0},
		},
	},
	{
		Name:  "sleepy",
		Color: LedColor{R: 10, G: 10, B: 40},
		Targets: []PoseTarget{
			{ID: ServoNeckPan, Factor: 0.5},
			{ID: ServoNeckTilt, Factor: 0.35, JitterDeg: 1.0, JitterInterval: 5 * time.Second},
			{ID: ServoJaw, Factor: 0.1},
			{ID: ServoEyePan, Factor: 0.5},
			{ID: ServoEyeTilt, Factor: 0.4},
			{ID: ServoEyelidLeft, Factor: 0.15},
			{ID: ServoEyelidRight, Factor: 0.15},
		},
	},
}
