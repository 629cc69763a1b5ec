package animhead

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"
)

// SerialConfig describes the two serial endpoints of a device: the servo
// bus below it and the link line above it.
type SerialConfig struct {
	BusPort      string `yaml:"bus_port,omitempty"`
	BusBaudrate  int    `yaml:"bus_baudrate,omitempty"`
	LinkPort     string `yaml:"link_port,omitempty"`
	LinkBaudrate int    `yaml:"link_baudrate,omitempty"`
}

// JitterConfig is the idle-jitter policy for one servo.
type JitterConfig struct {
	AmplitudeDeg float64 `yaml:"amplitude_deg,omitempty"`
	IntervalMs   int     `yaml:"interval_ms,omitempty"`
}

// OverrideConfig pins a servo's range manually, bypassing stall probing.
// Used for servos whose stall signature is unreliable.
type OverrideConfig struct {
	MinTicks int `yaml:"min"`
	MaxTicks int `yaml:"max"`
}

// ServoConfig names one servo and its optional overrides.
type ServoConfig struct {
	ID       int             `yaml:"id"`
	Name     string          `yaml:"name"`
	Override *OverrideConfig `yaml:"override,omitempty"`
	Jitter   JitterConfig    `yaml:"jitter,omitempty"`
}

// PolicyConfig holds the timing and calibration constants the core treats
// as a read-only snapshot at startup.
type PolicyConfig struct {
	StepDegrees        float64 `yaml:"step_degrees,omitempty"`
	StallFraction      float64 `yaml:"stall_fraction,omitempty"`
	SweepDegrees       float64 `yaml:"sweep_degrees,omitempty"`
	FallbackHalfDeg    float64 `yaml:"fallback_half_range_degrees,omitempty"`
	ReferenceDeg       float64 `yaml:"reference_degrees,omitempty"`
	RetryIntervalMs    int     `yaml:"retry_interval_ms,omitempty"`
	HandshakeCeilingMs int     `yaml:"handshake_ceiling_ms,omitempty"`
	PresenceTimeoutMs  int     `yaml:"presence_timeout_ms,omitempty"`
	StepTimeoutMs      int     `yaml:"step_timeout_ms,omitempty"`
	DefaultVelocity    int     `yaml:"default_velocity,omitempty"`
	CalibrateVelocity  int     `yaml:"calibrate_velocity,omitempty"`
}

// HeadConfig is the full startup configuration. Loading it is the only
// fatal failure in the system; everything after startup degrades softly.
type HeadConfig struct {
	Servos          []ServoConfig `yaml:"servos,omitempty"`
	Serial          SerialConfig  `yaml:"serial,omitempty"`
	Policy          PolicyConfig  `yaml:"policy,omitempty"`
	CalibrationFile string        `yaml:"calibration_file,omitempty"`
}

// Servos are laid out front to back on the bus; these names match the
// head's mechanical build sheet.
var defaultServoNames = []string{
	"neck_pan",
	"neck_tilt",
	"jaw",
	"eye_pan",
	"eye_tilt",
	"eyelid_left",
	"eyelid_right",
}

// DefaultHeadConfig returns a config with every default filled in.
func DefaultHeadConfig() *HeadConfig {
	cfg := &HeadConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadHeadConfig reads and validates a YAML config file.
func LoadHeadConfig(path string) (*HeadConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read head config")
	}
	var cfg HeadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse head config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *HeadConfig) applyDefaults() {
	if len(cfg.Servos) == 0 {
		for i := 0; i < DefaultServoCount; i++ {
			cfg.Servos = append(cfg.Servos, ServoConfig{ID: i, Name: defaultServoNames[i]})
		}
	}
	for i := range cfg.Servos {
		sc := &cfg.Servos[i]
		if sc.Name == "" && sc.ID >= 0 && sc.ID < len(defaultServoNames) {
			sc.Name = defaultServoNames[sc.ID]
		}
		if sc.Jitter.AmplitudeDeg == 0 {
			sc.Jitter.AmplitudeDeg = 1.5
		}
		if sc.Jitter.IntervalMs == 0 {
			sc.Jitter.IntervalMs = 2000
		}
	}

	if cfg.Serial.BusBaudrate == 0 {
		cfg.Serial.BusBaudrate = 1000000
	}
	if cfg.Serial.LinkBaudrate == 0 {
		cfg.Serial.LinkBaudrate = 115200
	}

	p := &cfg.Policy
	if p.StepDegrees == 0 {
		p.StepDegrees = 15
	}
	if p.StallFraction == 0 {
		p.StallFraction = 0.2
	}
	if p.SweepDegrees == 0 {
		p.SweepDegrees = 360
	}
	if p.FallbackHalfDeg == 0 {
		p.FallbackHalfDeg = 30
	}
	if p.ReferenceDeg == 0 {
		// Mid-travel of a 0-4095 tick servo.
		p.ReferenceDeg = 180
	}
	if p.RetryIntervalMs == 0 {
		p.RetryIntervalMs = 1000
	}
	if p.HandshakeCeilingMs == 0 {
		p.HandshakeCeilingMs = 10000
	}
	if p.PresenceTimeoutMs == 0 {
		p.PresenceTimeoutMs = 250
	}
	if p.StepTimeoutMs == 0 {
		p.StepTimeoutMs = 500
	}
	if p.DefaultVelocity == 0 {
		p.DefaultVelocity = 800
	}
	if p.CalibrateVelocity == 0 {
		p.CalibrateVelocity = 200
	}
}

// Validate checks structural invariants after defaults are applied.
func (cfg *HeadConfig) Validate() error {
	if len(cfg.Servos) == 0 {
		return errors.New("at least one servo must be configured")
	}
	if len(cfg.Servos) > MaxBusServos {
		return errors.Errorf("bus supports at most %d servos, got %d", MaxBusServos, len(cfg.Servos))
	}
	seen := make(map[int]bool, len(cfg.Servos))
	for _, sc := range cfg.Servos {
		if sc.ID < 0 || sc.ID >= MaxBusServos {
			return errors.Errorf("servo id %d outside 0-%d", sc.ID, MaxBusServos-1)
		}
		if seen[sc.ID] {
			return errors.Errorf("duplicate servo id %d", sc.ID)
		}
		seen[sc.ID] = true
		if sc.Name == "" {
			return errors.Errorf("servo %d has no name", sc.ID)
		}
		if sc.Override != nil {
			rng := ServoRange{MinTicks: sc.Override.MinTicks, MaxTicks: sc.Override.MaxTicks}
			if err := rng.Validate(); err != nil {
				return errors.Wrapf(err, "override for servo %d", sc.ID)
			}
		}
	}
	p := cfg.Policy
	if p.StallFraction <= 0 || p.StallFraction >= 1 {
		return errors.Errorf("stall_fraction must be in (0, 1), got %v", p.StallFraction)
	}
	if p.StepDegrees <= 0 {
		return errors.Errorf("step_degrees must be positive, got %v", p.StepDegrees)
	}
	if p.SweepDegrees < p.StepDegrees {
		return errors.Errorf("sweep_degrees %v smaller than step_degrees %v", p.SweepDegrees, p.StepDegrees)
	}
	return nil
}

// ServoByID returns the config entry for one servo.
func (cfg *HeadConfig) ServoByID(id int) (ServoConfig, bool) {
	for _, sc := range cfg.Servos {
		if sc.ID == id {
			return sc, true
		}
	}
	return ServoConfig{}, false
}

// ServoIDs returns configured IDs in declaration order.
func (cfg *HeadConfig) ServoIDs() []int {
	ids := make([]int, 0, len(cfg.Servos))
	for _, sc := range cfg.Servos {
		ids = append(ids, sc.ID)
	}
	return ids
}

func (p PolicyConfig) retryInterval() time.Duration    { return millis(p.RetryIntervalMs) }
func (p PolicyConfig) handshakeCeiling() time.Duration { return millis(p.HandshakeCeilingMs) }
func (p PolicyConfig) presenceTimeout() time.Duration  { return millis(p.PresenceTimeoutMs) }
func (p PolicyConfig) stepTimeout() time.Duration      { return millis(p.StepTimeoutMs) }

func (p PolicyConfig) referenceTicks() int {
	return DegreesToTicks(p.ReferenceDeg)
}

// fallbackRange is the window adopted when no stall was found in a full
// sweep: symmetric about the reference position.
func (p PolicyConfig) fallbackRange(referenceTicks int) ServoRange {
	half := DegreesToTicks(p.FallbackHalfDeg)
	return ServoRange{MinTicks: referenceTicks - half, MaxTicks: referenceTicks + half}
}

// CalibrationFileEntry is the on-disk form of one servo's calibration.
type CalibrationFileEntry struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	MinTicks int    `json:"min_ticks"`
	MaxTicks int    `json:"max_ticks"`
	Present  bool   `json:"present"`
}

// SaveCalibrationFile writes a calibration report to a JSON file so a
// restart can skip stall probing.
func SaveCalibrationFile(path string, cfg *HeadConfig, rep ReportCommand) error {
	entries := make([]CalibrationFileEntry, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		name := ""
		if sc, ok := cfg.ServoByID(e.ID); ok {
			name = sc.Name
		}
		entries = append(entries, CalibrationFileEntry{
			ID:       e.ID,
			Name:     name,
			MinTicks: e.MinTicks,
			MaxTicks: e.MaxTicks,
			Present:  e.Present,
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal calibration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write calibration file")
	}
	return nil
}

// LoadCalibrationFile loads a saved report, validating every entry.
// Returns (report, true) on success, or (zero, false) when the file is
// missing or unusable; the caller then calibrates from scratch.
func LoadCalibrationFile(path string, logger logging.Logger) (ReportCommand, bool) {
	if path == "" {
		return ReportCommand{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debugf("no calibration file at %s: %v", path, err)
		return ReportCommand{}, false
	}
	var entries []CalibrationFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warnf("ignoring unreadable calibration file %s: %v", path, err)
		return ReportCommand{}, false
	}
	rep := ReportCommand{Entries: make([]CalibrationReport, 0, len(entries))}
	for _, e := range entries {
		cr := CalibrationReport{ID: e.ID, MinTicks: e.MinTicks, MaxTicks: e.MaxTicks, Present: e.Present}
		if cr.Present {
			if err := cr.Range().Validate(); err != nil {
				logger.Warnf("ignoring calibration file %s: %v", path, err)
				return ReportCommand{}, false
			}
		}
		rep.Entries = append(rep.Entries, cr)
	}
	logger.Infof("loaded calibration for %d servos from %s", len(rep.Entries), path)
	return rep, true
}
