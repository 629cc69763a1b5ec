package animhead

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedCommand is wrapped by every decode failure. A malformed line
// rejects only that line; the surrounding stream keeps flowing.
var ErrMalformedCommand = errors.New("malformed command")

// Command tags as they appear on the wire.
const (
	TagMove      = "MOVE_SERVO"
	TagSetLed    = "SET_LED"
	TagSetMicLed = "SET_MIC_LED"
	TagConfigure = "CONFIGURE"
	TagReport    = "REPORT"
	TagGetReport = "GET_REPORT"
)

// Handshake tokens. Each device announces its own identity verbatim, one
// line per retry interval, until the peer's token arrives.
const (
	TokenController = "HELLO_HEAD_CONTROLLER"
	TokenBridge     = "HELLO_HEAD_BRIDGE"
	TokenHost       = "HELLO_HEAD_HOST"
)

const (
	fieldSep = ";"
	kvSep    = "="
)

// Command is the tagged wire-level variant. Decoding a valid encoded command
// yields an equal value (round-trip identity).
type Command interface {
	// Encode renders the canonical textual form, newline-terminated.
	// Batch commands render one header line plus one line per servo.
	Encode() string
}

// MoveCommand requests a single servo move. Target is in degrees on the
// wire; receivers convert to ticks and clamp against their own range.
type MoveCommand struct {
	ID        int
	TargetDeg float64
	Velocity  int
}

// SetLedCommand sets the main indicator color.
type SetLedCommand struct {
	R, G, B uint8
}

// SetMicLedCommand sets one microphone ring LED.
type SetMicLedCommand struct {
	Index   int
	R, G, B uint8
}

// HandshakeCommand is a bare identity token line.
type HandshakeCommand struct {
	Token string
}

// ReportCommand carries one calibration entry per servo. The batch is
// applied all-or-nothing by the receiver.
type ReportCommand struct {
	Entries []CalibrationReport
}

// ConfigureCommand carries a full per-servo state snapshot. Name and
// Calibrated are device-local and have no wire form; build batches with
// NewConfigureCommand so a decoded command equals the sent one.
type ConfigureCommand struct {
	Snapshots []ServoSnapshot
}

// NewConfigureCommand builds a Configure batch from state snapshots,
// stripping the device-local fields that do not travel.
func NewConfigureCommand(snaps []ServoSnapshot) ConfigureCommand {
	out := make([]ServoSnapshot, len(snaps))
	for i, s := range snaps {
		s.Name = ""
		s.Calibrated = false
		out[i] = s
	}
	return ConfigureCommand{Snapshots: out}
}

// GetReportCommand asks the peer to retransmit its calibration report.
type GetReportCommand struct{}

func (c MoveCommand) Encode() string {
	return fmt.Sprintf("%s;ID=%d;TARGET=%s;VELOCITY=%d\n",
		TagMove, c.ID, formatDegrees(c.TargetDeg), c.Velocity)
}

func (c SetLedCommand) Encode() string {
	return fmt.Sprintf("%s;R=%d;G=%d;B=%d\n", TagSetLed, c.R, c.G, c.B)
}

func (c SetMicLedCommand) Encode() string {
	return fmt.Sprintf("%s;IDX=%d;R=%d;G=%d;B=%d\n", TagSetMicLed, c.Index, c.R, c.G, c.B)
}

func (c HandshakeCommand) Encode() string {
	return c.Token + "\n"
}

func (c ReportCommand) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s;N=%d\n", TagReport, len(c.Entries))
	for _, e := range c.Entries {
		present := 0
		if e.Present {
			present = 1
		}
		fmt.Fprintf(&b, "ID=%d;MIN=%d;MAX=%d;PRESENT=%d\n", e.ID, e.MinTicks, e.MaxTicks, present)
	}
	return b.String()
}

func (c ConfigureCommand) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s;N=%d\n", TagConfigure, len(c.Snapshots))
	for _, s := range c.Snapshots {
		present := 0
		if s.Present {
			present = 1
		}
		fmt.Fprintf(&b, "ID=%d;MIN=%d;MAX=%d;POS=%d;VELOCITY=%d;JITTER=%d;INTERVAL_MS=%d;PRESENT=%d\n",
			s.ID, s.Range.MinTicks, s.Range.MaxTicks, s.CurrentTicks,
			s.Velocity, s.JitterRangeTicks, s.JitterInterval.Milliseconds(), present)
	}
	return b.String()
}

func (c GetReportCommand) Encode() string {
	return TagGetReport + "\n"
}

func formatDegrees(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

// fields holds the KEY=VALUE pairs of one line.
type fields map[string]string

func splitLine(line string) (string, fields, error) {
	parts := strings.Split(strings.TrimSpace(line), fieldSep)
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, errors.Wrap(ErrMalformedCommand, "empty line")
	}
	tag := strings.TrimSpace(parts[0])
	fs := make(fields, len(parts)-1)
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, kvSep)
		if !ok {
			return "", nil, errors.Wrapf(ErrMalformedCommand, "field %q has no %q", p, kvSep)
		}
		fs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return tag, fs, nil
}

func (f fields) intField(key string) (int, error) {
	raw, ok := f[key]
	if !ok {
		return 0, errors.Wrapf(ErrMalformedCommand, "missing field %s", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedCommand, "field %s=%q is not an integer", key, raw)
	}
	return v, nil
}

func (f fields) floatField(key string) (float64, error) {
	raw, ok := f[key]
	if !ok {
		return 0, errors.Wrapf(ErrMalformedCommand, "missing field %s", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedCommand, "field %s=%q is not a number", key, raw)
	}
	return v, nil
}

func (f fields) colorField(key string) (uint8, error) {
	v, err := f.intField(key)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 255 {
		return 0, errors.Wrapf(ErrMalformedCommand, "field %s=%d outside 0-255", key, v)
	}
	return uint8(v), nil
}

func (f fields) boolField(key string) (bool, error) {
	v, err := f.intField(key)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(ErrMalformedCommand, "field %s=%d is not 0 or 1", key, v)
}

func isHandshakeToken(tag string) bool {
	switch tag {
	case TokenController, TokenBridge, TokenHost:
		return true
	}
	return false
}

func decodeReportEntry(fs fields) (CalibrationReport, error) {
	var rep CalibrationReport
	var err error
	if rep.ID, err = fs.intField("ID"); err != nil {
		return rep, err
	}
	if rep.MinTicks, err = fs.intField("MIN"); err != nil {
		return rep, err
	}
	if rep.MaxTicks, err = fs.intField("MAX"); err != nil {
		return rep, err
	}
	if rep.Present, err = fs.boolField("PRESENT"); err != nil {
		return rep, err
	}
	if rep.Present && rep.MinTicks >= rep.MaxTicks {
		return rep, errors.Wrapf(ErrMalformedCommand,
			"report for servo %d has min %d >= max %d", rep.ID, rep.MinTicks, rep.MaxTicks)
	}
	return rep, nil
}

func decodeSnapshotEntry(fs fields) (ServoSnapshot, error) {
	var s ServoSnapshot
	var err error
	if s.ID, err = fs.intField("ID"); err != nil {
		return s, err
	}
	if s.Range.MinTicks, err = fs.intField("MIN"); err != nil {
		return s, err
	}
	if s.Range.MaxTicks, err = fs.intField("MAX"); err != nil {
		return s, err
	}
	if s.CurrentTicks, err = fs.intField("POS"); err != nil {
		return s, err
	}
	if s.Velocity, err = fs.intField("VELOCITY"); err != nil {
		return s, err
	}
	if s.JitterRangeTicks, err = fs.intField("JITTER"); err != nil {
		return s, err
	}
	intervalMs, err := fs.intField("INTERVAL_MS")
	if err != nil {
		return s, err
	}
	s.JitterInterval = millis(intervalMs)
	if s.Present, err = fs.boolField("PRESENT"); err != nil {
		return s, err
	}
	return s, nil
}

// LineDecoder turns a stream of lines into Commands. Batch commands
// (Report, Configure) span multiple lines; Feed returns nil until the
// declared entry count has arrived, so a half-received batch is never
// surfaced. Feed is not safe for concurrent use.
type LineDecoder struct {
	pendingTag     string
	pendingRemain  int
	pendingReports []CalibrationReport
	pendingSnaps   []ServoSnapshot
}

// NewLineDecoder returns a decoder with no batch in flight.
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Pending reports whether a batch is partially buffered.
func (d *LineDecoder) Pending() bool {
	return d.pendingRemain > 0
}

// Feed consumes one line. It returns a complete Command, or nil when the
// line was an entry of a still-incomplete batch. On error the current
// batch, if any, is abandoned.
func (d *LineDecoder) Feed(line string) (Command, error) {
	tag, fs, err := splitLine(line)
	if err != nil {
		d.reset()
		return nil, err
	}

	if d.pendingRemain > 0 {
		cmd, err := d.feedBatchEntry(tag, fs)
		if err != nil {
			d.reset()
			return nil, err
		}
		return cmd, nil
	}

	switch {
	case isHandshakeToken(tag):
		return HandshakeCommand{Token: tag}, nil

	case tag == TagMove:
		var cmd MoveCommand
		if cmd.ID, err = fs.intField("ID"); err != nil {
			return nil, err
		}
		if cmd.TargetDeg, err = fs.floatField("TARGET"); err != nil {
			return nil, err
		}
		if cmd.Velocity, err = fs.intField("VELOCITY"); err != nil {
			return nil, err
		}
		if cmd.Velocity < 0 {
			return nil, errors.Wrapf(ErrMalformedCommand, "negative velocity %d", cmd.Velocity)
		}
		return cmd, nil

	case tag == TagSetLed:
		var cmd SetLedCommand
		if cmd.R, err = fs.colorField("R"); err != nil {
			return nil, err
		}
		if cmd.G, err = fs.colorField("G"); err != nil {
			return nil, err
		}
		if cmd.B, err = fs.colorField("B"); err != nil {
			return nil, err
		}
		return cmd, nil

	case tag == TagSetMicLed:
		var cmd SetMicLedCommand
		if cmd.Index, err = fs.intField("IDX"); err != nil {
			return nil, err
		}
		if cmd.Index < 0 {
			return nil, errors.Wrapf(ErrMalformedCommand, "negative mic led index %d", cmd.Index)
		}
		if cmd.R, err = fs.colorField("R"); err != nil {
			return nil, err
		}
		if cmd.G, err = fs.colorField("G"); err != nil {
			return nil, err
		}
		if cmd.B, err = fs.colorField("B"); err != nil {
			return nil, err
		}
		return cmd, nil

	case tag == TagGetReport:
		return GetReportCommand{}, nil

	case tag == TagReport, tag == TagConfigure:
		n, err := fs.intField("N")
		if err != nil {
			return nil, err
		}
		if n < 0 || n > MaxBusServos {
			return nil, errors.Wrapf(ErrMalformedCommand, "batch count %d outside 0-%d", n, MaxBusServos)
		}
		if n == 0 {
			if tag == TagReport {
				return ReportCommand{Entries: []CalibrationReport{}}, nil
			}
			return ConfigureCommand{Snapshots: []ServoSnapshot{}}, nil
		}
		d.pendingTag = tag
		d.pendingRemain = n
		d.pendingReports = nil
		d.pendingSnaps = nil
		return nil, nil
	}

	return nil, errors.Wrapf(ErrMalformedCommand, "unknown tag %q", tag)
}

func (d *LineDecoder) feedBatchEntry(tag string, fs fields) (Command, error) {
	// Entry lines are untagged: the first token is itself an ID=... pair.
	k, v, ok := strings.Cut(tag, kvSep)
	if !ok || strings.TrimSpace(k) != "ID" {
		return nil, errors.Wrapf(ErrMalformedCommand, "expected batch entry, got %q", tag)
	}
	fs["ID"] = strings.TrimSpace(v)

	switch d.pendingTag {
	case TagReport:
		rep, err := decodeReportEntry(fs)
		if err != nil {
			return nil, err
		}
		d.pendingReports = append(d.pendingReports, rep)
	case TagConfigure:
		snap, err := decodeSnapshotEntry(fs)
		if err != nil {
			return nil, err
		}
		d.pendingSnaps = append(d.pendingSnaps, snap)
	}

	d.pendingRemain--
	if d.pendingRemain > 0 {
		return nil, nil
	}

	var cmd Command
	if d.pendingTag == TagReport {
		cmd = ReportCommand{Entries: d.pendingReports}
	} else {
		cmd = ConfigureCommand{Snapshots: d.pendingSnaps}
	}
	d.reset()
	return cmd, nil
}

func (d *LineDecoder) reset() {
	d.pendingTag = ""
	d.pendingRemain = 0
	d.pendingReports = nil
	d.pendingSnaps = nil
}

// DecodeCommand decodes a complete textual command, including multi-line
// batches, in one call. Inverse of Encode for every valid Command.
func DecodeCommand(text string) (Command, error) {
	dec := NewLineDecoder()
	var out Command
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		cmd, err := dec.Feed(line)
		if err != nil {
			return nil, err
		}
		if cmd != nil {
			if out != nil {
				return nil, errors.Wrap(ErrMalformedCommand, "multiple commands in one decode")
			}
			out = cmd
		}
	}
	if out == nil {
		return nil, errors.Wrap(ErrMalformedCommand, "incomplete batch")
	}
	return out, nil
}
