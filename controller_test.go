package animhead

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// pipeTransports returns both ends of an in-memory link.
func pipeTransports(t *testing.T, logger logging.Logger) (*LineTransport, *LineTransport) {
	t.Helper()
	a, b := net.Pipe()
	ta := NewLineTransport(a, logger)
	tb := NewLineTransport(b, logger)
	t.Cleanup(func() {
		_ = ta.Close()
		_ = tb.Close()
	})
	return ta, tb
}

// nextCommand pumps the peer transport until one complete command arrives.
func nextCommand(t *testing.T, tr *LineTransport, dec *LineDecoder) Command {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, ok := tr.ReadLine(context.Background(), 50*time.Millisecond)
		if !ok {
			continue
		}
		cmd, err := dec.Feed(line)
		require.NoError(t, err)
		if cmd != nil {
			return cmd
		}
	}
	t.Fatal("no command arrived in time")
	return nil
}

// noCommand asserts that nothing but handshake tokens arrives for a while.
func noCommand(t *testing.T, tr *LineTransport, dec *LineDecoder, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		line, ok := tr.ReadLine(context.Background(), 20*time.Millisecond)
		if !ok {
			continue
		}
		cmd, err := dec.Feed(line)
		require.NoError(t, err)
		if cmd == nil {
			continue
		}
		if _, isToken := cmd.(HandshakeCommand); isToken {
			continue
		}
		t.Fatalf("unexpected command %#v", cmd)
	}
}

type recordingLedSink struct {
	leds    []LedColor
	micLeds []string
}

func (r *recordingLedSink) SetLed(_ context.Context, c LedColor) error {
	r.leds = append(r.leds, c)
	return nil
}

func (r *recordingLedSink) SetMicLed(_ context.Context, idx int, c LedColor) error {
	r.micLeds = append(r.micLeds, fmt.Sprintf("%d:#%02x%02x%02x", idx, c.R, c.G, c.B))
	return nil
}

// connectController completes the upstream handshake from the peer side
// and consumes the controller's initial calibration report.
func connectController(t *testing.T, ctrl *Controller, peer *LineTransport, dec *LineDecoder) {
	t.Helper()
	ctx := context.Background()

	ctrl.Step(ctx)
	cmd := nextCommand(t, peer, dec)
	require.Equal(t, HandshakeCommand{Token: TokenController}, cmd)

	require.NoError(t, peer.WriteLine(TokenBridge))
	ctrl.Step(ctx)

	require.Equal(t, HandshakeCommand{Token: TokenController}, nextCommand(t, peer, dec))
	rep, ok := nextCommand(t, peer, dec).(ReportCommand)
	require.True(t, ok, "a fresh connection must push the calibration report")
	assert.Len(t, rep.Entries, DefaultServoCount)
	require.Equal(t, Connected, ctrl.LinkState())
}

func newTestController(t *testing.T) (*Controller, *fakeBus, *LineTransport, *LineDecoder) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := testConfigWithPolicy(nil)

	ref := cfg.Policy.referenceTicks()
	bus := newFakeBus()
	for _, id := range cfg.ServoIDs() {
		bus.addServo(id, ref, 0, 4095)
	}

	local, peer := pipeTransports(t, logger)
	ctrl := NewController(cfg, bus, local, logger)
	return ctrl, bus, peer, NewLineDecoder()
}

func TestControllerHandshakeAndReportPush(t *testing.T) {
	ctrl, _, peer, dec := newTestController(t)
	connectController(t, ctrl, peer, dec)
}

func TestControllerClampsAndActuatesMoves(t *testing.T) {
	ctrl, bus, peer, dec := newTestController(t)
	require.NoError(t, ctrl.Store().ApplyCalibration(
		CalibrationReport{ID: 0, MinTicks: 1000, MaxTicks: 3000, Present: true}))
	connectController(t, ctrl, peer, dec)

	// 350 degrees is 3982 ticks, beyond the calibrated max.
	require.NoError(t, peer.WriteCommand(MoveCommand{ID: 0, TargetDeg: 350, Velocity: 100}))
	ctrl.Step(context.Background())

	snap, ok := ctrl.Store().Servo(0)
	require.True(t, ok)
	assert.Equal(t, 3000, snap.CurrentTicks)
	assert.Contains(t, bus.opsFor(0), "move 0 3000 100")
}

func TestControllerSkipsMovesForAbsentServo(t *testing.T) {
	ctrl, bus, peer, dec := newTestController(t)
	require.NoError(t, ctrl.Store().ApplyCalibration(CalibrationReport{ID: 3, Present: false}))
	connectController(t, ctrl, peer, dec)

	before := len(bus.opsFor(3))
	require.NoError(t, peer.WriteCommand(MoveCommand{ID: 3, TargetDeg: 180, Velocity: 100}))
	ctrl.Step(context.Background())
	assert.Len(t, bus.opsFor(3), before, "an absent servo must see no bus traffic")
}

func TestControllerAnswersGetReport(t *testing.T) {
	ctrl, _, peer, dec := newTestController(t)
	require.NoError(t, ctrl.Store().ApplyCalibration(
		CalibrationReport{ID: 0, MinTicks: 1000, MaxTicks: 3000, Present: true}))
	connectController(t, ctrl, peer, dec)

	require.NoError(t, peer.WriteCommand(GetReportCommand{}))
	ctrl.Step(context.Background())

	rep, ok := nextCommand(t, peer, dec).(ReportCommand)
	require.True(t, ok)
	assert.Equal(t, CalibrationReport{ID: 0, MinTicks: 1000, MaxTicks: 3000, Present: true}, rep.Entries[0])
}

func TestControllerLedCommandsReachSink(t *testing.T) {
	ctrl, _, peer, dec := newTestController(t)
	sink := &recordingLedSink{}
	ctrl.SetLedSink(sink)
	connectController(t, ctrl, peer, dec)

	require.NoError(t, peer.WriteCommand(SetLedCommand{R: 255, G: 10, B: 20}))
	require.NoError(t, peer.WriteCommand(SetMicLedCommand{Index: 2, R: 0, G: 0, B: 255}))
	ctrl.Step(context.Background())

	require.Len(t, sink.leds, 1)
	assert.Equal(t, LedColor{R: 255, G: 10, B: 20}, sink.leds[0])
	require.Len(t, sink.micLeds, 1)
	assert.Equal(t, "2:#0000ff", sink.micLeds[0])
}

func TestControllerDryRunSuppressesActuationOnly(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := testConfigWithPolicy(nil)
	cfg.Policy.HandshakeCeilingMs = 1

	ref := cfg.Policy.referenceTicks()
	bus := newFakeBus()
	for _, id := range cfg.ServoIDs() {
		bus.addServo(id, ref, 0, 4095)
	}
	local, peer := pipeTransports(t, logger)
	ctrl := NewController(cfg, bus, local, logger)
	require.NoError(t, ctrl.Store().ApplyCalibration(
		CalibrationReport{ID: 0, MinTicks: 1000, MaxTicks: 3000, Present: true}))

	ctx := context.Background()
	ctrl.Step(ctx)
	time.Sleep(5 * time.Millisecond)
	ctrl.Step(ctx)
	require.Equal(t, DryRun, ctrl.LinkState())

	before := len(bus.opsFor(0))
	require.NoError(t, peer.WriteCommand(MoveCommand{ID: 0, TargetDeg: 90, Velocity: 100}))
	ctrl.Step(ctx)

	snap, _ := ctrl.Store().Servo(0)
	assert.Equal(t, 1024, snap.CurrentTicks, "dry-run still tracks state")
	assert.Len(t, bus.opsFor(0), before, "dry-run must not touch the bus")
}

func TestControllerBootstrapPrefersSavedCalibration(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := testConfigWithPolicy(nil)
	cfg.CalibrationFile = t.TempDir() + "/calibration.json"

	saved := ReportCommand{Entries: []CalibrationReport{
		{ID: 0, MinTicks: 1111, MaxTicks: 2222, Present: true},
	}}
	require.NoError(t, SaveCalibrationFile(cfg.CalibrationFile, cfg, saved))

	bus := newFakeBus()
	for _, id := range cfg.ServoIDs() {
		bus.addServo(id, 2048, 0, 4095)
	}
	local, _ := pipeTransports(t, logger)
	ctrl := NewController(cfg, bus, local, logger)
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	snap, _ := ctrl.Store().Servo(0)
	assert.Equal(t, ServoRange{MinTicks: 1111, MaxTicks: 2222}, snap.Range)
	assert.Empty(t, bus.ops, "a saved calibration must skip bus probing")
}

func TestControllerJitterSchedule(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	clock := &fakeClock{t: time.Unix(2000, 0)}
	ctrl.now = clock.now
	ctrl.rng = rand.New(rand.NewSource(1))

	interval := 100 * time.Millisecond
	require.NoError(t, ctrl.Store().ApplyCalibration(
		CalibrationReport{ID: 0, MinTicks: 1000, MaxTicks: 3000, Present: true}))
	require.NoError(t, ctrl.Store().ApplyConfigure(ConfigureCommand{Snapshots: []ServoSnapshot{{
		ID: 0, Velocity: 300, JitterRangeTicks: 20, JitterInterval: interval,
	}}}))

	ctx := context.Background()

	// First pass primes the schedule without moving.
	ctrl.serviceJitter(ctx)
	require.Equal(t, clock.t.Add(interval), ctrl.jitterDue[0])

	t.Run("jitter fires at the interval and stays in range", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			clock.advance(interval)
			ctrl.serviceJitter(ctx)
			snap, _ := ctrl.Store().Servo(0)
			assert.True(t, snap.Range.Contains(snap.CurrentTicks))
		}
		assert.Equal(t, clock.t.Add(interval), ctrl.jitterDue[0])
	})

	t.Run("an explicit move defers the next jitter", func(t *testing.T) {
		clock.advance(interval / 2)
		ctrl.handleMove(ctx, MoveCommand{ID: 0, TargetDeg: 100, Velocity: 200})
		assert.Equal(t, clock.t.Add(interval), ctrl.jitterDue[0],
			"explicit intent must reset the jitter timer")

		pos, _ := ctrl.Store().Servo(0)
		clock.advance(interval / 2)
		ctrl.serviceJitter(ctx)
		after, _ := ctrl.Store().Servo(0)
		assert.Equal(t, pos.CurrentTicks, after.CurrentTicks, "jitter must not fire early")
	})

	t.Run("uncalibrated servos never jitter", func(t *testing.T) {
		clock.advance(time.Hour)
		ctrl.serviceJitter(ctx)
		_, primed := ctrl.jitterDue[1]
		assert.False(t, primed, "servo 1 was never calibrated")
	})
}
