package animhead

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cmds := []struct {
		name string
		cmd  Command
	}{
		{"move", MoveCommand{ID: 2, TargetDeg: 123.5, Velocity: 400}},
		{"move zero velocity", MoveCommand{ID: 0, TargetDeg: -10.25, Velocity: 0}},
		{"set led", SetLedCommand{R: 255, G: 0, B: 128}},
		{"set mic led", SetMicLedCommand{Index: 3, R: 1, G: 2, B: 3}},
		{"handshake controller", HandshakeCommand{Token: TokenController}},
		{"handshake host", HandshakeCommand{Token: TokenHost}},
		{"get report", GetReportCommand{}},
		{"report", ReportCommand{Entries: []CalibrationReport{
			{ID: 0, MinTicks: 1600, MaxTicks: 2500, Present: true},
			{ID: 3, Present: false},
		}}},
		{"empty report", ReportCommand{Entries: []CalibrationReport{}}},
		{"configure", ConfigureCommand{Snapshots: []ServoSnapshot{
			{
				ID:               1,
				Range:            ServoRange{MinTicks: 100, MaxTicks: 900},
				CurrentTicks:     500,
				Velocity:         300,
				JitterRangeTicks: 17,
				JitterInterval:   1500 * time.Millisecond,
				Present:          true,
			},
		}}},
	}

	for _, tc := range cmds {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeCommand(tc.cmd.Encode())
			require.NoError(t, err)
			assert.Equal(t, tc.cmd, decoded)
		})
	}
}

func TestNewConfigureCommandStripsDeviceLocalFields(t *testing.T) {
	cmd := NewConfigureCommand([]ServoSnapshot{
		{
			ID:           0,
			Name:         "neck_pan",
			Range:        ServoRange{MinTicks: 100, MaxTicks: 900},
			CurrentTicks: 500,
			Velocity:     300,
			Present:      true,
			Calibrated:   true,
		},
	})
	assert.Empty(t, cmd.Snapshots[0].Name)
	assert.False(t, cmd.Snapshots[0].Calibrated)

	// Name and Calibrated have no wire form; the constructor's scrub is
	// what keeps the round trip exact.
	decoded, err := DecodeCommand(cmd.Encode())
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)
}

func TestDecodeToleratesWhitespace(t *testing.T) {
	decoded, err := DecodeCommand("  MOVE_SERVO ; ID = 1 ; TARGET=10.5 ;VELOCITY=100 \n")
	require.NoError(t, err)
	assert.Equal(t, MoveCommand{ID: 1, TargetDeg: 10.5, Velocity: 100}, decoded)
}

func TestDecodeRejectsMalformedLines(t *testing.T) {
	lines := []struct {
		name string
		text string
	}{
		{"unknown tag", "FROB;ID=1\n"},
		{"bad integer", "MOVE_SERVO;ID=one;TARGET=10;VELOCITY=5\n"},
		{"missing field", "MOVE_SERVO;ID=1;VELOCITY=5\n"},
		{"negative velocity", "MOVE_SERVO;ID=1;TARGET=10;VELOCITY=-5\n"},
		{"color out of range", "SET_LED;R=256;G=0;B=0\n"},
		{"negative mic index", "SET_MIC_LED;IDX=-1;R=0;G=0;B=0\n"},
		{"field without separator", "MOVE_SERVO;ID\n"},
		{"batch count too large", "REPORT;N=99\n"},
		{"batch count negative", "REPORT;N=-1\n"},
		{"bad present flag", "REPORT;N=1\nID=0;MIN=0;MAX=10;PRESENT=2\n"},
		{"report min above max", "REPORT;N=1\nID=0;MIN=50;MAX=10;PRESENT=1\n"},
		{"incomplete batch", "REPORT;N=2\nID=0;MIN=0;MAX=10;PRESENT=1\n"},
	}

	for _, tc := range lines {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand(tc.text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedCommand), "want ErrMalformedCommand, got %v", err)
		})
	}
}

func TestLineDecoderAssemblesBatchAcrossFeeds(t *testing.T) {
	rep := ReportCommand{Entries: []CalibrationReport{
		{ID: 0, MinTicks: 10, MaxTicks: 90, Present: true},
		{ID: 1, MinTicks: 20, MaxTicks: 80, Present: true},
		{ID: 2, Present: false},
	}}

	dec := NewLineDecoder()
	lines := strings.Split(strings.TrimRight(rep.Encode(), "\n"), "\n")
	require.Len(t, lines, 4)

	for i, line := range lines[:len(lines)-1] {
		cmd, err := dec.Feed(line)
		require.NoError(t, err, "line %d", i)
		assert.Nil(t, cmd, "line %d must not complete the batch", i)
		if i > 0 {
			assert.True(t, dec.Pending())
		}
	}

	cmd, err := dec.Feed(lines[len(lines)-1])
	require.NoError(t, err)
	assert.Equal(t, rep, cmd)
	assert.False(t, dec.Pending())
}

func TestLineDecoderAbandonsBatchOnError(t *testing.T) {
	dec := NewLineDecoder()

	cmd, err := dec.Feed("REPORT;N=2")
	require.NoError(t, err)
	require.Nil(t, cmd)
	require.True(t, dec.Pending())

	_, err = dec.Feed("MOVE_SERVO;ID=1;TARGET=10;VELOCITY=5")
	require.Error(t, err)
	assert.False(t, dec.Pending())

	// The stream recovers on the next well-formed command.
	cmd, err = dec.Feed("GET_REPORT")
	require.NoError(t, err)
	assert.Equal(t, GetReportCommand{}, cmd)
}

func TestLineDecoderHandshakeTokensAreBareLines(t *testing.T) {
	dec := NewLineDecoder()
	for _, token := range []string{TokenController, TokenBridge, TokenHost} {
		cmd, err := dec.Feed(token)
		require.NoError(t, err)
		assert.Equal(t, HandshakeCommand{Token: token}, cmd)
	}
}
