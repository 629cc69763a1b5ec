// Package main is the operator CLI for an animatronic head: it speaks the
// host side of the link, mirrors the head's calibration, and sends
// emotions, gaze targets, and raw servo moves.
package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"animhead"
)

var logger = logging.NewLogger("headctl")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Config   string `flag:"config,usage=path to head config YAML"`
	LinkPort string `flag:"link-port,usage=downstream link serial port (overrides config)"`
	Emotion  string `flag:"emotion,usage=express a named emotion"`
	ListPose bool   `flag:"list,usage=list known emotions and exit"`
	Servo    int    `flag:"servo,default=-1,usage=servo id for a raw move"`
	Target   string `flag:"target,usage=raw move target in degrees"`
	Velocity int    `flag:"velocity,usage=raw move velocity"`
	Gaze     string `flag:"gaze,usage=gaze direction as three comma-separated numbers"`
	Report   bool   `flag:"report,usage=print the head's calibration report"`
	Settle   int    `flag:"settle,default=500,usage=ms to keep the link serviced after sending"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var parsed Arguments
	if err := utils.ParseFlags(args, &parsed); err != nil {
		return err
	}

	cfg := animhead.DefaultHeadConfig()
	if parsed.Config != "" {
		var err error
		cfg, err = animhead.LoadHeadConfig(parsed.Config)
		if err != nil {
			return err
		}
	}
	if parsed.LinkPort != "" {
		cfg.Serial.LinkPort = parsed.LinkPort
	}

	if parsed.ListPose {
		for _, name := range animhead.NewAnimationMapper().Names() {
			logger.Infof("emotion: %s", name)
		}
		return nil
	}

	if cfg.Serial.LinkPort == "" {
		return errors.New("headctl needs a link port")
	}
	link, err := animhead.OpenSerialTransport(cfg.Serial.LinkPort, cfg.Serial.LinkBaudrate, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(link.Close)

	host := animhead.NewHost(cfg, link, logger)
	if err := waitForLink(ctx, host); err != nil {
		return err
	}

	switch {
	case parsed.Emotion != "":
		if err := host.ApplyEmotion(parsed.Emotion); err != nil {
			return err
		}
	case parsed.Gaze != "":
		dir, err := parseGaze(parsed.Gaze)
		if err != nil {
			return err
		}
		if err := host.LookAt(dir); err != nil {
			return err
		}
	case parsed.Servo >= 0:
		target, err := strconv.ParseFloat(parsed.Target, 64)
		if err != nil {
			return errors.Wrapf(err, "move target %q", parsed.Target)
		}
		if err := host.Move(parsed.Servo, target, parsed.Velocity); err != nil {
			return err
		}
	case parsed.Report:
		printReport(host)
	default:
		return errors.New("nothing to do: pass -emotion, -gaze, -servo, -report or -list")
	}

	// Keep servicing the link so trailing traffic is not cut off mid-line.
	settle := time.Duration(parsed.Settle) * time.Millisecond
	settleCtx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	for settleCtx.Err() == nil {
		host.Step(settleCtx)
	}
	return nil
}

// waitForLink services the host loop until the link settles one way or the
// other. A DryRun link still lets report inspection work from the mirror's
// fallback state, but motion commands would be lies; fail loudly instead.
func waitForLink(ctx context.Context, host *animhead.Host) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		host.Step(ctx)
		switch host.LinkState() {
		case animhead.Connected:
			return nil
		case animhead.DryRun:
			return errors.New("head did not answer the handshake")
		}
	}
}

func parseGaze(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("gaze %q must be x,y,z", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "gaze component %q", p)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func printReport(host *animhead.Host) {
	host.RequestReport()
	// Give the batch a moment to arrive before reading the mirror.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for ctx.Err() == nil {
		host.Step(ctx)
	}
	for _, snap := range host.Mirror().Snapshot() {
		logger.Infof("servo %d (%s): present=%t calibrated=%t range=[%d, %d] pos=%d",
			snap.ID, snap.Name, snap.Present, snap.Calibrated,
			snap.Range.MinTicks, snap.Range.MaxTicks, snap.CurrentTicks)
	}
}
