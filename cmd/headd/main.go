// Package main runs one animatronic head device: the servo-bus controller
// or the relay bridge, selected by role.
package main

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"animhead"
)

var logger = logging.NewLogger("headd")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Role     string `flag:"role,default=controller,usage=device role: controller or bridge"`
	Config   string `flag:"config,usage=path to head config YAML"`
	BusPort  string `flag:"bus-port,usage=servo bus serial port (overrides config)"`
	LinkPort string `flag:"link-port,usage=upstream link serial port (overrides config)"`
	DownPort string `flag:"down-port,usage=bridge downstream serial port (overrides config)"`
	Simulate bool   `flag:"simulate,usage=run the controller without servo hardware"`
	Scan     bool   `flag:"scan,usage=scan the servo bus and exit"`
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
	if parsed.BusPort != "" {
		cfg.Serial.BusPort = parsed.BusPort
	}
	if parsed.LinkPort != "" {
		cfg.Serial.LinkPort = parsed.LinkPort
	}

	if parsed.Scan {
		return scanBus(ctx, cfg, logger)
	}

	switch parsed.Role {
	case "controller":
		return runController(ctx, cfg, parsed.Simulate, logger)
	case "bridge":
		return runBridge(ctx, cfg, parsed.DownPort, logger)
	}
	return errors.Errorf("unknown role %q (want controller or bridge)", parsed.Role)
}

func scanBus(ctx context.Context, cfg *animhead.HeadConfig, logger logging.Logger) error {
	if cfg.Serial.BusPort == "" {
		candidates, err := animhead.ListCandidatePorts()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return errors.New("no candidate serial ports found")
		}
		for _, port := range candidates {
			logger.Infof("candidate serial port: %s", port)
		}
		return errors.New("pass -bus-port to scan one of the candidates")
	}
	found, err := animhead.ScanBus(ctx, cfg.Serial.BusPort, cfg.Serial.BusBaudrate)
	if err != nil {
		return err
	}
	for _, f := range found {
		logger.Infof("found servo id=%d model=%s", f.ID, f.Model)
	}
	logger.Infof("%d servos on %s", len(found), cfg.Serial.BusPort)
	return nil
}

func runController(ctx context.Context, cfg *animhead.HeadConfig, simulate bool, logger logging.Logger) error {
	var bus animhead.ServoBus
	if !simulate {
		if cfg.Serial.BusPort == "" {
			return errors.New("controller needs a bus port (or -simulate)")
		}
		var err error
		bus, err = animhead.NewFeetechBus(cfg.Serial.BusPort, cfg.Serial.BusBaudrate, cfg.ServoIDs(), logger)
		if err != nil {
			return err
		}
		defer utils.UncheckedErrorFunc(bus.Close)
	}

	if cfg.Serial.LinkPort == "" {
		return errors.New("controller needs a link port")
	}
	link, err := animhead.OpenSerialTransport(cfg.Serial.LinkPort, cfg.Serial.LinkBaudrate, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(link.Close)

	ctrl := animhead.NewController(cfg, bus, link, logger)
	if err := ctrl.Bootstrap(ctx); err != nil {
		return err
	}
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runBridge(ctx context.Context, cfg *animhead.HeadConfig, downPort string, logger logging.Logger) error {
	if downPort == "" {
		downPort = cfg.Serial.BusPort
	}
	if downPort == "" || cfg.Serial.LinkPort == "" {
		return errors.New("bridge needs a down port and a link port")
	}

	down, err := animhead.OpenSerialTransport(downPort, cfg.Serial.LinkBaudrate, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(down.Close)

	up, err := animhead.OpenSerialTransport(cfg.Serial.LinkPort, cfg.Serial.LinkBaudrate, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(up.Close)

	bridge := animhead.NewBridge(cfg, down, up, logger)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
