package animhead

import (
	"context"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ServoBus is the half-duplex servo bus as the calibration and control
// logic sees it. All calls take a context because every serial exchange
// has a bounded timeout; callers never block indefinitely.
type ServoBus interface {
	// Ping probes a servo for presence.
	Ping(ctx context.Context, id int) error
	// Position reads the present position in ticks.
	Position(ctx context.Context, id int) (int, error)
	// MoveTo commands a position in ticks at the given velocity.
	MoveTo(ctx context.Context, id, ticks, velocity int) error
	// SetTorque enables or disables holding torque.
	SetTorque(ctx context.Context, id int, enabled bool) error
	// WriteRange persists the travel limits to the servo's registers.
	// Torque must be disabled around this call; see Calibrator.
	WriteRange(ctx context.Context, id int, rng ServoRange) error
	Close() error
}

// FeetechBus drives STS-class serial bus servos.
type FeetechBus struct {
	bus    *feetech.Bus
	servos map[int]*feetech.Servo
	logger logging.Logger
}

var _ ServoBus = (*FeetechBus)(nil)

// NewFeetechBus opens the bus and prepares handles for the given IDs.
func NewFeetechBus(port string, baudrate int, ids []int, logger logging.Logger) (*FeetechBus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open servo bus on %s", port)
	}

	servos := make(map[int]*feetech.Servo, len(ids))
	for _, id := range ids {
		servos[id] = feetech.NewServo(bus, id, &feetech.ModelSTS3215)
	}

	logger.Infof("servo bus open on %s at %d baud, %d servos", port, baudrate, len(ids))
	return &FeetechBus{bus: bus, servos: servos, logger: logger}, nil
}

// ScanBus lists responding servos on a port.
func ScanBus(ctx context.Context, port string, baudrate int) ([]feetech.FoundServo, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open servo bus on %s", port)
	}
	defer bus.Close()
	return bus.Scan(ctx, 0, MaxBusServos-1)
}

func (b *FeetechBus) servo(id int) (*feetech.Servo, error) {
	s, ok := b.servos[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownServo, "servo %d not on bus", id)
	}
	return s, nil
}

// Ping probes one servo.
func (b *FeetechBus) Ping(ctx context.Context, id int) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	if _, err := s.Ping(ctx); err != nil {
		return errors.Wrapf(err, "ping servo %d", id)
	}
	return nil
}

// Position reads the present position in ticks.
func (b *FeetechBus) Position(ctx context.Context, id int) (int, error) {
	s, err := b.servo(id)
	if err != nil {
		return 0, err
	}
	pos, err := s.Position(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "read position of servo %d", id)
	}
	return pos, nil
}

// MoveTo commands a goal position with speed.
func (b *FeetechBus) MoveTo(ctx context.Context, id, ticks, velocity int) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	if err := s.SetPositionWithSpeed(ctx, ticks, velocity); err != nil {
		return errors.Wrapf(err, "move servo %d to %d", id, ticks)
	}
	return nil
}

// SetTorque toggles holding torque.
func (b *FeetechBus) SetTorque(ctx context.Context, id int, enabled bool) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	if err := s.SetTorqueEnabled(ctx, enabled); err != nil {
		return errors.Wrapf(err, "set torque of servo %d", id)
	}
	return nil
}

// WriteRange persists min/max position limits to the servo's EEPROM.
func (b *FeetechBus) WriteRange(ctx context.Context, id int, rng ServoRange) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	if err := rng.Validate(); err != nil {
		return errors.Wrapf(err, "range for servo %d", id)
	}
	if err := s.SetPositionLimits(ctx, rng.MinTicks, rng.MaxTicks); err != nil {
		return errors.Wrapf(err, "write limits of servo %d", id)
	}
	return nil
}

// Close closes the serial bus.
func (b *FeetechBus) Close() error {
	return b.bus.Close()
}
