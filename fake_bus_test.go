package animhead

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// fakeServo models one servo with mechanical hard stops.
type fakeServo struct {
	pos       int
	stopMin   int
	stopMax   int
	torque    bool
	alive     bool
	failReads bool
	written   *ServoRange
}

// fakeBus is an in-memory ServoBus with an operation log, enough physics
// for stall probing: a commanded move lands at the target clamped to the
// servo's hard stops.
type fakeBus struct {
	mu     sync.Mutex
	servos map[int]*fakeServo
	ops    []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{servos: make(map[int]*fakeServo)}
}

func (b *fakeBus) addServo(id, pos, stopMin, stopMax int) *fakeServo {
	s := &fakeServo{pos: pos, stopMin: stopMin, stopMax: stopMax, alive: true, torque: true}
	b.servos[id] = s
	return s
}

// addFreeServo has no reachable stops, like a continuous-rotation servo.
func (b *fakeBus) addFreeServo(id, pos int) *fakeServo {
	return b.addServo(id, pos, -1<<30, 1<<30)
}

func (b *fakeBus) record(format string, args ...interface{}) {
	b.ops = append(b.ops, fmt.Sprintf(format, args...))
}

func (b *fakeBus) opsFor(id int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefixes := []string{
		fmt.Sprintf("ping %d", id),
		fmt.Sprintf("move %d", id),
		fmt.Sprintf("torque %d", id),
		fmt.Sprintf("write_range %d", id),
	}
	var out []string
	for _, op := range b.ops {
		for _, p := range prefixes {
			if len(op) >= len(p) && op[:len(p)] == p {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

func (b *fakeBus) servoFor(id int) (*fakeServo, error) {
	s, ok := b.servos[id]
	if !ok {
		return nil, errors.Errorf("no fake servo %d", id)
	}
	return s, nil
}

func (b *fakeBus) Ping(_ context.Context, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ping %d", id)
	s, err := b.servoFor(id)
	if err != nil {
		return err
	}
	if !s.alive {
		return errors.Errorf("servo %d timed out", id)
	}
	return nil
}

func (b *fakeBus) Position(_ context.Context, id int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servoFor(id)
	if err != nil {
		return 0, err
	}
	if !s.alive || s.failReads {
		return 0, errors.Errorf("servo %d did not answer position read", id)
	}
	return s.pos, nil
}

func (b *fakeBus) MoveTo(_ context.Context, id, ticks, velocity int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("move %d %d %d", id, ticks, velocity)
	s, err := b.servoFor(id)
	if err != nil {
		return err
	}
	if !s.alive {
		return errors.Errorf("servo %d timed out", id)
	}
	if ticks < s.stopMin {
		ticks = s.stopMin
	}
	if ticks > s.stopMax {
		ticks = s.stopMax
	}
	s.pos = ticks
	return nil
}

func (b *fakeBus) SetTorque(_ context.Context, id int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("torque %d %t", id, enabled)
	s, err := b.servoFor(id)
	if err != nil {
		return err
	}
	if !s.alive {
		return errors.Errorf("servo %d timed out", id)
	}
	s.torque = enabled
	return nil
}

func (b *fakeBus) WriteRange(_ context.Context, id int, rng ServoRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("write_range %d [%d,%d]", id, rng.MinTicks, rng.MaxTicks)
	s, err := b.servoFor(id)
	if err != nil {
		return err
	}
	if s.torque {
		return errors.Errorf("servo %d range write with torque enabled", id)
	}
	r := rng
	s.written = &r
	return nil
}

func (b *fakeBus) Close() error { return nil }

// testPolicy keeps probing fast: the settle wait inside a limit search is
// a quarter of the step timeout.
func testPolicy() PolicyConfig {
	cfg := DefaultHeadConfig()
	p := cfg.Policy
	p.StepTimeoutMs = 4
	p.PresenceTimeoutMs = 20
	return p
}

func testConfigWithPolicy(servos []ServoConfig) *HeadConfig {
	cfg := &HeadConfig{Servos: servos}
	cfg.applyDefaults()
	cfg.Policy = testPolicy()
	return cfg
}
