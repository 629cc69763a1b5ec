package animhead

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// LineTransport frames an ordered, possibly-lossy byte stream into
// newline-terminated UTF-8 lines. A background reader keeps the stream
// drained so a stalled peer can never block the caller's control loop;
// every read has a bounded wait.
type LineTransport struct {
	rwc    io.ReadWriteCloser
	lines  chan string
	closed chan struct{}
	once   sync.Once
	wmu    sync.Mutex
	logger logging.Logger
}

// NewLineTransport wraps a stream and starts its reader.
func NewLineTransport(rwc io.ReadWriteCloser, logger logging.Logger) *LineTransport {
	t := &LineTransport{
		rwc:    rwc,
		lines:  make(chan string, 64),
		closed: make(chan struct{}),
		logger: logger,
	}
	goutils.PanicCapturingGo(t.readLoop)
	return t
}

// ListCandidatePorts returns the serial ports on this machine that look
// like USB serial adapters, the usual physical form of a head link.
func ListCandidatePorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	candidates := []string{}
	for _, port := range ports {
		if candidateSerialPort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates, nil
}

func candidateSerialPort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usb*, /dev/cu.usb*
	if strings.HasPrefix(port, "/dev/tty.usb") || strings.HasPrefix(port, "/dev/cu.usb") {
		return true
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// OpenSerialTransport opens a serial line and wraps it.
func OpenSerialTransport(port string, baudrate int, logger logging.Logger) (*LineTransport, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial line %s", port)
	}
	logger.Infof("link line open on %s at %d baud", port, baudrate)
	return NewLineTransport(p, logger), nil
}

// maxLineBytes bounds one inbound line. Longer lines are dropped whole;
// the stream keeps flowing.
const maxLineBytes = 4096

func (t *LineTransport) readLoop() {
	reader := bufio.NewReaderSize(t.rwc, maxLineBytes)
	for {
		line, err := t.readBoundedLine(reader)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Debugf("link read loop ended: %v", err)
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case t.lines <- line:
		case <-t.closed:
			return
		}
	}
}

// readBoundedLine reads one newline-terminated line. A line that
// overflows the reader's buffer is consumed to its end and dropped, so a
// garbage burst rejects only itself, never the rest of the session.
func (t *LineTransport) readBoundedLine(r *bufio.Reader) (string, error) {
	frag, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	if !isPrefix {
		return string(frag), nil
	}
	for isPrefix {
		if _, isPrefix, err = r.ReadLine(); err != nil {
			return "", err
		}
	}
	t.logger.Warnf("dropping inbound line over %d bytes", maxLineBytes)
	return "", nil
}

// ReadLine waits up to wait for one inbound line. The second return is
// false when nothing arrived within the bound; callers fall through to
// the rest of their loop instead of blocking.
func (t *LineTransport) ReadLine(ctx context.Context, wait time.Duration) (string, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case line := <-t.lines:
		return line, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	case <-t.closed:
		return "", false
	}
}

// WriteLine sends one line, appending the terminator when missing.
func (t *LineTransport) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := io.WriteString(t.rwc, line); err != nil {
		return errors.Wrap(err, "write line")
	}
	return nil
}

// WriteCommand encodes and sends a command. Batch commands go out in a
// single write so the burst stays contiguous on the wire.
func (t *LineTransport) WriteCommand(cmd Command) error {
	return t.WriteLine(cmd.Encode())
}

// Close stops the reader and closes the stream.
func (t *LineTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.rwc.Close()
	})
	return err
}
