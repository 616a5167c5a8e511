package i2cbus

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

var (
	ErrTimeout     = errors.New("i2c transaction timed out")
	ErrNoDevice    = errors.New("no device at address")
	ErrUnsupported = errors.New("unsupported transfer")
)

// Transport is a raw, unsynchronized channel to one physical I2C bus.
type Transport interface {
	SelectDevice(addr uint16) error
	Write(w []byte) error
	Read(r []byte) error
}

// Bus serializes transactions on a Transport. Every Tx holds the bus for
// the whole select, write and read sequence.
type Bus struct {
	transport Transport
	timeout   time.Duration

	sem    chan struct{}
	logger *log.Logger
}

// NewBus wraps transport. A positive timeout bounds every Tx.
func NewBus(transport Transport, timeout time.Duration) *Bus {
	return &Bus{
		transport: transport,
		timeout:   timeout,
		sem:       make(chan struct{}, 1),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "i2cbus: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (b *Bus) release() {
	<-b.sem
}

// acquire waits for the bus, at most until timer fires.
func (b *Bus) acquire(timer *time.Timer) bool {
	if timer == nil {
		b.sem <- struct{}{}
		return true
	}

	select {
	case b.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// Tx selects addr, writes w and then reads len(r) bytes. A positive timeout
// covers both waiting for the bus and the transfer. On timeout the bus stays
// reserved until the stuck transfer returns, r is left untouched.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if b.timeout <= 0 {
		b.acquire(nil)
		defer b.release()
		return b.tx(addr, w, r)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	if !b.acquire(timer) {
		b.logger.Warn("bus busy", "addr", fmt.Sprintf("0x%02x", addr), "timeout", b.timeout)
		return errors.Wrapf(ErrTimeout, "device 0x%02x waiting for bus after %s", addr, b.timeout)
	}

	wx := append([]byte(nil), w...)
	rx := make([]byte, len(r))
	done := make(chan error, 1)
	go func() {
		defer b.release()
		done <- b.tx(addr, wx, rx)
	}()

	select {
	case err := <-done:
		if err == nil {
			copy(r, rx)
		}
		return err
	case <-timer.C:
		b.logger.Warn("transaction timed out", "addr", fmt.Sprintf("0x%02x", addr), "timeout", b.timeout)
		return errors.Wrapf(ErrTimeout, "device 0x%02x after %s", addr, b.timeout)
	}
}

func (b *Bus) tx(addr uint16, w, r []byte) error {
	err := b.transport.SelectDevice(addr)
	if err != nil {
		return errors.Wrapf(err, "failed to select device 0x%02x", addr)
	}

	if len(w) > 0 {
		err = b.transport.Write(w)
		if err != nil {
			return errors.Wrapf(err, "failed to write %d bytes to 0x%02x", len(w), addr)
		}
	}

	if len(r) > 0 {
		err = b.transport.Read(r)
		if err != nil {
			return errors.Wrapf(err, "failed to read %d bytes from 0x%02x", len(r), addr)
		}
	}

	return nil
}

// Close closes the transport when it holds resources.
func (b *Bus) Close() error {
	var timer *time.Timer
	if b.timeout > 0 {
		timer = time.NewTimer(b.timeout)
		defer timer.Stop()
	}
	if !b.acquire(timer) {
		return errors.Wrap(ErrTimeout, "bus busy on close")
	}
	defer b.release()

	if closer, ok := b.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (b *Bus) String() string {
	if s, ok := b.transport.(fmt.Stringer); ok {
		return s.String()
	}
	return "i2c"
}
