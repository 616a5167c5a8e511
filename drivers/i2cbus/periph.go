package i2cbus

import (
	"io"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Periph is a Transport on top of a periph.io I2C bus.
type Periph struct {
	bus  i2c.Bus
	addr uint16
}

func NewPeriph(bus i2c.Bus) *Periph {
	return &Periph{bus: bus}
}

// OpenPeriph initializes host drivers and opens the named bus, "" for the first one.
func OpenPeriph(name string) (*Periph, error) {
	_, err := host.Init()
	if err != nil {
		return nil, errors.Wrap(err, "failed to init periph host drivers")
	}

	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open i2c bus %q", name)
	}

	return NewPeriph(bus), nil
}

func (p *Periph) SelectDevice(addr uint16) error {
	if addr > 0x7F {
		return errors.Wrapf(ErrNoDevice, "0x%02x is not a 7-bit address", addr)
	}
	p.addr = addr
	return nil
}

func (p *Periph) Write(w []byte) error {
	return p.bus.Tx(p.addr, w, nil)
}

func (p *Periph) Read(r []byte) error {
	return p.bus.Tx(p.addr, nil, r)
}

func (p *Periph) Close() error {
	if closer, ok := p.bus.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *Periph) String() string {
	return p.bus.String()
}
