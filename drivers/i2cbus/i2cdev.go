package i2cbus

import (
	"fmt"

	"github.com/pkg/errors"
	mcpi2c "github.com/racerxdl/go-mcp23017/i2c"
)

// I2CDev is a Transport over /dev/i2c-N. It only knows single register
// transfers: a 2 byte write sets a register, a 1 byte write followed by a
// 1 byte read reads one.
type I2CDev struct {
	BusNo int

	devices  map[uint16]*mcpi2c.I2C
	current  *mcpi2c.I2C
	register byte
	pending  bool
}

func NewI2CDev(busNo int) *I2CDev {
	return &I2CDev{BusNo: busNo, devices: make(map[uint16]*mcpi2c.I2C)}
}

func (d *I2CDev) SelectDevice(addr uint16) (err error) {
	if addr > 0x7F {
		return errors.Wrapf(ErrNoDevice, "0x%02x is not a 7-bit address", addr)
	}

	if d.devices == nil {
		d.devices = make(map[uint16]*mcpi2c.I2C)
	}

	dev, opened := d.devices[addr]
	if !opened {
		dev, err = mcpi2c.NewI2C(uint8(addr), d.BusNo)
		if err != nil {
			return errors.Wrapf(err, "failed to open i2c-%d device 0x%02x", d.BusNo, addr)
		}
		d.devices[addr] = dev
	}

	if d.current != dev {
		d.pending = false
	}
	d.current = dev
	return nil
}

func (d *I2CDev) Write(w []byte) error {
	if d.current == nil {
		return errors.New("no device selected")
	}

	switch len(w) {
	case 1:
		d.register = w[0]
		d.pending = true
		return nil
	case 2:
		d.pending = false
		return d.current.WriteRegU8(w[0], w[1])
	}
	return errors.Wrapf(ErrUnsupported, "write of %d bytes", len(w))
}

func (d *I2CDev) Read(r []byte) error {
	if d.current == nil {
		return errors.New("no device selected")
	}
	if len(r) != 1 || !d.pending {
		return errors.Wrapf(ErrUnsupported, "read of %d bytes without register", len(r))
	}

	d.pending = false
	v, err := d.current.ReadRegU8(d.register)
	if err != nil {
		return err
	}
	r[0] = v
	return nil
}

func (d *I2CDev) Close() (err error) {
	for addr, dev := range d.devices {
		closeErr := dev.Close()
		if closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close device 0x%02x", addr)
		}
	}
	d.devices = make(map[uint16]*mcpi2c.I2C)
	d.current = nil
	return
}

func (d *I2CDev) String() string {
	return fmt.Sprintf("i2c-%d", d.BusNo)
}
