package i2cbus

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers/mcp23017"
)

const simRegisterCount = int(mcp23017.OLATB) + 1

// SimChip is an in-memory MCP23017 register file.
type SimChip struct {
	regs   [simRegisterCount]byte
	inputs [2]byte
}

func newSimChip() *SimChip {
	chip := &SimChip{}
	// power-on reset: all pins inputs, floating high
	chip.regs[mcp23017.IODIRA] = 0xFF
	chip.regs[mcp23017.IODIRB] = 0xFF
	chip.inputs = [2]byte{0xFF, 0xFF}
	return chip
}

// gpio computes what a GPIO read returns: output pins echo the latch,
// input pins the electrical level XOR polarity.
func (sc *SimChip) gpio(sub mcp23017.SubPort) byte {
	dir := sc.regs[mcp23017.Direction.For(sub)]
	pol := sc.regs[mcp23017.Polarity.For(sub)]
	latch := sc.regs[mcp23017.OutputLatch.For(sub)]
	return (sc.inputs[sub]^pol)&dir | latch&^dir
}

func (sc *SimChip) write(reg byte, value byte) {
	switch mcp23017.Register(reg) {
	case mcp23017.GPIOA:
		sc.regs[mcp23017.OLATA] = value
	case mcp23017.GPIOB:
		sc.regs[mcp23017.OLATB] = value
	case mcp23017.IOCONA, mcp23017.IOCONB:
		sc.regs[mcp23017.IOCONA] = value
		sc.regs[mcp23017.IOCONB] = value
		return
	}
	sc.regs[reg] = value
}

func (sc *SimChip) read(reg byte) byte {
	switch mcp23017.Register(reg) {
	case mcp23017.GPIOA:
		return sc.gpio(mcp23017.PortA)
	case mcp23017.GPIOB:
		return sc.gpio(mcp23017.PortB)
	}
	return sc.regs[reg]
}

// Sim is a Transport with simulated chips attached. Register pointer does
// not auto-increment, as with IOCON.SEQOP set.
type Sim struct {
	lock    sync.Mutex
	chips   map[uint16]*SimChip
	current *SimChip
	addr    uint16
	pointer byte
}

// NewSim attaches a fresh chip at every address.
func NewSim(addrs ...uint16) *Sim {
	s := &Sim{chips: make(map[uint16]*SimChip)}
	for _, addr := range addrs {
		s.chips[addr] = newSimChip()
	}
	return s
}

func (s *Sim) SelectDevice(addr uint16) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	chip, ok := s.chips[addr]
	if !ok {
		s.current = nil
		return errors.Wrapf(ErrNoDevice, "0x%02x", addr)
	}
	s.current = chip
	s.addr = addr
	return nil
}

func (s *Sim) Write(w []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.current == nil {
		return ErrNoDevice
	}
	if len(w) == 0 {
		return nil
	}
	if int(w[0]) >= simRegisterCount {
		return errors.Wrapf(ErrUnsupported, "register 0x%02x", w[0])
	}

	s.pointer = w[0]
	for _, value := range w[1:] {
		s.current.write(s.pointer, value)
	}
	return nil
}

func (s *Sim) Read(r []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.current == nil {
		return ErrNoDevice
	}
	for i := range r {
		r[i] = s.current.read(s.pointer)
	}
	return nil
}

// SetInputs sets the electrical level of all pins of a sub-port.
func (s *Sim) SetInputs(addr uint16, sub mcp23017.SubPort, levels byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	chip, ok := s.chips[addr]
	if !ok {
		return errors.Wrapf(ErrNoDevice, "0x%02x", addr)
	}
	chip.inputs[sub] = levels
	return nil
}

// Register returns the raw content of a simulated register.
func (s *Sim) Register(addr uint16, reg mcp23017.Register) (byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	chip, ok := s.chips[addr]
	if !ok {
		return 0, errors.Wrapf(ErrNoDevice, "0x%02x", addr)
	}
	return chip.regs[reg], nil
}

func (s *Sim) String() string {
	return fmt.Sprintf("sim(%d chips)", len(s.chips))
}
