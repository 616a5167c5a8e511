package mcp23017

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	PinCount   = 8
	MaxAddress = 0x7F

	allInputs   = 0xFF
	allOutputs  = 0x00
	allPullUps  = 0xFF
	noInversion = 0x00
	relaysOff   = 0xFF
)

// SubPort selects one of two 8-bit GPIO groups of the chip.
type SubPort uint8

const (
	PortA SubPort = 0
	PortB SubPort = 1
)

func (sp SubPort) String() string {
	switch sp {
	case PortA:
		return "A"
	case PortB:
		return "B"
	}
	return fmt.Sprintf("SubPort(%d)", uint8(sp))
}

// ParseSubPort accepts "A"/"B" (any case) or "0"/"1".
func ParseSubPort(s string) (SubPort, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "0":
		return PortA, nil
	case "B", "1":
		return PortB, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSubPort, s)
}

// Role is fixed for the Port lifetime. Zero value is invalid.
type Role uint8

const (
	RoleSensorInput Role = iota + 1
	RoleRelayOutput
)

func (r Role) valid() bool {
	return r == RoleSensorInput || r == RoleRelayOutput
}

func (r Role) String() string {
	switch r {
	case RoleSensorInput:
		return "contact"
	case RoleRelayOutput:
		return "relay"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// ParseRole maps config role names, "contact" and "relay" being the canonical ones.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contact", "sensor", "input":
		return RoleSensorInput, nil
	case "relay", "output":
		return RoleRelayOutput, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Bus runs one I2C transaction: write w then read len(r) bytes from addr.
// It is implemented by *i2cbus.Bus and by periph.io i2c.Bus.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

type Option func(*Port)

func WithLogger(logger *log.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Port) {
		p.notifier.setErrorHandler(h)
	}
}

// Port drives one sub-port of a MCP23017 in a fixed role.
type Port struct {
	bus     Bus
	address uint16
	sub     SubPort
	role    Role

	lock      sync.Mutex
	current   uint8
	direction uint8
	pullup    uint8
	polarity  uint8
	poller    *Poller

	notifier notifier
	logger   *log.Logger
}

// New configures the sub-port and returns the Port. Sensor ports are set to
// inputs with pull-ups and no inversion, relay ports to outputs, all high.
func New(bus Bus, address uint16, sub SubPort, role Role, opts ...Option) (*Port, error) {
	if !role.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	if sub != PortA && sub != PortB {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSubPort, sub)
	}
	if address > MaxAddress {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidAddress, address)
	}

	p := &Port{
		bus:     bus,
		address: address,
		sub:     sub,
		role:    role,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mcp23017: ",
			Level:  log.GetLevel(),
		}),
	}
	p.notifier.setErrorHandler(p.logError)
	for _, opt := range opts {
		opt(p)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	err := p.writeRegister("configure", IOCON, configurationValue)
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleSensorInput:
		p.current = 0xFF
		err = p.setDirection(allInputs)
		if err == nil {
			err = p.setPullUp(allPullUps)
		}
		if err == nil {
			err = p.setPolarity(noInversion)
		}
	case RoleRelayOutput:
		err = p.setDirection(allOutputs)
		if err == nil {
			err = p.writePortLocked(relaysOff)
		}
	}
	if err != nil {
		return nil, err
	}

	p.logger.Debug("port configured", "port", p.String(), "role", role)
	return p, nil
}

func (p *Port) logError(err error) {
	p.logger.Error("port error", "port", p.String(), "err", err)
}

func (p *Port) writeRegister(op string, reg Register, value uint8) error {
	err := p.bus.Tx(p.address, []byte{byte(reg), value}, nil)
	if err != nil {
		return &TransportError{Op: op, Address: p.address, Register: reg, Err: err}
	}
	return nil
}

func (p *Port) setDirection(direction uint8) error {
	err := p.writeRegister("set direction", Direction.For(p.sub), direction)
	if err == nil {
		p.direction = direction
	}
	return err
}

func (p *Port) setPullUp(pullup uint8) error {
	err := p.writeRegister("set pull-up", PullUp.For(p.sub), pullup)
	if err == nil {
		p.pullup = pullup
	}
	return err
}

func (p *Port) setPolarity(polarity uint8) error {
	err := p.writeRegister("set polarity", Polarity.For(p.sub), polarity)
	if err == nil {
		p.polarity = polarity
	}
	return err
}

func (p *Port) readPortLocked() (uint8, error) {
	reg := GPIO.For(p.sub)
	rx := make([]byte, 1)
	err := p.bus.Tx(p.address, []byte{byte(reg)}, rx)
	if err != nil {
		return 0, &TransportError{Op: "read", Address: p.address, Register: reg, Err: err}
	}
	p.current = rx[0]
	return p.current, nil
}

func (p *Port) writePortLocked(value uint8) error {
	err := p.writeRegister("write", GPIO.For(p.sub), value)
	if err != nil {
		return err
	}
	p.current = value
	return nil
}

// ReadPort reads the GPIO register and caches the value.
func (p *Port) ReadPort() (uint8, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.readPortLocked()
}

// WritePort writes all 8 pins at once.
func (p *Port) WritePort(value uint8) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.writePortLocked(value)
}

// ToggleRelay drives a single pin (1-8). Relays are active-low: assert
// clears the bit, release sets it.
func (p *Port) ToggleRelay(pin int, assert bool) error {
	if pin < 1 || pin > PinCount {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	bit := uint8(1)
	if assert {
		bit = 0
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.writePortLocked(SetBit(p.current, uint8(pin-1), bit))
}

// RelayState reports whether the relay on pin is asserted, from cached state.
func (p *Port) RelayState(pin int) (bool, error) {
	level, err := p.PinLevel(pin)
	return !level, err
}

// PinLevel returns the cached level of pin (1-8).
func (p *Port) PinLevel(pin int) (bool, error) {
	if pin < 1 || pin > PinCount {
		return false, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	return BitLevel(p.Current(), uint8(pin-1)), nil
}

// OnChange registers h for change sets emitted by polling.
func (p *Port) OnChange(h ChangeHandler) {
	p.notifier.subscribe(h)
}

// OnError replaces the handler for poll errors and handler panics.
func (p *Port) OnError(h ErrorHandler) {
	p.notifier.setErrorHandler(h)
}

// PollOnce reads the port and emits the difference to the previously cached
// value when there is any.
func (p *Port) PollOnce() (ChangeSet, error) {
	p.lock.Lock()
	old := p.current
	value, err := p.readPortLocked()
	p.lock.Unlock()

	if err != nil {
		return nil, err
	}

	changes := DiffBytes(value, old)
	if len(changes) > 0 {
		p.logger.Debug("port changed", "port", p.String(), "old", old, "new", value, "changes", changes)
		p.notifier.emit(changes)
	}
	return changes, nil
}

// Poller is a running poll loop of a Port.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels future ticks and waits for the running one to finish.
// Handlers run on the poll goroutine and must use Cancel instead, Stop
// from a handler never returns.
func (pl *Poller) Stop() {
	pl.cancel()
	<-pl.done
}

// Cancel stops future ticks without waiting.
func (pl *Poller) Cancel() {
	pl.cancel()
}

// Done is closed when the poll loop exits.
func (pl *Poller) Done() <-chan struct{} {
	return pl.done
}

// Poll starts polling every interval until ctx is done or the Poller is
// stopped. Failed ticks go to the error handler and the loop goes on.
func (p *Port) Poll(ctx context.Context, interval time.Duration) (*Poller, error) {
	if interval <= 0 {
		return nil, ErrInvalidPeriod
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.poller != nil {
		return nil, ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(ctx)
	pl := &Poller{cancel: cancel, done: make(chan struct{})}
	p.poller = pl

	go p.pollLoop(ctx, interval, pl)

	return pl, nil
}

func (p *Port) pollLoop(ctx context.Context, interval time.Duration, pl *Poller) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		p.lock.Lock()
		if p.poller == pl {
			p.poller = nil
		}
		p.lock.Unlock()
		close(pl.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			_, err := p.PollOnce()
			if err != nil {
				p.notifier.reportError(err)
			}
		}
	}
}

func (p *Port) Address() uint16 {
	return p.address
}

func (p *Port) SubPort() SubPort {
	return p.sub
}

func (p *Port) Role() Role {
	return p.role
}

// Current returns the last read or written GPIO value.
func (p *Port) Current() uint8 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.current
}

func (p *Port) Direction() uint8 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.direction
}

func (p *Port) PullUp() uint8 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.pullup
}

func (p *Port) Polarity() uint8 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.polarity
}

func (p *Port) String() string {
	return fmt.Sprintf("0x%02x/%s", p.address, p.sub)
}
