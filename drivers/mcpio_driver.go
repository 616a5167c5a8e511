package drivers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers/i2cbus"
	"github.com/hubertat/mcpkit/drivers/mcp23017"
)

const mcpioDriverName = "mcpio"
const defaultPollInterval = 100 * time.Millisecond

const (
	BusPeriph = "periph"
	BusI2CDev = "i2cdev"
	BusSim    = "sim"
)

// McpIO owns one I2C bus and every configured MCP23017 sub-port on it.
type McpIO struct {
	Bus      string
	BusName  string
	BusNo    int
	Timeout  string
	ResetPin *uint8

	PollInterval string
	Ports        []*McpPort

	bus     *i2cbus.Bus
	sim     *i2cbus.Sim
	pollers []*mcp23017.Poller
	isReady bool
	lock    sync.Mutex
	logger  *log.Logger
}

type PinConfig struct {
	Pin            int
	Name           string
	DisableHomekit bool
}

// McpPort is the configuration and the driver of a single sub-port.
type McpPort struct {
	Name         string
	Address      uint16
	SubPort      string
	Role         string
	PollInterval string
	Pins         []PinConfig

	port *mcp23017.Port
}

type McpInput struct {
	port *McpPort
	pin  int
}

type McpOutput struct {
	port *McpPort
	pin  int
}

func (min *McpInput) GetState() (bool, error) {
	return min.port.port.PinLevel(min.pin)
}

func (min *McpInput) SubscribeToChange(listener StateListener) {
	min.port.port.OnChange(func(changes mcp23017.ChangeSet) {
		state, changed := changes[min.pin]
		if changed {
			listener(state)
		}
	})
}

func (mout *McpOutput) GetState() (bool, error) {
	return mout.port.port.RelayState(mout.pin)
}

func (mout *McpOutput) Set(state bool) error {
	return mout.port.port.ToggleRelay(mout.pin, state)
}

func (mp *McpPort) String() string {
	return mp.Name
}

// Port returns the driver, nil before Setup.
func (mp *McpPort) Port() *mcp23017.Port {
	return mp.port
}

func (mp *McpPort) IsRelay() bool {
	return mp.port != nil && mp.port.Role() == mcp23017.RoleRelayOutput
}

// PinRefs lists configured pins, all 8 when none are configured.
func (mp *McpPort) PinRefs() (refs []PinRef) {
	if len(mp.Pins) == 0 {
		for pin := 1; pin <= mcp23017.PinCount; pin++ {
			refs = append(refs, PinRef{Port: mp.Name, Pin: pin, Name: fmt.Sprintf("%s %d", mp.Name, pin)})
		}
		return
	}

	for _, pc := range mp.Pins {
		name := pc.Name
		if len(name) == 0 {
			name = fmt.Sprintf("%s %d", mp.Name, pc.Pin)
		}
		refs = append(refs, PinRef{Port: mp.Name, Pin: pc.Pin, Name: name})
	}
	return
}

func (mp *McpPort) HomekitEnabled(pin int) bool {
	for _, pc := range mp.Pins {
		if pc.Pin == pin {
			return !pc.DisableHomekit
		}
	}
	return true
}

// PinNames maps pin numbers to configured names.
func (mp *McpPort) PinNames() map[int]string {
	names := make(map[int]string)
	for _, ref := range mp.PinRefs() {
		names[ref.Pin] = ref.Name
	}
	return names
}

func (mp *McpPort) pollInterval(fallback time.Duration) (time.Duration, error) {
	if len(mp.PollInterval) == 0 {
		return fallback, nil
	}
	return time.ParseDuration(mp.PollInterval)
}

func (mp *McpPort) validate() error {
	if len(mp.Name) == 0 {
		return errors.New("port name is empty")
	}
	for _, pc := range mp.Pins {
		if pc.Pin < 1 || pc.Pin > mcp23017.PinCount {
			return errors.Wrapf(mcp23017.ErrInvalidPin, "port %s pin %d", mp.Name, pc.Pin)
		}
	}
	return nil
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	return mcp.isReady
}

func (mcp *McpIO) openTransport() (transport i2cbus.Transport, err error) {
	switch strings.ToLower(mcp.Bus) {
	case BusPeriph, "":
		transport, err = i2cbus.OpenPeriph(mcp.BusName)
	case BusI2CDev:
		transport = i2cbus.NewI2CDev(mcp.BusNo)
	case BusSim:
		addrs := []uint16{}
		for _, mp := range mcp.Ports {
			addrs = append(addrs, mp.Address)
		}
		mcp.sim = i2cbus.NewSim(addrs...)
		transport = mcp.sim
	default:
		err = errors.Errorf("unknown bus kind %q", mcp.Bus)
	}
	return
}

// Setup opens the bus and configures every port, nothing is polled yet.
func (mcp *McpIO) Setup(ctx context.Context) (err error) {
	if mcp.logger == nil {
		mcp.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "McpIO: ",
			Level:  log.GetLevel(),
		})
	}

	names := make(map[string]bool)
	for _, mp := range mcp.Ports {
		err = mp.validate()
		if err != nil {
			return
		}
		if names[mp.Name] {
			return errors.Errorf("duplicated port name %s", mp.Name)
		}
		names[mp.Name] = true
	}

	var timeout time.Duration
	if len(mcp.Timeout) > 0 {
		timeout, err = time.ParseDuration(mcp.Timeout)
		if err != nil {
			return errors.Wrap(err, "failed to parse bus timeout")
		}
	}

	if mcp.ResetPin != nil {
		err = i2cbus.ResetPin{Pin: *mcp.ResetPin}.Reset()
		if err != nil {
			return errors.Wrap(err, "failed to reset expanders")
		}
	}

	transport, err := mcp.openTransport()
	if err != nil {
		return errors.Wrap(err, "failed to open i2c bus")
	}
	mcp.bus = i2cbus.NewBus(transport, timeout)

	for _, mp := range mcp.Ports {
		err = mcp.setupPort(mp)
		if err != nil {
			mcp.bus.Close()
			return
		}
	}

	mcp.lock.Lock()
	mcp.isReady = true
	mcp.lock.Unlock()

	mcp.logger.Info("ports configured", "bus", mcp.bus, "ports", len(mcp.Ports))
	return nil
}

func (mcp *McpIO) setupPort(mp *McpPort) error {
	role, err := mcp23017.ParseRole(mp.Role)
	if err != nil {
		return errors.Wrapf(err, "port %s", mp.Name)
	}
	sub, err := mcp23017.ParseSubPort(mp.SubPort)
	if err != nil {
		return errors.Wrapf(err, "port %s", mp.Name)
	}

	mp.port, err = mcp23017.New(mcp.bus, mp.Address, sub, role,
		mcp23017.WithLogger(mcp.logger.With("port", mp.Name)))
	if err != nil {
		return errors.Wrapf(err, "failed to configure port %s", mp.Name)
	}
	return nil
}

// StartPolling starts a poller for every sensor port. Per-port interval
// wins over the driver interval, which wins over fallback.
func (mcp *McpIO) StartPolling(ctx context.Context, fallback time.Duration) error {
	if !mcp.IsReady() {
		return errors.New("mcpio driver not ready")
	}

	interval := fallback
	if len(mcp.PollInterval) > 0 {
		var err error
		interval, err = time.ParseDuration(mcp.PollInterval)
		if err != nil {
			return errors.Wrap(err, "failed to parse poll interval")
		}
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for _, mp := range mcp.Ports {
		if mp.IsRelay() {
			continue
		}
		every, err := mp.pollInterval(interval)
		if err != nil {
			return errors.Wrapf(err, "port %s: failed to parse poll interval", mp.Name)
		}

		poller, err := mp.port.Poll(ctx, every)
		if err != nil {
			return errors.Wrapf(err, "port %s: failed to start polling", mp.Name)
		}

		mcp.lock.Lock()
		mcp.pollers = append(mcp.pollers, poller)
		mcp.lock.Unlock()

		mcp.logger.Debug("polling started", "port", mp.Name, "interval", every)
	}

	return nil
}

// Sim returns the simulated transport when Bus is "sim".
func (mcp *McpIO) Sim() *i2cbus.Sim {
	return mcp.sim
}

func (mcp *McpIO) GetPort(name string) (*McpPort, error) {
	for _, mp := range mcp.Ports {
		if strings.EqualFold(mp.Name, name) {
			if mp.port == nil {
				return nil, errors.Errorf("port %s not set up", name)
			}
			return mp, nil
		}
	}
	return nil, errors.Errorf("port %s not found", name)
}

func (mcp *McpIO) GetInput(port string, pin int) (DigitalInput, error) {
	mp, err := mcp.GetPort(port)
	if err != nil {
		return nil, err
	}
	if mp.IsRelay() {
		return nil, errors.Errorf("port %s is not a contact port", port)
	}
	if pin < 1 || pin > mcp23017.PinCount {
		return nil, errors.Wrapf(mcp23017.ErrInvalidPin, "input %s/%d", port, pin)
	}
	return &McpInput{port: mp, pin: pin}, nil
}

func (mcp *McpIO) GetOutput(port string, pin int) (DigitalOutput, error) {
	mp, err := mcp.GetPort(port)
	if err != nil {
		return nil, err
	}
	if !mp.IsRelay() {
		return nil, errors.Errorf("port %s is not a relay port", port)
	}
	if pin < 1 || pin > mcp23017.PinCount {
		return nil, errors.Wrapf(mcp23017.ErrInvalidPin, "output %s/%d", port, pin)
	}
	return &McpOutput{port: mp, pin: pin}, nil
}

func (mcp *McpIO) GetAllIo() (inputs []PinRef, outputs []PinRef) {
	for _, mp := range mcp.Ports {
		if mp.port == nil {
			continue
		}
		if mp.IsRelay() {
			outputs = append(outputs, mp.PinRefs()...)
		} else {
			inputs = append(inputs, mp.PinRefs()...)
		}
	}
	return
}

// Close stops polling and releases the bus. Relay outputs keep their state
// in the chip latches.
func (mcp *McpIO) Close() error {
	mcp.lock.Lock()
	pollers := mcp.pollers
	mcp.pollers = nil
	mcp.isReady = false
	mcp.lock.Unlock()

	for _, poller := range pollers {
		poller.Stop()
	}

	if mcp.bus == nil {
		return nil
	}
	return mcp.bus.Close()
}
