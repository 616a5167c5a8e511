package mcp23017

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

const sensorAddr uint16 = 0x21
const relayAddr uint16 = 0x20

// sensorSetupB is the exact construction sequence of a sensor port on sub-port B.
func sensorSetupB(addr uint16) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{0x0A, 0x22}},
		{Addr: addr, W: []byte{0x01, 0xFF}},
		{Addr: addr, W: []byte{0x0D, 0xFF}},
		{Addr: addr, W: []byte{0x03, 0x00}},
	}
}

func relaySetupA(addr uint16) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{0x0A, 0x22}},
		{Addr: addr, W: []byte{0x00, 0x00}},
		{Addr: addr, W: []byte{0x12, 0xFF}},
	}
}

// registerBus keeps a register file per address and fails on demand.
type registerBus struct {
	lock   sync.Mutex
	regs   map[uint16]*[0x16]byte
	writes int
	failOn Register
	err    error
}

func newRegisterBus() *registerBus {
	return &registerBus{regs: map[uint16]*[0x16]byte{}}
}

func (rb *registerBus) Tx(addr uint16, w, r []byte) error {
	rb.lock.Lock()
	defer rb.lock.Unlock()

	if rb.err != nil && Register(w[0]) == rb.failOn {
		return rb.err
	}
	regs, ok := rb.regs[addr]
	if !ok {
		regs = &[0x16]byte{}
		rb.regs[addr] = regs
	}
	if len(w) == 2 {
		regs[w[0]] = w[1]
		rb.writes++
	}
	if len(r) == 1 {
		r[0] = regs[w[0]]
	}
	return nil
}

func (rb *registerBus) set(addr uint16, reg Register, value byte) {
	rb.lock.Lock()
	defer rb.lock.Unlock()

	rb.regs[addr][reg] = value
}

func (rb *registerBus) get(addr uint16, reg Register) byte {
	rb.lock.Lock()
	defer rb.lock.Unlock()

	return rb.regs[addr][reg]
}

// gatedBus holds the first GPIO read until release is closed.
type gatedBus struct {
	*registerBus

	lock    sync.Mutex
	reads   int
	entered chan struct{}
	release chan struct{}
}

func newGatedBus() *gatedBus {
	return &gatedBus{
		registerBus: newRegisterBus(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (gb *gatedBus) Tx(addr uint16, w, r []byte) error {
	if len(r) > 0 {
		gb.lock.Lock()
		gb.reads++
		first := gb.reads == 1
		gb.lock.Unlock()

		if first {
			close(gb.entered)
			<-gb.release
		}
	}
	return gb.registerBus.Tx(addr, w, r)
}

func (gb *gatedBus) readCount() int {
	gb.lock.Lock()
	defer gb.lock.Unlock()

	return gb.reads
}

func assertBytes(t testing.TB, got, want uint8) {
	t.Helper()

	if got != want {
		t.Errorf("got 0x%02x want 0x%02x", got, want)
	}
}

func closePlayback(t testing.TB, pb *i2ctest.Playback) {
	t.Helper()

	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestNewSensorPort(t *testing.T) {
	pb := &i2ctest.Playback{Ops: sensorSetupB(sensorAddr)}

	port, err := New(pb, sensorAddr, PortB, RoleSensorInput)
	if err != nil {
		t.Fatal(err)
	}
	closePlayback(t, pb)

	assertBytes(t, port.Current(), 0xFF)
	assertBytes(t, port.Direction(), 0xFF)
	assertBytes(t, port.PullUp(), 0xFF)
	assertBytes(t, port.Polarity(), 0x00)

	if port.Role() != RoleSensorInput || port.SubPort() != PortB || port.Address() != sensorAddr {
		t.Errorf("unexpected port identity %s %s", port, port.Role())
	}
}

func TestNewRelayPort(t *testing.T) {
	pb := &i2ctest.Playback{Ops: relaySetupA(relayAddr)}

	port, err := New(pb, relayAddr, PortA, RoleRelayOutput)
	if err != nil {
		t.Fatal(err)
	}
	closePlayback(t, pb)

	assertBytes(t, port.Current(), 0xFF)
	assertBytes(t, port.Direction(), 0x00)
}

func TestNewInvalid(t *testing.T) {
	t.Run("role", func(t *testing.T) {
		pb := &i2ctest.Playback{}
		_, err := New(pb, relayAddr, PortA, Role(0))
		if !errors.Is(err, ErrInvalidRole) {
			t.Errorf("got %v want ErrInvalidRole", err)
		}
		_, err = New(pb, relayAddr, PortA, Role(7))
		if !errors.Is(err, ErrInvalidRole) {
			t.Errorf("got %v want ErrInvalidRole", err)
		}
	})

	t.Run("sub-port", func(t *testing.T) {
		_, err := New(&i2ctest.Playback{}, relayAddr, SubPort(2), RoleRelayOutput)
		if !errors.Is(err, ErrInvalidSubPort) {
			t.Errorf("got %v want ErrInvalidSubPort", err)
		}
	})

	t.Run("address", func(t *testing.T) {
		_, err := New(&i2ctest.Playback{}, 0x80, PortA, RoleRelayOutput)
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("got %v want ErrInvalidAddress", err)
		}
	})

	t.Run("transport", func(t *testing.T) {
		bus := newRegisterBus()
		bus.failOn = GPPUA
		bus.err = errors.New("nack")

		_, err := New(bus, sensorAddr, PortA, RoleSensorInput)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("got %v want TransportError", err)
		}
		if te.Register != GPPUA || !errors.Is(err, bus.err) {
			t.Errorf("unexpected transport error %v", te)
		}
	})
}

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"contact": RoleSensorInput,
		"Sensor":  RoleSensorInput,
		"relay":   RoleRelayOutput,
		" output": RoleRelayOutput,
	}
	for in, want := range tests {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %v, %v want %v", in, got, err, want)
		}
	}

	_, err := ParseRole("blinds")
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("got %v want ErrInvalidRole", err)
	}
}

func TestParseSubPort(t *testing.T) {
	for in, want := range map[string]SubPort{"a": PortA, "B": PortB, "0": PortA, "1": PortB} {
		got, err := ParseSubPort(in)
		if err != nil || got != want {
			t.Errorf("ParseSubPort(%q) = %v, %v want %v", in, got, err, want)
		}
	}

	_, err := ParseSubPort("C")
	if !errors.Is(err, ErrInvalidSubPort) {
		t.Errorf("got %v want ErrInvalidSubPort", err)
	}
}

func TestToggleRelay(t *testing.T) {
	ops := append(relaySetupA(relayAddr),
		i2ctest.IO{Addr: relayAddr, W: []byte{0x12, 0xFB}},
		i2ctest.IO{Addr: relayAddr, W: []byte{0x12, 0xFF}},
	)
	pb := &i2ctest.Playback{Ops: ops}

	port, err := New(pb, relayAddr, PortA, RoleRelayOutput)
	if err != nil {
		t.Fatal(err)
	}

	err = port.ToggleRelay(3, true)
	if err != nil {
		t.Fatal(err)
	}
	assertBytes(t, port.Current(), 0xFB)

	on, _ := port.RelayState(3)
	if !on {
		t.Error("relay 3 should be asserted")
	}

	err = port.ToggleRelay(3, false)
	if err != nil {
		t.Fatal(err)
	}
	assertBytes(t, port.Current(), 0xFF)
	closePlayback(t, pb)
}

func TestToggleRelayRoundTrip(t *testing.T) {
	bus := newRegisterBus()
	port, err := New(bus, relayAddr, PortB, RoleRelayOutput)
	if err != nil {
		t.Fatal(err)
	}

	for start := 0; start <= 0xFF; start++ {
		for pin := 1; pin <= PinCount; pin++ {
			err = port.WritePort(uint8(start))
			if err != nil {
				t.Fatal(err)
			}
			_ = port.ToggleRelay(pin, true)
			_ = port.ToggleRelay(pin, false)
			if port.Current() != uint8(start)|1<<(pin-1) {
				t.Fatalf("pin %d from 0x%02x: got 0x%02x", pin, start, port.Current())
			}

			err = port.WritePort(uint8(start))
			if err != nil {
				t.Fatal(err)
			}
			_ = port.ToggleRelay(pin, false)
			_ = port.ToggleRelay(pin, true)
			if port.Current() != uint8(start)&^(1<<(pin-1)) {
				t.Fatalf("pin %d from 0x%02x: got 0x%02x", pin, start, port.Current())
			}
		}
	}

	assertBytes(t, bus.get(relayAddr, GPIOB), port.Current())
}

// Assert then release restores every start byte whose pin was released.
func TestToggleRelayRestoresStart(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, relayAddr, PortA, RoleRelayOutput)

	for start := 0; start <= 0xFF; start++ {
		for pin := 1; pin <= PinCount; pin++ {
			_ = port.WritePort(uint8(start))
			if BitLevel(uint8(start), uint8(pin-1)) {
				_ = port.ToggleRelay(pin, true)
				_ = port.ToggleRelay(pin, false)
				assertBytes(t, port.Current(), uint8(start))
			}
		}
	}
}

func TestToggleRelayInvalidPin(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, relayAddr, PortA, RoleRelayOutput)
	writes := bus.writes

	for _, pin := range []int{0, 9, -1} {
		if err := port.ToggleRelay(pin, true); !errors.Is(err, ErrInvalidPin) {
			t.Errorf("pin %d: got %v want ErrInvalidPin", pin, err)
		}
	}
	if bus.writes != writes {
		t.Error("invalid pin must not touch the bus")
	}
}

func TestWritePortFailureKeepsCache(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, relayAddr, PortA, RoleRelayOutput)

	bus.failOn = GPIOA
	bus.err = errors.New("bus stuck")

	err := port.ToggleRelay(1, true)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %v want TransportError", err)
	}
	assertBytes(t, port.Current(), 0xFF)
}

func TestPollOnce(t *testing.T) {
	ops := append(sensorSetupB(sensorAddr),
		i2ctest.IO{Addr: sensorAddr, W: []byte{0x13}, R: []byte{0xFE}},
		i2ctest.IO{Addr: sensorAddr, W: []byte{0x13}, R: []byte{0xFE}},
	)
	pb := &i2ctest.Playback{Ops: ops}

	port, err := New(pb, sensorAddr, PortB, RoleSensorInput)
	if err != nil {
		t.Fatal(err)
	}

	events := []ChangeSet{}
	port.OnChange(func(cs ChangeSet) {
		events = append(events, cs)
	})

	changes, err := port.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	assertChangeSets(t, changes, ChangeSet{1: false})

	changes, err = port.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Errorf("second poll should not change, got %v", changes)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events want 1", len(events))
	}
	assertChangeSets(t, events[0], ChangeSet{1: false})
	assertBytes(t, port.Current(), 0xFE)
	closePlayback(t, pb)
}

func TestPollOnceTransportError(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, sensorAddr, PortA, RoleSensorInput)

	emitted := false
	port.OnChange(func(ChangeSet) { emitted = true })

	bus.failOn = GPIOA
	bus.err = errors.New("nack")

	_, err := port.PollOnce()
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("got %v want read TransportError", err)
	}
	if emitted {
		t.Error("failed read must not emit")
	}
	assertBytes(t, port.Current(), 0xFF)
}

func TestNotifierOrder(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, sensorAddr, PortA, RoleSensorInput)

	var reported []error
	port.OnError(func(err error) { reported = append(reported, err) })

	order := []string{}
	lateCalls := 0
	port.OnChange(func(cs ChangeSet) {
		order = append(order, "first")
		cs[5] = true
		port.OnChange(func(ChangeSet) { lateCalls++ })
	})
	port.OnChange(func(ChangeSet) {
		order = append(order, "panics")
		panic("boom")
	})
	port.OnChange(func(cs ChangeSet) {
		order = append(order, "last")
		assertChangeSets(t, cs, ChangeSet{2: false})
	})

	bus.set(sensorAddr, GPIOA, 0xFD)
	_, err := port.PollOnce()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"first", "panics", "last"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("got %v want %v", order, want)
		}
	}
	if lateCalls != 0 {
		t.Error("handler added during delivery must not receive that delivery")
	}
	if len(reported) != 1 {
		t.Errorf("got %d reported errors want 1", len(reported))
	}
}

func TestPoll(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, sensorAddr, PortB, RoleSensorInput)

	changes := make(chan ChangeSet, 4)
	port.OnChange(func(cs ChangeSet) { changes <- cs })

	bus.set(sensorAddr, GPIOB, 0x7F)

	poller, err := port.Poll(context.Background(), 2*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	_, err = port.Poll(context.Background(), time.Millisecond)
	if !errors.Is(err, ErrAlreadyPolling) {
		t.Errorf("got %v want ErrAlreadyPolling", err)
	}

	select {
	case cs := <-changes:
		assertChangeSets(t, cs, ChangeSet{8: false})
	case <-time.After(time.Second):
		t.Fatal("no change received")
	}

	poller.Stop()
	select {
	case <-poller.Done():
	default:
		t.Error("poller not done after Stop")
	}

	bus.set(sensorAddr, GPIOB, 0x00)
	time.Sleep(10 * time.Millisecond)
	select {
	case cs := <-changes:
		t.Errorf("change %v after Stop", cs)
	default:
	}

	poller, err = port.Poll(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	poller.Stop()
}

func TestPollErrorsKeepLoopRunning(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, sensorAddr, PortA, RoleSensorInput)

	errs := make(chan error, 16)
	port.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	changes := make(chan ChangeSet, 1)
	port.OnChange(func(cs ChangeSet) {
		select {
		case changes <- cs:
		default:
		}
	})

	bus.lock.Lock()
	bus.failOn = GPIOA
	bus.err = errors.New("glitch")
	bus.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	poller, err := port.Poll(ctx, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		var te *TransportError
		if !errors.As(err, &te) {
			t.Errorf("got %v want TransportError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}

	bus.lock.Lock()
	bus.regs[sensorAddr][GPIOA] = 0xEF
	bus.err = nil
	bus.lock.Unlock()

	select {
	case cs := <-changes:
		assertChangeSets(t, cs, ChangeSet{5: false})
	case <-time.After(time.Second):
		t.Fatal("loop stopped after error")
	}

	cancel()
	select {
	case <-poller.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancel")
	}
}

func TestPollStopWaitsForInFlightRead(t *testing.T) {
	bus := newGatedBus()
	port, err := New(bus, sensorAddr, PortA, RoleSensorInput)
	if err != nil {
		t.Fatal(err)
	}

	poller, err := port.Poll(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-bus.entered:
	case <-time.After(time.Second):
		t.Fatal("no read issued")
	}

	stopped := make(chan struct{})
	go func() {
		poller.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a read was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(bus.release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the read finished")
	}

	time.Sleep(10 * time.Millisecond)
	if reads := bus.readCount(); reads != 1 {
		t.Errorf("got %d reads want 1, poll continued after Stop", reads)
	}
}

func TestPollCancelFromHandler(t *testing.T) {
	bus := newRegisterBus()
	port, _ := New(bus, sensorAddr, PortB, RoleSensorInput)

	var poller *Poller
	ready := make(chan struct{})
	port.OnChange(func(cs ChangeSet) {
		<-ready
		poller.Cancel()
	})

	bus.set(sensorAddr, GPIOB, 0xFE)

	var err error
	poller, err = port.Poll(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	close(ready)

	select {
	case <-poller.Done():
	case <-time.After(time.Second):
		t.Fatal("poller not done after Cancel from handler")
	}
}

func TestPollInvalidInterval(t *testing.T) {
	port, _ := New(newRegisterBus(), sensorAddr, PortA, RoleSensorInput)

	_, err := port.Poll(context.Background(), 0)
	if !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("got %v want ErrInvalidPeriod", err)
	}
}
