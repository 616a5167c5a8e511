package mcpkit

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers"
)

// RelayOutlet exposes a relay pin as a HomeKit outlet.
type RelayOutlet struct {
	State    bool
	IsFaulty bool

	ref      drivers.PinRef
	output   drivers.DigitalOutput
	onSwitch func(drivers.PinRef, bool)

	hk    *accessory.Outlet
	fault *characteristic.StatusFault

	lock sync.Mutex
}

func NewRelayOutlet(ref drivers.PinRef, output drivers.DigitalOutput, onSwitch func(drivers.PinRef, bool)) *RelayOutlet {
	ou := &RelayOutlet{
		ref:      ref,
		output:   output,
		onSwitch: onSwitch,
	}
	ou.State, _ = output.GetState()

	info := accessory.Info{
		Name:         ref.Name,
		SerialNumber: fmt.Sprintf("relay:%s:%02d", ref.Port, ref.Pin),
	}
	ou.hk = accessory.NewOutlet(info)
	ou.hk.Outlet.On.SetValue(ou.State)

	ou.fault = characteristic.NewStatusFault()
	ou.fault.SetValue(characteristic.StatusFaultNoFault)
	ou.hk.Outlet.AddC(ou.fault.C)

	ou.hk.Outlet.On.OnValueRemoteUpdate(ou.SetValue)
	return ou
}

func (ou *RelayOutlet) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Outlet_" + ou.ref.String()))
	return hash.Sum64()
}

func (ou *RelayOutlet) GetHk() *accessory.A {
	if ou.hk == nil {
		return nil
	}
	return ou.hk.A
}

// SetValue switches the relay, a failed write marks the outlet faulty.
func (ou *RelayOutlet) SetValue(state bool) {
	ou.lock.Lock()
	err := ou.output.Set(state)
	if err != nil {
		ou.IsFaulty = true
		ou.fault.SetValue(characteristic.StatusFaultGeneralFault)
		ou.lock.Unlock()
		return
	}
	ou.State = state
	ou.IsFaulty = false
	ou.fault.SetValue(characteristic.StatusFaultNoFault)
	ou.lock.Unlock()

	if ou.onSwitch != nil {
		ou.onSwitch(ou.ref, state)
	}
}

func (ou *RelayOutlet) Sync() error {
	ou.lock.Lock()
	defer ou.lock.Unlock()

	state, err := ou.output.GetState()
	if err != nil {
		return errors.Wrapf(err, "outlet %s sync failed", ou.ref)
	}

	if state != ou.State {
		ou.State = state
		ou.hk.Outlet.On.SetValue(state)
	}
	return nil
}
