package mcpkit

import (
	"fmt"
	"hash/fnv"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers"
)

// ContactSensor exposes an input pin as a HomeKit contact sensor. A low pin
// means a closed contact.
type ContactSensor struct {
	ref   drivers.PinRef
	input drivers.DigitalInput

	hkAccessory *accessory.A
	hkService   *service.ContactSensor
}

func contactState(level bool) int {
	if level {
		return characteristic.ContactSensorStateContactNotDetected
	}
	return characteristic.ContactSensorStateContactDetected
}

func NewContactSensor(ref drivers.PinRef, input drivers.DigitalInput) (*ContactSensor, error) {
	initState, err := input.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed reading state")
	}

	cs := &ContactSensor{ref: ref, input: input}

	info := accessory.Info{
		Name:         ref.Name,
		SerialNumber: fmt.Sprintf("contact:%s:%02d", ref.Port, ref.Pin),
	}
	cs.hkAccessory = accessory.New(info, accessory.TypeSensor)
	cs.hkService = service.NewContactSensor()
	cs.hkAccessory.AddS(cs.hkService.S)
	cs.hkService.ContactSensorState.SetValue(contactState(initState))

	input.SubscribeToChange(func(level bool) {
		cs.hkService.ContactSensorState.SetValue(contactState(level))
	})

	return cs, nil
}

func (cs *ContactSensor) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("ContactSensor_" + cs.ref.String()))
	return hash.Sum64()
}

func (cs *ContactSensor) GetHk() *accessory.A {
	return cs.hkAccessory
}

// Closed reports the state last pushed to HomeKit.
func (cs *ContactSensor) Closed() bool {
	return cs.hkService.ContactSensorState.Value() == characteristic.ContactSensorStateContactDetected
}

func (cs *ContactSensor) Sync() error {
	level, err := cs.input.GetState()
	if err != nil {
		return err
	}
	cs.hkService.ContactSensorState.SetValue(contactState(level))
	return nil
}
