package drivers

import (
	"context"
	"fmt"
)

type IoDriver interface {
	Setup(ctx context.Context) error
	Close() error
	String() string
	IsReady() bool
	GetInput(port string, pin int) (DigitalInput, error)
	GetOutput(port string, pin int) (DigitalOutput, error)
	GetAllIo() (inputs []PinRef, outputs []PinRef)
}

type DigitalInput interface {
	GetState() (bool, error)
	SubscribeToChange(StateListener)
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error
}

// StateListener is called with the new state of a single input.
type StateListener func(state bool)

// PinRef names a pin of a configured port.
type PinRef struct {
	Port string
	Pin  int
	Name string
}

func (pr PinRef) String() string {
	return fmt.Sprintf("%s/%d", pr.Port, pr.Pin)
}
