package mcp23017

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRole    = errors.New("invalid port role")
	ErrInvalidSubPort = errors.New("invalid sub-port")
	ErrInvalidAddress = errors.New("invalid i2c address")
	ErrInvalidPin     = errors.New("pin out of range [1, 8]")
	ErrAlreadyPolling = errors.New("port is already polling")
	ErrInvalidPeriod  = errors.New("poll interval must be positive")
)

// TransportError is returned when a bus transaction of a Port fails.
type TransportError struct {
	Op       string
	Address  uint16
	Register Register
	Err      error
}

func (te *TransportError) Error() string {
	return fmt.Sprintf("mcp23017 0x%02x: %s %s: %v", te.Address, te.Op, te.Register, te.Err)
}

func (te *TransportError) Unwrap() error {
	return te.Err
}
