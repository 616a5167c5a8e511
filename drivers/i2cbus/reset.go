package i2cbus

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const defaultResetPulse = time.Millisecond
const resetSettleTime = 5 * time.Millisecond

// ResetPin is a Raspberry Pi GPIO wired to the active-low RESET line of
// the expanders.
type ResetPin struct {
	Pin   uint8
	Pulse time.Duration
}

// Reset holds RESET low for the pulse duration, restoring power-on register defaults.
func (rp ResetPin) Reset() error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open gpio")
	}
	defer rpio.Close()

	pulse := rp.Pulse
	if pulse <= 0 {
		pulse = defaultResetPulse
	}

	pin := rpio.Pin(rp.Pin)
	pin.Output()
	pin.Low()
	time.Sleep(pulse)
	pin.High()
	time.Sleep(resetSettleTime)

	return nil
}
