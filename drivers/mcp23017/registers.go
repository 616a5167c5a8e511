package mcp23017

// Register is a MCP23017 register address (IOCON.BANK = 0 layout).
type Register uint8

const (
	IODIRA   Register = 0x00
	IODIRB   Register = 0x01
	IPOLA    Register = 0x02
	IPOLB    Register = 0x03
	GPINTENA Register = 0x04
	GPINTENB Register = 0x05
	DEFVALA  Register = 0x06
	DEFVALB  Register = 0x07
	INTCONA  Register = 0x08
	INTCONB  Register = 0x09
	IOCONA   Register = 0x0A
	IOCONB   Register = 0x0B
	GPPUA    Register = 0x0C
	GPPUB    Register = 0x0D
	INTFA    Register = 0x0E
	INTFB    Register = 0x0F
	INTCAPA  Register = 0x10
	INTCAPB  Register = 0x11
	GPIOA    Register = 0x12
	GPIOB    Register = 0x13
	OLATA    Register = 0x14
	OLATB    Register = 0x15

	// IOCON is shared by both sub-ports, IOCONB mirrors it.
	IOCON = IOCONA
)

// IOCON bits written on every Port construction: SEQOP (no address
// auto-increment) and INTPOL.
const (
	ioconSeqOpDisable = 1 << 5
	ioconIntPolHigh   = 1 << 1

	configurationValue = ioconSeqOpDisable | ioconIntPolHigh
)

// Family groups the A and B variant of a register.
type Family uint8

const (
	Direction Family = iota
	Polarity
	InterruptEnable
	DefaultValue
	InterruptControl
	Configuration
	PullUp
	InterruptFlag
	InterruptCapture
	GPIO
	OutputLatch
)

var familyRegisters = [...][2]Register{
	Direction:        {IODIRA, IODIRB},
	Polarity:         {IPOLA, IPOLB},
	InterruptEnable:  {GPINTENA, GPINTENB},
	DefaultValue:     {DEFVALA, DEFVALB},
	InterruptControl: {INTCONA, INTCONB},
	Configuration:    {IOCONA, IOCONB},
	PullUp:           {GPPUA, GPPUB},
	InterruptFlag:    {INTFA, INTFB},
	InterruptCapture: {INTCAPA, INTCAPB},
	GPIO:             {GPIOA, GPIOB},
	OutputLatch:      {OLATA, OLATB},
}

var familyNames = [...]string{
	Direction:        "IODIR",
	Polarity:         "IPOL",
	InterruptEnable:  "GPINTEN",
	DefaultValue:     "DEFVAL",
	InterruptControl: "INTCON",
	Configuration:    "IOCON",
	PullUp:           "GPPU",
	InterruptFlag:    "INTF",
	InterruptCapture: "INTCAP",
	GPIO:             "GPIO",
	OutputLatch:      "OLAT",
}

// For returns the register address of the family for given sub-port.
func (f Family) For(sub SubPort) Register {
	return familyRegisters[f][sub]
}

func (f Family) String() string {
	if int(f) >= len(familyNames) {
		return "UNKNOWN"
	}
	return familyNames[f]
}

func (r Register) String() string {
	if r > OLATB {
		return "UNKNOWN"
	}
	name := Family(r / 2).String()
	if r == IOCONA || r == IOCONB {
		return name
	}
	if r%2 == 0 {
		return name + "A"
	}
	return name + "B"
}
