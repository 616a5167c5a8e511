package mcp23017

import (
	"fmt"
	"sort"
	"strings"
)

// ChangeSet maps 1-based pin index to the new level of every pin that changed.
type ChangeSet map[int]bool

// Pins returns changed pins in ascending order.
func (cs ChangeSet) Pins() []int {
	pins := make([]int, 0, len(cs))
	for pin := range cs {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}

func (cs ChangeSet) clone() ChangeSet {
	c := make(ChangeSet, len(cs))
	for pin, level := range cs {
		c[pin] = level
	}
	return c
}

func (cs ChangeSet) String() string {
	parts := []string{}
	for _, pin := range cs.Pins() {
		parts = append(parts, fmt.Sprintf("%d:%t", pin, cs[pin]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// SetBit returns b with bit index (0-7) cleared when bit is 0 and set otherwise.
func SetBit(b uint8, index uint8, bit uint8) uint8 {
	if bit == 0 {
		return b &^ (1 << index)
	}
	return b | 1<<index
}

// BitLevel reports whether bit index (0-7) of b is set.
func BitLevel(b uint8, index uint8) bool {
	return b>>index&0x01 == 1
}

// DiffBytes compares both bytes LSB first. Every differing bit at index i is
// reported as pin i+1 with the level found in newByte.
func DiffBytes(newByte, oldByte uint8) ChangeSet {
	changes := ChangeSet{}
	diff := newByte ^ oldByte
	for i := uint8(0); i < PinCount; i++ {
		if BitLevel(diff, i) {
			changes[int(i)+1] = BitLevel(newByte, i)
		}
	}
	return changes
}
