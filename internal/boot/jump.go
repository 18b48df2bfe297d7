package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/iapboot/internal/flash"
)

// StackCheck is the plausibility test for the initial stack pointer at the
// start of a vector table: sp&Mask must equal RAMBase.
type StackCheck struct {
	RAMBase uint32
	Mask    uint32
}

// DefaultStackCheck accepts stack pointers in the first 128 KiB of SRAM.
func DefaultStackCheck() StackCheck {
	return StackCheck{RAMBase: 0x20000000, Mask: 0x2FFE0000}
}

// Plausible reports whether sp looks like a stack pointer in RAM.
func (c StackCheck) Plausible(sp uint32) bool {
	return sp&c.Mask == c.RAMBase
}

// Descriptor is a validated jump target: the first two words of the
// application's vector table.
type Descriptor struct {
	Address      uint32
	StackPointer uint32
	Entry        uint32
}

func (d Descriptor) String() string {
	return fmt.Sprintf("vector table 0x%08X: sp=0x%08X entry=0x%08X", d.Address, d.StackPointer, d.Entry)
}

// IntegrityError reports a vector table whose stack pointer is implausible.
type IntegrityError struct {
	Address      uint32
	StackPointer uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("no valid application at 0x%08X: stack pointer 0x%08X outside RAM", e.Address, e.StackPointer)
}

// Jumper transfers control to an application. On hardware it loads the
// stack pointer, branches to Entry and never returns.
type Jumper interface {
	Jump(d Descriptor)
}

// Resetter restarts the device. On hardware it never returns.
type Resetter interface {
	Reset()
}

// CheckVector reads the vector table at addr and returns a Descriptor if its
// stack pointer is plausible.
func CheckVector(f flash.ProgramFlash, addr uint32, check StackCheck) (Descriptor, error) {
	var words [8]byte
	if err := f.Read(addr, words[:]); err != nil {
		return Descriptor{}, fmt.Errorf("read vector table: %w", err)
	}

	sp := binary.LittleEndian.Uint32(words[0:4])
	if !check.Plausible(sp) {
		return Descriptor{}, &IntegrityError{Address: addr, StackPointer: sp}
	}

	return Descriptor{
		Address:      addr,
		StackPointer: sp,
		Entry:        binary.LittleEndian.Uint32(words[4:8]),
	}, nil
}
