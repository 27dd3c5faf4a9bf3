package riscv

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"
)

const (
	wfiInstruction = 0x10500073

	opcodeLoad  = 0x03
	opcodeStore = 0x23
)

// InstructionLength returns the length in bytes of the instruction whose
// low bits are given. Compressed instructions have their two low bits != 0b11.
func InstructionLength(inst uint64) uint64 {
	if inst&3 == 3 {
		return 4
	}

	return 2
}

// IsWFI reports whether inst is the wait-for-interrupt instruction.
func IsWFI(inst uint64) bool {
	return inst == wfiInstruction
}

// LoadDestination returns rd of a (transformed) load instruction. A
// transformed compressed instruction has bit 1 cleared.
func LoadDestination(inst uint64) (GPR, error) {
	if (inst|2)&0x7f != opcodeLoad {
		return Zero, fmt.Errorf("%#x is not a load instruction", inst)
	}

	return GPR((inst >> 7) & 31), nil
}

// StoreSource returns rs2 of a (transformed) store instruction.
func StoreSource(inst uint64) (GPR, error) {
	if (inst|2)&0x7f != opcodeStore {
		return Zero, fmt.Errorf("%#x is not a store instruction", inst)
	}

	return GPR((inst >> 20) & 31), nil
}

// Disassemble renders inst in GNU syntax for diagnostics.
func Disassemble(inst uint64) string {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], uint32(inst))

	n := InstructionLength(inst)

	i, err := riscv64asm.Decode(buf[:n])
	if err != nil {
		return fmt.Sprintf(".word %#08x", uint32(inst))
	}

	return riscv64asm.GNUSyntax(i)
}
