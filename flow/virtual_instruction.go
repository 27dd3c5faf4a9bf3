package flow

import (
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
)

// handleVirtualInstruction emulates wfi as a no-op. Other instructions
// trapping as virtual instructions are illegal in a confidential hart.
func handleVirtualInstruction(f *ConfidentialFlow) Exit {
	req := f.hart().VirtualInstructionRequest()

	f.logger().WithField("instruction", riscv.Disassemble(req.Instruction)).Debug("virtual instruction")

	if riscv.IsWFI(req.Instruction) {
		return f.ExitToConfidentialHart(transform.VirtualInstructionResult{Request: req})
	}

	return f.ExitToConfidentialHart(transform.InjectException{Cause: riscv.IllegalInstruction, Tval: req.Instruction})
}
