package vmcore

import (
	"errors"
	"math/bits"

	"github.com/rs/zerolog"

	"shardvm/opcode"
)

// Sentinel errors for the kinds named in §7. These are returned from the
// hot per-instruction path, so they stay package-level vars rather than
// wrapped struct types - no allocation on the fetch/decode/execute loop.
var (
	ErrUnknownOpcode         = errors.New("vmcore: unknown opcode")
	ErrStackOverflow         = errors.New("vmcore: stack overflow")
	ErrStackEmpty            = errors.New("vmcore: stack empty")
	ErrCallStackOverflow     = errors.New("vmcore: call stack overflow")
	ErrCallStackEmpty        = errors.New("vmcore: call stack empty")
	ErrDivisionByZero        = errors.New("vmcore: division by zero")
	ErrStackOffsetOutOfRange = errors.New("vmcore: stack offset out of range")
)

// Status is the outcome of a single iteration of the execute loop.
type Status int

const (
	// Continue means the loop should fetch the next instruction.
	Continue Status = iota
	// SysCall means the VM yielded to the host for a sys instruction.
	SysCall
	// Breakpoint means PC landed on a registered breakpoint after the
	// last instruction completed.
	Breakpoint
	// Done means the program ended (return with an empty call stack, or
	// the legacy itrpt opcode).
	Done
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case SysCall:
		return "syscall"
	case Breakpoint:
		return "breakpoint"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Callback is invoked by the run loop whenever execute_instruction yields
// SysCall or Breakpoint. It receives exclusive access to vm for the
// duration of the call and must complete synchronously before the loop
// resumes.
type Callback func(vm *VM, status Status)

// VM holds the full machine state: registers, the memory image, and the
// breakpoint set.
type VM struct {
	Memory *Memory

	PC      uint16
	SP      uint8
	CSP     uint8
	RegA    uint8
	RegB    uint8

	breakpoints map[uint16]bool

	// Logger receives one trace event per fetched instruction when
	// non-nil and its level is enabled. Disabled (zerolog.Nop()) by
	// default so tracing costs nothing unless the CLI turns it on.
	Logger zerolog.Logger
}

// New returns a VM over the given memory image with a fresh register
// file and no breakpoints.
func New(mem *Memory) *VM {
	vm := &VM{
		Memory:      mem,
		breakpoints: make(map[uint16]bool),
		Logger:      zerolog.Nop(),
	}
	vm.Reset()
	return vm
}

// Reset sets PC=0, SP=CSP=0xFF, A=B=0. Breakpoints are preserved.
func (vm *VM) Reset() {
	vm.PC = 0
	vm.SP = 0xFF
	vm.CSP = 0xFF
	vm.RegA = 0
	vm.RegB = 0
}

// SetBreakpoint registers addr as a breakpoint.
func (vm *VM) SetBreakpoint(addr uint16) {
	vm.breakpoints[addr] = true
}

// RemoveBreakpoint unregisters addr, reporting whether one was present.
func (vm *VM) RemoveBreakpoint(addr uint16) bool {
	_, ok := vm.breakpoints[addr]
	delete(vm.breakpoints, addr)
	return ok
}

// ClearBreakpoints removes every registered breakpoint.
func (vm *VM) ClearBreakpoints() {
	vm.breakpoints = make(map[uint16]bool)
}

// ExecuteUntilDone resets the VM then runs the loop to completion,
// invoking callback on every SysCall or Breakpoint yield.
func (vm *VM) ExecuteUntilDone(callback Callback) error {
	vm.Reset()
	return vm.ContinueExecution(callback)
}

// ContinueExecution runs the fetch/decode/execute loop without
// resetting, invoking callback on every SysCall or Breakpoint yield,
// until the program returns Done or a fatal error occurs.
func (vm *VM) ContinueExecution(callback Callback) error {
	for {
		status, err := vm.step()
		if err != nil {
			return err
		}

		switch status {
		case Done:
			return nil
		case SysCall, Breakpoint:
			if callback != nil {
				callback(vm, status)
			}
		}
	}
}

// Step fetches, decodes, and executes exactly one instruction, without
// invoking any callback. Used by interactive single-step debugging,
// where the host (not the VM) decides when to resume after a yield.
func (vm *VM) Step() (Status, error) {
	return vm.step()
}

// step fetches, decodes, and executes exactly one instruction, returning
// Continue unless the instruction yields SysCall/Breakpoint/Done, or a
// breakpoint is hit at the resulting PC.
func (vm *VM) step() (Status, error) {
	b := vm.Memory.ReadU8(vm.PC)
	op := opcode.Opcode(b)
	if !opcode.IsKnown(b) || op == opcode.Label {
		return Continue, ErrUnknownOpcode
	}
	vm.PC++

	vm.Logger.Trace().Uint16("pc", vm.PC-1).Str("op", op.String()).Msg("fetch")

	status, err := vm.execute(op)
	if err != nil {
		return Continue, err
	}
	if status == Done || status == SysCall {
		return status, nil
	}
	if vm.breakpoints[vm.PC] {
		return Breakpoint, nil
	}
	return Continue, nil
}

func (vm *VM) execute(op opcode.Opcode) (Status, error) {
	switch op {
	case opcode.Itrpt:
		return Done, nil

	case opcode.Nop:
		return Continue, nil

	case opcode.Push:
		v := vm.operandU8()
		if err := vm.push(v); err != nil {
			return Continue, err
		}

	case opcode.PushAddr:
		addr := vm.operandU16()
		if err := vm.pushAddr(addr); err != nil {
			return Continue, err
		}

	case opcode.Pop:
		if _, err := vm.pop(); err != nil {
			return Continue, err
		}

	case opcode.Jump:
		vm.PC = vm.operandU16()

	case opcode.JumpC:
		addr, err := vm.popAddr()
		if err != nil {
			return Continue, err
		}
		vm.PC = addr

	case opcode.Call:
		target := vm.operandU16()
		if err := vm.callStackPushAddr(vm.PC); err != nil {
			return Continue, err
		}
		vm.PC = target

	case opcode.Return:
		if vm.CSP == 0xFF {
			return Done, nil
		}
		addr, err := vm.callStackPopAddr()
		if err != nil {
			return Continue, err
		}
		vm.PC = addr

	case opcode.Sys:
		return SysCall, nil

	case opcode.StackGet:
		imm := vm.operandU8()
		v, err := vm.stackPeek(imm)
		if err != nil {
			return Continue, err
		}
		if err := vm.push(v); err != nil {
			return Continue, err
		}

	case opcode.StackSet:
		imm := vm.operandU8()
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		if err := vm.stackPoke(imm, v); err != nil {
			return Continue, err
		}

	case opcode.Load8:
		addr := vm.operandU16()
		if err := vm.push(vm.Memory.ReadU8(addr)); err != nil {
			return Continue, err
		}

	case opcode.Load8C:
		addr, err := vm.popAddr()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(vm.Memory.ReadU8(addr)); err != nil {
			return Continue, err
		}

	case opcode.Load16:
		addr := vm.operandU16()
		if err := vm.push(vm.Memory.ReadU8(addr + 1)); err != nil {
			return Continue, err
		}
		if err := vm.push(vm.Memory.ReadU8(addr)); err != nil {
			return Continue, err
		}

	case opcode.Load16C:
		addr, err := vm.popAddr()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(vm.Memory.ReadU8(addr + 1)); err != nil {
			return Continue, err
		}
		if err := vm.push(vm.Memory.ReadU8(addr)); err != nil {
			return Continue, err
		}

	case opcode.Store8:
		addr := vm.operandU16()
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		vm.Memory.WriteU8(addr, v)

	case opcode.Store8C:
		addr, err := vm.popAddr()
		if err != nil {
			return Continue, err
		}
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		vm.Memory.WriteU8(addr, v)

	case opcode.Store16:
		addr := vm.operandU16()
		msb, lsb, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		vm.Memory.WriteU8(addr, msb)
		vm.Memory.WriteU8(addr+1, lsb)

	case opcode.Store16C:
		addr, err := vm.popAddr()
		if err != nil {
			return Continue, err
		}
		msb, lsb, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		vm.Memory.WriteU8(addr, msb)
		vm.Memory.WriteU8(addr+1, lsb)

	case opcode.Eqz:
		target := vm.operandU16()
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		if v == 0 {
			vm.PC = target
		}

	case opcode.Eq, opcode.Ne, opcode.LtU, opcode.GtU, opcode.LeU, opcode.GeU,
		opcode.LtS, opcode.GtS, opcode.LeS, opcode.GeS:
		target := vm.operandU16()
		rhs, lhs, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if compare(op, lhs, rhs) {
			vm.PC = target
		}

	case opcode.Add:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a + b); err != nil {
			return Continue, err
		}

	case opcode.Sub:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a - b); err != nil {
			return Continue, err
		}

	case opcode.Mul:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a * b); err != nil {
			return Continue, err
		}

	case opcode.DivU:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if b == 0 {
			return Continue, ErrDivisionByZero
		}
		if err := vm.push(a / b); err != nil {
			return Continue, err
		}

	case opcode.RemU:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if b == 0 {
			return Continue, ErrDivisionByZero
		}
		if err := vm.push(a % b); err != nil {
			return Continue, err
		}

	case opcode.DivS:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if b == 0 {
			return Continue, ErrDivisionByZero
		}
		if err := vm.push(byte(divS(int8(a), int8(b)))); err != nil {
			return Continue, err
		}

	case opcode.RemS:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if b == 0 {
			return Continue, ErrDivisionByZero
		}
		if err := vm.push(byte(remS(int8(a), int8(b)))); err != nil {
			return Continue, err
		}

	case opcode.Pow:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(wrappingPow(a, uint32(b))); err != nil {
			return Continue, err
		}

	case opcode.Abs:
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(byte(absS(int8(v)))); err != nil {
			return Continue, err
		}

	case opcode.And:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a & b); err != nil {
			return Continue, err
		}

	case opcode.Or:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a | b); err != nil {
			return Continue, err
		}

	case opcode.Xor:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(a ^ b); err != nil {
			return Continue, err
		}

	case opcode.Shl:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(shl(a, b)); err != nil {
			return Continue, err
		}

	case opcode.ShrU:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(shrU(a, b)); err != nil {
			return Continue, err
		}

	case opcode.ShrS:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(byte(shrS(int8(a), b))); err != nil {
			return Continue, err
		}

	case opcode.Rotl:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(bits.RotateLeft8(a, int(b%8))); err != nil {
			return Continue, err
		}

	case opcode.Rotr:
		b, a, err := vm.pop2()
		if err != nil {
			return Continue, err
		}
		if err := vm.push(bits.RotateLeft8(a, -int(b%8))); err != nil {
			return Continue, err
		}

	case opcode.GetRegA:
		if err := vm.push(vm.RegA); err != nil {
			return Continue, err
		}

	case opcode.GetRegB:
		if err := vm.push(vm.RegB); err != nil {
			return Continue, err
		}

	case opcode.SetRegA:
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		vm.RegA = v

	case opcode.SetRegB:
		v, err := vm.pop()
		if err != nil {
			return Continue, err
		}
		vm.RegB = v

	default:
		return Continue, ErrUnknownOpcode
	}

	return Continue, nil
}

// PopByte pops and returns the top of the data stack. It is exported for
// host syscall handlers (see vmcore/syscall) that need to read a sys
// instruction's arguments off the stack during a callback.
func (vm *VM) PopByte() (byte, error) {
	return vm.pop()
}

// PopAddress pops a two-byte address off the data stack in push_addr
// order (MSB popped first). Exported for host syscall handlers.
func (vm *VM) PopAddress() (uint16, error) {
	return vm.popAddr()
}

func (vm *VM) operandU8() byte {
	v := vm.Memory.ReadU8(vm.PC)
	vm.PC++
	return v
}

func (vm *VM) operandU16() uint16 {
	lsb := vm.Memory.ReadU8(vm.PC)
	msb := vm.Memory.ReadU8(vm.PC + 1)
	vm.PC += 2
	return uint16(msb)<<8 | uint16(lsb)
}

func (vm *VM) push(v byte) error {
	if vm.SP == 0 {
		return ErrStackOverflow
	}
	vm.Memory.WriteU8(vm.Memory.StackBase()+uint16(vm.SP), v)
	vm.SP--
	return nil
}

func (vm *VM) pop() (byte, error) {
	if vm.SP == 0xFF {
		return 0, ErrStackEmpty
	}
	vm.SP++
	return vm.Memory.ReadU8(vm.Memory.StackBase() + uint16(vm.SP)), nil
}

// pop2 pops b (popped first, pushed last) then a (popped second, pushed
// first), matching the "a = pop, b = pop" convention from §4.6 where the
// left operand is whatever was pushed first.
func (vm *VM) pop2() (b, a byte, err error) {
	b, err = vm.pop()
	if err != nil {
		return 0, 0, err
	}
	a, err = vm.pop()
	if err != nil {
		return 0, 0, err
	}
	return b, a, nil
}

func (vm *VM) pushAddr(addr uint16) error {
	if err := vm.push(byte(addr)); err != nil {
		return err
	}
	if err := vm.push(byte(addr >> 8)); err != nil {
		return err
	}
	return nil
}

func (vm *VM) popAddr() (uint16, error) {
	msb, err := vm.pop()
	if err != nil {
		return 0, err
	}
	lsb, err := vm.pop()
	if err != nil {
		return 0, err
	}
	return uint16(msb)<<8 | uint16(lsb), nil
}

func (vm *VM) callStackPushAddr(addr uint16) error {
	if vm.CSP == 0 {
		return ErrCallStackOverflow
	}
	base := vm.Memory.CallStackBase()
	vm.Memory.WriteU8(base+uint16(vm.CSP), byte(addr))
	vm.CSP--
	if vm.CSP == 0 {
		return ErrCallStackOverflow
	}
	vm.Memory.WriteU8(base+uint16(vm.CSP), byte(addr>>8))
	vm.CSP--
	return nil
}

func (vm *VM) callStackPopAddr() (uint16, error) {
	if vm.CSP == 0xFF {
		return 0, ErrCallStackEmpty
	}
	base := vm.Memory.CallStackBase()
	vm.CSP++
	msb := vm.Memory.ReadU8(base + uint16(vm.CSP))
	if vm.CSP == 0xFF {
		return 0, ErrCallStackEmpty
	}
	vm.CSP++
	lsb := vm.Memory.ReadU8(base + uint16(vm.CSP))
	return uint16(msb)<<8 | uint16(lsb), nil
}

func (vm *VM) stackPeek(imm byte) (byte, error) {
	offset := uint16(vm.SP) + uint16(imm)
	if offset > 0xFF {
		return 0, ErrStackOffsetOutOfRange
	}
	return vm.Memory.ReadU8(vm.Memory.StackBase() + offset), nil
}

func (vm *VM) stackPoke(imm, v byte) error {
	offset := uint16(vm.SP) + uint16(imm)
	if offset > 0xFF {
		return ErrStackOffsetOutOfRange
	}
	vm.Memory.WriteU8(vm.Memory.StackBase()+offset, v)
	return nil
}

func compare(op opcode.Opcode, lhs, rhs byte) bool {
	switch op {
	case opcode.Eq:
		return lhs == rhs
	case opcode.Ne:
		return lhs != rhs
	case opcode.LtU:
		return lhs < rhs
	case opcode.GtU:
		return lhs > rhs
	case opcode.LeU:
		return lhs <= rhs
	case opcode.GeU:
		return lhs >= rhs
	case opcode.LtS:
		return int8(lhs) < int8(rhs)
	case opcode.GtS:
		return int8(lhs) > int8(rhs)
	case opcode.LeS:
		return int8(lhs) <= int8(rhs)
	case opcode.GeS:
		return int8(lhs) >= int8(rhs)
	default:
		return false
	}
}

func divS(a, b int8) int8 {
	if a == -128 && b == -1 {
		return -128
	}
	return a / b
}

func remS(a, b int8) int8 {
	if a == -128 && b == -1 {
		return 0
	}
	return a % b
}

func absS(v int8) int8 {
	if v == -128 {
		return -128
	}
	if v < 0 {
		return -v
	}
	return v
}

func wrappingPow(base byte, exp uint32) byte {
	result := byte(1)
	b := base
	e := exp
	for e > 0 {
		if e&1 == 1 {
			result *= b
		}
		b *= b
		e >>= 1
	}
	return result
}

func shl(a, rhs byte) byte {
	if rhs >= 8 {
		return 0
	}
	return a << rhs
}

func shrU(a, rhs byte) byte {
	if rhs >= 8 {
		return 0
	}
	return a >> rhs
}

func shrS(a int8, rhs byte) int8 {
	if rhs >= 8 {
		if a < 0 {
			return -1
		}
		return 0
	}
	return a >> rhs
}
