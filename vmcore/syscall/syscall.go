// Package syscall names the host-side stack protocol the reference
// runner uses for the VM's `sys` instruction (shardclr/src/syscalls.rs):
// the VM core itself never interprets these values, it only yields
// control to the host callback on `sys`.
package syscall

// ID identifies which host operation a sys instruction is requesting.
type ID byte

const (
	// Read requests the host read bytes into the guest's memory. Not
	// wired to a concrete host operation by the default handler; kept
	// for protocol completeness with the reference host.
	Read ID = 0x00
	// Write requests the host write size bytes starting at a data
	// address to a numbered output stream.
	Write ID = 0x01
)

// WriteArgs is the stack-protocol argument shape for a Write syscall, in
// the order the default host handler pops them: syscall id first (already
// consumed by the caller to dispatch), then size, then data address, then
// output index.
type WriteArgs struct {
	Size        byte
	DataAddress uint16
	OutputIndex byte
}

// Popper is the minimal stack surface a syscall handler needs from the
// VM; *vmcore.VM satisfies it through its exported PopByte and
// PopAddress methods.
type Popper interface {
	PopByte() (byte, error)
	PopAddress() (uint16, error)
}

// PopWriteArgs reads a Write syscall's arguments off the data stack in
// the reference protocol's order: size, then data address, then output
// index.
func PopWriteArgs(p Popper) (WriteArgs, error) {
	size, err := p.PopByte()
	if err != nil {
		return WriteArgs{}, err
	}
	addr, err := p.PopAddress()
	if err != nil {
		return WriteArgs{}, err
	}
	outputIndex, err := p.PopByte()
	if err != nil {
		return WriteArgs{}, err
	}
	return WriteArgs{Size: size, DataAddress: addr, OutputIndex: outputIndex}, nil
}
