// Package asm implements the single-pass assembler: emitter, instruction
// parser, and #import preprocessor.
package asm

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Emitter accumulates an output image byte-by-byte and resolves forward
// label references at Finalize time. It mirrors the Rust reference's
// Context/Code/Instruction split (lib_shardc/src/context.rs,
// libshardc/src/instruction.rs): labels are recorded as they are defined,
// two-byte holes are left for references that can't be resolved yet, and
// every hole is patched once the whole program has been emitted.
type Emitter struct {
	buf     []byte
	labels  map[string]uint16
	patches map[uint16]string
}

// NewEmitter returns an empty emitter ready to accept bytes.
func NewEmitter() *Emitter {
	return &Emitter{
		labels:  make(map[string]uint16),
		patches: make(map[uint16]string),
	}
}

// Len reports the number of bytes emitted so far. This doubles as the
// address the next emitted byte will land at.
func (e *Emitter) Len() uint16 {
	return uint16(len(e.buf))
}

// EmitByte appends a single byte to the image.
func (e *Emitter) EmitByte(b byte) {
	e.buf = append(e.buf, b)
}

// EmitBytes appends a run of bytes, e.g. a global's initial value.
func (e *Emitter) EmitBytes(bs []byte) {
	e.buf = append(e.buf, bs...)
}

// EmitU16 appends a fully-known little-endian address. Use EmitPatch
// instead when the address isn't known yet (a forward label reference).
func (e *Emitter) EmitU16(v uint16) {
	e.buf = append(e.buf, byte(v), byte(v>>8))
}

// DefineLabel records name as resolving to the current address. Returns
// DuplicateLabel if name was already defined.
func (e *Emitter) DefineLabel(name string) error {
	if _, ok := e.labels[name]; ok {
		return &DuplicateLabelError{Name: name}
	}
	e.labels[name] = e.Len()
	return nil
}

// DefineGlobal reserves space for a named byte blob and records its
// address, mirroring libshardc/src/glob.rs's Glob::encode. Returns
// DuplicateLabel if name collides with an existing label or global.
func (e *Emitter) DefineGlobal(name string, value []byte) error {
	if err := e.DefineLabel(name); err != nil {
		return err
	}
	e.EmitBytes(value)
	return nil
}

// EmitPatch reserves two bytes at the current address for a label
// reference that will be resolved at Finalize time, and advances the
// cursor past the hole.
func (e *Emitter) EmitPatch(label string) {
	e.patches[e.Len()] = label
	e.buf = append(e.buf, 0, 0)
}

// Finalize resolves every pending patch against the label table and
// returns the completed image. Patches are applied in ascending offset
// order so output is reproducible regardless of map iteration order.
func (e *Emitter) Finalize() ([]byte, error) {
	offsets := make([]uint16, 0, len(e.patches))
	for off := range e.patches {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)

	for _, off := range offsets {
		label := e.patches[off]
		addr, ok := e.labels[label]
		if !ok {
			return nil, &UnknownLabelError{Name: label}
		}
		e.buf[off] = byte(addr)
		e.buf[off+1] = byte(addr >> 8)
	}
	return e.buf, nil
}

// DuplicateLabelError reports a label or global name defined more than once.
type DuplicateLabelError struct {
	Name string
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("duplicate label: %s", e.Name)
}

// UnknownLabelError reports a patch referencing a label that was never
// defined anywhere in the program.
type UnknownLabelError struct {
	Name string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown label: %s", e.Name)
}
