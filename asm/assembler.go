package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"shardvm/opcode"
)

// literalKind distinguishes the three operand shapes an instruction can
// carry, mirroring libshardc/src/instruction.rs's Literal enum.
type literalKind int

const (
	literalNone literalKind = iota
	literalConst
	literalAddress
	literalLabel
)

type literal struct {
	kind  literalKind
	const_ byte
	addr  uint16
	label string
}

type instruction struct {
	op  opcode.Opcode
	lit literal
}

type global struct {
	name  string
	bytes []byte
}

// ParseError reports a malformed assembly line, with the 1-based line
// number it came from.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Assemble parses lines (already preprocessed — no #import directives
// remain) and returns the encoded image. Duplicate label/global names and
// unresolved label references are reported as DuplicateLabelError /
// UnknownLabelError; malformed lines as *ParseError.
func Assemble(lines []string) ([]byte, error) {
	var (
		stream  []instruction
		globals []global
		defined = make(map[string]bool)
	)

	for i, raw := range lines {
		lineNo := i + 1
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		tokens := strings.Fields(line)
		first := tokens[0]

		if strings.HasSuffix(first, ":") {
			name := strings.TrimSuffix(first, ":")
			if defined[name] {
				return nil, errors.Wrapf(&DuplicateLabelError{Name: name}, "line %d", lineNo)
			}
			defined[name] = true

			if len(tokens) == 1 {
				stream = append(stream, instruction{op: opcode.Label, lit: literal{kind: literalLabel, label: name}})
				continue
			}

			bytes, err := parseHexBytes(tokens[1:], lineNo)
			if err != nil {
				return nil, err
			}
			globals = append(globals, global{name: name, bytes: bytes})
			continue
		}

		op, ok := opcode.FromMnemonic(first)
		if !ok {
			return nil, &ParseError{Line: lineNo, Reason: "invalid keyword"}
		}

		inst := instruction{op: op}
		switch op.Arity() {
		case opcode.Bare:
			// Trailing tokens are ignored, matching the reference behavior.
		case opcode.U8:
			if len(tokens) < 2 {
				return nil, &ParseError{Line: lineNo, Reason: "value is not a hex number"}
			}
			v, err := parseHexByte(tokens[1])
			if err != nil {
				return nil, &ParseError{Line: lineNo, Reason: err.Error()}
			}
			inst.lit = literal{kind: literalConst, const_: v}
		case opcode.U16:
			if len(tokens) < 2 {
				return nil, &ParseError{Line: lineNo, Reason: "missing operand"}
			}
			operand := tokens[1]
			if strings.HasPrefix(operand, "0x") {
				v, err := parseHexU16(operand)
				if err != nil {
					return nil, &ParseError{Line: lineNo, Reason: err.Error()}
				}
				inst.lit = literal{kind: literalAddress, addr: v}
			} else {
				inst.lit = literal{kind: literalLabel, label: operand}
			}
		}
		stream = append(stream, inst)
	}

	e := NewEmitter()
	for _, inst := range stream {
		if inst.op == opcode.Label {
			if err := e.DefineLabel(inst.lit.label); err != nil {
				return nil, err
			}
			continue
		}

		e.EmitByte(byte(inst.op))
		switch inst.lit.kind {
		case literalNone:
		case literalConst:
			e.EmitByte(inst.lit.const_)
		case literalAddress:
			e.EmitU16(inst.lit.addr)
		case literalLabel:
			e.EmitPatch(inst.lit.label)
		}
	}

	for _, g := range globals {
		if err := e.DefineGlobal(g.name, g.bytes); err != nil {
			return nil, err
		}
	}

	return e.Finalize()
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func parseHexByte(tok string) (byte, error) {
	v, err := parseHexLiteral(tok, 8)
	if err != nil {
		return 0, errors.New("value is not a hex number")
	}
	return byte(v), nil
}

func parseHexU16(tok string) (uint16, error) {
	v, err := parseHexLiteral(tok, 16)
	if err != nil {
		return 0, errors.New("value is not a hex number")
	}
	return uint16(v), nil
}

func parseHexLiteral(tok string, bits int) (uint64, error) {
	if !strings.HasPrefix(tok, "0x") {
		return 0, fmt.Errorf("value is not a hex number")
	}
	return strconv.ParseUint(tok[2:], 16, bits)
}

func parseHexBytes(tokens []string, lineNo int) ([]byte, error) {
	out := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		v, err := parseHexByte(tok)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Reason: err.Error()}
		}
		out = append(out, v)
	}
	return out, nil
}
