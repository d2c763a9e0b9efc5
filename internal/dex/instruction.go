package dex

import (
	"encoding/binary"

	"veridex/internal/finder"
)

// Dalvik opcodes the scanner classifies. Everything else is KindOther.
const (
	opNop             = 0x00
	opConstString     = 0x1a
	opConstStringJumb = 0x1b
)

// insnWidths gives each opcode's instruction width in 16-bit code units.
// NOP payload pseudo-instructions (packed-switch, sparse-switch,
// fill-array-data) are variable-width and handled in insnWidth.
var insnWidths [256]uint8

// insnKinds classifies each opcode into the scanner's tagged variants.
var insnKinds [256]finder.Kind

func fillWidths(lo, hi int, w uint8) {
	for op := lo; op <= hi; op++ {
		insnWidths[op] = w
	}
}

func init() {
	fillWidths(0x00, 0xff, 1) // 10x/12x/11n/11x/10t and unused opcodes

	// move/from16, move-wide/from16, move-object/from16
	fillWidths(0x02, 0x02, 2)
	fillWidths(0x05, 0x05, 2)
	fillWidths(0x08, 0x08, 2)
	// move/16, move-wide/16, move-object/16
	fillWidths(0x03, 0x03, 3)
	fillWidths(0x06, 0x06, 3)
	fillWidths(0x09, 0x09, 3)
	// const/16 .. const-wide/high16
	fillWidths(0x13, 0x13, 2)
	fillWidths(0x14, 0x14, 3)
	fillWidths(0x15, 0x16, 2)
	fillWidths(0x17, 0x17, 3)
	fillWidths(0x18, 0x18, 5)
	fillWidths(0x19, 0x1a, 2) // const-wide/high16, const-string
	fillWidths(0x1b, 0x1b, 3) // const-string/jumbo
	fillWidths(0x1c, 0x1c, 2) // const-class
	fillWidths(0x1f, 0x20, 2) // check-cast, instance-of
	fillWidths(0x22, 0x23, 2) // new-instance, new-array
	fillWidths(0x24, 0x26, 3) // filled-new-array(/range), fill-array-data
	fillWidths(0x29, 0x29, 2) // goto/16
	fillWidths(0x2a, 0x2c, 3) // goto/32, packed-switch, sparse-switch
	fillWidths(0x2d, 0x3d, 2) // cmp, if-test, if-testz
	fillWidths(0x44, 0x51, 2) // aget/aput
	fillWidths(0x52, 0x6d, 2) // iget/iput, sget/sput
	fillWidths(0x6e, 0x72, 3) // invoke-kind
	fillWidths(0x74, 0x78, 3) // invoke-kind/range
	fillWidths(0x90, 0xaf, 2) // binop
	fillWidths(0xd0, 0xe2, 2) // binop/lit16, binop/lit8
	fillWidths(0xfa, 0xfb, 4) // invoke-polymorphic(/range)
	fillWidths(0xfc, 0xfd, 3) // invoke-custom(/range)
	fillWidths(0xfe, 0xff, 2) // const-method-handle, const-method-type

	insnKinds[opConstString] = finder.KindString
	insnKinds[opConstStringJumb] = finder.KindString
	for op := 0x6e; op <= 0x72; op++ {
		insnKinds[op] = finder.KindInvoke
	}
	for op := 0x74; op <= 0x78; op++ {
		insnKinds[op] = finder.KindInvoke
	}
	for op := 0x52; op <= 0x5f; op++ {
		insnKinds[op] = finder.KindInstanceField
	}
	for op := 0x60; op <= 0x6d; op++ {
		insnKinds[op] = finder.KindStaticField
	}
}

// insnWidth returns the width in code units of the instruction at pc, or 0
// when the stream is too short to hold it. code holds n code units.
func insnWidth(code []byte, pc, n int) int {
	unit0 := binary.LittleEndian.Uint16(code[pc*2:])
	op := byte(unit0)

	if op == opNop {
		// Payload pseudo-instructions sit inline in the stream.
		switch unit0 >> 8 {
		case 1: // packed-switch-payload
			if pc+1 >= n {
				return 0
			}
			size := int(binary.LittleEndian.Uint16(code[(pc+1)*2:]))
			return size*2 + 4
		case 2: // sparse-switch-payload
			if pc+1 >= n {
				return 0
			}
			size := int(binary.LittleEndian.Uint16(code[(pc+1)*2:]))
			return size*4 + 2
		case 3: // fill-array-data-payload
			if pc+3 >= n {
				return 0
			}
			elemWidth := int(binary.LittleEndian.Uint16(code[(pc+1)*2:]))
			size := int(binary.LittleEndian.Uint32(code[(pc+2)*2:]))
			return (size*elemWidth+1)/2 + 4
		}
	}
	return int(insnWidths[op])
}

// decodeInsns walks a code region of n code units, yielding one Inst per
// instruction with the reference/string index operand extracted for the
// formats the scanner classifies. Decoding stops at the first instruction
// that does not fit in the region.
func decodeInsns(code []byte, n int) []finder.Inst {
	var out []finder.Inst
	pc := 0
	for pc < n {
		op := code[pc*2]
		width := insnWidth(code, pc, n)
		if width <= 0 || pc+width > n {
			break
		}

		ins := finder.Inst{PC: pc, Op: op, Kind: insnKinds[op]}
		if ins.Kind != finder.KindOther {
			// 21c/22c/35c/3rc carry the index in the second code
			// unit; const-string/jumbo (31c) carries 32 bits.
			ins.Index = uint32(binary.LittleEndian.Uint16(code[(pc+1)*2:]))
			if op == opConstStringJumb {
				ins.Index = binary.LittleEndian.Uint32(code[(pc+1)*2:])
			}
		}
		out = append(out, ins)
		pc += width
	}
	return out
}
