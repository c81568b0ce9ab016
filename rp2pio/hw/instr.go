package hw

// Instruction word helpers. Only the small subset the allocator needs is
// encoded here: recognising JMPs so loaded programs can be relocated, and
// synthesising the JMP/SET instructions used for start-up, trap fill and
// pin initialisation.

const (
	instrBitsJmp = 0x0000
	instrBitsSet = 0xe000

	// Top three bits select the instruction class.
	instrBitsMsk = 0xe000

	setDestPins    = 0
	setDestPinDirs = 4
)

// IsJmp reports whether instr is a JMP-class instruction. JMP targets are
// absolute addresses, so they must be patched when a program is loaded at
// a non-zero offset.
func IsJmp(instr uint16) bool {
	return instr&instrBitsMsk == instrBitsJmp
}

// EncodeJmp returns an unconditional JMP to addr.
func EncodeJmp(addr uint8) uint16 {
	return instrBitsJmp | uint16(addr&0x1f)
}

// EncodeSetPins returns a SET PINS instruction driving value.
func EncodeSetPins(value uint8) uint16 {
	return instrBitsSet | setDestPins<<5 | uint16(value&0x1f)
}

// EncodeSetPinDirs returns a SET PINDIRS instruction driving value.
func EncodeSetPinDirs(value uint8) uint16 {
	return instrBitsSet | setDestPinDirs<<5 | uint16(value&0x1f)
}
