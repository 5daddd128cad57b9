package cptrie

import "errors"

// ValueBits selects the storage width of the frozen data array.
type ValueBits uint8

const (
	// 16-bit data; the data array follows the index and is addressed
	// through the same 16-bit offsets.
	ValueBits16 ValueBits = iota

	// 32-bit data in its own array, addressed from zero.
	ValueBits32
)

func (v ValueBits) String() string {
	switch v {
	case ValueBits16:
		return "16"
	case ValueBits32:
		return "32"
	}
	return "invalid"
}

var (
	// ErrIllegalArgument covers out-of-range code points, inverted ranges,
	// unsupported value widths, refreezing with a different width, and
	// cloning a frozen builder.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrNoWritePermission is returned by mutators after Freeze.
	ErrNoWritePermission = errors.New("no write permission")

	// ErrMemoryAllocation means the data array hit its growth cap; the
	// builder must be discarded.
	ErrMemoryAllocation = errors.New("memory allocation failed")

	// ErrIndexOutOfBounds means compaction produced offsets that do not fit
	// the 16-bit index representation.
	ErrIndexOutOfBounds = errors.New("index values out of bounds")

	// ErrInvalidFormat is returned by FromBytes for unrecognized input.
	ErrInvalidFormat = errors.New("invalid serialized format")
)

const (
	// Highest code point; the trie maps [0, maxUnicode].
	maxUnicode = 0x10ffff

	// Number of code points, 0x110000.
	unicodeLimit = maxUnicode + 1

	// First code point of the supplementary planes.
	bmpLimit = 0x10000

	// ASCII values are linearized at the start of the data array.
	asciiLimit = 0x80

	// Shift size for getting the index-1 table offset.
	shift1 = 10

	// Shift size for getting the index-2 table offset.
	shift2 = 5

	// Difference between the two shift sizes, for getting an index-2 offset
	// from a code point.
	shift1Minus2 = shift1 - shift2

	// Number of entries in a data block. 32=0x20
	dataBlockLength = 1 << shift2

	// Mask for getting the lower bits for the in-data-block offset.
	dataMask = dataBlockLength - 1

	// Number of entries in an index-2 block. 32=0x20
	index2BlockLength = 1 << shift1Minus2

	// Mask for getting the lower bits for the in-index-2-block offset.
	index2Mask = index2BlockLength - 1

	// Number of code points covered by one index-1 entry. 1024=0x400
	cpPerIndex1Entry = 1 << shift1

	// Shift applied to stored supplementary index-2 entries.
	indexShift = 2

	// Alignment modulus for supplementary data block offsets. 4
	dataGranularity = 1 << indexShift

	// The length of the BMP index-2 table. 2048=0x800
	bmpIndexLength = bmpLimit >> shift2

	// Number of index-1 entries for the BMP, omitted from the serialized
	// form. 64=0x40
	omittedBMPIndex1Length = bmpLimit >> shift1

	// Total number of data blocks covering all of Unicode. 0x8800
	totalBlockCount = unicodeLimit >> shift2

	// Number of data blocks covering the BMP. 0x800
	bmpBlockCount = bmpLimit >> shift2

	// Number of data blocks covering ASCII. 4
	asciiBlockCount = asciiLimit >> shift2

	// Data array growth ladder.
	initialDataLength = 1 << 14
	mediumDataLength  = 1 << 17
	maxDataLength     = unicodeLimit

	// Options-field sentinel: the trie has no null data block.
	noDataNullOffset = 0xfffff

	// Index sentinel: the trie has no all-null index-2 block.
	noIndex2NullOffset = 0xffff
)

// Per-block state, low two bits of the flags byte.
const (
	blockAllSame uint8 = iota // index slot holds the uniform value
	blockMixed                // index slot holds a data array offset
	blockSameAs               // index slot holds an earlier block number
	blockMoved                // index slot holds the final data offset
)

const (
	blockStateMask uint8 = 3

	// Set on a BMP block whose data is also referenced by a supplementary
	// block; such blocks are written granularity-aligned.
	blockSuppData uint8 = 4
)
