package cptrie

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Freeze compacts the builder into an immutable Trie storing values of the
// requested width. It runs once; calling it again with the same width
// returns the same trie, with a different width it fails. On failure the
// builder must be discarded.
func (b *Builder) Freeze(bits ValueBits) (*Trie, error) {
	if b.closed {
		return nil, fmt.Errorf("freeze on a closed builder: %w", ErrIllegalArgument)
	}
	if b.frozen != nil {
		if bits == b.frozenBits {
			return b.frozen, nil
		}
		return nil, fmt.Errorf("already frozen with %s-bit values: %w", b.frozenBits, ErrIllegalArgument)
	}
	if bits != ValueBits16 && bits != ValueBits32 {
		return nil, fmt.Errorf("unsupported value width: %w", ErrIllegalArgument)
	}

	if bits == ValueBits16 {
		b.maskValues()
	}
	b.findHighStart()

	iLimit := b.suppHighStart >> shift2
	dataNullIndex, newDataCapacity := b.compactWholeDataBlocks(iLimit)
	newData := b.compactData(iLimit, newDataCapacity)

	dataNullOffset := int32(noDataNullOffset)
	if dataNullIndex >= 0 {
		dataNullOffset = int32(b.index[dataNullIndex])
	}
	dataLength := int32(len(newData))

	index, dataMove, index2NullOffset, err := b.compactIndex2(bits, dataLength, dataNullOffset)
	if err != nil {
		return nil, err
	}

	t := &Trie{
		valueBits:        bits,
		index:            index,
		dataLength:       dataLength,
		dataMove:         dataMove,
		highStart:        b.highStart,
		highValue:        b.highValue,
		errorValue:       b.errorValue,
		dataNullOffset:   dataNullOffset,
		index2NullOffset: uint16(index2NullOffset),
	}
	if bits == ValueBits16 {
		t.data16 = make([]uint16, dataLength)
		for i, v := range newData {
			t.data16[i] = uint16(v)
		}
	} else {
		t.data32 = newData
	}

	if b.log != nil {
		b.log.WithFields(logrus.Fields{
			"valueBits":   bits,
			"highStart":   fmt.Sprintf("%#x", b.highStart),
			"indexLength": len(index),
			"dataLength":  dataLength,
		}).Debug("trie frozen")
	}

	b.frozen = t
	b.frozenBits = bits
	b.flags = nil
	b.index = nil
	b.data = nil
	return t, nil
}

// maskValues narrows every stored value to 16 bits before a 16-bit freeze.
// errorValue is left alone: it may deliberately lie outside the value range.
func (b *Builder) maskValues() {
	b.initialValue &= 0xffff
	for i := int32(0); i < b.highStart>>shift2; i++ {
		if b.flagOf(i) == blockAllSame {
			b.index[i] &= 0xffff
		}
	}
	for j := int32(0); j < b.dataLength; j++ {
		b.data[j] &= 0xffff
	}
}

func uniformValue(slots []uint32) (uint32, bool) {
	v := slots[0]
	for _, s := range slots[1:] {
		if s != v {
			return 0, false
		}
	}
	return v, true
}

func (b *Builder) blockIsUniform(i int32, v uint32) bool {
	if b.flagOf(i) == blockAllSame {
		return b.index[i] == v
	}
	offset := int32(b.index[i])
	u, ok := uniformValue(b.data[offset : offset+dataBlockLength])
	return ok && u == v
}

// findHighStart determines highValue and shrinks (then re-rounds) highStart
// so that everything at and above it is uniformly highValue.
func (b *Builder) findHighStart() {
	b.highValue = b.Get(maxUnicode)

	i := b.highStart >> shift2
	for i > 0 && b.blockIsUniform(i-1, b.highValue) {
		i--
	}
	highStart := (i<<shift2 + cpPerIndex1Entry - 1) &^ (cpPerIndex1Entry - 1)
	for j := i; j < highStart>>shift2; j++ {
		b.flags[j] = blockAllSame
		b.index[j] = b.highValue
	}
	b.highStart = highStart
	if highStart == unicodeLimit {
		b.highValue = b.initialValue
	}

	if highStart <= bmpLimit {
		// The BMP index is always emitted in full.
		for j := highStart >> shift2; j < bmpBlockCount; j++ {
			b.flags[j] = blockAllSame
			b.index[j] = b.highValue
		}
		b.suppHighStart = bmpLimit
	} else {
		b.suppHighStart = highStart
	}
}

func (b *Builder) markSameAs(i, target int32) {
	b.setState(i, blockSameAs)
	b.index[i] = uint32(target)
	if i >= bmpBlockCount {
		b.flags[target] |= blockSuppData
	}
}

// findAllSameBlockBefore is the slow path when the allSameBlocks cache
// overflows: scan every earlier block for the same uniform value.
func (b *Builder) findAllSameBlockBefore(i int32, v uint32) int32 {
	for j := int32(0); j < i; j++ {
		if b.flagOf(j) == blockAllSame && b.index[j] == v {
			return j
		}
	}
	return -1
}

func hashDataBlock(slots []uint32) uint64 {
	var buf [dataBlockLength * 4]byte
	for i, v := range slots {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return xxhash.Sum64(buf[:])
}

// compactWholeDataBlocks deduplicates equal blocks in place: uniform mixed
// blocks are demoted to all-same, repeated blocks become back-references to
// their first occurrence. Mixed blocks are matched through a content-hash
// table; all-same blocks through the bounded cache. Returns the block index
// that should become the null data block (or -1) and an upper bound for the
// compacted data length.
func (b *Builder) compactWholeDataBlocks(iLimit int32) (int32, int32) {
	var cache allSameBlocks
	mixedByHash := make(map[uint64][]int32)
	var newDataCapacity int32

	for i := int32(0); i < iLimit; i++ {
		if b.flagOf(i) == blockMixed {
			offset := int32(b.index[i])
			if v, ok := uniformValue(b.data[offset : offset+dataBlockLength]); ok {
				b.setState(i, blockAllSame)
				b.index[i] = v
			}
		}

		switch b.flagOf(i) {
		case blockAllSame:
			other := cache.findOrAdd(i, b.index[i])
			if other == allSameOverflow {
				other = b.findAllSameBlockBefore(i, b.index[i])
				if other < 0 {
					cache.add(i, b.index[i])
				}
			}
			if other >= 0 {
				b.markSameAs(i, other)
			} else {
				newDataCapacity += dataBlockLength
			}

		case blockMixed:
			offset := int32(b.index[i])
			block := b.data[offset : offset+dataBlockLength]
			h := hashDataBlock(block)
			found := int32(-1)
			for _, j := range mixedByHash[h] {
				jOffset := int32(b.index[j])
				if slices.Equal(b.data[jOffset:jOffset+dataBlockLength], block) {
					found = j
					break
				}
			}
			if found >= 0 {
				b.markSameAs(i, found)
			} else {
				mixedByHash[h] = append(mixedByHash[h], i)
				newDataCapacity += dataBlockLength
			}
		}
	}

	if b.log != nil {
		b.log.WithFields(logrus.Fields{
			"blocks":       iLimit,
			"uniqueLength": newDataCapacity,
		}).Debug("whole data blocks deduplicated")
	}
	return cache.findMostUsed(), newDataCapacity
}

// dataWriter accumulates the compacted data array. The bloom filter tracks
// every value written so far: a definite miss on a block's leading value
// proves that neither a full match nor any overlap can exist, skipping the
// linear scans. False positives only cost the scan, so the output is
// identical with or without the filter.
type dataWriter struct {
	out  []uint32
	seen *bloom.BloomFilter
}

func newDataWriter(capacity int32) *dataWriter {
	return &dataWriter{
		out:  make([]uint32, 0, capacity),
		seen: bloom.NewWithEstimates(1<<16, 0.01),
	}
}

func (w *dataWriter) append(v uint32) {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], v)
	w.seen.Add(key[:])
	w.out = append(w.out, v)
}

func (w *dataWriter) mayContain(v uint32) bool {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], v)
	return w.seen.Test(key[:])
}

// findAllSameBlock returns the first granularity-aligned offset of a
// block-length run of v in the written data, or -1.
func (w *dataWriter) findAllSameBlock(v uint32, granularity int32) int32 {
	if !w.mayContain(v) {
		return -1
	}
	limit := int32(len(w.out)) - dataBlockLength
	for start := int32(0); start <= limit; start += granularity {
		match := true
		for j := int32(0); j < dataBlockLength; j++ {
			if w.out[start+j] != v {
				match = false
				break
			}
		}
		if match {
			return start
		}
	}
	return -1
}

// allSameOverlap returns how many trailing values already equal v, truncated
// to a granularity multiple and capped below a full block.
func (w *dataWriter) allSameOverlap(v uint32, granularity int32) int32 {
	if !w.mayContain(v) {
		return 0
	}
	var overlap int32
	max := dataBlockLength - granularity
	if int32(len(w.out)) < max {
		max = int32(len(w.out))
	}
	for overlap < max && w.out[int32(len(w.out))-1-overlap] == v {
		overlap++
	}
	return overlap &^ (granularity - 1)
}

// findSameBlock returns the first granularity-aligned offset where the
// written data equals block, or -1.
func (w *dataWriter) findSameBlock(block []uint32, granularity int32) int32 {
	if !w.mayContain(block[0]) {
		return -1
	}
	limit := int32(len(w.out)) - dataBlockLength
	for start := int32(0); start <= limit; start += granularity {
		if slices.Equal(w.out[start:start+dataBlockLength], block) {
			return start
		}
	}
	return -1
}

// getOverlap returns the largest granularity multiple k such that the last
// k written values equal the first k values of block.
func (w *dataWriter) getOverlap(block []uint32, granularity int32) int32 {
	if !w.mayContain(block[0]) {
		return 0
	}
	max := int32(dataBlockLength) - granularity
	if int32(len(w.out)) < max {
		max = int32(len(w.out))
	}
	for overlap := max &^ (granularity - 1); overlap > 0; overlap -= granularity {
		if slices.Equal(w.out[int32(len(w.out))-overlap:], block[:overlap]) {
			return overlap
		}
	}
	return 0
}

// resolvedValue reads one code point directly from the builder arrays,
// following a back-reference if whole-block dedup installed one.
func (b *Builder) resolvedValue(c int32) uint32 {
	i := c >> shift2
	if b.flagOf(i) == blockSameAs {
		i = int32(b.index[i])
	}
	if b.flagOf(i) == blockAllSame {
		return b.index[i]
	}
	return b.data[int32(b.index[i])+c&dataMask]
}

// writeBlocks relocates every block in [iStart, iLimit) that is still
// unplaced, searching the written data for a reusable run before appending
// with maximal overlap. With includeSupp false, blocks whose data is shared
// with the supplementary range are left for the granularity-aligned pass.
func (b *Builder) writeBlocks(w *dataWriter, iStart, iLimit, granularity int32, includeSupp bool) {
	for i := iStart; i < iLimit; i++ {
		state := b.flagOf(i)
		if state == blockMoved || state == blockSameAs {
			continue
		}
		if !includeSupp && b.flags[i]&blockSuppData != 0 {
			continue
		}

		var n int32
		if state == blockAllSame {
			v := b.index[i]
			n = w.findAllSameBlock(v, granularity)
			if n < 0 {
				overlap := w.allSameOverlap(v, granularity)
				n = int32(len(w.out)) - overlap
				for j := overlap; j < dataBlockLength; j++ {
					w.append(v)
				}
			}
		} else {
			offset := int32(b.index[i])
			block := b.data[offset : offset+dataBlockLength]
			n = w.findSameBlock(block, granularity)
			if n < 0 {
				overlap := w.getOverlap(block, granularity)
				n = int32(len(w.out)) - overlap
				for _, v := range block[overlap:] {
					w.append(v)
				}
			}
		}
		b.setState(i, blockMoved)
		b.index[i] = uint32(n)
	}
}

// compactData writes the final data array: ASCII verbatim, then the BMP-only
// blocks at granularity 1, then (granularity-aligned) everything referenced
// from the supplementary range. Back-references resolve once all targets
// have final offsets.
func (b *Builder) compactData(iLimit, capacity int32) []uint32 {
	w := newDataWriter(capacity + asciiLimit + dataGranularity)

	// ASCII is linearized first so those blocks keep fixed offsets.
	for c := int32(0); c < asciiLimit; c++ {
		w.append(b.resolvedValue(c))
	}
	for i := int32(0); i < asciiBlockCount; i++ {
		b.setState(i, blockMoved)
		b.index[i] = uint32(i << shift2)
	}

	b.writeBlocks(w, asciiBlockCount, bmpBlockCount, 1, false)

	// Repeating the last value maximizes overlap with the first
	// supplementary block.
	for int32(len(w.out))%dataGranularity != 0 {
		w.append(w.out[len(w.out)-1])
	}

	b.writeBlocks(w, asciiBlockCount, iLimit, dataGranularity, true)

	for i := int32(0); i < iLimit; i++ {
		if b.flagOf(i) == blockSameAs {
			b.index[i] = b.index[b.index[i]]
			b.setState(i, blockMoved)
		}
	}
	return w.out
}

func findSameIndexBlock(haystack, block []uint16) int32 {
	limit := len(haystack) - index2BlockLength
	for start := 0; start <= limit; start++ {
		if slices.Equal(haystack[start:start+index2BlockLength], block) {
			return int32(start)
		}
	}
	return -1
}

func indexOverlap(written, block []uint16) int {
	max := index2BlockLength - 1
	if len(written) < max {
		max = len(written)
	}
	for overlap := max; overlap > 0; overlap-- {
		if slices.Equal(written[len(written)-overlap:], block[:overlap]) {
			return overlap
		}
	}
	return 0
}

// compactIndex2 builds the final 16-bit index: the BMP index-2 table,
// followed (when the trie has supplementary content) by the index-1 table
// and the deduplicated supplementary index-2 blocks, whose entries are
// stored right-shifted by indexShift. It verifies that every emitted value
// fits the 16-bit representation.
func (b *Builder) compactIndex2(bits ValueBits, dataLength, dataNullOffset int32) ([]uint16, int32, int, error) {
	if b.highStart <= bmpLimit {
		indexLength := bmpIndexLength
		var dataMove int32
		if bits == ValueBits16 {
			dataMove = int32(indexLength)
		}
		if err := b.checkIndexBounds(indexLength, dataMove, dataLength); err != nil {
			return nil, 0, 0, err
		}
		out := make([]uint16, indexLength)
		for j := 0; j < bmpIndexLength; j++ {
			out[j] = uint16(dataMove + int32(b.index[j]))
		}
		return out, dataMove, noIndex2NullOffset, nil
	}

	i1Length := int((b.highStart - bmpLimit) >> shift1)
	work := make([]uint16, bmpIndexLength, bmpIndexLength+i1Length*index2BlockLength)
	for j := 0; j < bmpIndexLength; j++ {
		work[j] = uint16(b.index[j])
	}

	finalPos := func(n int32) int {
		// The index-1 table is inserted after the BMP index-2 table.
		if n >= bmpIndexLength {
			return int(n) + i1Length
		}
		return int(n)
	}

	haveNull := dataNullOffset != noDataNullOffset
	index2NullOffset := noIndex2NullOffset

	index1 := make([]int32, i1Length)
	var block [index2BlockLength]uint16
	for k := 0; k < i1Length; k++ {
		base := int32(bmpBlockCount + k*index2BlockLength)
		allNull := haveNull
		for m := int32(0); m < index2BlockLength; m++ {
			block[m] = uint16(b.index[base+m] >> indexShift)
			if b.index[base+m] != uint32(dataNullOffset) {
				allNull = false
			}
		}

		n := int32(-1)
		if bits == ValueBits32 {
			// With a zero dataMove a BMP run whose entries equal the
			// shifted supplementary entries can serve both read paths.
			n = findSameIndexBlock(work[:bmpIndexLength], block[:])
		}
		if n < 0 {
			if m := findSameIndexBlock(work[bmpIndexLength:], block[:]); m >= 0 {
				n = m + bmpIndexLength
			}
		}
		if n < 0 {
			// Overlap stays within the supplementary portion: the
			// index-1 insertion point must not split a block.
			overlap := indexOverlap(work[bmpIndexLength:], block[:])
			n = int32(len(work)) - int32(overlap)
			work = append(work, block[overlap:]...)
		}
		index1[k] = n
		if allNull && index2NullOffset == noIndex2NullOffset {
			index2NullOffset = finalPos(n)
		}
	}

	suppLength := len(work) - bmpIndexLength
	indexLength := bmpIndexLength + i1Length + suppLength
	var dataMove int32
	if bits == ValueBits16 {
		// Shiftable data offsets need the index length, and with it the
		// data start, granularity-aligned.
		for indexLength%dataGranularity != 0 {
			indexLength++
		}
		dataMove = int32(indexLength)
	}
	if err := b.checkIndexBounds(indexLength, dataMove, dataLength); err != nil {
		return nil, 0, 0, err
	}

	out := make([]uint16, indexLength)
	for j := 0; j < bmpIndexLength; j++ {
		out[j] = uint16(dataMove + int32(b.index[j]))
	}
	for k, n := range index1 {
		out[bmpIndexLength+k] = uint16(finalPos(n))
	}
	moveShifted := uint16(dataMove >> indexShift)
	for q := bmpIndexLength; q < len(work); q++ {
		out[i1Length+q] = work[q] + moveShifted
	}
	// A value no real entry can take, for the alignment padding.
	for p := bmpIndexLength + i1Length + suppLength; p < indexLength; p++ {
		out[p] = uint16((0xffff << indexShift) & 0xffff)
	}
	return out, dataMove, index2NullOffset, nil
}

func (b *Builder) checkIndexBounds(indexLength int, dataMove, dataLength int32) error {
	if indexLength > 0xffff {
		return fmt.Errorf("index length %#x: %w", indexLength, ErrIndexOutOfBounds)
	}
	if (dataMove+dataLength)>>indexShift > 0xffff {
		return fmt.Errorf("shifted data limit %#x: %w", dataMove+dataLength, ErrIndexOutOfBounds)
	}
	for j := 0; j < bmpIndexLength; j++ {
		if e := dataMove + int32(b.index[j]); e > 0xffff {
			return fmt.Errorf("BMP index entry %#x: %w", e, ErrIndexOutOfBounds)
		}
	}
	return nil
}
