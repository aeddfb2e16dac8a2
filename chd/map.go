// Copyright (c) 2025 The go-chdnbd Authors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of go-chdnbd.
//
// go-chdnbd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-chdnbd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-chdnbd.  If not, see <https://www.gnu.org/licenses/>.

package chd

import (
	"fmt"
	"io"

	"github.com/ksv1986/go-chdnbd/internal/binary"
)

// Hunk compression types. The first seven are the base types that remain in
// canonical map entries; the rest are pseudo-types that exist only in the
// compressed map stream and are normalized during decode.
const (
	CompTypeCodec0     = 0  // Compressed with codec slot 0
	CompTypeCodec1     = 1  // Compressed with codec slot 1
	CompTypeCodec2     = 2  // Compressed with codec slot 2
	CompTypeCodec3     = 3  // Compressed with codec slot 3
	CompTypeNone       = 4  // Uncompressed
	CompTypeSelf       = 5  // Reference to another hunk in this image
	CompTypeParent     = 6  // Reference to a unit in the parent image
	compTypeRLESmall   = 7  // Repeat last type, small count
	compTypeRLELarge   = 8  // Repeat last type, large count
	compTypeSelf0      = 9  // Self reference to the same hunk as last
	compTypeSelf1      = 10 // Self reference to last+1
	compTypeParentSelf = 11 // Reference to this hunk's own position in the parent
	compTypeParent0    = 12 // Parent reference same as last
	compTypeParent1    = 13 // Parent reference advanced by one hunk
)

// numBaseTypes is the number of canonical compression types.
const numBaseTypes = 7

const (
	mapHeaderBytes = 16
	mapEntryBytes  = 12
)

// mapEntry describes how to reconstruct one hunk.
type mapEntry struct {
	offset   uint64 // file offset (codec/none), hunk index (self), unit index (parent)
	length   uint32 // compressed byte length; hunk size for none; 0 for self/parent
	crc      uint16 // CRC-16/CCITT-FALSE of the reconstructed hunk; 0 for self/parent
	compType uint8  // one of the seven base types
}

// hunkMap is the dense per-hunk metadata table, immutable after decode.
type hunkMap struct {
	entries []mapEntry
}

// decodeMap reads and validates the hunk map described by header.
func decodeMap(reader io.ReaderAt, header *Header) (*hunkMap, error) {
	numHunks := header.HunkCount()
	if numHunks > MaxNumHunks {
		return nil, fmt.Errorf("%w: too many hunks (%d > %d)", ErrInvalidMap, numHunks, MaxNumHunks)
	}
	if numHunks == 0 {
		return &hunkMap{}, nil
	}

	if !header.IsCompressed() {
		return decodeRawMap(reader, header, numHunks)
	}
	return decodeCompressedMap(reader, header, numHunks)
}

// decodeRawMap reads the verbatim 12-byte-per-hunk map of an uncompressed
// image. Every entry is canonicalized to an uncompressed hunk: with no codec
// slots in use, the type byte carries no information and each hunk is a
// direct read at its stored offset.
func decodeRawMap(reader io.ReaderAt, header *Header, numHunks uint32) (*hunkMap, error) {
	raw, err := binary.ReadBytesAt(reader, int64(header.MapOffset), int(numHunks)*mapEntryBytes)
	if err != nil {
		return nil, err
	}

	entries := make([]mapEntry, numHunks)
	for i := range entries {
		e := raw[i*mapEntryBytes:]
		entries[i] = mapEntry{
			compType: CompTypeNone,
			length:   binary.Uint24BE(e[1:4]),
			offset:   binary.Uint48BE(e[4:10]),
			crc:      binary.Uint16BE(e[10:12]),
		}
	}

	return &hunkMap{entries: entries}, nil
}

// decodeCompressedMap reads the V5 compressed map.
//
// Map header (16 bytes):
//
//	Offset 0:  Compressed map length (4 bytes)
//	Offset 4:  First hunk offset (6 bytes, 48-bit)
//	Offset 10: CRC16 of the decompressed map (2 bytes)
//	Offset 12: Bits per length field (1 byte)
//	Offset 13: Bits per self-reference (1 byte)
//	Offset 14: Bits per parent-unit reference (1 byte)
//	Offset 15: Reserved (1 byte)
func decodeCompressedMap(reader io.ReaderAt, header *Header, numHunks uint32) (*hunkMap, error) {
	mapHeader, err := binary.ReadBytesAt(reader, int64(header.MapOffset), mapHeaderBytes)
	if err != nil {
		return nil, err
	}

	compMapLen := binary.Uint32BE(mapHeader[0:4])
	if compMapLen > MaxCompMapLen {
		return nil, fmt.Errorf("%w: compressed map too large (%d > %d)",
			ErrInvalidMap, compMapLen, MaxCompMapLen)
	}
	firstOffset := binary.Uint48BE(mapHeader[4:10])
	mapCRC := binary.Uint16BE(mapHeader[10:12])

	widths := make([]uint, 3)
	for i, b := range mapHeader[12:15] {
		if b >= 32 {
			return nil, fmt.Errorf("%w: bit length too big", ErrInvalidMap)
		}
		widths[i] = uint(b)
	}
	lengthBits, selfBits, parentBits := widths[0], widths[1], widths[2]

	compMap, err := binary.ReadBytesAt(reader, int64(header.MapOffset)+mapHeaderBytes, int(compMapLen))
	if err != nil {
		return nil, err
	}

	br := newBitReader(compMap)
	decoder := newHuffmanDecoder(16, 8)
	if err := decoder.importTreeRLE(br); err != nil {
		return nil, err
	}

	// Pass 1: decode the compression type of every hunk, expanding the two
	// RLE pseudo-types.
	compTypes := make([]uint8, numHunks)
	var lastComp uint8
	repCount := 0
	for hunkNum := uint32(0); hunkNum < numHunks; hunkNum++ {
		if repCount > 0 {
			compTypes[hunkNum] = lastComp
			repCount--
			continue
		}

		switch val := decoder.decodeOne(br); val {
		case compTypeRLESmall:
			compTypes[hunkNum] = lastComp
			repCount = 2 + int(decoder.decodeOne(br))
		case compTypeRLELarge:
			compTypes[hunkNum] = lastComp
			repCount = 2 + 16 + int(decoder.decodeOne(br))<<4
			repCount += int(decoder.decodeOne(br))
		default:
			compTypes[hunkNum] = uint8(val)
			lastComp = uint8(val)
		}
	}

	// Pass 2: read per-hunk payload fields, resolving the remaining
	// pseudo-types against running self/parent state.
	entries := make([]mapEntry, numHunks)
	curOffset := firstOffset
	var lastSelf uint64
	var lastParent uint64

	for hunkNum := uint32(0); hunkNum < numHunks; hunkNum++ {
		entry := &entries[hunkNum]

		switch compType := compTypes[hunkNum]; compType {
		case CompTypeCodec0, CompTypeCodec1, CompTypeCodec2, CompTypeCodec3:
			entry.compType = compType
			entry.length = br.read(lengthBits)
			entry.offset = curOffset
			curOffset += uint64(entry.length)
			entry.crc = uint16(br.read(16))

		case CompTypeNone:
			entry.compType = CompTypeNone
			entry.length = header.HunkBytes
			entry.offset = curOffset
			curOffset += uint64(header.HunkBytes)
			entry.crc = uint16(br.read(16))

		case CompTypeSelf:
			lastSelf = uint64(br.read(selfBits))
			entry.compType = CompTypeSelf
			entry.offset = lastSelf

		case compTypeSelf0:
			entry.compType = CompTypeSelf
			entry.offset = lastSelf

		case compTypeSelf1:
			lastSelf++
			entry.compType = CompTypeSelf
			entry.offset = lastSelf

		case CompTypeParent:
			lastParent = uint64(br.read(parentBits))
			entry.compType = CompTypeParent
			entry.offset = lastParent

		case compTypeParentSelf:
			// Reference encoders store this hunk's own unit position and
			// normalize the canonical entry to a self reference.
			lastParent = uint64(hunkNum) * uint64(header.HunkBytes) / uint64(header.UnitBytes)
			entry.compType = CompTypeSelf
			entry.offset = lastParent

		case compTypeParent0:
			entry.compType = CompTypeParent
			entry.offset = lastParent

		case compTypeParent1:
			lastParent += uint64(header.HunkBytes / header.UnitBytes)
			entry.compType = CompTypeParent
			entry.offset = lastParent

		default:
			return nil, fmt.Errorf("%w: unknown hunk compression %d", ErrInvalidMap, compType)
		}

		if entry.length >= 1<<24 {
			return nil, fmt.Errorf("%w: hunk %d length %d exceeds 24 bits",
				ErrInvalidMap, hunkNum, entry.length)
		}
		if entry.offset >= 1<<48 {
			return nil, fmt.Errorf("%w: hunk %d offset %d exceeds 48 bits",
				ErrInvalidMap, hunkNum, entry.offset)
		}
	}

	m := &hunkMap{entries: entries}
	if crc := crc16(m.serialize()); crc != mapCRC {
		return nil, fmt.Errorf("%w: map decompression failed (crc %04x, want %04x)",
			ErrInvalidMap, crc, mapCRC)
	}

	return m, nil
}

// serialize materializes the canonical 12-byte-per-entry map layout:
// type (1), length (u24 BE), offset (u48 BE), crc (u16 BE).
func (m *hunkMap) serialize() []byte {
	data := make([]byte, len(m.entries)*mapEntryBytes)
	for i, e := range m.entries {
		out := data[i*mapEntryBytes:]
		out[0] = e.compType
		binary.PutUint24BE(out[1:4], e.length)
		binary.PutUint48BE(out[4:10], e.offset)
		binary.PutUint16BE(out[10:12], e.crc)
	}
	return data
}
