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
	"github.com/ksv1986/go-chdnbd/internal/binary"
)

// bitWriter is the test-side counterpart of bitReader: it appends values
// MSB-first.
type bitWriter struct {
	data []byte
	used uint
}

func (bw *bitWriter) write(v uint32, count uint) {
	for i := int(count) - 1; i >= 0; i-- {
		if bw.used%8 == 0 {
			bw.data = append(bw.data, 0)
		}
		bit := byte((v >> uint(i)) & 1)
		bw.data[len(bw.data)-1] |= bit << (7 - bw.used%8)
		bw.used++
	}
}

// writeUniformMapTree emits the RLE tree descriptor for a 16-symbol table
// where every symbol has a 4-bit code; canonical assignment then makes each
// symbol its own code, so map pass-1 symbols can be written literally.
func writeUniformMapTree(bw *bitWriter) {
	for i := 0; i < 16; i++ {
		bw.write(4, 4)
	}
}

// mapOp describes one hunk of a synthesized compressed map. sym is the
// pass-1 symbol (base or pseudo type); the payload fields are consumed in
// pass 2 according to sym.
type mapOp struct {
	sym    uint32
	length uint32 // codec types
	crc    uint16 // codec and none types
	ref    uint64 // raw self/parent references
}

// mapWidths carries the three per-field bit widths of a synthesized map.
type mapWidths struct {
	length uint
	self   uint
	parent uint
}

var defaultWidths = mapWidths{length: 24, self: 16, parent: 24}

// encodeMapBody encodes the Huffman tree, the pass-1 type stream and the
// pass-2 field stream for ops. RLE pseudo-types are not handled here; tests
// exercising them build their streams by hand.
func encodeMapBody(ops []mapOp, w mapWidths) []byte {
	bw := &bitWriter{}
	writeUniformMapTree(bw)

	for _, op := range ops {
		bw.write(op.sym, 4)
	}

	for _, op := range ops {
		switch op.sym {
		case CompTypeCodec0, CompTypeCodec1, CompTypeCodec2, CompTypeCodec3:
			bw.write(op.length, w.length)
			bw.write(uint32(op.crc), 16)
		case CompTypeNone:
			bw.write(uint32(op.crc), 16)
		case CompTypeSelf:
			bw.write(uint32(op.ref), w.self)
		case CompTypeParent:
			bw.write(uint32(op.ref), w.parent)
		}
	}

	return bw.data
}

// buildMapRegion wraps a compressed map body with its 16-byte header. The
// stored CRC is computed from the expected canonical entries.
func buildMapRegion(body []byte, expected []mapEntry, firstOffset uint64, w mapWidths) []byte {
	region := make([]byte, mapHeaderBytes, mapHeaderBytes+len(body))
	binary.PutUint32BE(region[0:4], uint32(len(body)))
	binary.PutUint48BE(region[4:10], firstOffset)
	m := &hunkMap{entries: expected}
	binary.PutUint16BE(region[10:12], crc16(m.serialize()))
	region[12] = byte(w.length)
	region[13] = byte(w.self)
	region[14] = byte(w.parent)
	return append(region, body...)
}

// buildHeaderBytes assembles a V5 header.
func buildHeaderBytes(compressors [4]uint32, logical, mapOffset uint64, hunkBytes, unitBytes uint32) []byte {
	buf := make([]byte, headerSizeV5)
	copy(buf[0:8], chdMagic[:])
	binary.PutUint32BE(buf[8:12], headerSizeV5)
	binary.PutUint32BE(buf[12:16], 5)
	for i, tag := range compressors {
		binary.PutUint32BE(buf[16+4*i:20+4*i], tag)
	}
	binary.PutUint64BE(buf[32:40], logical)
	binary.PutUint64BE(buf[40:48], mapOffset)
	binary.PutUint32BE(buf[56:60], hunkBytes)
	binary.PutUint32BE(buf[60:64], unitBytes)
	return buf
}

// buildImage lays out header, payload region and map region the way the
// reference encoder does: payload immediately after the header, map last.
func buildImage(compressors [4]uint32, logical uint64, hunkBytes, unitBytes uint32, payload, mapRegion []byte) []byte {
	mapOffset := uint64(headerSizeV5 + len(payload))
	img := buildHeaderBytes(compressors, logical, mapOffset, hunkBytes, unitBytes)
	img = append(img, payload...)
	return append(img, mapRegion...)
}

// payloadStart is the file offset of the first hunk payload in images built
// by buildImage.
const payloadStart = headerSizeV5

// encodeHuffHunk compresses payload the way the "huff" codec expects:
// a full-Huffman table description for a uniform 8-bit-per-symbol code
// (making each byte its own code) followed by one code per byte.
func encodeHuffHunk(payload []byte) []byte {
	bw := &bitWriter{}

	// Small table: symbol 0 (repeat marker) gets a 1-bit code, symbols 8
	// and 9 get 2-bit codes. Canonical codes: 0 -> "1", 8 -> "00", 9 -> "01".
	bw.write(1, 3) // slot 0 length
	bw.write(7, 3) // start: slots 1..7 are zero
	bw.write(2, 3) // slot 8 length
	bw.write(2, 3) // slot 9 length
	bw.write(7, 3) // slot 10: zero, stops expansion

	// Main lengths: symbol 9 means "length 8"; then one repeat run covers
	// the remaining 255 symbols (count 9 extends by 8 more bits).
	bw.write(0b01, 2)  // small symbol 9: first length is 8
	bw.write(0b1, 1)   // small symbol 0: repeat last
	bw.write(7, 3)     // count = 7 + 2
	bw.write(246, 8)   // extended count: 9 + 246 = 255

	for _, b := range payload {
		bw.write(uint32(b), 8)
	}

	return bw.data
}

// fakeParent serves constant bytes for parent-reference tests.
type fakeParent struct {
	fill byte
}

func (p *fakeParent) ReadHunkByUnit(_ uint64, dst []byte) error {
	for i := range dst {
		dst[i] = p.fill
	}
	return nil
}
