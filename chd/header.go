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

// Package chd reads version 5 CHD (Compressed Hunks of Data) images and
// exposes their decompressed payload as a random-access byte stream.
package chd

import (
	"fmt"
	"io"
	"math"

	"github.com/ksv1986/go-chdnbd/internal/binary"
)

// chdMagic is the CHD format magic word.
var chdMagic = [8]byte{'M', 'C', 'o', 'm', 'p', 'r', 'H', 'D'}

// headerSizeV5 is the fixed V5 header length in bytes.
const headerSizeV5 = 124

// MaxHunkBytes is the largest hunk size the format permits.
const MaxHunkBytes = 524288

// Header represents a parsed V5 CHD header. Immutable after parse.
//
// V5 header layout (124 bytes, all multi-byte fields big-endian):
//
//	Offset 0x00: Magic "MComprHD" (8 bytes)
//	Offset 0x08: Header size (4 bytes, must be 124)
//	Offset 0x0C: Version (4 bytes, must be 5)
//	Offset 0x10: Compressors 0..3 (4 x 4 bytes)
//	Offset 0x20: Logical bytes (8 bytes)
//	Offset 0x28: Map offset (8 bytes)
//	Offset 0x30: Meta offset (8 bytes)
//	Offset 0x38: Hunk bytes (4 bytes)
//	Offset 0x3C: Unit bytes (4 bytes)
//	Offset 0x40: Raw SHA1 (20 bytes)
//	Offset 0x54: SHA1 (20 bytes)
//	Offset 0x68: Parent SHA1 (20 bytes)
type Header struct {
	Compressors  [4]uint32 // Compression codec FourCC tags; 0 means slot unused
	LogicalBytes uint64    // Total uncompressed size
	MapOffset    uint64    // Offset to hunk map
	MetaOffset   uint64    // Offset to metadata chain (0 if none)
	HunkBytes    uint32    // Bytes per hunk
	UnitBytes    uint32    // Bytes per unit (smallest addressable sub-region)
	RawSHA1      [20]byte  // SHA1 of raw data (opaque)
	SHA1         [20]byte  // SHA1 of raw data + metadata (opaque)
	ParentSHA1   [20]byte  // Parent SHA1 for delta CHDs (opaque)
}

// parseHeader reads and validates a V5 CHD header from the start of reader.
func parseHeader(reader io.ReaderAt) (*Header, error) {
	buf := make([]byte, headerSizeV5)
	if err := binary.ReadAt(reader, 0, buf); err != nil {
		return nil, err
	}

	if [8]byte(buf[0:8]) != chdMagic {
		return nil, ErrInvalidMagic
	}

	if version := binary.Uint32BE(buf[12:16]); version != 5 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	if headerSize := binary.Uint32BE(buf[8:12]); headerSize != headerSizeV5 {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, headerSize)
	}

	header := &Header{
		LogicalBytes: binary.Uint64BE(buf[32:40]),
		MapOffset:    binary.Uint64BE(buf[40:48]),
		MetaOffset:   binary.Uint64BE(buf[48:56]),
		HunkBytes:    binary.Uint32BE(buf[56:60]),
		UnitBytes:    binary.Uint32BE(buf[60:64]),
	}
	for i := range header.Compressors {
		header.Compressors[i] = binary.Uint32BE(buf[16+4*i : 20+4*i])
	}
	copy(header.RawSHA1[:], buf[64:84])
	copy(header.SHA1[:], buf[84:104])
	copy(header.ParentSHA1[:], buf[104:124])

	if err := header.validateGeometry(); err != nil {
		return nil, err
	}

	return header, nil
}

// validateGeometry checks hunk/unit sizing and the hunk count bound.
func (h *Header) validateGeometry() error {
	switch {
	case h.HunkBytes < 1 || h.HunkBytes > MaxHunkBytes:
		return fmt.Errorf("%w: hunk bytes %d", ErrInvalidGeometry, h.HunkBytes)
	case h.UnitBytes < 1:
		return fmt.Errorf("%w: unit bytes %d", ErrInvalidGeometry, h.UnitBytes)
	case h.HunkBytes < h.UnitBytes:
		return fmt.Errorf("%w: hunk bytes %d below unit bytes %d",
			ErrInvalidGeometry, h.HunkBytes, h.UnitBytes)
	case h.HunkBytes%h.UnitBytes != 0:
		return fmt.Errorf("%w: hunk bytes %d not a multiple of unit bytes %d",
			ErrInvalidGeometry, h.HunkBytes, h.UnitBytes)
	}

	count := (h.LogicalBytes + uint64(h.HunkBytes) - 1) / uint64(h.HunkBytes)
	if count > math.MaxUint32 {
		return fmt.Errorf("%w: hunk count %d overflows", ErrInvalidGeometry, count)
	}

	return nil
}

// HunkCount returns the total number of hunks. The final hunk may cover the
// logical size only partially.
func (h *Header) HunkCount() uint32 {
	return uint32((h.LogicalBytes + uint64(h.HunkBytes) - 1) / uint64(h.HunkBytes))
}

// UnitsPerHunk returns the number of addressable units in one hunk.
func (h *Header) UnitsPerHunk() uint32 {
	return h.HunkBytes / h.UnitBytes
}

// IsCompressed reports whether the image uses compression. An image whose
// first codec slot is empty is entirely uncompressed.
func (h *Header) IsCompressed() bool {
	return h.Compressors[0] != 0
}
