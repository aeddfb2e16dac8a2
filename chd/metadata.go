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

// MetadataEntry is one raw entry of the metadata chain. The payload is
// opaque to hunk reconstruction; it is exposed for informational tooling.
type MetadataEntry struct {
	Data  []byte
	Tag   uint32
	Flags uint8
}

// TagString returns the entry's tag as an ASCII FourCC.
func (e *MetadataEntry) TagString() string {
	return CodecTagToString(e.Tag)
}

// parseMetadata reads all metadata entries starting at offset.
//
// Metadata entry format:
//
//	Offset 0:  Tag (4 bytes, big-endian)
//	Offset 4:  Flags (1 byte)
//	Offset 5:  Length (3 bytes, big-endian)
//	Offset 8:  Next offset (8 bytes, big-endian; 0 terminates the chain)
//	Offset 16: Data (length bytes)
func parseMetadata(reader io.ReaderAt, offset uint64) ([]MetadataEntry, error) {
	entries := make([]MetadataEntry, 0, 8)
	visited := make(map[uint64]bool)

	for offset != 0 {
		if visited[offset] {
			return entries, fmt.Errorf("%w: circular metadata chain at offset %d",
				ErrInvalidMetadata, offset)
		}
		visited[offset] = true

		if len(entries) >= MaxMetadataEntries {
			return entries, fmt.Errorf("%w: too many metadata entries (%d)",
				ErrInvalidMetadata, len(entries))
		}

		entry, next, err := readMetadataEntry(reader, offset)
		if err != nil {
			return entries, fmt.Errorf("read metadata at %d: %w", offset, err)
		}

		entries = append(entries, entry)
		offset = next
	}

	return entries, nil
}

// readMetadataEntry reads a single metadata entry at the given offset,
// returning it and the offset of the next entry.
func readMetadataEntry(reader io.ReaderAt, offset uint64) (MetadataEntry, uint64, error) {
	headerBuf, err := binary.ReadBytesAt(reader, int64(offset), 16)
	if err != nil {
		return MetadataEntry{}, 0, err
	}

	entry := MetadataEntry{
		Tag:   binary.Uint32BE(headerBuf[0:4]),
		Flags: headerBuf[4],
	}
	length := binary.Uint24BE(headerBuf[5:8])
	next := binary.Uint64BE(headerBuf[8:16])

	if length > MaxMetadataLen {
		return MetadataEntry{}, 0, fmt.Errorf("%w: metadata entry too large (%d > %d)",
			ErrInvalidMetadata, length, MaxMetadataLen)
	}
	if length > 0 {
		entry.Data, err = binary.ReadBytesAt(reader, int64(offset)+16, int(length))
		if err != nil {
			return MetadataEntry{}, 0, err
		}
	}

	return entry, next, nil
}
