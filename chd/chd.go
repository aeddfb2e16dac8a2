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
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ksv1986/go-chdnbd/internal/binary"
)

// maxSelfDepth bounds self-reference chains; reference images stay well
// below it, so hitting the cap means a cycle.
const maxSelfDepth = 64

// hunkCacheSize is the number of decoded hunks kept for reuse.
const hunkCacheSize = 16

// ParentReader supplies hunk data from a parent image for delta CHDs.
type ParentReader interface {
	// ReadHunkByUnit fills dst with one hunk of parent data starting at the
	// given unit index.
	ReadHunkByUnit(unitIndex uint64, dst []byte) error
}

// CHD is a reader for one V5 image. It is not safe for concurrent use; a
// shared-ownership wrapper must serialize calls.
type CHD struct {
	source  io.ReaderAt
	closer  io.Closer
	header  *Header
	m       *hunkMap
	codecs  [4]Codec
	meta    []MetadataEntry
	parent  ParentReader
	cache   *lru.Cache[uint32, []byte]
	scratch []byte // one in-flight hunk decode, sized once at open
}

// Open opens a CHD file and parses its header and hunk map.
func Open(path string) (*CHD, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CHD file: %w", err)
	}

	c, err := New(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	c.closer = file

	return c, nil
}

// New parses a CHD image from an offset-addressed source. The source is
// retained for the lifetime of the reader.
func New(source io.ReaderAt) (*CHD, error) {
	c := &CHD{source: source}

	header, err := parseHeader(source)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	c.header = header

	m, err := decodeMap(source, header)
	if err != nil {
		return nil, fmt.Errorf("decode hunk map: %w", err)
	}
	c.m = m

	for i, tag := range header.Compressors {
		if tag != CodecNone {
			c.codecs[i] = newCodec(tag, header.HunkBytes)
		}
	}

	cache, err := lru.New[uint32, []byte](hunkCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hunk cache: %w", err)
	}
	c.cache = cache
	c.scratch = make([]byte, header.HunkBytes)

	// Metadata is informational; a broken chain does not prevent reading.
	if header.MetaOffset > 0 {
		if meta, err := parseMetadata(source, header.MetaOffset); err == nil {
			c.meta = meta
		}
	}

	return c, nil
}

// NewFromReadSeeker parses a CHD image from a Read+Seek source. The source
// is seeked before every non-contiguous read; callers must not interleave
// their own seeks.
func NewFromReadSeeker(rs io.ReadSeeker) (*CHD, error) {
	return New(binary.NewSeekingReaderAt(rs))
}

// Close releases the underlying file when the reader was created by Open.
func (c *CHD) Close() error {
	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			return fmt.Errorf("close CHD file: %w", err)
		}
		c.closer = nil
	}
	return nil
}

// SetParent attaches a parent image collaborator used to resolve parent
// references. Passing nil detaches it.
func (c *CHD) SetParent(parent ParentReader) {
	c.parent = parent
}

// Header returns the parsed CHD header.
func (c *CHD) Header() *Header { return c.header }

// Size returns the total logical (decompressed) size in bytes.
func (c *CHD) Size() int64 { return int64(c.header.LogicalBytes) }

// HunkBytes returns the size of one hunk in bytes.
func (c *CHD) HunkBytes() uint32 { return c.header.HunkBytes }

// HunkCount returns the total number of hunks.
func (c *CHD) HunkCount() uint32 { return c.header.HunkCount() }

// CodecName returns the FourCC string of codec slot i, or "none" for an
// unused slot.
func (c *CHD) CodecName(i int) string {
	if i < 0 || i >= len(c.header.Compressors) {
		return "none"
	}
	return CodecTagToString(c.header.Compressors[i])
}

// Metadata returns the parsed metadata chain, if any.
func (c *CHD) Metadata() []MetadataEntry { return c.meta }

// CompressionDistribution counts hunks per canonical compression type,
// indexed by CompTypeCodec0..CompTypeParent.
func (c *CHD) CompressionDistribution() [numBaseTypes]uint32 {
	var dist [numBaseTypes]uint32
	for _, e := range c.m.entries {
		dist[e.compType]++
	}
	return dist
}

// ReadHunk reconstructs hunk index into dst, which must be exactly one hunk.
func (c *CHD) ReadHunk(index uint32, dst []byte) error {
	if len(dst) != int(c.header.HunkBytes) {
		return fmt.Errorf("%w: destination is %d bytes, want %d",
			ErrInvalidArgument, len(dst), c.header.HunkBytes)
	}
	return c.readHunk(index, dst, 0)
}

func (c *CHD) readHunk(index uint32, dst []byte, depth int) error {
	if index >= uint32(len(c.m.entries)) {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidHunk, index, len(c.m.entries))
	}

	if cached, ok := c.cache.Get(index); ok {
		copy(dst, cached)
		return nil
	}

	entry := c.m.entries[index]
	var err error
	switch entry.compType {
	case CompTypeNone:
		err = binary.ReadAt(c.source, int64(entry.offset), dst)

	case CompTypeCodec0, CompTypeCodec1, CompTypeCodec2, CompTypeCodec3:
		err = c.decompressHunk(entry, dst)

	case CompTypeSelf:
		if depth >= maxSelfDepth {
			return fmt.Errorf("%w: self reference chain longer than %d hunks",
				ErrInvalidReference, maxSelfDepth)
		}
		if entry.offset >= uint64(len(c.m.entries)) {
			return fmt.Errorf("%w: self reference to hunk %d of %d",
				ErrInvalidReference, entry.offset, len(c.m.entries))
		}
		err = c.readHunk(uint32(entry.offset), dst, depth+1)

	case CompTypeParent:
		if c.parent == nil {
			return fmt.Errorf("%w: hunk %d references unit %d", ErrNeedsParent, index, entry.offset)
		}
		err = c.parent.ReadHunkByUnit(entry.offset, dst)

	default:
		return fmt.Errorf("%w: compression type %d", ErrUnsupportedCodec, entry.compType)
	}
	if err != nil {
		return fmt.Errorf("reconstruct hunk %d: %w", index, err)
	}

	c.cache.Add(index, append([]byte(nil), dst...))
	return nil
}

// decompressHunk reads a compressed hunk's payload and runs it through the
// codec slot named by its map entry.
func (c *CHD) decompressHunk(entry mapEntry, dst []byte) error {
	codec := c.codecs[entry.compType]
	if codec == nil {
		return fmt.Errorf("%w: codec slot %d unused", ErrUnsupportedCodec, entry.compType)
	}

	compData, err := binary.ReadBytesAt(c.source, int64(entry.offset), int(entry.length))
	if err != nil {
		return err
	}

	n, err := codec.Decompress(dst, compData)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("%w: %s produced %d of %d bytes",
			ErrDecompressFailed, c.CodecName(int(entry.compType)), n, len(dst))
	}
	return nil
}

// ValidateHunk reconstructs hunk index and verifies it against the CRC
// stored in its map entry. Self and parent references carry no CRC and are
// skipped.
func (c *CHD) ValidateHunk(index uint32) error {
	if index >= uint32(len(c.m.entries)) {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidHunk, index, len(c.m.entries))
	}

	entry := c.m.entries[index]
	if entry.compType == CompTypeSelf || entry.compType == CompTypeParent {
		return nil
	}

	if err := c.readHunk(index, c.scratch, 0); err != nil {
		return err
	}
	if crc := crc16(c.scratch); crc != entry.crc {
		return fmt.Errorf("%w: hunk %d crc %04x, want %04x", ErrCorruptData, index, crc, entry.crc)
	}
	return nil
}

// ReadAt reads decompressed image bytes starting at the logical offset off.
// Reads past the logical size return io.EOF; a read that crosses the end
// returns the available bytes and io.EOF.
func (c *CHD) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, off)
	}
	size := c.Size()
	if off >= size {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > size {
		end = size
	}

	hunkBytes := int64(c.header.HunkBytes)
	total := 0
	for off < end {
		hunkIdx := uint32(off / hunkBytes)
		if err := c.readHunk(hunkIdx, c.scratch, 0); err != nil {
			return total, err
		}

		start := off % hunkBytes
		n := copy(p[total:end-off+int64(total)], c.scratch[start:])
		total += n
		off += int64(n)
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
