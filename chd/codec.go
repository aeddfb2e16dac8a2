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
	"sync"
)

// Codec tag constants (4-byte big-endian integers of the ASCII FourCC).
const (
	// CodecNone indicates an unused codec slot.
	CodecNone uint32 = 0x00000000

	// CodecZlib is the deflate codec ("zlib"). Despite the name, hunks hold
	// raw deflate streams with no zlib wrapper.
	CodecZlib uint32 = 0x7a6c6962

	// CodecLZMA is the LZMA codec ("lzma").
	CodecLZMA uint32 = 0x6c7a6d61

	// CodecHuff is the CHD Huffman codec ("huff").
	CodecHuff uint32 = 0x68756666

	// CodecFLAC is the FLAC audio codec ("flac").
	CodecFLAC uint32 = 0x666c6163

	// CodecZstd is the Zstandard codec ("zstd").
	CodecZstd uint32 = 0x7a737464

	// CodecCDZlib is the CD-framed zlib codec ("cdzl").
	CodecCDZlib uint32 = 0x63647a6c

	// CodecCDLZMA is the CD-framed LZMA codec ("cdlz").
	CodecCDLZMA uint32 = 0x63646c7a

	// CodecCDFLAC is the CD-framed FLAC codec ("cdfl").
	CodecCDFLAC uint32 = 0x6364666c
)

// Codec decompresses CHD hunk data.
type Codec interface {
	// Decompress decompresses src into dst. dst must be pre-allocated to the
	// expected decompressed size. Returns the number of bytes written to dst.
	Decompress(dst, src []byte) (int, error)
}

// codecRegistry holds registered codec factories. Factories receive the
// image's hunk size so stateful codecs can size themselves once at open.
var (
	codecRegistry   = make(map[uint32]func(hunkBytes uint32) Codec)
	codecRegistryMu sync.RWMutex
)

// RegisterCodec registers a codec factory for the given tag.
func RegisterCodec(tag uint32, factory func(hunkBytes uint32) Codec) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[tag] = factory
}

// newCodec returns a codec instance for the given tag. CD-framed tags
// resolve to a codec that fails every call (the CD frontend is out of
// scope); unknown tags likewise resolve to a failing codec carrying the tag
// in its diagnostic, so the error surfaces only if a hunk actually needs it.
func newCodec(tag, hunkBytes uint32) Codec {
	codecRegistryMu.RLock()
	factory, ok := codecRegistry[tag]
	codecRegistryMu.RUnlock()

	if !ok {
		switch tag {
		case CodecCDZlib, CodecCDLZMA, CodecCDFLAC:
			return &notImplementedCodec{tag: tag}
		default:
			return &unknownCodec{tag: tag}
		}
	}
	return factory(hunkBytes)
}

// CodecTagToString converts a codec tag to its ASCII representation.
func CodecTagToString(tag uint32) string {
	if tag == 0 {
		return "none"
	}
	return string([]byte{
		byte(tag >> 24),
		byte(tag >> 16),
		byte(tag >> 8),
		byte(tag),
	})
}

// notImplementedCodec stands in for recognized CD-framed codecs.
type notImplementedCodec struct {
	tag uint32
}

func (c *notImplementedCodec) Decompress(_, _ []byte) (int, error) {
	return 0, fmt.Errorf("%w: codec %s not implemented", ErrUnsupportedCodec, CodecTagToString(c.tag))
}

// unknownCodec stands in for unrecognized codec tags.
type unknownCodec struct {
	tag uint32
}

func (c *unknownCodec) Decompress(_, _ []byte) (int, error) {
	return 0, fmt.Errorf("%w: unknown codec %08x (%s)",
		ErrUnsupportedCodec, c.tag, CodecTagToString(c.tag))
}
