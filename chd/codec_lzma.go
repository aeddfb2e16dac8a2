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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	RegisterCodec(CodecLZMA, func(hunkBytes uint32) Codec { return newLZMACodec(hunkBytes) })
}

// lzmaCodec implements the "lzma" codec. CHD stores raw LZMA streams with no
// header; the decoder properties are fixed (lc=3, lp=0, pb=2) and the
// dictionary size is derived from the hunk size, so the header prefix is
// built once at open and reused for every hunk.
type lzmaCodec struct {
	header [lzmaHeaderBytes]byte
}

// lzmaHeaderBytes is the size of the classic LZMA header the decoder
// library expects: properties byte, 32-bit dictionary size, 64-bit
// uncompressed size (both little-endian).
const lzmaHeaderBytes = 13

// lzmaPropsLcLpPb encodes lc=3, lp=0, pb=2: lc + lp*9 + pb*45 = 0x5D.
const lzmaPropsLcLpPb = 0x5D

func newLZMACodec(hunkBytes uint32) *lzmaCodec {
	c := &lzmaCodec{}
	c.header[0] = lzmaPropsLcLpPb
	binary.LittleEndian.PutUint32(c.header[1:5], lzmaDictSize(hunkBytes))
	return c
}

// lzmaDictSize normalizes the dictionary size the reference encoder derives
// from the hunk size: the smallest 2<<i or 3<<i at or above it.
func lzmaDictSize(hunkBytes uint32) uint32 {
	for i := uint32(11); i <= 30; i++ {
		if hunkBytes <= 2<<i {
			return 2 << i
		}
		if hunkBytes <= 3<<i {
			return 3 << i
		}
	}
	return 1 << 26
}

// Decompress decodes the raw LZMA stream in src into dst.
func (c *lzmaCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: lzma: empty source", ErrDecompressFailed)
	}

	// Complete the prebuilt header with this hunk's uncompressed size and
	// splice it in front of the raw stream.
	header := c.header
	binary.LittleEndian.PutUint64(header[5:13], uint64(len(dst)))

	full := make([]byte, 0, lzmaHeaderBytes+len(src))
	full = append(full, header[:]...)
	full = append(full, src...)

	reader, err := lzma.NewReader(bytes.NewReader(full))
	if err != nil {
		return 0, fmt.Errorf("%w: lzma init: %w", ErrDecompressFailed, err)
	}

	n, err := io.ReadFull(reader, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: lzma read: %w", ErrDecompressFailed, err)
	}
	if n != len(dst) {
		return n, fmt.Errorf("%w: lzma: short output (%d of %d bytes)",
			ErrDecompressFailed, n, len(dst))
	}

	return n, nil
}
