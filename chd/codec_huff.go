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

import "fmt"

func init() {
	RegisterCodec(CodecHuff, func(uint32) Codec { return newHuffCodec() })
}

// huffCodec implements the CHD Huffman codec: each hunk is a self-contained
// bit stream carrying a full-Huffman table description (256 symbols, 16-bit
// max) followed by one symbol per output byte.
type huffCodec struct {
	decoder *huffmanDecoder
}

func newHuffCodec() *huffCodec {
	return &huffCodec{decoder: newHuffmanDecoder(256, 16)}
}

// Decompress decodes exactly len(dst) symbols from src.
func (c *huffCodec) Decompress(dst, src []byte) (int, error) {
	br := newBitReader(src)
	if err := c.decoder.importTreeHuffman(br); err != nil {
		return 0, err
	}

	for i := range dst {
		dst[i] = byte(c.decoder.decodeOne(br))
	}

	if br.overflow() {
		return 0, fmt.Errorf("%w: compressed hunk too small", ErrDecompressFailed)
	}
	return len(dst), nil
}
