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
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

func init() {
	RegisterCodec(CodecZlib, func(uint32) Codec { return &zlibCodec{} })
}

// zlibCodec implements the "zlib" codec. CHD stores raw deflate (RFC 1951)
// streams without the zlib wrapper.
type zlibCodec struct{}

// Decompress inflates src into dst, which must be filled completely.
func (*zlibCodec) Decompress(dst, src []byte) (int, error) {
	reader := flate.NewReader(bytes.NewReader(src))
	defer func() { _ = reader.Close() }()

	n, err := io.ReadFull(reader, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: zlib: %w", ErrDecompressFailed, err)
	}
	if n != len(dst) {
		return n, fmt.Errorf("%w: zlib: short output (%d of %d bytes)",
			ErrDecompressFailed, n, len(dst))
	}

	return n, nil
}
