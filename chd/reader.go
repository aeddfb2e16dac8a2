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
	"math"
)

// Reader is a sequential view of the decompressed image, implementing
// io.ReadSeeker and io.ReaderAt over exactly Size() bytes. Like the CHD it
// wraps, it is not safe for concurrent use.
type Reader struct {
	c   *CHD
	pos int64
}

// Reader returns a stream positioned at the start of the decompressed image.
func (c *CHD) Reader() *Reader {
	return &Reader{c: c}
}

// Read reads up to len(p) decompressed bytes at the current position.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.c.ReadAt(p, r.pos)
	r.pos += int64(n)
	if n > 0 && err == io.EOF {
		// Report EOF on the next call, per the io.Reader contract.
		err = nil
	}
	return n, err
}

// ReadAt reads decompressed bytes at an absolute logical offset without
// moving the stream position.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.c.ReadAt(p, off)
}

// Seek sets the position for the next Read. Seeking past the end is allowed;
// subsequent reads return EOF. Arithmetic overflow and negative resulting
// positions are rejected.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = r.c.Size()
	default:
		return 0, fmt.Errorf("%w: seek whence %d", ErrInvalidArgument, whence)
	}

	if offset > 0 && base > math.MaxInt64-offset {
		return 0, fmt.Errorf("%w: seek overflows", ErrInvalidArgument)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: seek to negative position %d", ErrInvalidArgument, pos)
	}

	r.pos = pos
	return r.pos, nil
}
