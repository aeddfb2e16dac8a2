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

// Package nbdexport adapts a CHD image to the go-nbd server backend
// contract, exposing the decompressed payload as a block device.
package nbdexport

import (
	"errors"
	"io"
	"sync"

	"github.com/ksv1986/go-chdnbd/chd"
)

// Backend serves the decompressed image. The CHD reader itself is
// single-threaded, so image reads are serialized behind a mutex.
type Backend struct {
	mu  sync.Mutex
	img *chd.CHD
}

// New wraps img for serving.
func New(img *chd.CHD) *Backend {
	return &Backend{img: img}
}

// ReadAt fills p with decompressed image bytes at off. Requests that cross
// the end of the image are zero-padded: the device has no bytes there, and
// short NBD replies would kill the session.
func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.img.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return len(p), nil
	}
	return n, err
}

// WriteAt sinks writes. The export is effectively read-only; accepting and
// discarding writes keeps the transmission loop alive for clients that open
// the device read-write.
func (b *Backend) WriteAt(p []byte, _ int64) (int, error) {
	return len(p), nil
}

// Size returns the logical size of the decompressed image.
func (b *Backend) Size() (int64, error) {
	return b.img.Size(), nil
}

// Sync has nothing to flush.
func (b *Backend) Sync() error {
	return nil
}
