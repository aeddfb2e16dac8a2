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

package nbdexport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ksv1986/go-chdnbd/chd"
)

// buildTestImage assembles an uncompressed single-hunk V5 image whose
// payload sits right after the header.
func buildTestImage(t *testing.T, payload []byte) []byte {
	t.Helper()

	const headerSize = 124
	header := make([]byte, headerSize)
	copy(header, "MComprHD")
	binary.BigEndian.PutUint32(header[8:12], headerSize)
	binary.BigEndian.PutUint32(header[12:16], 5)
	binary.BigEndian.PutUint64(header[32:40], uint64(len(payload)))                // logical size
	binary.BigEndian.PutUint64(header[40:48], uint64(headerSize+len(payload)))    // map offset
	binary.BigEndian.PutUint32(header[56:60], uint32(len(payload)))               // hunk bytes
	binary.BigEndian.PutUint32(header[60:64], uint32(len(payload)))               // unit bytes

	// One raw 12-byte map entry: type/length/crc zero, offset = headerSize.
	entry := make([]byte, 12)
	entry[4+3] = byte(headerSize >> 16)
	entry[4+4] = byte(headerSize >> 8)
	entry[4+5] = byte(headerSize)

	img := append(header, payload...)
	return append(img, entry...)
}

func TestBackend(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x5A, 0xC3}, 2048)
	img, err := chd.New(bytes.NewReader(buildTestImage(t, payload)))
	if err != nil {
		t.Fatalf("chd.New: %v", err)
	}
	b := New(img)

	size, err := b.Size()
	if err != nil || size != int64(len(payload)) {
		t.Fatalf("Size = %d, %v", size, err)
	}

	buf := make([]byte, 512)
	if n, err := b.ReadAt(buf, 1024); err != nil || n != 512 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf, payload[1024:1536]) {
		t.Error("ReadAt content mismatch")
	}

	// Reads crossing the end of the device are zero-padded to full length.
	if n, err := b.ReadAt(buf, size-100); err != nil || n != 512 {
		t.Fatalf("ReadAt at end = %d, %v", n, err)
	}
	if !bytes.Equal(buf[:100], payload[len(payload)-100:]) {
		t.Error("tail content mismatch")
	}
	for i := 100; i < 512; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d past end = %#x, want 0", i, buf[i])
		}
	}

	// Writes are sunk.
	if n, err := b.WriteAt(make([]byte, 256), 0); err != nil || n != 256 {
		t.Errorf("WriteAt = %d, %v", n, err)
	}
	if err := b.Sync(); err != nil {
		t.Errorf("Sync = %v", err)
	}

	// The image itself is unchanged by the write.
	if n, err := b.ReadAt(buf[:4], 0); err != nil || n != 4 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf[:4], payload[:4]) {
		t.Error("write must not alter the image")
	}
}
