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

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

func init() {
	RegisterCodec(CodecFLAC, func(hunkBytes uint32) Codec { return newFLACCodec(hunkBytes) })
}

// flacCodec implements the "flac" codec. A hunk payload is one endianness
// byte ('L' or 'B') followed by headerless FLAC frames holding stereo 16-bit
// PCM; the prefix byte selects the byte order of the decoded samples. The
// stream carries no fLaC marker or STREAMINFO block, so a synthetic header
// is prepended for the decoder library.
type flacCodec struct {
	header []byte
}

func newFLACCodec(hunkBytes uint32) *flacCodec {
	return &flacCodec{
		header: buildFLACHeader(44100, 2, flacBlockSize(hunkBytes)),
	}
}

// flacBlockSize mirrors the reference encoder's choice: a quarter of the
// hunk in samples, halved until it fits the encoder's 2048-sample ceiling.
func flacBlockSize(hunkBytes uint32) uint16 {
	blockSize := hunkBytes / 4
	for blockSize > 2048 {
		blockSize /= 2
	}
	return uint16(blockSize)
}

// Decompress decodes the FLAC frames in src into dst as interleaved stereo
// 16-bit samples. dst must hold a whole number of 4-byte sample pairs.
func (c *flacCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("%w: flac: empty source", ErrDecompressFailed)
	}

	var bigEndian bool
	switch src[0] {
	case 'L':
		bigEndian = false
	case 'B':
		bigEndian = true
	default:
		return 0, fmt.Errorf("%w: flac: bad endianness byte %#02x", ErrDecompressFailed, src[0])
	}

	stream, err := flac.New(io.MultiReader(bytes.NewReader(c.header), bytes.NewReader(src[1:])))
	if err != nil {
		return 0, fmt.Errorf("%w: flac init: %w", ErrDecompressFailed, err)
	}
	defer func() { _ = stream.Close() }()

	wantSamples := len(dst) / 4
	samples := 0
	offset := 0
	for samples < wantSamples {
		audioFrame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return offset, fmt.Errorf("%w: flac frame: %w", ErrDecompressFailed, err)
		}

		if len(audioFrame.Subframes) != 2 {
			return offset, fmt.Errorf("%w: flac: %d channels, want 2",
				ErrDecompressFailed, len(audioFrame.Subframes))
		}

		offset = writeFLACSamples(audioFrame, dst, offset, bigEndian)
		samples += audioFrame.Subframes[0].NSamples
	}

	if samples != wantSamples {
		return offset, fmt.Errorf("%w: flac: decoded %d samples, want %d",
			ErrDecompressFailed, samples, wantSamples)
	}
	return offset, nil
}

// writeFLACSamples interleaves one frame's stereo samples into dst in the
// requested byte order, returning the new write offset.
func writeFLACSamples(audioFrame *frame.Frame, dst []byte, offset int, bigEndian bool) int {
	for i := 0; i < audioFrame.Subframes[0].NSamples; i++ {
		for ch := 0; ch < 2; ch++ {
			if offset+2 > len(dst) {
				return offset
			}
			sample := audioFrame.Subframes[ch].Samples[i]
			if bigEndian {
				dst[offset] = byte(sample >> 8)
				dst[offset+1] = byte(sample)
			} else {
				dst[offset] = byte(sample)
				dst[offset+1] = byte(sample >> 8)
			}
			offset += 2
		}
	}
	return offset
}

// flacHeaderTemplate is a minimal valid FLAC stream header with a STREAMINFO
// block; the sizing fields are patched per image by buildFLACHeader.
var flacHeaderTemplate = []byte{
	0x66, 0x4C, 0x61, 0x43, // "fLaC" magic
	0x80, 0x00, 0x00, 0x22, // STREAMINFO block header (last=1, type=0, length=34)
	0x00, 0x00, // min block size
	0x00, 0x00, // max block size
	0x00, 0x00, 0x00, // min frame size
	0x00, 0x00, 0x00, // max frame size
	0x0A, 0xC4, 0x42, 0xF0, 0x00, 0x00, 0x00, 0x00, // sample rate, channels, bits, total samples
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // MD5 signature
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // MD5 signature continued
}

// buildFLACHeader patches the template with the given stream parameters.
func buildFLACHeader(sampleRate uint32, numChannels uint8, blockSize uint16) []byte {
	header := make([]byte, len(flacHeaderTemplate))
	copy(header, flacHeaderTemplate)

	// Block sizes at 0x08 and 0x0A, big-endian 16-bit.
	header[0x08] = byte(blockSize >> 8)
	header[0x09] = byte(blockSize)
	header[0x0A] = byte(blockSize >> 8)
	header[0x0B] = byte(blockSize)

	// Sample rate and channel count at 0x12, big-endian 24-bit:
	// (sampleRate << 4) | ((channels - 1) << 1), 16-bit samples.
	val := (sampleRate << 4) | (uint32(numChannels-1) << 1)
	header[0x12] = byte(val >> 16)
	header[0x13] = byte(val >> 8)
	header[0x14] = byte(val)

	return header
}
