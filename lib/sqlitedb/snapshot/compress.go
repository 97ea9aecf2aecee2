// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to the database image
// in a snapshot file. Tags are stored in snapshot headers — changing
// the values breaks snapshot format compatibility.
type Compression uint8

const (
	// None stores the image uncompressed. Chosen automatically when
	// compression would not shrink the payload. Tag 0 is reserved so
	// that a zero-valued Options field means "default", not "none".
	None Compression = 1

	// LZ4 is block-mode LZ4: fast, moderate ratio. For operators
	// optimizing backup speed over size.
	LZ4 Compression = 2

	// Zstd is zstd at its default level. Better ratios on the
	// text-heavy pages a metadata database mostly holds. The default.
	Zstd Compression = 3
)

// DefaultCompression is used when Options does not name a tag.
const DefaultCompression = Zstd

// String returns the tag's name as used in flags and headers.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression tag from its string form.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown compression %q", name)
	}
}

// errIncompressible reports that compression produced no size win;
// the caller falls back to storing the image uncompressed.
var errIncompressible = errors.New("snapshot: data is incompressible")

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies tag to data. Returns errIncompressible when the
// output would be no smaller than the input.
func compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("snapshot: lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("snapshot: unsupported compression %d", tag)
	}
}

// decompress reverses compress. uncompressedSize must match the
// original image length exactly; a mismatch is an error, not a
// truncation.
func decompress(compressed []byte, tag Compression, uncompressedSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("snapshot: uncompressed payload is %d bytes, header says %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil
	case LZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("snapshot: lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("snapshot: lz4 decompress produced %d bytes, header says %d",
				read, uncompressedSize)
		}
		return destination, nil
	case Zstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("snapshot: zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("snapshot: zstd decompress produced %d bytes, header says %d",
				len(result), uncompressedSize)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("snapshot: unsupported compression %d", tag)
	}
}
