// Package compress implements the per-block SSTable compressor. A
// single tag byte precedes every compressed block on disk so a reader
// always knows which algorithm to invoke regardless of the writer's
// configured default.
package compress

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"redish/internal/dberrors"
)

// Kind tags which algorithm compressed a block.
type Kind uint8

const (
	KindNone Kind = iota
	KindLZ4
	KindZstd
	KindSnappy
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLZ4:
		return "lz4"
	case KindZstd:
		return "zstd"
	case KindSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Compressor compresses and decompresses single SSTable data blocks.
// Implementations never compress across block boundaries.
type Compressor interface {
	Kind() Kind
	CompressBlock(src []byte) []byte
	DecompressBlock(src []byte) ([]byte, error)
}

// New returns the Compressor for kind at the given level. level is
// ignored by algorithms that don't expose one (None, Snappy).
func New(kind Kind, level int) (Compressor, error) {
	switch kind {
	case KindNone:
		return noneCompressor{}, nil
	case KindLZ4:
		return lz4Compressor{level: lz4Level(level)}, nil
	case KindZstd:
		return zstdCompressor{level: zstdLevel(level)}, nil
	case KindSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compressor kind %d", dberrors.ErrInternal, kind)
	}
}

// Decode reads the one-byte algorithm tag from src and decompresses the
// remainder with the matching algorithm, regardless of which Compressor
// the caller is otherwise configured with. This is how the reader path
// tolerates an SSTable written under a different default than the one
// currently configured.
func Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty compressed block", dberrors.ErrCorruption)
	}
	kind := Kind(src[0])
	c, err := New(kind, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrCorruption, err)
	}
	return c.DecompressBlock(src[1:])
}

// Encode tags the compressed payload with its one-byte Kind so Decode
// can recognize it later.
func Encode(c Compressor, block []byte) []byte {
	out := make([]byte, 0, len(block)+1)
	out = append(out, byte(c.Kind()))
	out = append(out, c.CompressBlock(block)...)
	return out
}

type noneCompressor struct{}

func (noneCompressor) Kind() Kind                    { return KindNone }
func (noneCompressor) CompressBlock(src []byte) []byte { return append([]byte(nil), src...) }
func (noneCompressor) DecompressBlock(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

type lz4Compressor struct{ level lz4.CompressionLevel }

func (lz4Compressor) Kind() Kind { return KindLZ4 }

func (c lz4Compressor) CompressBlock(src []byte) []byte {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))

	var n int
	var err error
	if c.level <= lz4.Fast {
		var compressor lz4.Compressor
		n, err = compressor.CompressBlock(src, dst)
	} else {
		compressor := lz4.CompressorHC{Level: c.level}
		n, err = compressor.CompressBlock(src, dst)
	}
	if err != nil || n == 0 {
		// Incompressible input: lz4 requires a literal fallback frame.
		return append([]byte{0}, src...)
	}
	return append([]byte{1}, dst[:n]...)
}

func (c lz4Compressor) DecompressBlock(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty lz4 block", dberrors.ErrCorruption)
	}
	if src[0] == 0 {
		return append([]byte(nil), src[1:]...), nil
	}
	dst := make([]byte, 0, len(src)*4+64)
	for {
		n, err := lz4.UncompressBlock(src[1:], dst[:cap(dst)])
		if err == nil {
			return dst[:n], nil
		}
		if cap(dst) >= 1<<28 {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", dberrors.ErrCorruption, err)
		}
		dst = make([]byte, 0, cap(dst)*2+64)
	}
}

func lz4Level(level int) lz4.CompressionLevel {
	if level <= 0 {
		return lz4.Fast
	}
	return lz4.CompressionLevel(level)
}

type zstdCompressor struct{ level zstd.EncoderLevel }

func (zstdCompressor) Kind() Kind { return KindZstd }

func (c zstdCompressor) CompressBlock(src []byte) []byte {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return append([]byte(nil), src...)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil)
}

func (c zstdCompressor) DecompressBlock(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd reader: %v", dberrors.ErrCorruption, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", dberrors.ErrCorruption, err)
	}
	return out, nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	if level <= 0 {
		return zstd.SpeedDefault
	}
	if level >= int(zstd.SpeedBestCompression) {
		return zstd.SpeedBestCompression
	}
	return zstd.EncoderLevel(level)
}

type snappyCompressor struct{}

func (snappyCompressor) Kind() Kind { return KindSnappy }

func (snappyCompressor) CompressBlock(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCompressor) DecompressBlock(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decompress: %v", dberrors.ErrCorruption, err)
	}
	return out, nil
}
