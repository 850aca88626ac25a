// Package codec implements the fixed-endian, checksummed framing shared
// by the WAL and the SSTable data blocks. All on-disk integers are
// little-endian; every framed record trails a CRC32 (IEEE polynomial)
// computed over the bytes that precede it.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"redish/internal/dberrors"
)

// Magic and version tags for the two on-disk formats. Readers reject
// unknown versions outright rather than attempt to parse them.
const (
	SSTableMagic   uint32 = 0x52445353 // "RDSS"
	SSTableVersion uint16 = 2

	WALMagic   uint32 = 0x5244574C // "RDWL"
	WALVersion uint16 = 1
)

// PutUint32/PutUint64/PutInt64 append little-endian fixed-width integers.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func PutInt64(buf []byte, v int64) []byte {
	return PutUint64(buf, uint64(v))
}

// ReadUint32/ReadUint64/ReadInt64 read little-endian fixed-width integers
// from r. Errors from io.ReadFull (io.EOF, io.ErrUnexpectedEOF, or the
// reader's own error) are returned unwrapped, so callers can detect a
// clean end-of-stream and choose which error kind to wrap the rest in.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

// ReadBytes reads exactly n bytes, treating a short read as corruption
// rather than a clean EOF (used once the caller already knows a record
// is in flight, i.e. after successfully reading its length prefix).
func ReadBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short read (%d bytes): %v", dberrors.ErrCorruption, n, err)
	}
	return buf, nil
}

// CRC32 computes the IEEE checksum used to trail every frame.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// VerifyCRC32 returns dberrors.ErrCorruption if want does not match the
// checksum of got.
func VerifyCRC32(got []byte, want uint32) error {
	if crc32.ChecksumIEEE(got) != want {
		return fmt.Errorf("%w: crc32 mismatch", dberrors.ErrCorruption)
	}
	return nil
}

// WriteHeader writes the 4-byte magic + 2-byte version header shared by
// the WAL and SSTable formats.
func WriteHeader(w io.Writer, magic uint32, version uint16) error {
	var b [6]byte
	binary.LittleEndian.PutUint32(b[0:4], magic)
	binary.LittleEndian.PutUint16(b[4:6], version)
	_, err := w.Write(b[:])
	return err
}

// ReadHeader reads and validates a header, rejecting unknown magic or
// version values.
func ReadHeader(r io.Reader, wantMagic uint32, wantVersion uint16) error {
	var b [6]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: reading header: %v", dberrors.ErrCorruption, err)
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	version := binary.LittleEndian.Uint16(b[4:6])
	if magic != wantMagic {
		return fmt.Errorf("%w: bad magic %x", dberrors.ErrCorruption, magic)
	}
	if version != wantVersion {
		return fmt.Errorf("%w: unsupported version %d", dberrors.ErrCorruption, version)
	}
	return nil
}
