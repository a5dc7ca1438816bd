package pmwcas

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PoolHeader is the pool file's root header: everything OpenPool needs
// to validate a file before trusting its descriptor array.
type PoolHeader struct {
	Magic         [4]byte
	FormatVersion uint32
	Capacity      uint32 // K, fixed at creation
	MaxThreads    uint32
	DirtyFlag     uint32 // 1 if use_dirty_flag was enabled at creation, else 0
}

// EncodePoolHeader writes h into the first HeaderSize bytes of dst.
func EncodePoolHeader(dst []byte, h *PoolHeader) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("pmwcas: header encode: buffer too small (%d < %d)", len(dst), HeaderSize)
	}
	copy(dst[0:4], Magic[:])
	binary.LittleEndian.PutUint32(dst[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint32(dst[8:12], h.Capacity)
	binary.LittleEndian.PutUint32(dst[12:16], h.MaxThreads)
	binary.LittleEndian.PutUint32(dst[16:20], h.DirtyFlag)
	clear(dst[20:HeaderSize])
	return nil
}

// DecodePoolHeader reads the first HeaderSize bytes of src into a
// PoolHeader.
func DecodePoolHeader(src []byte) (*PoolHeader, error) {
	if len(src) < HeaderSize {
		return nil, fmt.Errorf("pmwcas: header decode: buffer too small (%d < %d)", len(src), HeaderSize)
	}
	h := &PoolHeader{}
	if !bytes.Equal(src[0:4], Magic[:]) {
		return nil, fmt.Errorf("pmwcas: header decode: %w (got %q)", ErrBadMagic, src[0:4])
	}
	h.FormatVersion = binary.LittleEndian.Uint32(src[4:8])
	if h.FormatVersion != Version {
		return nil, fmt.Errorf("pmwcas: header decode: unsupported format version %d", h.FormatVersion)
	}
	h.Capacity = binary.LittleEndian.Uint32(src[8:12])
	h.MaxThreads = binary.LittleEndian.Uint32(src[12:16])
	h.DirtyFlag = binary.LittleEndian.Uint32(src[16:20])
	return h, nil
}
