package pmwcas

import (
	"errors"
	"testing"
)

func validPoolHeader() *PoolHeader {
	return &PoolHeader{
		Magic:         Magic,
		FormatVersion: Version,
		Capacity:      4,
		MaxThreads:    128,
		DirtyFlag:     1,
	}
}

func TestEncodePoolHeader_BufferTooSmall(t *testing.T) {
	dst := make([]byte, 32) // less than HeaderSize
	err := EncodePoolHeader(dst, validPoolHeader())
	if err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestEncodePoolHeader_OK(t *testing.T) {
	dst := make([]byte, HeaderSize)
	err := EncodePoolHeader(dst, validPoolHeader())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(dst[0:4]) != MagicString {
		t.Fatalf("magic = %q, want %q", dst[0:4], MagicString)
	}
}

func TestDecodePoolHeader_BufferTooSmall(t *testing.T) {
	_, err := DecodePoolHeader(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestDecodePoolHeader_BadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], "NOPE")
	_, err := DecodePoolHeader(buf)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodePoolHeader_BadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], MagicString)
	buf[4] = 99 // bogus version, little-endian low byte
	_, err := DecodePoolHeader(buf)
	if err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestDecodePoolHeader_RoundTrip(t *testing.T) {
	h := validPoolHeader()

	buf := make([]byte, HeaderSize)
	if err := EncodePoolHeader(buf, h); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodePoolHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.FormatVersion != h.FormatVersion {
		t.Errorf("FormatVersion = %d, want %d", got.FormatVersion, h.FormatVersion)
	}
	if got.Capacity != h.Capacity {
		t.Errorf("Capacity = %d, want %d", got.Capacity, h.Capacity)
	}
	if got.MaxThreads != h.MaxThreads {
		t.Errorf("MaxThreads = %d, want %d", got.MaxThreads, h.MaxThreads)
	}
	if got.DirtyFlag != h.DirtyFlag {
		t.Errorf("DirtyFlag = %d, want %d", got.DirtyFlag, h.DirtyFlag)
	}
}
