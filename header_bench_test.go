package pmwcas

import (
	"testing"
)

func BenchmarkEncodePoolHeader(b *testing.B) {
	h := &PoolHeader{
		Magic:         Magic,
		FormatVersion: Version,
		Capacity:      4,
		MaxThreads:    128,
		DirtyFlag:     1,
	}
	dst := make([]byte, HeaderSize)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if encodeErr := EncodePoolHeader(dst, h); encodeErr != nil {
			b.Fatal(encodeErr)
		}
	}
}

func BenchmarkDecodePoolHeader(b *testing.B) {
	h := &PoolHeader{
		Magic:         Magic,
		FormatVersion: Version,
		Capacity:      4,
		MaxThreads:    128,
		DirtyFlag:     1,
	}
	buf := make([]byte, HeaderSize)
	if encodeErr := EncodePoolHeader(buf, h); encodeErr != nil {
		b.Fatal(encodeErr)
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, decodeErr := DecodePoolHeader(buf); decodeErr != nil {
			b.Fatal(decodeErr)
		}
	}
}
