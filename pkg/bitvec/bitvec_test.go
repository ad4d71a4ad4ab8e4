package bitvec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestGetSet(t *testing.T) {
	p := make([]byte, 2)
	Set(p, 0, true)
	Set(p, 9, true)
	if p[0] != 0x01 || p[1] != 0x02 {
		t.Fatalf("unexpected buffer %02x %02x", p[0], p[1])
	}
	if !Get(p, 0) || Get(p, 1) || !Get(p, 9) {
		t.Fatal("Get disagrees with Set")
	}
	Set(p, 9, false)
	if Get(p, 9) {
		t.Fatal("bit 9 not cleared")
	}
}

func TestCopyRoundTrip(t *testing.T) {
	// Copying out and back again must reproduce the source run for every
	// combination of offsets and lengths.
	rng := rand.New(rand.NewSource(1))
	for srcOff := 0; srcOff < 8; srcOff++ {
		for dstOff := 0; dstOff < 8; dstOff++ {
			for n := 0; n < 64; n++ {
				src := make([]byte, 10)
				rng.Read(src)
				mid := make([]byte, 10)
				back := make([]byte, 10)

				Copy(mid, dstOff, src, srcOff, n)
				Copy(back, srcOff, mid, dstOff, n)

				for i := 0; i < n; i++ {
					if Get(back, srcOff+i) != Get(src, srcOff+i) {
						t.Fatalf("srcOff=%d dstOff=%d n=%d: bit %d lost", srcOff, dstOff, n, i)
					}
				}
			}
		}
	}
}

func TestCopyAlignedFastPath(t *testing.T) {
	src := []byte{0xde, 0xad, 0xbe, 0xef}
	dst := make([]byte, 4)
	Copy(dst, 0, src, 0, 32)
	if !bytes.Equal(dst, src) {
		t.Fatalf("Copy() = %x, want %x", dst, src)
	}
}

func TestCopyZeroBits(t *testing.T) {
	dst := []byte{0xff}
	Copy(dst, 3, []byte{0x00}, 2, 0)
	if dst[0] != 0xff {
		t.Fatalf("n=0 modified destination: %02x", dst[0])
	}
	CopyFromTMSResponse(dst, 5, 0x00, 0)
	if dst[0] != 0xff {
		t.Fatalf("n=0 TMS copy modified destination: %02x", dst[0])
	}
}

func TestCopyFromTMSResponse(t *testing.T) {
	tests := []struct {
		name   string
		rx     byte
		n      int
		dstOff int
		want   []byte
	}{
		// 0x6b single-bit response carries TDO in bit 7.
		{"single bit set", 0x80, 1, 0, []byte{0x01, 0x00}},
		{"single bit clear", 0x7f, 1, 0, []byte{0x00, 0x00}},
		{"single bit offset", 0x80, 1, 9, []byte{0x00, 0x02}},
		// 7-bit bit-mode read: payload in bits [7..1].
		{"seven bits", 0xaa, 7, 0, []byte{0x55, 0x00}},
		{"five bits offset 4", 0xf8, 5, 4, []byte{0xf0, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, 2)
			CopyFromTMSResponse(dst, tt.dstOff, tt.rx, tt.n)
			if !bytes.Equal(dst, tt.want) {
				t.Errorf("CopyFromTMSResponse(%02x, n=%d, off=%d) = %x, want %x",
					tt.rx, tt.n, tt.dstOff, dst, tt.want)
			}
		})
	}
}
