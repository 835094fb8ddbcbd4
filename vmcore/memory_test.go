package vmcore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewMemoryLayout(t *testing.T) {
	code := []byte{0x08, 0x08, 0x00}
	m, err := NewMemory(code)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	if got, want := m.StackBase(), uint16(len(code)); got != want {
		t.Fatalf("StackBase = %d, want %d", got, want)
	}
	if got, want := m.CallStackBase(), uint16(len(code)+256); got != want {
		t.Fatalf("CallStackBase = %d, want %d", got, want)
	}

	if diff := cmp.Diff(code, m.DumpRange(0, uint16(len(code)))); diff != "" {
		t.Fatalf("code region mismatch (-want +got):\n%s", diff)
	}
}

func TestNewMemoryRejectsOversizedImage(t *testing.T) {
	_, err := NewMemory(make([]byte, maxCodeSize+1))
	if err != ErrImageTooLarge {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestNewMemoryAcceptsMaxCodeSize(t *testing.T) {
	_, err := NewMemory(make([]byte, maxCodeSize))
	if err != nil {
		t.Fatalf("expected maxCodeSize to fit, got %v", err)
	}
}

func TestReadWriteU8RoundTrip(t *testing.T) {
	m, err := NewMemory(nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m.WriteU8(0x1234, 0xab)
	if got := m.ReadU8(0x1234); got != 0xab {
		t.Fatalf("ReadU8 = 0x%02x, want 0xab", got)
	}
}

func TestDumpReturnsFullImage(t *testing.T) {
	m, err := NewMemory([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	dump := m.Dump()
	if len(dump) != imageSize {
		t.Fatalf("Dump length = %d, want %d", len(dump), imageSize)
	}
	if dump[0] != 0x01 || dump[1] != 0x02 {
		t.Fatalf("Dump code region mismatch: %v", dump[:2])
	}
}
