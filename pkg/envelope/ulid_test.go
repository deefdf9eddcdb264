package envelope

import (
	"testing"
	"time"
)

func TestNewULID_Length(t *testing.T) {
	id := NewULID()
	if len(id) != 26 {
		t.Fatalf("expected 26-character ULID, got %d chars: %q", len(id), id)
	}
}

func TestNewULID_MonotonicAcrossMillis(t *testing.T) {
	id1 := NewULID()
	time.Sleep(2 * time.Millisecond)
	id2 := NewULID()

	if !(id1 < id2) {
		t.Fatalf("expected id1 < id2 for IDs separated by >=1ms, got %q >= %q", id1, id2)
	}
}

func TestNewULID_MonotonicWithinSameMillis(t *testing.T) {
	g := &generator{}
	now := time.Now()

	first := g.next(now)
	second := g.next(now)

	if !(first < second) {
		t.Fatalf("expected monotonic increment within same ms, got %q >= %q", first, second)
	}
}

func TestIncrementEntropy_CarriesOverflow(t *testing.T) {
	var all0xFF [10]byte
	for i := range all0xFF {
		all0xFF[i] = 0xFF
	}
	wrapped := incrementEntropy(all0xFF)
	var zero [10]byte
	if wrapped != zero {
		t.Fatalf("expected overflow to wrap to zero, got %v", wrapped)
	}

	var withCarry [10]byte
	withCarry[9] = 0xFF
	result := incrementEntropy(withCarry)
	if result[9] != 0x00 || result[8] != 0x01 {
		t.Fatalf("expected carry into byte 8, got %v", result)
	}
}

func TestULIDTimestamp_RoundTrip(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Millisecond)
	id := NewULID()
	ts, ok := ULIDTimestamp(id)
	if !ok {
		t.Fatalf("ULIDTimestamp failed to decode %q", id)
	}
	if ts.Before(before.Add(-time.Millisecond)) || ts.After(time.Now().UTC().Add(time.Millisecond)) {
		t.Fatalf("decoded timestamp %s not close to generation time %s", ts, before)
	}
}

func TestULIDTimestamp_InvalidInput(t *testing.T) {
	if _, ok := ULIDTimestamp("too-short"); ok {
		t.Fatal("expected failure decoding short string")
	}
	if _, ok := ULIDTimestamp("!!!!!!!!!!!!!!!!!!!!!!!!!!"); ok {
		t.Fatal("expected failure decoding invalid characters")
	}
}
