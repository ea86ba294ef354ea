package handle

import "testing"

func TestMakeRoundTrips(t *testing.T) {
	cases := []struct {
		index      uint32
		outbound   bool
		generation uint16
	}{
		{0, false, 0},
		{1, true, 0},
		{127, false, 42},
		{65535, true, 12345},
	}
	for _, c := range cases {
		h := Make(c.index, c.outbound, c.generation)
		if h.Index() != c.index {
			t.Fatalf("Index() = %d, want %d (handle %d)", h.Index(), c.index, h)
		}
		if h.IsOutbound() != c.outbound {
			t.Fatalf("IsOutbound() = %v, want %v (handle %d)", h.IsOutbound(), c.outbound, h)
		}
		if h.Generation() != c.generation {
			t.Fatalf("Generation() = %d, want %d (handle %d)", h.Generation(), c.generation, h)
		}
	}
}

func TestInboundOutboundHandlesDistinctForSameIndex(t *testing.T) {
	in := Make(5, false, 0)
	out := Make(5, true, 0)
	if in == out {
		t.Fatalf("inbound and outbound handles collided: %d", in)
	}
	if in.IsOutbound() || !out.IsOutbound() {
		t.Fatalf("IsOutbound mismatch: in=%v out=%v", in.IsOutbound(), out.IsOutbound())
	}
}

func TestReservedHandles(t *testing.T) {
	if Invalid != 0 {
		t.Fatalf("Invalid = %d, want 0", Invalid)
	}
	if Listener != 1 {
		t.Fatalf("Listener = %d, want 1", Listener)
	}
}
