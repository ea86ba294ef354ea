package multiplex

import "testing"

func TestFixedMatchesEvenOnEmptyPrefix(t *testing.T) {
	f := NewFixed("127.0.0.1:22")
	d := f.Destination(nil)
	if d.Outcome != Match || d.Addr != "127.0.0.1:22" {
		t.Fatalf("Destination(nil) = %+v, want Match/127.0.0.1:22", d)
	}
}

func TestSNIEmptyPrefixNeedsMore(t *testing.T) {
	s := NewSNI("127.0.0.1:443", nil)
	d := s.Destination(nil)
	if d.Outcome != NeedMore {
		t.Fatalf("Destination(nil) = %+v, want NeedMore", d)
	}
}

func TestSNIMatchFromTable(t *testing.T) {
	s := NewSNI("127.0.0.1:443", map[string]string{"redhat.com": "10.0.0.1:443"})
	buf := clientHelloWithSNI(t, "redhat.com")
	d := s.Destination(buf)
	if d.Outcome != Match || d.Addr != "10.0.0.1:443" {
		t.Fatalf("Destination() = %+v, want Match/10.0.0.1:443", d)
	}
}

func TestSNIMissFallsBackToDefault(t *testing.T) {
	s := NewSNI("127.0.0.1:443", map[string]string{"redhat.com": "10.0.0.1:443"})
	buf := clientHelloWithSNI(t, "unknown.example")
	d := s.Destination(buf)
	if d.Outcome != Match || d.Addr != "127.0.0.1:443" {
		t.Fatalf("Destination() = %+v, want Match/127.0.0.1:443 (default)", d)
	}
}

func TestSNINonTLSFallsBackToDefault(t *testing.T) {
	s := NewSNI("127.0.0.1:443", map[string]string{"redhat.com": "10.0.0.1:443"})
	d := s.Destination([]byte("GET / HTTP/1.1\r\n"))
	if d.Outcome != Match || d.Addr != "127.0.0.1:443" {
		t.Fatalf("Destination() = %+v, want Match/127.0.0.1:443 for non-TLS traffic", d)
	}
}

func TestSNITruncatedRecordNeedsMore(t *testing.T) {
	s := NewSNI("127.0.0.1:443", nil)
	buf := clientHelloWithSNI(t, "redhat.com")[:4]
	d := s.Destination(buf)
	if d.Outcome != NeedMore {
		t.Fatalf("Destination() = %+v, want NeedMore on a 4-byte prefix", d)
	}
}

func TestSNISnapshotIsACopy(t *testing.T) {
	s := NewSNI("127.0.0.1:443", map[string]string{"a.com": "10.0.0.1:1"})
	snap := s.Snapshot()
	snap["a.com"] = "mutated"
	if got := s.Destination(clientHelloWithSNI(t, "a.com")); got.Addr != "10.0.0.1:1" {
		t.Fatalf("mutating the snapshot leaked into the live table: %+v", got)
	}
}

func TestSNIAddRouteIsObservedImmediately(t *testing.T) {
	s := NewSNI("127.0.0.1:443", nil)
	s.AddRoute("tnexus.net", "127.0.0.1:9443")
	d := s.Destination(clientHelloWithSNI(t, "tnexus.net"))
	if d.Outcome != Match || d.Addr != "127.0.0.1:9443" {
		t.Fatalf("Destination() = %+v, want Match/127.0.0.1:9443", d)
	}
}
