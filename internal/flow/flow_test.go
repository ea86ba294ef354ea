package flow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/darkprokoba/tnexus/internal/handle"
	"github.com/darkprokoba/tnexus/internal/multiplex"
)

// fakeSocket is an in-memory, non-blocking Socket: inbound is fed by the
// test, outbound is captured into a buffer the test can inspect.
type fakeSocket struct {
	readBuf   bytes.Buffer
	eof       bool
	readErr   error
	written   bytes.Buffer
	writeErr  error
	closeWrit bool
	closed    bool
}

func (s *fakeSocket) feed(p []byte) { s.readBuf.Write(p) }

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.readBuf.Len() == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}
	return s.readBuf.Read(p)
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.written.Write(p)
}

func (s *fakeSocket) CloseWrite() error { s.closeWrit = true; return nil }
func (s *fakeSocket) Close() error      { s.closed = true; return nil }

// fakeRegistrar records registration calls without doing any real epoll
// work.
type fakeRegistrar struct {
	registered map[handle.Handle]Events
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[handle.Handle]Events)}
}

func (r *fakeRegistrar) Register(h handle.Handle, ev Events) error {
	r.registered[h] = ev
	return nil
}

func (r *fakeRegistrar) Reregister(h handle.Handle, ev Events) error {
	r.registered[h] = ev
	return nil
}

func (r *fakeRegistrar) Deregister(h handle.Handle) error {
	delete(r.registered, h)
	return nil
}

func TestFlowOpaqueForwardDialsEagerlyOnEmptyPrefix(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 64)
	reg := newFakeRegistrar()
	if err := f.RegisterInbound(reg); err != nil {
		t.Fatalf("RegisterInbound: %v", err)
	}

	out := &fakeSocket{}
	mux := multiplex.NewFixed("127.0.0.1:22")
	dial := func(addr string) (Socket, error) { return out, nil }

	// Simulate the accept path's eager Destination(empty) call.
	decision := mux.Destination(nil)
	if decision.Outcome != multiplex.Match {
		t.Fatalf("Fixed multiplexer did not match empty prefix")
	}
	if err := f.SetOutbound(dial, decision.Addr, reg); err != nil {
		t.Fatalf("SetOutbound: %v", err)
	}
	if f.Outbound == nil {
		t.Fatalf("expected outbound installed")
	}

	// Backend speaks first.
	out.feed([]byte("SSH-2.0-OpenSSH\r\n"))
	if keepAlive := f.Read(false, mux, dial, reg); !keepAlive {
		t.Fatalf("expected keep-alive after backend banner")
	}
	if got := in.written.String(); got != "SSH-2.0-OpenSSH\r\n" {
		t.Fatalf("client did not receive banner, got %q", got)
	}
}

func TestFlowSNIMatchDialsSelectedBackend(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 4096)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	mux := multiplex.NewSNI("127.0.0.1:443", map[string]string{"redhat.com": "10.0.0.1:443"})
	var dialed string
	out := &fakeSocket{}
	dial := func(addr string) (Socket, error) { dialed = addr; return out, nil }

	in.feed(clientHelloFixture(t, "redhat.com"))
	if keepAlive := f.Read(true, mux, dial, reg); !keepAlive {
		t.Fatalf("expected keep-alive on SNI match")
	}
	if dialed != "10.0.0.1:443" {
		t.Fatalf("dialed %q, want 10.0.0.1:443", dialed)
	}

	// The accumulated ClientHello prefix only drains to the backend once
	// the outbound half reports writable.
	if out.written.Len() != 0 {
		t.Fatalf("expected nothing forwarded before the outbound writable event")
	}
	if keepAlive := f.Write(false, reg); !keepAlive {
		t.Fatalf("Write: expected keep-alive")
	}
	if out.written.Len() == 0 {
		t.Fatalf("expected ClientHello prefix forwarded to backend after writable event")
	}
}

func TestFlowSNIMissFallsBackToDefault(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 4096)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	mux := multiplex.NewSNI("127.0.0.1:443", map[string]string{"redhat.com": "10.0.0.1:443"})
	var dialed string
	dial := func(addr string) (Socket, error) { dialed = addr; return &fakeSocket{}, nil }

	in.feed(clientHelloFixture(t, "unknown.example"))
	f.Read(true, mux, dial, reg)
	if dialed != "127.0.0.1:443" {
		t.Fatalf("dialed %q, want default 127.0.0.1:443", dialed)
	}
}

func TestFlowNonTLSFallsBackToDefault(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 4096)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	mux := multiplex.NewSNI("127.0.0.1:443", nil)
	var dialed string
	dial := func(addr string) (Socket, error) { dialed = addr; return &fakeSocket{}, nil }

	in.feed([]byte("GET / HTTP/1.1\r\n"))
	f.Read(true, mux, dial, reg)
	if dialed != "127.0.0.1:443" {
		t.Fatalf("dialed %q, want default", dialed)
	}
}

func TestFlowBackpressureSuspendsAndResumesReadable(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 8)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	out := &fakeSocket{}
	mux := multiplex.NewFixed("x")
	dial := func(addr string) (Socket, error) { return out, nil }
	f.SetOutbound(dial, "x", reg)
	f.Outbound.writable = false // backend not ready to accept writes yet

	in.feed([]byte("01234567")) // exactly fills an 8-byte buffer
	if keepAlive := f.Read(true, mux, dial, reg); !keepAlive {
		t.Fatalf("expected keep-alive while backpressured")
	}
	if reg.registered[f.Inbound.H].Has(Readable) {
		t.Fatalf("expected inbound readable interest suspended once buffer filled")
	}

	// Backend becomes writable and drains the buffer; inbound readable
	// interest should be re-armed.
	if keepAlive := f.Write(false, reg); !keepAlive {
		t.Fatalf("expected keep-alive after drain")
	}
	if !reg.registered[f.Inbound.H].Has(Readable) {
		t.Fatalf("expected inbound readable interest re-armed after drain")
	}
	if out.written.String() != "01234567" {
		t.Fatalf("backend got %q, want full payload", out.written.String())
	}
}

func TestFlowHalfCloseForwardsRemainderThenShutsDownWrite(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 64)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	out := &fakeSocket{}
	mux := multiplex.NewFixed("x")
	dial := func(addr string) (Socket, error) { return out, nil }
	f.SetOutbound(dial, "x", reg)

	in.feed([]byte("bye"))
	in.eof = true
	if keepAlive := f.Read(true, mux, dial, reg); !keepAlive {
		t.Fatalf("expected Flow to stay alive until backend also closes")
	}
	if out.written.String() != "bye" {
		t.Fatalf("backend got %q, want \"bye\"", out.written.String())
	}
	if !out.closeWrit {
		t.Fatalf("expected outbound write half shut down after inbound drained")
	}

	out.eof = true
	if keepAlive := f.Read(false, mux, dial, reg); keepAlive {
		t.Fatalf("expected Flow removal once both halves drained")
	}
}

func TestFlowReadErrorDuringPreResolutionAborts(t *testing.T) {
	in := &fakeSocket{readErr: errors.New("boom")}
	f := NewInbound(2, 0, in, 64)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	mux := multiplex.NewFixed("x")
	dial := func(addr string) (Socket, error) { return &fakeSocket{}, nil }
	if keepAlive := f.Read(true, mux, dial, reg); keepAlive {
		t.Fatalf("expected Flow aborted on pre-resolution read error")
	}
}

func TestFlowOversizedClientHelloAbortsPreResolution(t *testing.T) {
	in := &fakeSocket{}
	f := NewInbound(2, 0, in, 8)
	reg := newFakeRegistrar()
	f.RegisterInbound(reg)

	mux := multiplex.NewSNI("default", nil)
	dial := func(addr string) (Socket, error) { return &fakeSocket{}, nil }

	// A syntactically valid but (per the declared record length) far from
	// complete TLS record: the parser keeps asking for more, but the
	// buffer fills first.
	in.feed([]byte{22, 3, 3, 0, 200, 1, 0, 0})
	if keepAlive := f.Read(true, mux, dial, reg); keepAlive {
		t.Fatalf("expected Flow aborted when pre-resolution buffer fills unresolved")
	}
}

func clientHelloFixture(t *testing.T, sni string) []byte {
	t.Helper()
	return buildClientHelloForFlowTests(sni)
}
