// Package multiplex implements the destination-resolution policy consulted
// by a Flow on every read of its pre-resolution inbound prefix.
package multiplex

import (
	"sync"

	"github.com/darkprokoba/tnexus/internal/tlsclienthello"
)

// Outcome classifies a Multiplexer's answer for a given prefix.
type Outcome int

const (
	// NeedMore means the caller should read more bytes and call again.
	NeedMore Outcome = iota
	// Mismatch means the prefix is definitely unroutable; abort the Flow.
	Mismatch
	// Match means addr is the backend to dial.
	Match
)

// Decision is the result of calling Multiplexer.Destination.
type Decision struct {
	Outcome Outcome
	Addr    string
}

var needMore = Decision{Outcome: NeedMore}
var mismatch = Decision{Outcome: Mismatch}

func match(addr string) Decision {
	return Decision{Outcome: Match, Addr: addr}
}

// Multiplexer is a pure policy mapping a stream prefix to a backend
// decision. Implementations must not block and must be safe to call
// repeatedly with a lengthening prefix between NeedMore answers.
type Multiplexer interface {
	Destination(prefix []byte) Decision
}

// Fixed always routes to the same backend address, even for an empty
// prefix — this lets the reactor dial the backend before any inbound byte
// arrives, which matters for protocols where the server speaks first
// (SSH, SMTP).
type Fixed struct {
	Addr string
}

// NewFixed constructs a Fixed multiplexer for addr.
func NewFixed(addr string) *Fixed {
	return &Fixed{Addr: addr}
}

// Destination implements Multiplexer.
func (f *Fixed) Destination(_ []byte) Decision {
	return match(f.Addr)
}

// SNI routes TLS connections by the ClientHello's Server Name Indication,
// falling back to Default when the hostname is unknown, the record is not
// recognized as a ClientHello, or the record carries no SNI extension.
type SNI struct {
	Default string

	mu  sync.RWMutex
	sni map[string]string
}

// NewSNI constructs an SNI multiplexer. table is copied so the caller's map
// can be freely mutated or discarded afterward.
func NewSNI(defaultAddr string, table map[string]string) *SNI {
	s := &SNI{Default: defaultAddr, sni: make(map[string]string, len(table))}
	for host, addr := range table {
		s.sni[host] = addr
	}
	return s
}

// Destination implements Multiplexer.
func (s *SNI) Destination(prefix []byte) Decision {
	if len(prefix) == 0 {
		return needMore
	}

	result := tlsclienthello.Parse(prefix)
	switch result.Decision {
	case tlsclienthello.NeedMore:
		return needMore
	case tlsclienthello.NotTLS:
		return match(s.Default)
	case tlsclienthello.Found:
		s.mu.RLock()
		addr, ok := s.sni[result.Hostname]
		s.mu.RUnlock()
		if !ok {
			addr = s.Default
		}
		return match(addr)
	default:
		return mismatch
	}
}

// Snapshot returns a point-in-time copy of the routing table for the
// control API. Safe to call from any goroutine; never called from the
// reactor's hot path.
func (s *SNI) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sni))
	for host, addr := range s.sni {
		out[host] = addr
	}
	return out
}

// AddRoute installs or overwrites a single hostname→address mapping. Used
// at startup to insert the synthetic tnexus.net entry once the control
// API's listener address is known.
func (s *SNI) AddRoute(hostname, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sni[hostname] = addr
}
