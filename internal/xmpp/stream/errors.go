package stream

import (
	"errors"
	"fmt"
)

// ConnectKind classifies why establishing the TCP or TLS layer failed.
type ConnectKind int

const (
	ConnectDNS ConnectKind = iota
	ConnectRefused
	ConnectTLS
	ConnectOther
)

// String returns a short name for the kind.
func (k ConnectKind) String() string {
	switch k {
	case ConnectDNS:
		return "dns"
	case ConnectRefused:
		return "refused"
	case ConnectTLS:
		return "tls-handshake"
	default:
		return "connect"
	}
}

// ConnectError reports a failure to bring up the transport.
type ConnectError struct {
	Kind ConnectKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("stream: connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Error is a stream-level error: either a condition received in a
// <stream:error/> element or a local framing failure. Stream errors are
// always fatal to the session that received them.
type Error struct {
	Condition string
	Text      string
}

func (e Error) Error() string {
	if e.Text != "" {
		return "stream: " + e.Condition + ": " + e.Text
	}
	return "stream: " + e.Condition
}

// Stream error conditions raised locally.
var (
	// ErrMalformedXML is returned when the incoming byte stream stops being
	// well-formed XML. The connection is no longer usable.
	ErrMalformedXML = Error{Condition: "malformed-xml"}

	// ErrStreamClosed is returned after the peer closes the stream with
	// </stream:stream>.
	ErrStreamClosed = errors.New("stream: closed by peer")
)
