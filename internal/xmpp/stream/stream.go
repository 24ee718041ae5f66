// Package stream owns the raw connection to an XMPP server and turns the
// byte stream into a sequence of parsed top-level XML elements and back.
//
// A Transport frames exactly one element per call to NextStart/NextStanza
// regardless of how the bytes were chunked by the network, supports the
// in-stream STARTTLS upgrade, and reports malformed XML as a fatal stream
// error rather than dropping it.
package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Security selects the transport security policy for a connection.
type Security int

const (
	// StartTLS upgrades the plaintext stream with STARTTLS and refuses to
	// authenticate if the upgrade is unavailable.
	StartTLS Security = iota

	// DirectTLS opens a TLS connection immediately (XEP-0368 style ports).
	DirectTLS

	// Plaintext performs no security upgrade. Only for tests and localhost
	// debugging.
	Plaintext
)

// Transport is a framed XML stream over a single connection.
//
// Reads are issued by at most one goroutine (the session's reader) and
// writes by at most one goroutine (the engine loop); the two sides do not
// share state beyond the connection itself.
type Transport struct {
	conn net.Conn
	src  *connReader
	br   *bufio.Reader
	d    *xml.Decoder

	wmu sync.Mutex

	security  Security
	tlsActive bool
	depth     int // 0 before stream header, 1 inside <stream:stream>
}

// connReader is the swappable source under the transport's buffered
// reader. A security upgrade replaces the source; the buffer, and with it
// any input read ahead of the parser, stays.
type connReader struct {
	src io.Reader
}

func (r *connReader) Read(p []byte) (int, error) { return r.src.Read(p) }

// Dial connects to addr and returns a Transport ready for a stream header.
// Failures are reported as *ConnectError with the cause classified.
func Dial(ctx context.Context, addr string, security Security, tlsCfg *tls.Config) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Kind: classifyDial(err), Addr: addr, Err: err}
	}

	t := &Transport{conn: conn, security: security}
	if security == DirectTLS {
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &ConnectError{Kind: ConnectTLS, Addr: addr, Err: err}
		}
		t.conn = tc
		t.tlsActive = true
	}
	t.reset()
	return t, nil
}

// NewTransport wraps an existing connection. It exists so that the session
// logic can be exercised over in-memory pipes.
func NewTransport(conn net.Conn, security Security) *Transport {
	t := &Transport{conn: conn, security: security}
	t.reset()
	return t
}

func classifyDial(err error) ConnectKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ConnectDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectRefused
	}
	return ConnectOther
}

// reset installs a fresh decoder for a stream restart. The decoder reads
// through the transport's persistent buffered reader, which implements
// io.ByteReader, so the decoder itself never buffers ahead and a restart
// cannot lose input the old decoder had already pulled off the wire.
func (t *Transport) reset() {
	if t.src == nil {
		t.src = &connReader{}
		t.br = bufio.NewReader(t.src)
	}
	t.src.src = t.conn
	t.d = xml.NewDecoder(t.br)
	t.depth = 0
}

// TLSActive reports whether the byte channel has been upgraded.
func (t *Transport) TLSActive() bool { return t.tlsActive }

// SendStreamHeader opens (or restarts) the stream towards the given domain.
func (t *Transport) SendStreamHeader(to jid.JID) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	// No XML declaration: it is optional and a stream restart after SASL
	// reuses the established parser on both sides.
	_, err := fmt.Fprintf(t.conn,
		`<stream:stream to='%s' xmlns='%s' xmlns:stream='%s' version='1.0'>`,
		to.Domainpart(), stanza.NSClient, stanza.NSStream)
	return err
}

// ReadStreamHeader consumes the peer's stream header and returns its id
// attribute. Any other element is a framing violation.
func (t *Transport) ReadStreamHeader() (id string, err error) {
	for {
		tok, err := t.d.Token()
		if err != nil {
			return "", t.readErr(err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "stream" || start.Name.Space != stanza.NSStream {
			return "", Error{Condition: "invalid-namespace"}
		}
		t.depth = 1
		for _, attr := range start.Attr {
			if attr.Name.Local == "id" {
				id = attr.Value
			}
		}
		return id, nil
	}
}

// NextStart returns the start element of the next top-level stream child,
// skipping whitespace between stanzas. Stream errors and the closing stream
// tag are surfaced as errors, never as elements.
func (t *Transport) NextStart() (xml.StartElement, error) {
	for {
		tok, err := t.d.Token()
		if err != nil {
			return xml.StartElement{}, t.readErr(err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "error" && el.Name.Space == stanza.NSStream {
				return xml.StartElement{}, t.decodeStreamError(el)
			}
			return el, nil
		case xml.EndElement:
			if el.Name.Local == "stream" && el.Name.Space == stanza.NSStream {
				return xml.StartElement{}, ErrStreamClosed
			}
		}
	}
}

// Decode finishes decoding the element whose start was returned by
// NextStart.
func (t *Transport) Decode(v interface{}, start *xml.StartElement) error {
	if err := t.d.DecodeElement(v, start); err != nil {
		return t.readErr(err)
	}
	return nil
}

// Skip discards the remainder of the current element.
func (t *Transport) Skip() error {
	if err := t.d.Skip(); err != nil {
		return t.readErr(err)
	}
	return nil
}

// NextStanza frames and decodes the next message, presence or iq. Elements
// outside the stanza vocabulary (unknown nonzas) are skipped; unknown
// extension namespaces inside a stanza are preserved by the stanza types.
func (t *Transport) NextStanza() (stanza.Stanza, error) {
	for {
		start, err := t.NextStart()
		if err != nil {
			return nil, err
		}
		switch {
		case start.Name.Local == "message":
			var msg stanza.Message
			if err := t.Decode(&msg, &start); err != nil {
				return nil, err
			}
			return msg, nil
		case start.Name.Local == "presence":
			var p stanza.Presence
			if err := t.Decode(&p, &start); err != nil {
				return nil, err
			}
			return p, nil
		case start.Name.Local == "iq":
			var iq stanza.IQ
			if err := t.Decode(&iq, &start); err != nil {
				return nil, err
			}
			return iq, nil
		default:
			if err := t.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func (t *Transport) decodeStreamError(start xml.StartElement) error {
	var parsed struct {
		Children []struct {
			XMLName xml.Name
			Text    string `xml:",chardata"`
		} `xml:",any"`
	}
	if err := t.d.DecodeElement(&parsed, &start); err != nil {
		return t.readErr(err)
	}
	streamErr := Error{Condition: "undefined-condition"}
	for _, child := range parsed.Children {
		if child.XMLName.Space != stanza.NSStreams {
			continue
		}
		if child.XMLName.Local == "text" {
			streamErr.Text = child.Text
			continue
		}
		streamErr.Condition = child.XMLName.Local
	}
	return streamErr
}

// readErr translates decoder failures into the stream error taxonomy.
func (t *Transport) readErr(err error) error {
	var syntaxErr *xml.SyntaxError
	switch {
	case errors.As(err, &syntaxErr):
		return ErrMalformedXML
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	default:
		return err
	}
}

// Send serializes v and writes it to the stream as one element.
func (t *Transport) Send(v interface{}) error {
	b, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	return t.SendRaw(b)
}

// SendRaw writes already-serialized bytes to the stream.
func (t *Transport) SendRaw(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

// Ping writes a single whitespace byte, the cheapest way to verify the
// connection is still alive.
func (t *Transport) Ping() error {
	return t.SendRaw([]byte{' '})
}

// Upgrade replaces the byte channel with TLS over the same connection and
// restarts the framer. The caller must have completed the <starttls/>
// exchange first; the stream restarts from the header after the handshake.
func (t *Transport) Upgrade(ctx context.Context, cfg *tls.Config) error {
	tc := tls.Client(t.conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return &ConnectError{Kind: ConnectTLS, Addr: t.conn.RemoteAddr().String(), Err: err}
	}
	t.conn = tc
	t.tlsActive = true
	t.reset()
	return nil
}

// ConnectionState returns the TLS state of an upgraded connection.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	if tc, ok := t.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Close sends the closing stream tag and tears down the connection.
// Closing also unblocks a reader parked in NextStart.
func (t *Transport) Close() error {
	t.wmu.Lock()
	fmt.Fprint(t.conn, `</stream:stream>`)
	t.wmu.Unlock()
	return t.conn.Close()
}

// Abort tears down the connection without the closing handshake. Used when
// the stream is already known to be broken.
func (t *Transport) Abort() error {
	return t.conn.Close()
}
