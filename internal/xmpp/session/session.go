// Package session drives an XMPP connection through stream negotiation:
// TLS upgrade, SASL authentication, resource binding and session
// establishment. It owns the connection state machine and the reconnect
// backoff policy; stanza traffic after the Ready state is the dispatcher's
// business.
package session

import (
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"time"

	"mellium.im/sasl"

	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stream"
)

func randFloat() float64 { return rand.Float64() }

// State is the connection bring-up state.
type State int

const (
	Disconnected State = iota
	Connecting
	StreamNegotiating
	TLSUpgrading
	Authenticating
	BindingResource
	EstablishingSession
	Ready
	Reconnecting
)

// String returns a user-facing name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case StreamNegotiating:
		return "negotiating"
	case TLSUpgrading:
		return "tls"
	case Authenticating:
		return "authenticating"
	case BindingResource:
		return "binding"
	case EstablishingSession:
		return "establishing"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AuthReason classifies authentication failures. Auth failures never trigger
// automatic reconnection.
type AuthReason int

const (
	// NoCommonMechanism means the server offered none of our mechanisms. We
	// never downgrade below the configured set.
	NoCommonMechanism AuthReason = iota

	// CredentialsRejected means the server refused the credentials.
	CredentialsRejected
)

// AuthError is a fatal authentication failure.
type AuthError struct {
	Reason    AuthReason
	Condition string // SASL failure condition from the server, if any
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case NoCommonMechanism:
		return "session: no common SASL mechanism"
	default:
		if e.Condition != "" {
			return "session: authentication failed: " + e.Condition
		}
		return "session: authentication failed"
	}
}

// BindError is a fatal resource binding failure, e.g. a resource conflict.
type BindError struct {
	Condition string
}

func (e *BindError) Error() string {
	return "session: resource bind failed: " + e.Condition
}

// Config describes one account's connection parameters.
type Config struct {
	// JID is the account address. Its resourcepart, if any, is requested
	// during binding.
	JID jid.JID

	Password string

	// Server overrides the connect host; when empty the JID's domain is
	// dialed.
	Server string
	Port   int

	Security  stream.Security
	TLSConfig *tls.Config

	// Mechanisms is the ordered SASL mechanism preference. Empty selects the
	// default set (SCRAM-SHA-256, SCRAM-SHA-1, PLAIN).
	Mechanisms []sasl.Mechanism

	// Lang is the preferred stream language.
	Lang string
}

// Addr returns the dial address for the configuration.
func (c Config) Addr() string {
	host := c.Server
	if host == "" {
		host = c.JID.Domainpart()
	}
	port := c.Port
	if port == 0 {
		port = 5222
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c Config) mechanisms() []sasl.Mechanism {
	if len(c.Mechanisms) != 0 {
		return c.Mechanisms
	}
	return []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain}
}

// Features are the stream features announced by the server for the ready
// session (the post-authentication announcement).
type Features struct {
	StartTLS         bool
	StartTLSRequired bool
	Mechanisms       []string
	Bind             bool
	Session          bool
}

// Session is one connection attempt. It is created per attempt and replaced,
// never reused, across reconnects.
type Session struct {
	cfg   Config
	tr    *stream.Transport
	state State

	features Features
	bound    jid.JID
	streamID string

	// OnState is invoked from the negotiating goroutine on every state
	// transition before negotiation returns.
	OnState func(State)
}

// New prepares a session for one connection attempt.
func New(cfg Config) *Session {
	return &Session{cfg: cfg, state: Disconnected}
}

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// LocalAddr returns the JID bound by the server, valid once Ready.
func (s *Session) LocalAddr() jid.JID { return s.bound }

// Features returns the server's final feature announcement.
func (s *Session) Features() Features { return s.features }

// Transport exposes the underlying framed stream for the engine loop. Valid
// once Ready.
func (s *Session) Transport() *stream.Transport { return s.tr }

func (s *Session) setState(st State) {
	s.state = st
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Close shuts the stream down cleanly.
func (s *Session) Close() error {
	s.setState(Disconnected)
	if s.tr == nil {
		return nil
	}
	return s.tr.Close()
}

// Abort tears the connection down without the stream closing handshake.
func (s *Session) Abort() {
	s.setState(Disconnected)
	if s.tr != nil {
		s.tr.Abort()
	}
}

// Backoff computes reconnect delays: exponential with a bounded maximum and
// jitter, reset after a session reaches Ready.
type Backoff struct {
	// Initial is the first delay; defaults to one second.
	Initial time.Duration

	// Max bounds the delay; defaults to two minutes.
	Max time.Duration

	// Jitter adds a random fraction (0..Jitter) of the base delay; defaults
	// to 0.25. Jittered delays still never exceed Max+Max*Jitter.
	Jitter float64

	attempts int
}

func (b *Backoff) initial() time.Duration {
	if b.Initial <= 0 {
		return time.Second
	}
	return b.Initial
}

func (b *Backoff) max() time.Duration {
	if b.Max <= 0 {
		return 2 * time.Minute
	}
	return b.Max
}

// Next returns the delay before the upcoming attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.initial() << uint(b.attempts)
	if d > b.max() || d <= 0 { // d <= 0 guards shift overflow
		d = b.max()
	} else {
		b.attempts++
	}
	jitter := b.Jitter
	if jitter == 0 {
		jitter = 0.25
	}
	return d + time.Duration(float64(d)*jitter*randFloat())
}

// Base returns the delay the next call to Next will use, without jitter or
// advancing the counter.
func (b *Backoff) Base() time.Duration {
	d := b.initial() << uint(b.attempts)
	if d > b.max() || d <= 0 {
		return b.max()
	}
	return d
}

// Reset restores the initial interval. Called after a successful Ready
// transition.
func (b *Backoff) Reset() {
	b.attempts = 0
}
