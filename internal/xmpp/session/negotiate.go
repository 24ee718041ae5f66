package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"mellium.im/sasl"

	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
	"warble/internal/xmpp/stream"
)

// ErrTLSUnavailable is returned when the security policy demands STARTTLS
// but the server does not offer it. We never authenticate over an
// unprotected stream in that case.
var ErrTLSUnavailable = errors.New("session: server does not support STARTTLS")

type streamFeatures struct {
	XMLName  xml.Name `xml:"http://etherx.jabber.org/streams features"`
	StartTLS *struct {
		Required *struct{} `xml:"required"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
	Mechanisms *struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind    *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Session *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
}

func (f *streamFeatures) toFeatures() Features {
	out := Features{
		StartTLS: f.StartTLS != nil,
		Bind:     f.Bind != nil,
		Session:  f.Session != nil,
	}
	if f.StartTLS != nil && f.StartTLS.Required != nil {
		out.StartTLSRequired = true
	}
	if f.Mechanisms != nil {
		out.Mechanisms = f.Mechanisms.Mechanism
	}
	return out
}

func (s *Session) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig != nil {
		return s.cfg.TLSConfig
	}
	return &tls.Config{
		ServerName: s.cfg.JID.Domainpart(),
		MinVersion: tls.VersionTLS12,
	}
}

// Negotiate dials the server and drives the stream to the Ready state. On
// failure the returned error carries the specific cause: *stream.ConnectError,
// *AuthError, *BindError or a stream-level error.
func (s *Session) Negotiate(ctx context.Context) error {
	s.setState(Connecting)
	tr, err := stream.Dial(ctx, s.cfg.Addr(), s.cfg.Security, s.tlsConfig())
	if err != nil {
		s.setState(Disconnected)
		return err
	}
	if err := s.NegotiateTransport(ctx, tr); err != nil {
		tr.Abort()
		s.setState(Disconnected)
		return err
	}
	return nil
}

// NegotiateTransport negotiates over an already-established transport. It is
// split from Negotiate so that the state machine can be exercised over
// in-memory connections.
func (s *Session) NegotiateTransport(ctx context.Context, tr *stream.Transport) error {
	s.tr = tr
	s.setState(StreamNegotiating)

	feats, err := s.restart()
	if err != nil {
		return err
	}

	// Security upgrade before anything sensitive crosses the wire.
	if !tr.TLSActive() && s.cfg.Security == stream.StartTLS {
		if !feats.StartTLS {
			return ErrTLSUnavailable
		}
		s.setState(TLSUpgrading)
		if err := s.upgradeTLS(ctx); err != nil {
			return err
		}
		feats, err = s.restart()
		if err != nil {
			return err
		}
	}

	s.setState(Authenticating)
	if err := s.authenticate(feats.Mechanisms); err != nil {
		return err
	}
	feats, err = s.restart()
	if err != nil {
		return err
	}
	s.features = feats

	s.setState(BindingResource)
	if err := s.bind(); err != nil {
		return err
	}

	if feats.Session {
		s.setState(EstablishingSession)
		if err := s.establishSession(); err != nil {
			return err
		}
	}

	s.setState(Ready)
	return nil
}

// restart opens a new stream over the current byte channel and reads the
// feature announcement.
func (s *Session) restart() (Features, error) {
	if err := s.tr.SendStreamHeader(s.cfg.JID); err != nil {
		return Features{}, err
	}
	id, err := s.tr.ReadStreamHeader()
	if err != nil {
		return Features{}, err
	}
	s.streamID = id

	start, err := s.tr.NextStart()
	if err != nil {
		return Features{}, err
	}
	var feats streamFeatures
	if err := s.tr.Decode(&feats, &start); err != nil {
		return Features{}, err
	}
	return feats.toFeatures(), nil
}

func (s *Session) upgradeTLS(ctx context.Context) error {
	if err := s.tr.SendRaw([]byte(`<starttls xmlns='` + stanza.NSStartTLS + `'/>`)); err != nil {
		return err
	}
	start, err := s.tr.NextStart()
	if err != nil {
		return err
	}
	switch {
	case start.Name.Space != stanza.NSStartTLS:
		return stream.Error{Condition: "unsupported-stanza-type"}
	case start.Name.Local == "proceed":
		if err := s.tr.Skip(); err != nil {
			return err
		}
		return s.tr.Upgrade(ctx, s.tlsConfig())
	case start.Name.Local == "failure":
		s.tr.Skip()
		return &stream.ConnectError{Kind: stream.ConnectTLS, Addr: s.cfg.Addr(), Err: errors.New("server refused STARTTLS")}
	default:
		return stream.Error{Condition: "unsupported-stanza-type"}
	}
}

// authenticate runs SASL against the offered mechanism list, preferring our
// configured order. A server that offers none of our mechanisms is an
// authentication failure, never a downgrade.
func (s *Session) authenticate(offered []string) error {
	var selected sasl.Mechanism
	var found bool
selection:
	for _, m := range s.cfg.mechanisms() {
		for _, name := range offered {
			if name == m.Name {
				selected = m
				found = true
				break selection
			}
		}
	}
	if !found {
		return &AuthError{Reason: NoCommonMechanism}
	}

	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(s.cfg.JID.Localpart()), []byte(s.cfg.Password), nil
		}),
		sasl.RemoteMechanisms(offered...),
	}
	if state, ok := s.tr.ConnectionState(); ok {
		opts = append(opts, sasl.TLSState(state))
	}
	client := sasl.NewClient(selected, opts...)

	_, resp, err := client.Step(nil)
	if err != nil {
		return fmt.Errorf("session: sasl initial step: %w", err)
	}
	initial := base64.StdEncoding.EncodeToString(resp)
	if initial == "" {
		// RFC 6120 §6.4.2: a zero-length initial response is sent as '='.
		initial = "="
	}
	err = s.tr.SendRaw([]byte(
		`<auth xmlns='` + stanza.NSSASL + `' mechanism='` + selected.Name + `'>` + initial + `</auth>`))
	if err != nil {
		return err
	}

	for {
		start, err := s.tr.NextStart()
		if err != nil {
			return err
		}
		if start.Name.Space != stanza.NSSASL {
			return stream.Error{Condition: "unsupported-stanza-type"}
		}
		switch start.Name.Local {
		case "challenge":
			payload, err := s.decodeSASLPayload(&start)
			if err != nil {
				return err
			}
			_, resp, err := client.Step(payload)
			if err != nil {
				return &AuthError{Reason: CredentialsRejected, Condition: err.Error()}
			}
			encoded := base64.StdEncoding.EncodeToString(resp)
			if err := s.tr.SendRaw([]byte(`<response xmlns='` + stanza.NSSASL + `'>` + encoded + `</response>`)); err != nil {
				return err
			}
		case "success":
			payload, err := s.decodeSASLPayload(&start)
			if err != nil {
				return err
			}
			// SCRAM carries the server signature in the success payload and
			// the client must verify it.
			if len(payload) > 0 {
				if _, _, err := client.Step(payload); err != nil {
					return &AuthError{Reason: CredentialsRejected, Condition: err.Error()}
				}
			}
			return nil
		case "failure":
			var failure struct {
				Children []struct {
					XMLName xml.Name
				} `xml:",any"`
			}
			if err := s.tr.Decode(&failure, &start); err != nil {
				return err
			}
			authErr := &AuthError{Reason: CredentialsRejected}
			for _, child := range failure.Children {
				if child.XMLName.Local != "text" {
					authErr.Condition = child.XMLName.Local
					break
				}
			}
			return authErr
		default:
			return stream.Error{Condition: "unsupported-stanza-type"}
		}
	}
}

func (s *Session) decodeSASLPayload(start *xml.StartElement) ([]byte, error) {
	var el struct {
		Data string `xml:",chardata"`
	}
	if err := s.tr.Decode(&el, start); err != nil {
		return nil, err
	}
	if el.Data == "" || el.Data == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(el.Data)
}

type bindPayload struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
	JID      string   `xml:"jid,omitempty"`
}

// bind requests the configured resource (or lets the server pick one) and
// records the resulting full JID.
func (s *Session) bind() error {
	reqID := uuid.NewString()
	req := struct {
		XMLName xml.Name `xml:"iq"`
		ID      string   `xml:"id,attr"`
		Type    string   `xml:"type,attr"`
		Bind    bindPayload
	}{ID: reqID, Type: "set", Bind: bindPayload{Resource: s.cfg.JID.Resourcepart()}}
	if err := s.tr.Send(req); err != nil {
		return err
	}

	start, err := s.tr.NextStart()
	if err != nil {
		return err
	}
	if start.Name.Local != "iq" {
		return stream.Error{Condition: "unsupported-stanza-type"}
	}
	var resp struct {
		ID    string        `xml:"id,attr"`
		Type  string        `xml:"type,attr"`
		Bind  bindPayload   `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		Error *stanza.Error `xml:"error"`
	}
	if err := s.tr.Decode(&resp, &start); err != nil {
		return err
	}
	switch {
	case resp.ID != reqID:
		return stream.Error{Condition: "undefined-condition", Text: "bind response id mismatch"}
	case resp.Type == "error":
		cond := "undefined-condition"
		if resp.Error != nil {
			cond = string(resp.Error.Condition)
		}
		return &BindError{Condition: cond}
	}
	bound, err := jid.Parse(resp.Bind.JID)
	if err != nil {
		return fmt.Errorf("session: server returned unusable bound JID: %w", err)
	}
	s.bound = bound
	return nil
}

// establishSession performs the legacy RFC 3921 session IQ for servers that
// still advertise it.
func (s *Session) establishSession() error {
	reqID := uuid.NewString()
	err := s.tr.SendRaw([]byte(
		`<iq id='` + reqID + `' type='set'><session xmlns='` + stanza.NSSession + `'/></iq>`))
	if err != nil {
		return err
	}
	start, err := s.tr.NextStart()
	if err != nil {
		return err
	}
	var resp struct {
		ID    string        `xml:"id,attr"`
		Type  string        `xml:"type,attr"`
		Error *stanza.Error `xml:"error"`
	}
	if err := s.tr.Decode(&resp, &start); err != nil {
		return err
	}
	if resp.Type == "error" {
		cond := "undefined-condition"
		if resp.Error != nil {
			cond = string(resp.Error.Condition)
		}
		return stream.Error{Condition: cond}
	}
	return nil
}
