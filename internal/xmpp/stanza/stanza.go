// Package stanza defines the data model for the three top-level XMPP stream
// elements (message, presence and iq) and their typed payloads.
//
// The three kinds form a closed set: everything read from the wire is
// represented as exactly one of Message, Presence or IQ, with extension
// payloads kept as namespaced raw subtrees that interested subsystems decode
// themselves.
package stanza

import (
	"bytes"
	"encoding/xml"

	"warble/internal/xmpp/jid"
)

// Namespaces used across the protocol engine.
const (
	NSClient   = "jabber:client"
	NSStream   = "http://etherx.jabber.org/streams"
	NSStreams  = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSStartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession  = "urn:ietf:params:xml:ns:xmpp-session"

	NSRoster     = "jabber:iq:roster"
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSMAM        = "urn:xmpp:mam:2"
	NSRSM        = "http://jabber.org/protocol/rsm"
	NSForward    = "urn:xmpp:forward:0"
	NSDelay      = "urn:xmpp:delay"
	NSDiscoInfo  = "http://jabber.org/protocol/disco#info"
	NSDiscoItems = "http://jabber.org/protocol/disco#items"
	NSDataForms  = "jabber:x:data"
	NSPrivate    = "jabber:iq:private"
	NSBookmarks  = "storage:bookmarks"
	NSPing       = "urn:xmpp:ping"
)

// Stanza is the closed variant over the three top-level stream elements.
type Stanza interface {
	stanza()
}

func (Message) stanza()  {}
func (Presence) stanza() {}
func (IQ) stanza()       {}

// Extension is an opaque namespaced payload carried by a stanza. Subsystems
// that recognize the XMLName decode Inner themselves; unknown extensions are
// carried along and otherwise ignored.
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// NewExtension wraps a typed payload struct as an opaque extension so it can
// travel in a stanza's payload list.
func NewExtension(v interface{}) (Extension, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return Extension{}, err
	}
	var ext Extension
	if err := xml.Unmarshal(data, &ext); err != nil {
		return Extension{}, err
	}
	// The element namespace lives in XMLName; keeping the captured xmlns
	// attribute as well would emit it twice on re-encode.
	attrs := ext.Attrs[:0]
	for _, a := range ext.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	ext.Attrs = attrs
	return ext, nil
}

// Decode unmarshals the extension subtree into a typed payload struct.
func (e Extension) Decode(v interface{}) error {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(e.XMLName.Local)
	if e.XMLName.Space != "" {
		buf.WriteString(` xmlns="`)
		xml.EscapeText(&buf, []byte(e.XMLName.Space))
		buf.WriteByte('"')
	}
	for _, a := range e.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		xml.EscapeText(&buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
	buf.Write(e.Inner)
	buf.WriteString("</")
	buf.WriteString(e.XMLName.Local)
	buf.WriteByte('>')
	return xml.Unmarshal(buf.Bytes(), v)
}

// MessageType is the value of a message stanza's type attribute.
type MessageType string

const (
	NormalMessage    MessageType = "normal"
	ChatMessage      MessageType = "chat"
	GroupChatMessage MessageType = "groupchat"
	HeadlineMessage  MessageType = "headline"
	ErrorMessage     MessageType = "error"
)

// Message is a push-style stanza used for chat bodies and namespaced payload
// delivery (archive results, receipts and the like).
type Message struct {
	XMLName    xml.Name    `xml:"message"`
	ID         string      `xml:"id,attr,omitempty"`
	From       jid.JID     `xml:"from,attr,omitempty"`
	To         jid.JID     `xml:"to,attr,omitempty"`
	Type       MessageType `xml:"type,attr,omitempty"`
	Subject    string      `xml:"subject,omitempty"`
	Body       string      `xml:"body,omitempty"`
	Thread     string      `xml:"thread,omitempty"`
	Error      *Error      `xml:"error"`
	Extensions []Extension `xml:",any"`
}

// Extension returns the first extension payload matching name, if present.
func (m Message) Extension(name xml.Name) (Extension, bool) {
	for _, ext := range m.Extensions {
		if ext.XMLName == name {
			return ext, true
		}
	}
	return Extension{}, false
}

// PresenceType is the value of a presence stanza's type attribute. The empty
// string means available.
type PresenceType string

const (
	AvailablePresence    PresenceType = ""
	UnavailablePresence  PresenceType = "unavailable"
	SubscribePresence    PresenceType = "subscribe"
	SubscribedPresence   PresenceType = "subscribed"
	UnsubscribePresence  PresenceType = "unsubscribe"
	UnsubscribedPresence PresenceType = "unsubscribed"
	ProbePresence        PresenceType = "probe"
	ErrorPresence        PresenceType = "error"
)

// Presence broadcasts or requests availability.
type Presence struct {
	XMLName    xml.Name     `xml:"presence"`
	ID         string       `xml:"id,attr,omitempty"`
	From       jid.JID      `xml:"from,attr,omitempty"`
	To         jid.JID      `xml:"to,attr,omitempty"`
	Type       PresenceType `xml:"type,attr,omitempty"`
	Show       string       `xml:"show,omitempty"`
	Status     string       `xml:"status,omitempty"`
	Priority   int8         `xml:"priority,omitempty"`
	Error      *Error       `xml:"error"`
	Extensions []Extension  `xml:",any"`
}

// Extension returns the first extension payload matching name, if present.
func (p Presence) Extension(name xml.Name) (Extension, bool) {
	for _, ext := range p.Extensions {
		if ext.XMLName == name {
			return ext, true
		}
	}
	return Extension{}, false
}

// IQType is the value of an iq stanza's type attribute.
type IQType string

const (
	GetIQ    IQType = "get"
	SetIQ    IQType = "set"
	ResultIQ IQType = "result"
	ErrorIQ  IQType = "error"
)

// IQ is the request/response stanza: every get or set sent by this client
// must be answered by exactly one result or error carrying the same id.
type IQ struct {
	XMLName xml.Name    `xml:"iq"`
	ID      string      `xml:"id,attr,omitempty"`
	From    jid.JID     `xml:"from,attr,omitempty"`
	To      jid.JID     `xml:"to,attr,omitempty"`
	Type    IQType      `xml:"type,attr,omitempty"`
	Error   *Error      `xml:"error"`
	Payload []Extension `xml:",any"`
}

// PayloadName returns the XML name of the first payload child, or the zero
// name for result IQs without one.
func (iq IQ) PayloadName() xml.Name {
	if len(iq.Payload) == 0 {
		return xml.Name{}
	}
	return iq.Payload[0].XMLName
}

// Extension returns the first payload child matching name, if present.
func (iq IQ) Extension(name xml.Name) (Extension, bool) {
	for _, ext := range iq.Payload {
		if ext.XMLName == name {
			return ext, true
		}
	}
	return Extension{}, false
}

// Result builds the result IQ answering iq, with from and to swapped.
func (iq IQ) Result() IQ {
	return IQ{
		ID:   iq.ID,
		From: iq.To,
		To:   iq.From,
		Type: ResultIQ,
	}
}
