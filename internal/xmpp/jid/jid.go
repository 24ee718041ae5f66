// Package jid implements the XMPP address format described in RFC 7622.
//
// A JID has the form localpart@domainpart/resourcepart where the localpart
// and resourcepart are optional. JIDs are immutable value types; the zero
// value is the empty JID.
package jid

import (
	"encoding/xml"
	"errors"
	"strings"
)

// Errors returned while parsing a JID.
var (
	ErrEmpty        = errors.New("jid: empty address")
	ErrEmptyLocal   = errors.New("jid: localpart must not be empty")
	ErrEmptyDomain  = errors.New("jid: domainpart must not be empty")
	ErrLongPart     = errors.New("jid: part longer than 1023 bytes")
	ErrInvalidLocal = errors.New("jid: localpart contains forbidden characters")
)

// maxPartLen is the limit RFC 7622 places on each part of the address.
const maxPartLen = 1023

// JID is an XMPP address. The domainpart is stored case folded so that
// comparison of two JIDs only depends on the case of the localpart and
// resourcepart, as the protocol requires.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a JID from its string representation.
func Parse(s string) (JID, error) {
	local, domain, resource, err := split(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics on malformed input. It simplifies
// initialization from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a JID from its three parts.
func New(local, domain, resource string) (JID, error) {
	if domain == "" {
		return JID{}, ErrEmptyDomain
	}
	for _, p := range []string{local, domain, resource} {
		if len(p) > maxPartLen {
			return JID{}, ErrLongPart
		}
	}
	// RFC 7622 §3.3.1 forbids a handful of characters in the localpart that
	// would otherwise be ambiguous in the string form.
	if strings.ContainsAny(local, "\"&'/:<>@") {
		return JID{}, ErrInvalidLocal
	}
	return JID{
		local:    local,
		domain:   strings.ToLower(domain),
		resource: resource,
	}, nil
}

// split breaks the string form into its three parts without any
// normalization.
func split(s string) (local, domain, resource string, err error) {
	if s == "" {
		return "", "", "", ErrEmpty
	}

	// The resourcepart may itself contain '@' and '/', so it is split off
	// first at the first slash.
	if sep := strings.Index(s, "/"); sep >= 0 {
		resource = s[sep+1:]
		s = s[:sep]
	}
	if sep := strings.Index(s, "@"); sep >= 0 {
		if sep == 0 {
			return "", "", "", ErrEmptyLocal
		}
		local = s[:sep]
		s = s[sep+1:]
	}
	return local, s, resource, nil
}

// Localpart returns the localpart (the part before '@'), which may be empty.
func (j JID) Localpart() string { return j.local }

// Domainpart returns the domainpart of the JID.
func (j JID) Domainpart() string { return j.domain }

// Resourcepart returns the resourcepart (the part after '/'), which may be
// empty.
func (j JID) Resourcepart() string { return j.resource }

// Bare returns a copy of the JID with the resourcepart removed.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// Domain returns a copy of the JID with only the domainpart set.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// WithResource returns a copy of the JID with the given resourcepart.
func (j JID) WithResource(resource string) (JID, error) {
	if len(resource) > maxPartLen {
		return JID{}, ErrLongPart
	}
	j.resource = resource
	return j, nil
}

// IsZero reports whether the JID is the zero value.
func (j JID) IsZero() bool {
	return j.local == "" && j.domain == "" && j.resource == ""
}

// Equal reports whether two JIDs are identical. The domainpart is already
// case folded by New, so comparison is byte-wise.
func (j JID) Equal(other JID) bool {
	return j.local == other.local && j.domain == other.domain && j.resource == other.resource
}

// String returns the canonical string form of the JID.
func (j JID) String() string {
	var b strings.Builder
	b.Grow(len(j.local) + len(j.domain) + len(j.resource) + 2)
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// MarshalXMLAttr satisfies xml.MarshalerAttr so that JIDs can be used
// directly in stanza attributes. The zero JID produces no attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
