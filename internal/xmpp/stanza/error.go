package stanza

import (
	"encoding/xml"
)

// ErrorType is the value of the type attribute on a stanza error.
type ErrorType string

const (
	Auth     ErrorType = "auth"
	Cancel   ErrorType = "cancel"
	Continue ErrorType = "continue"
	Modify   ErrorType = "modify"
	Wait     ErrorType = "wait"
)

// Condition is a defined stanza error condition from RFC 6120 §8.3.3.
type Condition string

const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PolicyViolation       Condition = "policy-violation"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

// Error is a stanza-level error. It satisfies the error interface so that a
// decoded error response can be handed directly to a pending request's
// continuation.
type Error struct {
	Type      ErrorType
	By        string
	Condition Condition
	Text      string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return string(e.Condition) + ": " + e.Text
	}
	return string(e.Condition)
}

// UnmarshalXML decodes the error element, picking out the defined condition
// and any human-readable text child.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "type":
			e.Type = ErrorType(attr.Value)
		case "by":
			e.By = attr.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != NSStanzas {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if t.Name.Local == "text" {
				var text struct {
					Data string `xml:",chardata"`
				}
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text.Data
				continue
			}
			e.Condition = Condition(t.Name.Local)
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

// MarshalXML encodes the error element with its condition and optional text.
func (e Error) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = start.Attr[:0]
	if e.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(e.Type)})
	}
	if e.By != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "by"}, Value: e.By})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := e.Condition
	if cond == "" {
		cond = UndefinedCondition
	}
	condStart := xml.StartElement{
		Name: xml.Name{Local: string(cond)},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: NSStanzas}},
	}
	if err := enc.EncodeToken(condStart); err != nil {
		return err
	}
	if err := enc.EncodeToken(condStart.End()); err != nil {
		return err
	}
	if e.Text != "" {
		textStart := xml.StartElement{
			Name: xml.Name{Local: "text"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: NSStanzas}},
		}
		if err := enc.EncodeToken(textStart); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(textStart.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
