// Package disco implements XEP-0030 service discovery: querying peers for
// their identities and features, caching the answers, and answering
// disco#info queries about this client.
package disco

import (
	"encoding/xml"

	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Feature is a disco feature var (a namespace the entity supports).
type Feature string

// Features this client cares about or advertises.
const (
	FeatureDiscoInfo  Feature = "http://jabber.org/protocol/disco#info"
	FeatureDiscoItems Feature = "http://jabber.org/protocol/disco#items"
	FeatureMUC        Feature = "http://jabber.org/protocol/muc"
	FeatureMAM        Feature = "urn:xmpp:mam:2"
	FeatureRSM        Feature = "http://jabber.org/protocol/rsm"
	FeaturePing       Feature = "urn:xmpp:ping"
	FeatureChatStates Feature = "http://jabber.org/protocol/chatstates"
)

// Identity is one disco identity of an entity.
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Info is a decoded disco#info response.
type Info struct {
	Identities []Identity
	Features   []Feature
}

// HasFeature reports whether the feature appears in the info.
func (i Info) HasFeature(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Item is one disco#items entry.
type Item struct {
	JID  jid.JID
	Name string
	Node string
}

// Wire forms.

type infoQuery struct {
	XMLName    xml.Name   `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string     `xml:"node,attr,omitempty"`
	Identities []identity `xml:"identity"`
	Features   []feature  `xml:"feature"`
}

type identity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type feature struct {
	Var string `xml:"var,attr"`
}

type itemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Node    string   `xml:"node,attr,omitempty"`
	Items   []item   `xml:"item"`
}

type item struct {
	JID  jid.JID `xml:"jid,attr"`
	Name string  `xml:"name,attr,omitempty"`
	Node string  `xml:"node,attr,omitempty"`
}

// Requester issues IQ requests and resolves their continuations. Implemented
// by *dispatch.Dispatcher.
type Requester interface {
	SendIQ(iq stanza.IQ, done func(stanza.IQ, error)) (string, error)
	Send(v interface{}) error
}

// Manager queries and caches service discovery data for one session. It must
// only be used from the engine loop goroutine; the cache needs no lock
// because the loop is its only owner.
type Manager struct {
	req  Requester
	self Info

	info  map[string]Info
	items map[string][]Item
}

// NewManager creates a disco manager advertising the given client identity.
func NewManager(req Requester, clientName string) *Manager {
	return &Manager{
		req: req,
		self: Info{
			Identities: []Identity{{Category: "client", Type: "console", Name: clientName}},
			Features: []Feature{
				FeatureDiscoInfo,
				FeatureMUC,
				FeaturePing,
				FeatureChatStates,
			},
		},
		info:  make(map[string]Info),
		items: make(map[string][]Item),
	}
}

// Cached returns the cached info for an entity, if present.
func (m *Manager) Cached(j jid.JID) (Info, bool) {
	info, ok := m.info[j.String()]
	return info, ok
}

// Reset drops the cache. Called on reconnect since a new session may see
// different server capabilities.
func (m *Manager) Reset() {
	m.info = make(map[string]Info)
	m.items = make(map[string][]Item)
}

// Info fetches disco#info for an entity, from cache when possible. The
// continuation runs with the decoded info or the request error.
func (m *Manager) Info(j jid.JID, done func(Info, error)) error {
	if info, ok := m.info[j.String()]; ok {
		done(info, nil)
		return nil
	}
	ext, err := stanza.NewExtension(infoQuery{})
	if err != nil {
		return err
	}
	iq := stanza.IQ{
		To:      j,
		Type:    stanza.GetIQ,
		Payload: []stanza.Extension{ext},
	}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		if err != nil {
			done(Info{}, err)
			return
		}
		info, err := decodeInfo(resp)
		if err != nil {
			done(Info{}, err)
			return
		}
		m.info[j.String()] = info
		done(info, nil)
	})
	return err
}

// Items fetches disco#items for an entity, from cache when possible.
func (m *Manager) Items(j jid.JID, done func([]Item, error)) error {
	if items, ok := m.items[j.String()]; ok {
		done(items, nil)
		return nil
	}
	ext, err := stanza.NewExtension(itemsQuery{})
	if err != nil {
		return err
	}
	iq := stanza.IQ{
		To:      j,
		Type:    stanza.GetIQ,
		Payload: []stanza.Extension{ext},
	}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		items, err := decodeItems(resp)
		if err != nil {
			done(nil, err)
			return
		}
		m.items[j.String()] = items
		done(items, nil)
	})
	return err
}

// HandleIQ answers inbound disco#info queries about this client. Registered
// with the dispatcher for the disco#info query name.
func (m *Manager) HandleIQ(iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		resp := iq.Result()
		resp.Type = stanza.ErrorIQ
		resp.Error = &stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest}
		return m.req.Send(resp)
	}

	q := infoQuery{}
	for _, id := range m.self.Identities {
		q.Identities = append(q.Identities, identity{Category: id.Category, Type: id.Type, Name: id.Name})
	}
	for _, f := range m.self.Features {
		q.Features = append(q.Features, feature{Var: string(f)})
	}
	ext, err := stanza.NewExtension(q)
	if err != nil {
		return err
	}
	resp := iq.Result()
	resp.Payload = []stanza.Extension{ext}
	return m.req.Send(resp)
}

func decodeInfo(resp stanza.IQ) (Info, error) {
	ext, ok := resp.Extension(xml.Name{Space: stanza.NSDiscoInfo, Local: "query"})
	if !ok {
		return Info{}, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: "disco#info result without query"}
	}
	var q infoQuery
	if err := ext.Decode(&q); err != nil {
		return Info{}, err
	}
	info := Info{}
	for _, id := range q.Identities {
		info.Identities = append(info.Identities, Identity{Category: id.Category, Type: id.Type, Name: id.Name})
	}
	for _, f := range q.Features {
		info.Features = append(info.Features, Feature(f.Var))
	}
	return info, nil
}

func decodeItems(resp stanza.IQ) ([]Item, error) {
	ext, ok := resp.Extension(xml.Name{Space: stanza.NSDiscoItems, Local: "query"})
	if !ok {
		return nil, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: "disco#items result without query"}
	}
	var q itemsQuery
	if err := ext.Decode(&q); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(q.Items))
	for _, it := range q.Items {
		items = append(items, Item{JID: it.JID, Name: it.Name, Node: it.Node})
	}
	return items, nil
}
