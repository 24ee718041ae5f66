// Package roster tracks the contact list and the presence of its members.
//
// The manager owns the authoritative in-memory contact set for one session:
// it issues the initial roster fetch, applies server pushes as deltas, folds
// incoming presence into per-resource availability and surfaces changes
// through callbacks. It must only be used from the engine loop goroutine.
package roster

import (
	"encoding/xml"
	"sort"

	"warble/internal/logging"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Subscription is the state of the presence subscription with a contact.
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Show is the availability sub-state of an online resource.
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Resource is the last known presence of one connected resource of a
// contact.
type Resource struct {
	Name     string
	Show     Show
	Status   string
	Priority int8
}

// Contact is one roster entry plus the presence of its resources.
type Contact struct {
	JID          jid.JID
	Name         string
	Subscription Subscription
	Groups       []string
	Ask          string

	resources map[string]Resource
}

// Online reports whether any resource of the contact is available.
func (c *Contact) Online() bool { return len(c.resources) > 0 }

// Best returns the available resource with the highest priority.
func (c *Contact) Best() (Resource, bool) {
	var best Resource
	found := false
	for _, r := range c.resources {
		if !found || r.Priority > best.Priority {
			best = r
			found = true
		}
	}
	return best, found
}

// Resources returns the available resources sorted by name.
func (c *Contact) Resources() []Resource {
	out := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DisplayName returns the roster name, falling back to the bare JID.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.JID.String()
}

// Wire forms for jabber:iq:roster.

type query struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
	Items   []item   `xml:"item"`
}

type item struct {
	JID          jid.JID  `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Groups       []string `xml:"group"`
}

// Requester issues IQ requests and sends stanzas. Implemented by
// *dispatch.Dispatcher.
type Requester interface {
	SendIQ(iq stanza.IQ, done func(stanza.IQ, error)) (string, error)
	Send(v interface{}) error
}

// Events are the manager's change notifications. Nil fields are skipped.
type Events struct {
	// ContactChanged runs after a contact is added or updated, by the
	// initial fetch, a roster push or a presence change.
	ContactChanged func(c *Contact)
	// ContactRemoved runs after a push removes a contact.
	ContactRemoved func(j jid.JID)
	// SubscriptionRequest runs when a peer asks to see our presence. The
	// answer is up to the user: Approve or Refuse.
	SubscriptionRequest func(from jid.JID, status string)
}

// Manager is the roster and presence state for one session.
type Manager struct {
	req    Requester
	log    *logging.Logger
	self   jid.JID // own bare JID, for push origin checks
	events Events

	contacts map[string]*Contact
	loaded   bool
}

// NewManager creates a roster manager for the session bound as self.
func NewManager(req Requester, log *logging.Logger, self jid.JID, events Events) *Manager {
	return &Manager{
		req:      req,
		log:      log,
		self:     self.Bare(),
		events:   events,
		contacts: make(map[string]*Contact),
	}
}

// Loaded reports whether the initial fetch has completed.
func (m *Manager) Loaded() bool { return m.loaded }

// Get returns the contact for a bare or full JID, if present.
func (m *Manager) Get(j jid.JID) (*Contact, bool) {
	c, ok := m.contacts[j.Bare().String()]
	return c, ok
}

// Contacts returns all contacts sorted by bare JID.
func (m *Manager) Contacts() []*Contact {
	out := make([]*Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// Groups returns the distinct group names in use, sorted.
func (m *Manager) Groups() []string {
	set := make(map[string]bool)
	for _, c := range m.contacts {
		for _, g := range c.Groups {
			set[g] = true
		}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Load requests the full roster from the server. The reply replaces the
// contact set; presence already seen for surviving contacts is kept. done
// runs with the fetch error, if any.
func (m *Manager) Load(done func(error)) error {
	ext, err := stanza.NewExtension(query{})
	if err != nil {
		return err
	}
	iq := stanza.IQ{Type: stanza.GetIQ, Payload: []stanza.Extension{ext}}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		if err != nil {
			done(err)
			return
		}
		var q query
		if ext, ok := resp.Extension(xml.Name{Space: stanza.NSRoster, Local: "query"}); ok {
			if err := ext.Decode(&q); err != nil {
				done(err)
				return
			}
		}

		old := m.contacts
		m.contacts = make(map[string]*Contact, len(q.Items))
		for _, it := range q.Items {
			c := contactFromItem(it)
			if prev, ok := old[c.JID.String()]; ok {
				c.resources = prev.resources
			}
			m.contacts[c.JID.String()] = c
			m.notifyChanged(c)
		}
		m.loaded = true
		done(nil)
	})
	return err
}

// HandleIQ applies a roster push. Registered with the dispatcher for the
// jabber:iq:roster query name.
func (m *Manager) HandleIQ(iq stanza.IQ) error {
	if iq.Type != stanza.SetIQ {
		resp := iq.Result()
		resp.Type = stanza.ErrorIQ
		resp.Error = &stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest}
		return m.req.Send(resp)
	}
	// RFC 6121 §2.1.6: pushes come from the bare account JID or have no
	// from at all. Anything else is a spoof attempt.
	if !iq.From.IsZero() && !iq.From.Bare().Equal(m.self) {
		m.log.Warn("ignoring roster push from %s", iq.From)
		return nil
	}

	ext, ok := iq.Extension(xml.Name{Space: stanza.NSRoster, Local: "query"})
	if !ok {
		return nil
	}
	var q query
	if err := ext.Decode(&q); err != nil {
		return err
	}
	for _, it := range q.Items {
		bare := it.JID.Bare().String()
		if Subscription(it.Subscription) == SubscriptionRemove {
			delete(m.contacts, bare)
			if m.events.ContactRemoved != nil {
				m.events.ContactRemoved(it.JID.Bare())
			}
			continue
		}
		c := contactFromItem(it)
		if prev, ok := m.contacts[bare]; ok {
			c.resources = prev.resources
		}
		m.contacts[bare] = c
		m.notifyChanged(c)
	}
	return m.req.Send(iq.Result())
}

// HandlePresence folds a presence stanza into contact state. It is the
// terminal presence handler: it claims everything handed to it.
func (m *Manager) HandlePresence(p stanza.Presence) (bool, error) {
	switch p.Type {
	case stanza.AvailablePresence:
		m.setResource(p)
	case stanza.UnavailablePresence:
		m.clearResource(p.From)
	case stanza.SubscribePresence:
		if m.events.SubscriptionRequest != nil {
			m.events.SubscriptionRequest(p.From.Bare(), p.Status)
		}
	case stanza.SubscribedPresence, stanza.UnsubscribedPresence, stanza.UnsubscribePresence:
		// State lands via the roster push that follows; nothing to do here.
	case stanza.ErrorPresence:
		m.log.Warn("presence error from %s: %v", p.From, p.Error)
	}
	return true, nil
}

// SetContact adds or renames a contact via a roster set. The authoritative
// update arrives as a push; the continuation only reports acceptance.
func (m *Manager) SetContact(j jid.JID, name string, groups []string, done func(error)) error {
	it := item{JID: j.Bare(), Name: name, Groups: groups}
	return m.sendSet(it, done)
}

// RemoveContact deletes a contact, which also revokes subscriptions per RFC
// 6121 §2.5.
func (m *Manager) RemoveContact(j jid.JID, done func(error)) error {
	it := item{JID: j.Bare(), Subscription: string(SubscriptionRemove)}
	return m.sendSet(it, done)
}

func (m *Manager) sendSet(it item, done func(error)) error {
	ext, err := stanza.NewExtension(query{Items: []item{it}})
	if err != nil {
		return err
	}
	iq := stanza.IQ{Type: stanza.SetIQ, Payload: []stanza.Extension{ext}}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		if done != nil {
			done(err)
		}
	})
	return err
}

// Subscribe asks a peer for its presence.
func (m *Manager) Subscribe(j jid.JID) error {
	return m.req.Send(stanza.Presence{To: j.Bare(), Type: stanza.SubscribePresence})
}

// Approve grants a pending subscription request.
func (m *Manager) Approve(j jid.JID) error {
	return m.req.Send(stanza.Presence{To: j.Bare(), Type: stanza.SubscribedPresence})
}

// Refuse denies a pending subscription request or revokes a granted one.
func (m *Manager) Refuse(j jid.JID) error {
	return m.req.Send(stanza.Presence{To: j.Bare(), Type: stanza.UnsubscribedPresence})
}

// Unsubscribe stops receiving a peer's presence.
func (m *Manager) Unsubscribe(j jid.JID) error {
	return m.req.Send(stanza.Presence{To: j.Bare(), Type: stanza.UnsubscribePresence})
}

// Reset drops presence state but keeps the contact list for display while
// offline. Called when the session ends; a reconnect reloads the roster.
func (m *Manager) Reset() {
	m.loaded = false
	for _, c := range m.contacts {
		if len(c.resources) == 0 {
			continue
		}
		c.resources = nil
		m.notifyChanged(c)
	}
}

func (m *Manager) setResource(p stanza.Presence) {
	c := m.contactFor(p.From)
	if c.resources == nil {
		c.resources = make(map[string]Resource)
	}
	c.resources[p.From.Resourcepart()] = Resource{
		Name:     p.From.Resourcepart(),
		Show:     Show(p.Show),
		Status:   p.Status,
		Priority: p.Priority,
	}
	m.notifyChanged(c)
}

func (m *Manager) clearResource(from jid.JID) {
	c, ok := m.contacts[from.Bare().String()]
	if !ok {
		return
	}
	res := from.Resourcepart()
	if res == "" {
		c.resources = nil
	} else {
		delete(c.resources, res)
	}
	m.notifyChanged(c)
}

// contactFor returns the contact for a sender, creating a transient entry
// for presence from peers not on the roster (common for servers relaying
// directed presence).
func (m *Manager) contactFor(from jid.JID) *Contact {
	bare := from.Bare().String()
	if c, ok := m.contacts[bare]; ok {
		return c
	}
	c := &Contact{JID: from.Bare(), Subscription: SubscriptionNone}
	m.contacts[bare] = c
	return c
}

func (m *Manager) notifyChanged(c *Contact) {
	if m.events.ContactChanged != nil {
		m.events.ContactChanged(c)
	}
}

func contactFromItem(it item) *Contact {
	sub := Subscription(it.Subscription)
	if sub == "" {
		sub = SubscriptionNone
	}
	return &Contact{
		JID:          it.JID.Bare(),
		Name:         it.Name,
		Subscription: sub,
		Groups:       it.Groups,
		Ask:          it.Ask,
	}
}
