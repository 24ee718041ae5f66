// Package bookmarks implements XEP-0048 room bookmarks stored in private
// XML storage (jabber:iq:private). Private storage is replace-on-write, so
// every change rewrites the full set.
package bookmarks

import (
	"encoding/xml"
	"sort"

	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Bookmark is one saved conference.
type Bookmark struct {
	JID      jid.JID
	Name     string
	Nick     string
	Password string
	Autojoin bool
}

type privateQuery struct {
	XMLName xml.Name `xml:"jabber:iq:private query"`
	Storage storage  `xml:"storage"`
}

type storage struct {
	XMLName     xml.Name     `xml:"storage:bookmarks storage"`
	Conferences []conference `xml:"conference"`
}

type conference struct {
	JID      jid.JID `xml:"jid,attr"`
	Name     string  `xml:"name,attr,omitempty"`
	Autojoin bool    `xml:"autojoin,attr,omitempty"`
	Nick     string  `xml:"nick,omitempty"`
	Password string  `xml:"password,omitempty"`
}

// Requester issues IQ requests. Implemented by *dispatch.Dispatcher.
type Requester interface {
	SendIQ(iq stanza.IQ, done func(stanza.IQ, error)) (string, error)
}

// Manager is the bookmark set for one account. It must only be used from
// the engine loop goroutine.
type Manager struct {
	req    Requester
	marks  map[string]Bookmark
	loaded bool
}

// NewManager creates a bookmark manager.
func NewManager(req Requester) *Manager {
	return &Manager{req: req, marks: make(map[string]Bookmark)}
}

// Loaded reports whether the server copy has been fetched this session.
func (m *Manager) Loaded() bool { return m.loaded }

// All returns the bookmarks sorted by room JID.
func (m *Manager) All() []Bookmark {
	out := make([]Bookmark, 0, len(m.marks))
	for _, b := range m.marks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// Autojoin returns the bookmarks flagged for joining at connect time.
func (m *Manager) Autojoin() []Bookmark {
	var out []Bookmark
	for _, b := range m.All() {
		if b.Autojoin {
			out = append(out, b)
		}
	}
	return out
}

// Get returns the bookmark for a room, if present.
func (m *Manager) Get(room jid.JID) (Bookmark, bool) {
	b, ok := m.marks[room.Bare().String()]
	return b, ok
}

// Load fetches the bookmark set from private storage.
func (m *Manager) Load(done func([]Bookmark, error)) error {
	ext, err := stanza.NewExtension(privateQuery{})
	if err != nil {
		return err
	}
	iq := stanza.IQ{Type: stanza.GetIQ, Payload: []stanza.Extension{ext}}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		var q privateQuery
		if ext, ok := resp.Extension(xml.Name{Space: stanza.NSPrivate, Local: "query"}); ok {
			if err := ext.Decode(&q); err != nil {
				done(nil, err)
				return
			}
		}
		m.marks = make(map[string]Bookmark, len(q.Storage.Conferences))
		for _, c := range q.Storage.Conferences {
			b := Bookmark{
				JID:      c.JID.Bare(),
				Name:     c.Name,
				Nick:     c.Nick,
				Password: c.Password,
				Autojoin: c.Autojoin,
			}
			m.marks[b.JID.String()] = b
		}
		m.loaded = true
		done(m.All(), nil)
	})
	return err
}

// Set adds or updates a bookmark and writes the set back to the server.
func (m *Manager) Set(b Bookmark, done func(error)) error {
	b.JID = b.JID.Bare()
	prev, had := m.marks[b.JID.String()]
	m.marks[b.JID.String()] = b
	return m.save(func(err error) {
		if err != nil {
			// Keep the local set consistent with the server copy.
			if had {
				m.marks[b.JID.String()] = prev
			} else {
				delete(m.marks, b.JID.String())
			}
		}
		if done != nil {
			done(err)
		}
	})
}

// Remove deletes a bookmark and writes the set back to the server.
func (m *Manager) Remove(room jid.JID, done func(error)) error {
	key := room.Bare().String()
	prev, had := m.marks[key]
	if !had {
		if done != nil {
			done(nil)
		}
		return nil
	}
	delete(m.marks, key)
	return m.save(func(err error) {
		if err != nil {
			m.marks[key] = prev
		}
		if done != nil {
			done(err)
		}
	})
}

func (m *Manager) save(done func(error)) error {
	q := privateQuery{}
	for _, b := range m.All() {
		q.Storage.Conferences = append(q.Storage.Conferences, conference{
			JID:      b.JID,
			Name:     b.Name,
			Autojoin: b.Autojoin,
			Nick:     b.Nick,
			Password: b.Password,
		})
	}
	ext, err := stanza.NewExtension(q)
	if err != nil {
		return err
	}
	iq := stanza.IQ{Type: stanza.SetIQ, Payload: []stanza.Extension{ext}}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		done(err)
	})
	return err
}
