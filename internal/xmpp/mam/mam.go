// Package mam implements XEP-0313 message archive management: paging
// through a server-side archive to fill local history.
//
// A fresh backfill walks the archive newest page first. The first query
// carries an empty <before/> to land on the last page; each fin result
// supplies the cursor of its first item, which becomes the <before> of the
// next query, until the fin is marked complete or the message budget is
// spent. A walk resumed from a known archive id instead pages forward with
// <after>, following each fin's last item. Results arrive out of band as
// messages carrying a <result> with our queryid; the fin arrives as the IQ
// reply.
//
// A direct chat is filtered out of the account's own archive with a with
// form field. A room's archive lives at the room itself, so those queries
// are addressed to the room JID and carry no filter.
package mam

import (
	"encoding/xml"
	"errors"
	"time"

	"github.com/google/uuid"

	"warble/internal/logging"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// DefaultPageSize is the RSM max per query.
const DefaultPageSize = 50

// DefaultBudget is how many archived messages a backfill fetches before
// stopping even if the archive has more.
const DefaultBudget = 100

// ErrUnsupported reports that the server did not advertise urn:xmpp:mam:2.
var ErrUnsupported = errors.New("mam: server does not support message archives")

// ArchivedMessage is one item replayed from the archive.
type ArchivedMessage struct {
	// ArchiveID is the server-assigned stable id of the item.
	ArchiveID string
	// Timestamp is the archive's record of when the message was received.
	Timestamp time.Time
	// Message is the original forwarded stanza.
	Message stanza.Message
}

// Wire forms.

type queryPayload struct {
	XMLName xml.Name  `xml:"urn:xmpp:mam:2 query"`
	QueryID string    `xml:"queryid,attr"`
	Form    *dataForm `xml:"x"`
	Set     *rsmSet   `xml:"set"`
}

type dataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Type    string      `xml:"type,attr"`
	Fields  []formField `xml:"field"`
}

type formField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

type rsmSet struct {
	XMLName xml.Name  `xml:"http://jabber.org/protocol/rsm set"`
	Max     int       `xml:"max,omitempty"`
	Before  *string   `xml:"before"`
	After   string    `xml:"after,omitempty"`
	First   *rsmFirst `xml:"first"`
	Last    string    `xml:"last,omitempty"`
	Count   int       `xml:"count,omitempty"`
}

type rsmFirst struct {
	Index int    `xml:"index,attr,omitempty"`
	Value string `xml:",chardata"`
}

type finPayload struct {
	XMLName  xml.Name `xml:"urn:xmpp:mam:2 fin"`
	Complete bool     `xml:"complete,attr,omitempty"`
	Set      *rsmSet  `xml:"set"`
}

type resultExt struct {
	XMLName   xml.Name  `xml:"urn:xmpp:mam:2 result"`
	QueryID   string    `xml:"queryid,attr"`
	ID        string    `xml:"id,attr"`
	Forwarded forwarded `xml:"forwarded"`
}

type forwarded struct {
	XMLName xml.Name       `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   delay          `xml:"delay"`
	Message stanza.Message `xml:"message"`
}

type delay struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr"`
	From    string   `xml:"from,attr,omitempty"`
}

// Requester issues IQ requests. Implemented by *dispatch.Dispatcher.
type Requester interface {
	SendIQ(iq stanza.IQ, done func(stanza.IQ, error)) (string, error)
}

// Query describes one archive walk.
type Query struct {
	// Target is the archive to query. A room's archive lives at the room
	// JID; the zero value queries the account's own archive.
	Target jid.JID
	// With narrows the own archive to one correspondent. Ignored when
	// Target is set.
	With jid.JID
	// After resumes the walk forward from a previously recorded archive
	// id. When empty the walk pages backward from the newest item.
	After string
	// Budget caps the number of fetched items. Zero means DefaultBudget.
	Budget int
}

// backfill is one in-progress archive walk.
type backfill struct {
	target    jid.JID
	with      jid.JID
	forward   bool
	queryID   string
	remaining int
	pageSize  int
	onMessage func(ArchivedMessage)
	done      func(complete bool, err error)
	page      []ArchivedMessage
	fetched   int
}

// Manager runs archive queries for one session. It must only be used from
// the engine loop goroutine.
type Manager struct {
	req Requester
	log *logging.Logger

	supported bool
	active    map[string]*backfill // keyed by queryid
}

// NewManager creates an archive manager.
func NewManager(req Requester, log *logging.Logger) *Manager {
	return &Manager{
		req:    req,
		log:    log,
		active: make(map[string]*backfill),
	}
}

// SetSupported records whether the server advertised the archive feature.
// The engine sets it from the server's disco#info after each connect.
func (m *Manager) SetSupported(ok bool) { m.supported = ok }

// Supported reports the last recorded server capability.
func (m *Manager) Supported() bool { return m.supported }

// Reset abandons all walks without resolving them; the dispatcher's own
// Reset already failed their pending IQs.
func (m *Manager) Reset() {
	m.active = make(map[string]*backfill)
}

// Backfill walks the archive described by q, calling onMessage for every
// item and done once the walk ends. complete is true when the archive was
// exhausted rather than the budget.
func (m *Manager) Backfill(q Query, onMessage func(ArchivedMessage), done func(complete bool, err error)) error {
	if !m.supported {
		return ErrUnsupported
	}
	budget := q.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	b := &backfill{
		target:    q.Target.Bare(),
		with:      q.With.Bare(),
		forward:   q.After != "",
		queryID:   uuid.NewString(),
		remaining: budget,
		pageSize:  DefaultPageSize,
		onMessage: onMessage,
		done:      done,
	}
	if !b.target.IsZero() {
		// Room archives hold one conversation; a with filter there
		// would match occupant JIDs, not the room.
		b.with = jid.JID{}
	}
	m.active[b.queryID] = b
	return m.requestPage(b, q.After)
}

// requestPage sends one archive query. Walking backward the cursor is the
// previous page's first item, empty for the newest page; walking forward it
// is the previous page's last item.
func (m *Manager) requestPage(b *backfill, cursor string) error {
	max := b.pageSize
	if b.remaining < max {
		max = b.remaining
	}
	set := &rsmSet{Max: max}
	if b.forward {
		set.After = cursor
	} else {
		// An empty before element selects the last page of the archive.
		set.Before = &cursor
	}
	q := queryPayload{
		QueryID: b.queryID,
		Set:     set,
	}
	if !b.with.IsZero() {
		q.Form = &dataForm{
			Type: "submit",
			Fields: []formField{
				{Var: "FORM_TYPE", Type: "hidden", Values: []string{stanza.NSMAM}},
				{Var: "with", Values: []string{b.with.String()}},
			},
		}
	}
	ext, err := stanza.NewExtension(q)
	if err != nil {
		return err
	}
	iq := stanza.IQ{To: b.target, Type: stanza.SetIQ, Payload: []stanza.Extension{ext}}
	_, err = m.req.SendIQ(iq, func(resp stanza.IQ, err error) {
		m.finishPage(b, resp, err)
	})
	if err != nil {
		delete(m.active, b.queryID)
	}
	return err
}

// finishPage handles the fin reply for one page: flush the collected items,
// then either stop or request the next page in the walk's direction.
func (m *Manager) finishPage(b *backfill, resp stanza.IQ, err error) {
	if _, ok := m.active[b.queryID]; !ok {
		return // walk was reset while the query was in flight
	}
	if err != nil {
		delete(m.active, b.queryID)
		b.done(false, err)
		return
	}

	var fin finPayload
	ext, ok := resp.Extension(xml.Name{Space: stanza.NSMAM, Local: "fin"})
	if !ok {
		delete(m.active, b.queryID)
		b.done(false, errors.New("mam: query reply without fin"))
		return
	}
	if err := ext.Decode(&fin); err != nil {
		delete(m.active, b.queryID)
		b.done(false, err)
		return
	}

	// Pages arrive newest first; items within a page are oldest first.
	// Flushing per page keeps that order for the caller to merge.
	for _, am := range b.page {
		b.onMessage(am)
	}
	b.fetched += len(b.page)
	b.remaining -= len(b.page)
	b.page = nil

	if fin.Complete || b.remaining <= 0 || fin.Set == nil {
		delete(m.active, b.queryID)
		b.done(fin.Complete, nil)
		return
	}
	var cursor string
	if b.forward {
		cursor = fin.Set.Last
	} else if fin.Set.First != nil {
		cursor = fin.Set.First.Value
	}
	if cursor == "" {
		delete(m.active, b.queryID)
		b.done(fin.Complete, nil)
		return
	}
	if err := m.requestPage(b, cursor); err != nil {
		delete(m.active, b.queryID)
		b.done(false, err)
	}
}

// HandleMessage collects archive result items. Registered with the
// dispatcher for the urn:xmpp:mam:2 namespace.
func (m *Manager) HandleMessage(msg stanza.Message) error {
	ext, ok := msg.Extension(xml.Name{Space: stanza.NSMAM, Local: "result"})
	if !ok {
		return nil
	}
	var res resultExt
	if err := ext.Decode(&res); err != nil {
		return err
	}
	b, ok := m.active[res.QueryID]
	if !ok {
		m.log.Warn("dropping archive result for unknown query %q", res.QueryID)
		return nil
	}

	stamp, err := time.Parse(time.RFC3339, res.Forwarded.Delay.Stamp)
	if err != nil {
		m.log.Warn("archive item %s has bad timestamp %q", res.ID, res.Forwarded.Delay.Stamp)
	}
	b.page = append(b.page, ArchivedMessage{
		ArchiveID: res.ID,
		Timestamp: stamp,
		Message:   res.Forwarded.Message,
	})
	return nil
}
