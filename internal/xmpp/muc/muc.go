// Package muc implements XEP-0045 multi-user chat: joining and leaving
// rooms, occupant tracking and groupchat message handling.
//
// Room membership is a small state machine driven by presence. A join is
// only confirmed by the reflected self-presence carrying status code 110;
// until then the room is joining and an error presence fails it. The
// manager must only be used from the engine loop goroutine.
package muc

import (
	"encoding/xml"
	"fmt"
	"sort"

	"warble/internal/logging"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Status codes from XEP-0045 that the engine acts on.
const (
	statusSelf    = 110 // this presence refers to the receiving occupant
	statusRenamed = 303 // occupant left because of a nick change
	statusKicked  = 307
	statusBanned  = 301
)

// State is the membership state of a room.
type State int

const (
	StateAbsent State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Affiliation is a long-lived association with a room.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role is a within-session position in a room.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// Occupant is one member of a joined room, keyed by nick.
type Occupant struct {
	Nick        string
	RealJID     jid.JID // zero unless the room is non-anonymous
	Affiliation Affiliation
	Role        Role
	Show        string
	Status      string
}

// Room is the local view of one MUC room.
type Room struct {
	JID       jid.JID // bare room JID
	Nick      string  // our nick, updated on rename
	Password  string
	State     State
	Subject   string
	SubjectBy string

	occupants map[string]*Occupant
}

// Occupants returns the room's occupants sorted by nick.
func (r *Room) Occupants() []*Occupant {
	out := make([]*Occupant, 0, len(r.occupants))
	for _, o := range r.occupants {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Occupant returns the occupant with the given nick, if present.
func (r *Room) Occupant(nick string) (*Occupant, bool) {
	o, ok := r.occupants[nick]
	return o, ok
}

// OccupantJID returns our own occupant JID (room@service/nick). The nick
// was length checked when the room was joined.
func (r *Room) OccupantJID() jid.JID {
	occ, _ := r.JID.WithResource(r.Nick)
	return occ
}

// JoinError is a room join rejected by the service, most commonly with
// condition conflict when the nick is already taken.
type JoinError struct {
	Room      jid.JID
	Condition stanza.Condition
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("muc: joining %s failed: %s", e.Room, e.Condition)
}

// Wire forms.

type joinExt struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/muc x"`
	Password string   `xml:"password,omitempty"`
	History  history  `xml:"history"`
}

// history asks the service to withhold replayed backlog. Archive sync is
// done separately over MAM, which dedupes; reflected history would not.
type history struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

type userExt struct {
	XMLName  xml.Name     `xml:"http://jabber.org/protocol/muc#user x"`
	Items    []userItem   `xml:"item"`
	Statuses []statusCode `xml:"status"`
}

func (u userExt) has(code int) bool {
	for _, s := range u.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

type userItem struct {
	Affiliation string  `xml:"affiliation,attr,omitempty"`
	Role        string  `xml:"role,attr,omitempty"`
	JID         jid.JID `xml:"jid,attr,omitempty"`
	Nick        string  `xml:"nick,attr,omitempty"`
}

type statusCode struct {
	Code int `xml:"code,attr"`
}

// Sender serializes stanzas onto the wire. Implemented by
// *dispatch.Dispatcher.
type Sender interface {
	Send(v interface{}) error
}

// Events are the manager's notifications. Nil fields are skipped.
type Events struct {
	// Joined runs when the reflected self-presence confirms a join.
	Joined func(r *Room)
	// JoinFailed runs when the service rejects a join attempt.
	JoinFailed func(room jid.JID, err error)
	// Left runs when we leave a room, voluntarily or not; reason is empty
	// for a normal leave.
	Left func(room jid.JID, reason string)
	// OccupantJoined, OccupantLeft and OccupantRenamed track the roster of
	// a joined room. A rename reports both nicks so history can coalesce.
	OccupantJoined  func(room jid.JID, o Occupant)
	OccupantLeft    func(room jid.JID, nick string)
	OccupantRenamed func(room jid.JID, oldNick, newNick string)
	// MessageReceived runs for each groupchat body in a joined room.
	MessageReceived func(room jid.JID, nick string, msg stanza.Message)
	// SubjectChanged runs when the room subject is set or announced.
	SubjectChanged func(room jid.JID, subject, by string)
}

// Manager is the MUC state for one session.
type Manager struct {
	out    Sender
	log    *logging.Logger
	events Events

	rooms map[string]*Room
}

// NewManager creates a MUC manager.
func NewManager(out Sender, log *logging.Logger, events Events) *Manager {
	return &Manager{
		out:    out,
		log:    log,
		events: events,
		rooms:  make(map[string]*Room),
	}
}

// Room returns the room with the given bare or occupant JID, if known.
func (m *Manager) Room(j jid.JID) (*Room, bool) {
	r, ok := m.rooms[j.Bare().String()]
	return r, ok
}

// Rooms returns all known rooms sorted by JID.
func (m *Manager) Rooms() []*Room {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// IsRoom reports whether the JID belongs to a room this manager knows. The
// dispatcher uses it indirectly: presence and messages from room JIDs are
// claimed before the roster sees them.
func (m *Manager) IsRoom(j jid.JID) bool {
	_, ok := m.rooms[j.Bare().String()]
	return ok
}

// Join starts joining a room under the given nick. The outcome arrives as
// an event: Joined on the reflected self-presence, JoinFailed on an error
// presence.
func (m *Manager) Join(room jid.JID, nick, password string) error {
	if nick == "" {
		return fmt.Errorf("muc: joining %s requires a nick", room.Bare())
	}
	bare := room.Bare()
	if _, err := bare.WithResource(nick); err != nil {
		return fmt.Errorf("muc: joining %s: %w", bare, err)
	}
	if r, ok := m.rooms[bare.String()]; ok && r.State == StateJoined {
		return fmt.Errorf("muc: already in %s as %s", bare, r.Nick)
	}
	r := &Room{
		JID:       bare,
		Nick:      nick,
		Password:  password,
		State:     StateJoining,
		occupants: make(map[string]*Occupant),
	}
	m.rooms[bare.String()] = r

	ext, err := stanza.NewExtension(joinExt{Password: password})
	if err != nil {
		return err
	}
	p := stanza.Presence{
		To:         r.OccupantJID(),
		Extensions: []stanza.Extension{ext},
	}
	if err := m.out.Send(p); err != nil {
		delete(m.rooms, bare.String())
		return err
	}
	return nil
}

// Leave departs a room. The room stays in state leaving until the service
// reflects our unavailable presence.
func (m *Manager) Leave(room jid.JID, status string) error {
	r, ok := m.rooms[room.Bare().String()]
	if !ok || r.State == StateAbsent {
		return fmt.Errorf("muc: not in %s", room.Bare())
	}
	r.State = StateLeaving
	return m.out.Send(stanza.Presence{
		To:     r.OccupantJID(),
		Type:   stanza.UnavailablePresence,
		Status: status,
	})
}

// ChangeNick requests a new nick in a joined room. Confirmation arrives as
// a rename presence pair carrying status code 303.
func (m *Manager) ChangeNick(room jid.JID, nick string) error {
	r, ok := m.rooms[room.Bare().String()]
	if !ok || r.State != StateJoined {
		return fmt.Errorf("muc: not in %s", room.Bare())
	}
	to, err := r.JID.WithResource(nick)
	if err != nil {
		return fmt.Errorf("muc: renaming in %s: %w", r.JID, err)
	}
	return m.out.Send(stanza.Presence{To: to})
}

// SendMessage sends a groupchat body to a joined room. The service reflects
// it back with our occupant JID; display waits for the reflection.
func (m *Manager) SendMessage(room jid.JID, id, body string) error {
	r, ok := m.rooms[room.Bare().String()]
	if !ok || r.State != StateJoined {
		return fmt.Errorf("muc: not in %s", room.Bare())
	}
	return m.out.Send(stanza.Message{
		ID:   id,
		To:   r.JID,
		Type: stanza.GroupChatMessage,
		Body: body,
	})
}

// SetSubject publishes a new room subject.
func (m *Manager) SetSubject(room jid.JID, subject string) error {
	r, ok := m.rooms[room.Bare().String()]
	if !ok || r.State != StateJoined {
		return fmt.Errorf("muc: not in %s", room.Bare())
	}
	return m.out.Send(stanza.Message{
		To:      r.JID,
		Type:    stanza.GroupChatMessage,
		Subject: subject,
	})
}

// Rejoin resends join presence for every known room. Called after a
// reconnect, when all occupancy was lost with the old stream.
func (m *Manager) Rejoin() {
	for _, r := range m.rooms {
		r.State = StateJoining
		r.occupants = make(map[string]*Occupant)
		ext, err := stanza.NewExtension(joinExt{Password: r.Password})
		if err != nil {
			m.log.Error("rejoin %s: %v", r.JID, err)
			continue
		}
		if err := m.out.Send(stanza.Presence{
			To:         r.OccupantJID(),
			Extensions: []stanza.Extension{ext},
		}); err != nil {
			m.log.Error("rejoin %s: %v", r.JID, err)
		}
	}
}

// Reset marks every room absent without sending anything. Called when the
// session dies.
func (m *Manager) Reset() {
	for _, r := range m.rooms {
		r.State = StateAbsent
		r.occupants = make(map[string]*Occupant)
	}
}

// Forget drops a room from the manager entirely.
func (m *Manager) Forget(room jid.JID) {
	delete(m.rooms, room.Bare().String())
}

// HandlePresence processes presence from room JIDs. It claims a stanza
// exactly when the sender is a known room, so it must run before the
// roster's terminal handler.
func (m *Manager) HandlePresence(p stanza.Presence) (bool, error) {
	r, ok := m.rooms[p.From.Bare().String()]
	if !ok {
		return false, nil
	}
	nick := p.From.Resourcepart()

	switch p.Type {
	case stanza.ErrorPresence:
		m.handleError(r, p)
	case stanza.AvailablePresence:
		m.handleAvailable(r, nick, p)
	case stanza.UnavailablePresence:
		m.handleUnavailable(r, nick, p)
	}
	return true, nil
}

func (m *Manager) handleError(r *Room, p stanza.Presence) {
	cond := stanza.UndefinedCondition
	if p.Error != nil {
		cond = p.Error.Condition
	}
	if r.State == StateJoining {
		delete(m.rooms, r.JID.String())
		if m.events.JoinFailed != nil {
			m.events.JoinFailed(r.JID, &JoinError{Room: r.JID, Condition: cond})
		}
		return
	}
	m.log.Warn("presence error from %s: %s", p.From, cond)
}

func (m *Manager) handleAvailable(r *Room, nick string, p stanza.Presence) {
	var x userExt
	if ext, ok := p.Extension(xml.Name{Space: stanza.NSMUCUser, Local: "x"}); ok {
		if err := ext.Decode(&x); err != nil {
			m.log.Warn("bad muc#user payload from %s: %v", p.From, err)
		}
	}

	o := &Occupant{
		Nick:        nick,
		Affiliation: AffiliationNone,
		Role:        RoleNone,
		Show:        p.Show,
		Status:      p.Status,
	}
	if len(x.Items) > 0 {
		it := x.Items[0]
		if it.Affiliation != "" {
			o.Affiliation = Affiliation(it.Affiliation)
		}
		if it.Role != "" {
			o.Role = Role(it.Role)
		}
		o.RealJID = it.JID
	}
	_, existed := r.occupants[nick]
	r.occupants[nick] = o

	if x.has(statusSelf) {
		r.Nick = nick
		if r.State == StateJoining {
			r.State = StateJoined
			if m.events.Joined != nil {
				m.events.Joined(r)
			}
		}
		return
	}
	if !existed && r.State == StateJoined && m.events.OccupantJoined != nil {
		m.events.OccupantJoined(r.JID, *o)
	}
}

func (m *Manager) handleUnavailable(r *Room, nick string, p stanza.Presence) {
	var x userExt
	if ext, ok := p.Extension(xml.Name{Space: stanza.NSMUCUser, Local: "x"}); ok {
		if err := ext.Decode(&x); err != nil {
			m.log.Warn("bad muc#user payload from %s: %v", p.From, err)
		}
	}

	// A nick change arrives as unavailable for the old nick with code 303
	// and the new nick in the item; the occupant did not leave.
	if x.has(statusRenamed) {
		newNick := ""
		if len(x.Items) > 0 {
			newNick = x.Items[0].Nick
		}
		if newNick == "" {
			m.log.Warn("rename in %s without new nick", r.JID)
			return
		}
		if o, ok := r.occupants[nick]; ok {
			delete(r.occupants, nick)
			o.Nick = newNick
			r.occupants[newNick] = o
		}
		if x.has(statusSelf) || nick == r.Nick {
			r.Nick = newNick
		}
		if m.events.OccupantRenamed != nil {
			m.events.OccupantRenamed(r.JID, nick, newNick)
		}
		return
	}

	if x.has(statusSelf) {
		reason := ""
		switch {
		case x.has(statusKicked):
			reason = "kicked"
		case x.has(statusBanned):
			reason = "banned"
		}
		delete(m.rooms, r.JID.String())
		if m.events.Left != nil {
			m.events.Left(r.JID, reason)
		}
		return
	}

	delete(r.occupants, nick)
	if m.events.OccupantLeft != nil {
		m.events.OccupantLeft(r.JID, nick)
	}
}

// HandleMessage processes a groupchat message from a known room: subject
// announcements update the room, bodies are surfaced as events.
func (m *Manager) HandleMessage(msg stanza.Message) error {
	r, ok := m.rooms[msg.From.Bare().String()]
	if !ok {
		return nil
	}
	nick := msg.From.Resourcepart()

	if msg.Subject != "" && msg.Body == "" {
		r.Subject = msg.Subject
		r.SubjectBy = nick
		if m.events.SubjectChanged != nil {
			m.events.SubjectChanged(r.JID, msg.Subject, nick)
		}
		return nil
	}
	if msg.Body == "" {
		return nil
	}
	if m.events.MessageReceived != nil {
		m.events.MessageReceived(r.JID, nick, msg)
	}
	return nil
}
