package app

import (
	"time"
)

// EventType identifies the kind of event posted to the UI.
type EventType int

const (
	EventConnState EventType = iota
	EventConnected
	EventDisconnected
	EventConnFailed
	EventRosterUpdate
	EventContactRemoved
	EventPresence
	EventSubscriptionRequest
	EventMessage
	EventHistory
	EventRoomJoined
	EventRoomJoinFailed
	EventRoomLeft
	EventRoomOccupant
	EventRoomSubject
	EventBookmarks
	EventError
)

// EventMsg is one event from the engine. It doubles as a bubbletea message:
// the engine hands it to Program.Send and the UI model switches on Type.
type EventMsg struct {
	Type EventType
	Data interface{}
}

// ConnInfo describes a connection state change.
type ConnInfo struct {
	JID   string
	State string
	Err   string
	// Fatal marks failures that will not be retried, such as rejected
	// credentials or a resource conflict.
	Fatal bool
}

// ChatMessage is one displayable message, direct or groupchat.
type ChatMessage struct {
	ID           string
	Conversation string // bare peer JID, or the room JID for groupchat
	Sender       string // full JID, or occupant JID for groupchat
	Nick         string // only set for groupchat
	Body         string
	Timestamp    time.Time
	Outgoing     bool
	GroupChat    bool
	// Archived marks messages recovered from the server archive rather
	// than received live.
	Archived bool
}

// ContactUpdate carries one roster entry after a change.
type ContactUpdate struct {
	JID          string
	Name         string
	Subscription string
	Groups       []string
	Online       bool
	Show         string
	Status       string
}

// SubscriptionRequest is a peer asking to see our presence.
type SubscriptionRequest struct {
	From   string
	Status string
}

// RoomInfo describes a joined or left room.
type RoomInfo struct {
	Room   string
	Nick   string
	Reason string
}

// OccupantChange is the kind of room roster change.
type OccupantChange int

const (
	OccupantJoined OccupantChange = iota
	OccupantLeft
	OccupantRenamed
)

// OccupantUpdate reports one change in a room's occupant list.
type OccupantUpdate struct {
	Room    string
	Nick    string
	Change  OccupantChange
	NewNick string // only for renames
}

// SubjectUpdate reports a room subject change.
type SubjectUpdate struct {
	Room    string
	Subject string
	By      string
}

// HistoryPage is a chronological slice of stored messages for one
// conversation, posted after a history request or an archive sync.
type HistoryPage struct {
	Conversation string
	Messages     []ChatMessage
	// Complete is true when the server archive for the conversation was
	// exhausted rather than the fetch budget.
	Complete bool
}

// BookmarkInfo is one stored conference bookmark.
type BookmarkInfo struct {
	JID      string
	Name     string
	Nick     string
	Autojoin bool
}
