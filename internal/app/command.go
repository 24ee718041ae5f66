package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"warble/internal/xmpp/bookmarks"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

// Tokenize splits a command line into arguments. Double quotes group
// words and a backslash escapes the next character, so
// `/msg "some room" it's \"quoted\"` yields three arguments.
func Tokenize(line string) []string {
	var args []string
	var cur strings.Builder
	inWord := false
	quoted := false
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			inWord = true
		case r == '"':
			quoted = !quoted
			inWord = true
		case r == ' ' || r == '\t':
			if quoted {
				cur.WriteRune(r)
			} else if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args
}

// Execute parses one command line and hands it to the engine. Lines
// without a leading slash are rejected; sending text to the open
// conversation is the UI's call to SendMessage, not a command.
func (e *Engine) Execute(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return fmt.Errorf("not a command: %q", line)
	}
	args := Tokenize(line[1:])
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}
	name, args := args[0], args[1:]

	switch name {
	case "connect":
		e.Connect()
		return nil

	case "disconnect":
		e.Disconnect()
		return nil

	case "msg":
		if len(args) < 2 {
			return fmt.Errorf("usage: /msg <jid> <text>")
		}
		return e.SendMessage(args[0], strings.Join(args[1:], " "))

	case "join":
		if len(args) < 1 {
			return fmt.Errorf("usage: /join <room> [nick] [password]")
		}
		nick, password := "", ""
		if len(args) > 1 {
			nick = args[1]
		}
		if len(args) > 2 {
			password = args[2]
		}
		return e.JoinRoom(args[0], nick, password)

	case "leave":
		if len(args) < 1 {
			return fmt.Errorf("usage: /leave <room> [message]")
		}
		return e.LeaveRoom(args[0], strings.Join(args[1:], " "))

	case "nick":
		if len(args) != 2 {
			return fmt.Errorf("usage: /nick <room> <nick>")
		}
		return e.ChangeNick(args[0], args[1])

	case "subject":
		if len(args) < 2 {
			return fmt.Errorf("usage: /subject <room> <text>")
		}
		return e.SetSubject(args[0], strings.Join(args[1:], " "))

	case "status":
		if len(args) < 1 {
			return fmt.Errorf("usage: /status <show> [message]")
		}
		return e.SetStatus(args[0], strings.Join(args[1:], " "))

	case "roster":
		return e.rosterCommand(args)

	case "bookmark":
		return e.bookmarkCommand(args)

	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: /open <jid>")
		}
		return e.OpenConversation(args[0])

	case "history":
		if len(args) < 1 {
			return fmt.Errorf("usage: /history <jid> [count]")
		}
		limit := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("bad count %q", args[1])
			}
			limit = n
		}
		return e.History(args[0], limit)

	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}

func (e *Engine) rosterCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /roster add|remove|accept|deny <jid> [name]")
	}
	verb, args := args[0], args[1:]
	if len(args) < 1 {
		return fmt.Errorf("usage: /roster %s <jid>", verb)
	}
	switch verb {
	case "add":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		return e.AddContact(args[0], name)
	case "remove":
		return e.RemoveContact(args[0])
	case "accept":
		return e.ApproveSubscription(args[0])
	case "deny":
		return e.RefuseSubscription(args[0])
	default:
		return fmt.Errorf("unknown roster action %q", verb)
	}
}

func (e *Engine) bookmarkCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /bookmark add|remove|list ...")
	}
	verb, args := args[0], args[1:]
	switch verb {
	case "add":
		if len(args) < 1 {
			return fmt.Errorf("usage: /bookmark add <room> [nick] [autojoin]")
		}
		nick := ""
		autojoin := false
		if len(args) > 1 {
			nick = args[1]
		}
		if len(args) > 2 {
			autojoin = args[2] == "autojoin" || args[2] == "true"
		}
		return e.AddBookmark(args[0], nick, autojoin)
	case "remove":
		if len(args) < 1 {
			return fmt.Errorf("usage: /bookmark remove <room>")
		}
		return e.RemoveBookmark(args[0])
	case "list":
		e.ListBookmarks()
		return nil
	default:
		return fmt.Errorf("unknown bookmark action %q", verb)
	}
}

// Connect brings the account online and keeps it there until Disconnect.
func (e *Engine) Connect() {
	e.do(func(rt *runtime) {
		rt.wantOnline = true
		rt.retryAt = time.Time{}
		rt.backoff.Reset()
		rt.connect()
	})
}

// Disconnect takes the account offline and stops reconnecting.
func (e *Engine) Disconnect() {
	e.do(func(rt *runtime) {
		rt.wantOnline = false
		rt.retryAt = time.Time{}
		if rt.online {
			rt.teardown()
			rt.e.post(EventMsg{Type: EventDisconnected, Data: ConnInfo{JID: rt.e.acct.JID}})
		}
	})
}

// SendMessage sends a chat or groupchat body to the given address. A
// joined room gets a groupchat message, anything else a direct chat.
func (e *Engine) SendMessage(to, body string) error {
	addr, err := jid.Parse(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("empty message")
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		id := uuid.NewString()
		if rt.rooms.IsRoom(addr) {
			if err := rt.rooms.SendMessage(addr.Bare(), id, body); err != nil {
				rt.e.postErr(err)
			}
			// Displayed when the room reflects it back.
			return
		}
		msg := stanza.Message{
			ID:   id,
			To:   addr.Bare(),
			Type: stanza.ChatMessage,
			Body: body,
		}
		if err := rt.disp.Send(msg); err != nil {
			rt.e.postErr(err)
			return
		}
		echo := msg
		echo.From = rt.self
		rt.deliverChat(echo, time.Now(), "", false)
	})
	return nil
}

// JoinRoom joins a MUC room. An empty nick falls back to the account's
// configured nick, then the account localpart.
func (e *Engine) JoinRoom(room, nick, password string) error {
	addr, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		rt.joinRoom(addr, nick, password)
	})
	return nil
}

// LeaveRoom leaves a joined room.
func (e *Engine) LeaveRoom(room, status string) error {
	addr, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		if err := rt.rooms.Leave(addr.Bare(), status); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// ChangeNick requests a new nickname in a joined room.
func (e *Engine) ChangeNick(room, nick string) error {
	addr, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		if err := rt.rooms.ChangeNick(addr.Bare(), nick); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// SetSubject sets the subject of a joined room.
func (e *Engine) SetSubject(room, subject string) error {
	addr, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		if err := rt.rooms.SetSubject(addr.Bare(), subject); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// SetStatus broadcasts our availability. Show is one of online, away,
// dnd or xa.
func (e *Engine) SetStatus(show, status string) error {
	switch show {
	case "online", "":
		show = ""
	case "away", "dnd", "xa", "chat":
	default:
		return fmt.Errorf("unknown status %q", show)
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		p := stanza.Presence{Show: show, Status: status}
		if err := rt.disp.Send(p); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// AddContact adds a contact to the roster and asks for their presence.
func (e *Engine) AddContact(addr, name string) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		err := rt.contacts.SetContact(j.Bare(), name, nil, func(err error) {
			if err != nil {
				rt.e.postErr(err)
				return
			}
			if err := rt.contacts.Subscribe(j.Bare()); err != nil {
				rt.e.postErr(err)
			}
			rt.persistRoster()
		})
		if err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// RemoveContact removes a contact; the server revokes subscriptions.
func (e *Engine) RemoveContact(addr string) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		err := rt.contacts.RemoveContact(j.Bare(), func(err error) {
			if err != nil {
				rt.e.postErr(err)
				return
			}
			rt.persistRoster()
		})
		if err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// ApproveSubscription lets a peer see our presence.
func (e *Engine) ApproveSubscription(addr string) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		if err := rt.contacts.Approve(j.Bare()); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// RefuseSubscription denies a pending subscription request.
func (e *Engine) RefuseSubscription(addr string) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		if err := rt.contacts.Refuse(j.Bare()); err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// AddBookmark stores a conference bookmark on the server.
func (e *Engine) AddBookmark(room, nick string, autojoin bool) error {
	j, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		b := bookmarks.Bookmark{JID: j.Bare(), Nick: nick, Autojoin: autojoin}
		err := rt.marks.Set(b, func(err error) {
			if err != nil {
				rt.e.postErr(err)
				return
			}
			rt.persistBookmarks()
			rt.postBookmarks()
		})
		if err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// RemoveBookmark deletes a conference bookmark from the server.
func (e *Engine) RemoveBookmark(room string) error {
	j, err := jid.Parse(room)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if !rt.requireOnline() {
			return
		}
		err := rt.marks.Remove(j.Bare(), func(err error) {
			if err != nil {
				rt.e.postErr(err)
				return
			}
			rt.persistBookmarks()
			rt.postBookmarks()
		})
		if err != nil {
			rt.e.postErr(err)
		}
	})
	return nil
}

// ListBookmarks posts the known bookmark set.
func (e *Engine) ListBookmarks() {
	e.do(func(rt *runtime) {
		if rt.marks == nil || !rt.marks.Loaded() {
			rt.e.post(EventMsg{Type: EventBookmarks, Data: []BookmarkInfo(nil)})
			return
		}
		rt.postBookmarks()
	})
}

// OpenConversation prepares a conversation for display: local history is
// posted immediately and, when the server archive is reachable, the
// backlog is synced and posted again merged.
func (e *Engine) OpenConversation(addr string) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		rt.postHistory(j.Bare().String(), false)
		if rt.online && rt.archive != nil && rt.archive.Supported() {
			groupchat := rt.rooms.IsRoom(j)
			rt.syncArchive(j, groupchat)
		}
	})
	return nil
}

// History posts the stored tail of a conversation without touching the
// server archive.
func (e *Engine) History(addr string, limit int) error {
	j, err := jid.Parse(addr)
	if err != nil {
		return err
	}
	e.do(func(rt *runtime) {
		if limit > 0 {
			rt.postHistoryN(j.Bare().String(), limit, false)
			return
		}
		rt.postHistory(j.Bare().String(), false)
	})
	return nil
}
