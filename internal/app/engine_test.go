package app

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"warble/internal/config"
	"warble/internal/logging"
	"warble/internal/storage/sqlite"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

type fakeLink struct {
	sent  []interface{}
	pings int
	err   error
}

func (f *fakeLink) Send(v interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeLink) Ping() error {
	if f.err != nil {
		return f.err
	}
	f.pings++
	return nil
}

func (f *fakeLink) Close() error { return nil }

// testRuntime builds a wired runtime without a network session. The test
// goroutine plays the part of the loop goroutine.
func testRuntime(t *testing.T, withStore bool) (*runtime, *fakeLink) {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	var store *sqlite.DB
	if withStore {
		store, err = sqlite.New(t.TempDir())
		if err != nil {
			t.Fatalf("sqlite.New: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	e := NewEngine(config.DefaultConfig(), config.Account{
		JID:  "alice@example.com",
		Nick: "alice",
	}, log, store)

	fl := &fakeLink{}
	rt := &runtime{e: e}
	rt.self = jid.MustParse("alice@example.com/warble")
	rt.tr = fl
	rt.wire(fl)
	rt.online = true
	rt.wantOnline = true
	rt.lastWrite = time.Now()
	return rt, fl
}

func drainEvents(e *Engine) []EventMsg {
	var evs []EventMsg
	for {
		select {
		case ev := <-e.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfType(evs []EventMsg, typ EventType) []EventMsg {
	var out []EventMsg
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func messageStanza(t *testing.T, s string) stanza.Message {
	t.Helper()
	var msg stanza.Message
	if err := xml.Unmarshal([]byte(s), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func presenceStanza(t *testing.T, s string) stanza.Presence {
	t.Helper()
	var p stanza.Presence
	if err := xml.Unmarshal([]byte(s), &p); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	return p
}

func TestIncomingChatStoredAndPosted(t *testing.T) {
	rt, _ := testRuntime(t, true)

	msg := messageStanza(t, `<message from="bob@example.com/desk" to="alice@example.com" type="chat" id="m1"><body>hello</body></message>`)
	if err := rt.disp.Dispatch(msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evs := eventsOfType(drainEvents(rt.e), EventMessage)
	if len(evs) != 1 {
		t.Fatalf("got %d message events, want 1", len(evs))
	}
	cm := evs[0].Data.(ChatMessage)
	if cm.Conversation != "bob@example.com" || cm.Body != "hello" || cm.Outgoing {
		t.Fatalf("unexpected message event: %+v", cm)
	}

	// A replay of the same stanza is recognized and not posted again.
	if err := rt.disp.Dispatch(msg); err != nil {
		t.Fatalf("dispatch replay: %v", err)
	}
	if evs := eventsOfType(drainEvents(rt.e), EventMessage); len(evs) != 0 {
		t.Fatalf("replay posted %d events, want 0", len(evs))
	}

	recs, err := rt.e.store.RecentMessages("alice@example.com", "bob@example.com", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("stored %d rows, want 1", len(recs))
	}
}

func TestOutgoingChatFiledUnderRecipient(t *testing.T) {
	rt, _ := testRuntime(t, true)

	echo := messageStanza(t, `<message to="bob@example.com" type="chat" id="o1"><body>hi bob</body></message>`)
	echo.From = rt.self
	rt.deliverChat(echo, time.Now(), "", false)

	evs := eventsOfType(drainEvents(rt.e), EventMessage)
	if len(evs) != 1 {
		t.Fatalf("got %d message events, want 1", len(evs))
	}
	cm := evs[0].Data.(ChatMessage)
	if cm.Conversation != "bob@example.com" || !cm.Outgoing {
		t.Fatalf("unexpected message event: %+v", cm)
	}
}

func joinTestRoom(t *testing.T, rt *runtime) {
	t.Helper()
	if err := rt.rooms.Join(jid.MustParse("tavern@conference.example.com"), "alice", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	self := presenceStanza(t, `<presence from="tavern@conference.example.com/alice" to="alice@example.com/warble"><x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="member" role="participant"/><status code="110"/></x></presence>`)
	if err := rt.disp.Dispatch(self); err != nil {
		t.Fatalf("dispatch self presence: %v", err)
	}
	drainEvents(rt.e)
}

func TestGroupchatRoutedToJoinedRoom(t *testing.T) {
	rt, _ := testRuntime(t, true)
	joinTestRoom(t, rt)

	msg := messageStanza(t, `<message from="tavern@conference.example.com/bob" type="groupchat" id="g1"><body>evening</body></message>`)
	if err := rt.disp.Dispatch(msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evs := eventsOfType(drainEvents(rt.e), EventMessage)
	if len(evs) != 1 {
		t.Fatalf("got %d message events, want 1", len(evs))
	}
	cm := evs[0].Data.(ChatMessage)
	if !cm.GroupChat || cm.Nick != "bob" || cm.Conversation != "tavern@conference.example.com" {
		t.Fatalf("unexpected message event: %+v", cm)
	}
}

func TestGroupchatFromUnknownRoomDropped(t *testing.T) {
	rt, _ := testRuntime(t, false)

	msg := messageStanza(t, `<message from="nowhere@conference.example.com/x" type="groupchat"><body>?</body></message>`)
	if err := rt.disp.Dispatch(msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if evs := eventsOfType(drainEvents(rt.e), EventMessage); len(evs) != 0 {
		t.Fatalf("got %d message events, want 0", len(evs))
	}
}

func TestPingAnswered(t *testing.T) {
	rt, fl := testRuntime(t, false)

	var iq stanza.IQ
	src := `<iq from="example.com" to="alice@example.com/warble" type="get" id="p1"><ping xmlns="urn:xmpp:ping"/></iq>`
	if err := xml.Unmarshal([]byte(src), &iq); err != nil {
		t.Fatalf("unmarshal iq: %v", err)
	}
	if err := rt.disp.Dispatch(iq); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(fl.sent) != 1 {
		t.Fatalf("sent %d stanzas, want 1", len(fl.sent))
	}
	resp, ok := fl.sent[0].(stanza.IQ)
	if !ok || resp.Type != stanza.ResultIQ || resp.ID != "p1" {
		t.Fatalf("unexpected ping reply: %#v", fl.sent[0])
	}
}

func TestKeepalivePingOnIdle(t *testing.T) {
	rt, fl := testRuntime(t, false)

	now := time.Now()
	rt.lastWrite = now.Add(-2 * time.Minute)
	rt.tick(now)
	if fl.pings != 1 {
		t.Fatalf("got %d pings, want 1", fl.pings)
	}

	// A fresh write suppresses the next ping.
	rt.tick(now.Add(time.Second))
	if fl.pings != 1 {
		t.Fatalf("got %d pings after recent write, want 1", fl.pings)
	}
}

func TestReadErrorSchedulesReconnect(t *testing.T) {
	rt, _ := testRuntime(t, false)

	rt.handleRead(readResult{err: errors.New("connection reset")})

	if rt.online {
		t.Fatal("still online after read error")
	}
	if rt.retryAt.IsZero() {
		t.Fatal("no retry scheduled")
	}
	evs := drainEvents(rt.e)
	if len(eventsOfType(evs, EventDisconnected)) != 1 {
		t.Fatalf("want one disconnect event, got %+v", evs)
	}
}

func TestReadErrorWithoutRetryWhenLeaving(t *testing.T) {
	rt, _ := testRuntime(t, false)
	rt.wantOnline = false

	rt.handleRead(readResult{err: errors.New("connection reset")})

	if !rt.retryAt.IsZero() {
		t.Fatal("retry scheduled for a deliberate disconnect")
	}
}

func TestFailedPingDropsConnection(t *testing.T) {
	rt, fl := testRuntime(t, false)

	fl.err = errors.New("broken pipe")
	rt.tick(time.Now().Add(2 * time.Minute))

	if rt.online {
		t.Fatal("still online after failed ping")
	}
	if len(eventsOfType(drainEvents(rt.e), EventDisconnected)) != 1 {
		t.Fatal("no disconnect event")
	}
}

func TestHistoryPageChronological(t *testing.T) {
	rt, _ := testRuntime(t, true)

	base := time.Now().Add(-time.Hour)
	for i, body := range []string{"one", "two", "three"} {
		rec := sqlite.Message{
			StanzaID:     "h" + body,
			Conversation: "bob@example.com",
			Sender:       "bob@example.com/desk",
			Body:         body,
			Type:         "chat",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := rt.e.store.SaveMessage("alice@example.com", rec); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	rt.postHistoryN("bob@example.com", 2, false)

	evs := eventsOfType(drainEvents(rt.e), EventHistory)
	if len(evs) != 1 {
		t.Fatalf("got %d history events, want 1", len(evs))
	}
	page := evs[0].Data.(HistoryPage)
	if len(page.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(page.Messages))
	}
	if page.Messages[0].Body != "two" || page.Messages[1].Body != "three" {
		t.Fatalf("wrong order: %q, %q", page.Messages[0].Body, page.Messages[1].Body)
	}
}

func TestRoomSubjectEvent(t *testing.T) {
	rt, _ := testRuntime(t, false)
	joinTestRoom(t, rt)

	msg := messageStanza(t, `<message from="tavern@conference.example.com/bob" type="groupchat"><subject>quiz night</subject></message>`)
	if err := rt.disp.Dispatch(msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evs := eventsOfType(drainEvents(rt.e), EventRoomSubject)
	if len(evs) != 1 {
		t.Fatalf("got %d subject events, want 1", len(evs))
	}
	su := evs[0].Data.(SubjectUpdate)
	if su.Subject != "quiz night" || su.By != "bob" {
		t.Fatalf("unexpected subject event: %+v", su)
	}
}

func TestTeardownFailsInFlightRequests(t *testing.T) {
	rt, _ := testRuntime(t, false)

	var gotErr error
	_, err := rt.disp.SendIQ(stanza.IQ{Type: stanza.GetIQ}, func(iq stanza.IQ, err error) {
		gotErr = err
	})
	if err != nil {
		t.Fatalf("SendIQ: %v", err)
	}

	rt.teardown()

	if gotErr == nil || !strings.Contains(gotErr.Error(), "stream") {
		t.Fatalf("in-flight request resolved with %v", gotErr)
	}
	if rt.online {
		t.Fatal("still online after teardown")
	}
}

// mamQueryIn digs the archive query out of a sent IQ, mirroring the wire
// form the manager emits.
type mamQueryIn struct {
	XMLName xml.Name `xml:"urn:xmpp:mam:2 query"`
	Form    *struct {
		Fields []struct {
			Var    string   `xml:"var,attr"`
			Values []string `xml:"value"`
		} `xml:"field"`
	} `xml:"jabber:x:data x"`
	Set struct {
		Before *string `xml:"before"`
		After  string  `xml:"after"`
	} `xml:"http://jabber.org/protocol/rsm set"`
}

func findArchiveQuery(t *testing.T, fl *fakeLink) (stanza.IQ, mamQueryIn) {
	t.Helper()
	for _, v := range fl.sent {
		iq, ok := v.(stanza.IQ)
		if !ok {
			continue
		}
		ext, ok := iq.Extension(xml.Name{Space: stanza.NSMAM, Local: "query"})
		if !ok {
			continue
		}
		var q mamQueryIn
		if err := ext.Decode(&q); err != nil {
			t.Fatalf("decode archive query: %v", err)
		}
		return iq, q
	}
	t.Fatal("no archive query was sent")
	return stanza.IQ{}, mamQueryIn{}
}

func TestRoomHistoryQueriedAtRoomArchive(t *testing.T) {
	rt, fl := testRuntime(t, true)
	rt.archive.SetSupported(true)
	joinTestRoom(t, rt)

	iq, q := findArchiveQuery(t, fl)
	if got, want := iq.To.String(), "tavern@conference.example.com"; got != want {
		t.Fatalf("query addressed to %q, want the room %q", got, want)
	}
	if q.Form != nil {
		t.Fatalf("room query carries a with filter: %+v", q.Form)
	}
}

func TestChatHistoryQueriedFromOwnArchive(t *testing.T) {
	rt, fl := testRuntime(t, true)
	rt.archive.SetSupported(true)

	rt.syncArchive(jid.MustParse("bob@example.com"), false)

	iq, q := findArchiveQuery(t, fl)
	if !iq.To.IsZero() {
		t.Fatalf("own-archive query addressed to %q", iq.To)
	}
	if q.Form == nil || len(q.Form.Fields) != 2 || q.Form.Fields[1].Values[0] != "bob@example.com" {
		t.Fatalf("with filter = %+v", q.Form)
	}
}

func TestArchiveSyncResumesFromMark(t *testing.T) {
	rt, fl := testRuntime(t, true)
	rt.archive.SetSupported(true)

	mark := sqlite.ArchiveMark{LastArchiveID: "a7", LastTimestamp: time.Now(), LastSynced: time.Now()}
	if err := rt.e.store.SetArchiveMark("alice@example.com", "bob@example.com", mark); err != nil {
		t.Fatalf("SetArchiveMark: %v", err)
	}

	rt.syncArchive(jid.MustParse("bob@example.com"), false)

	_, q := findArchiveQuery(t, fl)
	if q.Set.After != "a7" {
		t.Fatalf("query resumes after %q, want a7", q.Set.After)
	}
	if q.Set.Before != nil {
		t.Fatalf("resumed query still pages backward: %+v", q.Set)
	}
}

func TestSeedCachedReplaysStoredState(t *testing.T) {
	rt, _ := testRuntime(t, true)
	rt.online = false

	roster := []sqlite.RosterItem{
		{JID: "bob@example.com", Name: "Bob", Subscription: "both"},
		{JID: "carol@example.com", Subscription: "to"},
	}
	if err := rt.e.store.SaveRoster("alice@example.com", roster); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}
	marks := []sqlite.Bookmark{{JID: "tavern@conference.example.com", Nick: "alice", Autojoin: true}}
	if err := rt.e.store.SaveBookmarks("alice@example.com", marks); err != nil {
		t.Fatalf("SaveBookmarks: %v", err)
	}

	rt.seedCached()

	evs := drainEvents(rt.e)
	ups := eventsOfType(evs, EventRosterUpdate)
	if len(ups) != 2 {
		t.Fatalf("got %d roster events, want 2", len(ups))
	}
	up := ups[0].Data.(ContactUpdate)
	if up.JID != "bob@example.com" || up.Name != "Bob" || up.Online {
		t.Fatalf("seeded contact = %+v", up)
	}
	bms := eventsOfType(evs, EventBookmarks)
	if len(bms) != 1 {
		t.Fatalf("got %d bookmark events, want 1", len(bms))
	}
	infos := bms[0].Data.([]BookmarkInfo)
	if len(infos) != 1 || infos[0].JID != "tavern@conference.example.com" || !infos[0].Autojoin {
		t.Fatalf("seeded bookmarks = %+v", infos)
	}
}

func TestSeedCachedSkippedWhenOnline(t *testing.T) {
	rt, _ := testRuntime(t, true)

	if err := rt.e.store.SaveRoster("alice@example.com", []sqlite.RosterItem{{JID: "bob@example.com"}}); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}
	rt.seedCached()
	if evs := eventsOfType(drainEvents(rt.e), EventRosterUpdate); len(evs) != 0 {
		t.Fatalf("online seed posted %d roster events", len(evs))
	}
}

func TestCachedAutojoinOnBookmarkFetchFailure(t *testing.T) {
	rt, fl := testRuntime(t, true)

	marks := []sqlite.Bookmark{
		{JID: "tavern@conference.example.com", Nick: "alice", Autojoin: true},
		{JID: "quiet@conference.example.com", Nick: "alice"},
	}
	if err := rt.e.store.SaveBookmarks("alice@example.com", marks); err != nil {
		t.Fatalf("SaveBookmarks: %v", err)
	}

	rt.autojoinCached()

	joins := 0
	for _, v := range fl.sent {
		p, ok := v.(stanza.Presence)
		if !ok || p.Type != "" {
			continue
		}
		if p.To.Bare().String() == "tavern@conference.example.com" {
			joins++
		}
		if p.To.Bare().String() == "quiet@conference.example.com" {
			t.Fatal("joined a room the bookmark does not autojoin")
		}
	}
	if joins != 1 {
		t.Fatalf("sent %d join presences, want 1", joins)
	}
}
