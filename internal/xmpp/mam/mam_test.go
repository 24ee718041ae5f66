package mam

import (
	"encoding/xml"
	"errors"
	"testing"

	"warble/internal/logging"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/stanza"
)

type fakeRequester struct {
	sent []stanza.IQ
	done []func(stanza.IQ, error)
}

func (f *fakeRequester) SendIQ(iq stanza.IQ, done func(stanza.IQ, error)) (string, error) {
	f.sent = append(f.sent, iq)
	f.done = append(f.done, done)
	return iq.ID, nil
}

func (f *fakeRequester) query(t *testing.T, i int) queryPayload {
	t.Helper()
	ext, ok := f.sent[i].Extension(xml.Name{Space: stanza.NSMAM, Local: "query"})
	if !ok {
		t.Fatalf("IQ %d has no mam query: %+v", i, f.sent[i])
	}
	var q queryPayload
	if err := ext.Decode(&q); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	return q
}

func (f *fakeRequester) fin(t *testing.T, i int, body string) {
	t.Helper()
	var resp stanza.IQ
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal fin: %v", err)
	}
	f.done[i](resp, nil)
}

func testManager(t *testing.T) (*Manager, *fakeRequester) {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	req := &fakeRequester{}
	m := NewManager(req, log)
	m.SetSupported(true)
	return m, req
}

func deliver(t *testing.T, m *Manager, queryID, archiveID, stamp, from, body string) {
	t.Helper()
	raw := `<message xmlns="jabber:client">
		<result xmlns="urn:xmpp:mam:2" queryid="` + queryID + `" id="` + archiveID + `">
			<forwarded xmlns="urn:xmpp:forward:0">
				<delay xmlns="urn:xmpp:delay" stamp="` + stamp + `"/>
				<message xmlns="jabber:client" from="` + from + `" type="chat">
					<body>` + body + `</body>
				</message>
			</forwarded>
		</result>
	</message>`
	var msg stanza.Message
	if err := xml.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if err := m.HandleMessage(msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestBackfillRequiresSupport(t *testing.T) {
	m, _ := testManager(t)
	m.SetSupported(false)
	err := m.Backfill(Query{With: jid.MustParse("bob@example.com"), Budget: 10}, nil, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestBackfillWalksBackward(t *testing.T) {
	m, req := testManager(t)

	var got []string
	var finished []bool
	err := m.Backfill(Query{With: jid.MustParse("bob@example.com"), Budget: 4},
		func(am ArchivedMessage) { got = append(got, am.ArchiveID+"|"+am.Message.Body) },
		func(complete bool, err error) {
			if err != nil {
				t.Errorf("done err: %v", err)
			}
			finished = append(finished, complete)
		})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	// First query: empty before selects the newest page, max capped by the
	// budget, the with filter in a submitted form.
	q := req.query(t, 0)
	if q.QueryID == "" {
		t.Fatal("query without queryid")
	}
	if q.Set == nil || q.Set.Before == nil || *q.Set.Before != "" || q.Set.Max != 4 {
		t.Fatalf("first rsm = %+v", q.Set)
	}
	if q.Form == nil || len(q.Form.Fields) != 2 || q.Form.Fields[1].Values[0] != "bob@example.com" {
		t.Fatalf("form = %+v", q.Form)
	}

	deliver(t, m, q.QueryID, "a3", "2026-08-28T10:00:00Z", "bob@example.com/desk", "third")
	deliver(t, m, q.QueryID, "a4", "2026-08-28T11:00:00Z", "bob@example.com/desk", "fourth")
	if len(got) != 0 {
		t.Fatal("items flushed before fin")
	}
	req.fin(t, 0, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2">
			<set xmlns="http://jabber.org/protocol/rsm">
				<first index="2">a3</first><last>a4</last><count>4</count>
			</set>
		</fin>
	</iq>`)

	if len(got) != 2 || got[0] != "a3|third" || got[1] != "a4|fourth" {
		t.Fatalf("after first page got = %v", got)
	}
	if len(finished) != 0 {
		t.Fatal("done ran before the walk ended")
	}

	// Second query pages before the first item of the previous page.
	if len(req.sent) != 2 {
		t.Fatalf("sent %d queries, want 2", len(req.sent))
	}
	q2 := req.query(t, 1)
	if q2.Set == nil || q2.Set.Before == nil || *q2.Set.Before != "a3" || q2.Set.Max != 2 {
		t.Fatalf("second rsm = %+v", q2.Set)
	}

	deliver(t, m, q2.QueryID, "a1", "2026-08-28T08:00:00Z", "bob@example.com/desk", "first")
	deliver(t, m, q2.QueryID, "a2", "2026-08-28T09:00:00Z", "bob@example.com/desk", "second")
	req.fin(t, 1, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2" complete="true">
			<set xmlns="http://jabber.org/protocol/rsm">
				<first>a1</first><last>a2</last><count>4</count>
			</set>
		</fin>
	</iq>`)

	if len(got) != 4 || got[2] != "a1|first" {
		t.Fatalf("final got = %v", got)
	}
	if len(finished) != 1 || !finished[0] {
		t.Fatalf("finished = %v", finished)
	}
}

func TestRoomQueryAddressedToRoom(t *testing.T) {
	m, req := testManager(t)

	room := jid.MustParse("tavern@conference.example.com")
	err := m.Backfill(Query{Target: room, Budget: 10},
		func(ArchivedMessage) {}, func(bool, error) {})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	if got := req.sent[0].To; got != room {
		t.Fatalf("query addressed to %q, want the room %q", got, room)
	}
	q := req.query(t, 0)
	if q.Form != nil {
		t.Fatalf("room query carries a with form: %+v", q.Form)
	}
}

func TestResumeWalksForward(t *testing.T) {
	m, req := testManager(t)

	var got []string
	var finished []bool
	err := m.Backfill(Query{With: jid.MustParse("bob@example.com"), After: "a2", Budget: 4},
		func(am ArchivedMessage) { got = append(got, am.ArchiveID) },
		func(complete bool, err error) {
			if err != nil {
				t.Errorf("done err: %v", err)
			}
			finished = append(finished, complete)
		})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	q := req.query(t, 0)
	if q.Set == nil || q.Set.After != "a2" || q.Set.Before != nil {
		t.Fatalf("first rsm = %+v", q.Set)
	}

	deliver(t, m, q.QueryID, "a3", "2026-08-28T10:00:00Z", "bob@example.com/desk", "third")
	deliver(t, m, q.QueryID, "a4", "2026-08-28T11:00:00Z", "bob@example.com/desk", "fourth")
	req.fin(t, 0, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2">
			<set xmlns="http://jabber.org/protocol/rsm">
				<first>a3</first><last>a4</last><count>6</count>
			</set>
		</fin>
	</iq>`)

	// The next page continues after the last item of the previous one.
	if len(req.sent) != 2 {
		t.Fatalf("sent %d queries, want 2", len(req.sent))
	}
	q2 := req.query(t, 1)
	if q2.Set == nil || q2.Set.After != "a4" || q2.Set.Max != 2 {
		t.Fatalf("second rsm = %+v", q2.Set)
	}

	deliver(t, m, q2.QueryID, "a5", "2026-08-28T12:00:00Z", "bob@example.com/desk", "fifth")
	req.fin(t, 1, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2" complete="true">
			<set xmlns="http://jabber.org/protocol/rsm">
				<first>a5</first><last>a5</last><count>6</count>
			</set>
		</fin>
	</iq>`)

	if len(got) != 3 || got[0] != "a3" || got[2] != "a5" {
		t.Fatalf("got = %v", got)
	}
	if len(finished) != 1 || !finished[0] {
		t.Fatalf("finished = %v", finished)
	}
}

func TestBudgetStopsWalk(t *testing.T) {
	m, req := testManager(t)

	var finished []bool
	if err := m.Backfill(Query{Budget: 2},
		func(ArchivedMessage) {},
		func(complete bool, err error) {
			if err != nil {
				t.Errorf("done err: %v", err)
			}
			finished = append(finished, complete)
		}); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	q := req.query(t, 0)
	if q.Form != nil {
		t.Fatalf("account-wide query carries a with form: %+v", q.Form)
	}
	deliver(t, m, q.QueryID, "b1", "2026-08-28T08:00:00Z", "bob@example.com/desk", "one")
	deliver(t, m, q.QueryID, "b2", "2026-08-28T09:00:00Z", "bob@example.com/desk", "two")
	req.fin(t, 0, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2">
			<set xmlns="http://jabber.org/protocol/rsm">
				<first>b1</first><last>b2</last><count>40</count>
			</set>
		</fin>
	</iq>`)

	if len(req.sent) != 1 {
		t.Fatalf("walk continued past budget: %d queries", len(req.sent))
	}
	if len(finished) != 1 || finished[0] {
		t.Fatalf("finished = %v, want incomplete stop", finished)
	}
}

func TestResultForUnknownQueryDropped(t *testing.T) {
	m, _ := testManager(t)
	deliver(t, m, "no-such-query", "x1", "2026-08-28T08:00:00Z", "bob@example.com/desk", "stray")
}

func TestResetAbandonsWalk(t *testing.T) {
	m, req := testManager(t)

	ran := false
	if err := m.Backfill(Query{Budget: 10}, func(ArchivedMessage) { ran = true },
		func(bool, error) { ran = true }); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	q := req.query(t, 0)

	m.Reset()
	deliver(t, m, q.QueryID, "c1", "2026-08-28T08:00:00Z", "bob@example.com/desk", "late")
	req.fin(t, 0, `<iq xmlns="jabber:client" type="result">
		<fin xmlns="urn:xmpp:mam:2" complete="true"/>
	</iq>`)
	if ran {
		t.Fatal("reset walk still produced callbacks")
	}
}
