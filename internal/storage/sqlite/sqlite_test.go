package sqlite

import (
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveMessageDedupsArchiveReplay(t *testing.T) {
	db := testDB(t)
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// Live delivery first: no archive id yet.
	live := Message{
		StanzaID:     "m1",
		Conversation: "bob@example.com",
		Sender:       "bob@example.com/desk",
		Body:         "hello",
		Type:         "chat",
		Timestamp:    ts,
	}
	fresh, err := db.SaveMessage("alice@example.com", live)
	if err != nil || !fresh {
		t.Fatalf("live save = %v, %v", fresh, err)
	}

	// The same message replayed from the archive carries both ids.
	replay := live
	replay.ArchiveID = "arch-9"
	fresh, err = db.SaveMessage("alice@example.com", replay)
	if err != nil {
		t.Fatalf("replay save: %v", err)
	}
	if fresh {
		t.Fatal("archive replay stored as a new message")
	}

	// And replaying the archive item once more still matches.
	fresh, err = db.SaveMessage("alice@example.com", replay)
	if err != nil || fresh {
		t.Fatalf("second replay = %v, %v", fresh, err)
	}

	msgs, err := db.RecentMessages("alice@example.com", "bob@example.com", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored %d rows, want 1", len(msgs))
	}
}

func TestSaveMessageHashFallback(t *testing.T) {
	db := testDB(t)
	ts := time.Now()

	msg := Message{
		Conversation: "room@conference.example.com",
		Sender:       "room@conference.example.com/carol",
		Body:         "no ids here",
		Type:         "groupchat",
		Timestamp:    ts,
	}
	if fresh, err := db.SaveMessage("alice@example.com", msg); err != nil || !fresh {
		t.Fatalf("first save = %v, %v", fresh, err)
	}
	if fresh, err := db.SaveMessage("alice@example.com", msg); err != nil || fresh {
		t.Fatalf("duplicate save = %v, %v", fresh, err)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	for i, body := range []string{"one", "two", "three"} {
		_, err := db.SaveMessage("alice@example.com", Message{
			StanzaID:     body,
			Conversation: "bob@example.com",
			Sender:       "bob@example.com/desk",
			Body:         body,
			Type:         "chat",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("save %q: %v", body, err)
		}
	}

	msgs, err := db.RecentMessages("alice@example.com", "bob@example.com", 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestRosterCacheRoundTrip(t *testing.T) {
	db := testDB(t)

	items := []RosterItem{
		{JID: "bob@example.com", Name: "Bob", Subscription: "both", Groups: []string{"Friends"}},
		{JID: "carol@example.com", Subscription: "to"},
	}
	if err := db.SaveRoster("alice@example.com", items); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}
	got, err := db.LoadRoster("alice@example.com")
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Bob" || len(got[0].Groups) != 1 {
		t.Fatalf("roster = %+v", got)
	}

	// A later save replaces the whole cache.
	if err := db.SaveRoster("alice@example.com", items[:1]); err != nil {
		t.Fatalf("SaveRoster replace: %v", err)
	}
	got, err = db.LoadRoster("alice@example.com")
	if err != nil || len(got) != 1 {
		t.Fatalf("after replace = %+v, %v", got, err)
	}
}

func TestArchiveMark(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.GetArchiveMark("alice@example.com", "bob@example.com"); err != nil || ok {
		t.Fatalf("empty mark = %v, %v", ok, err)
	}

	mark := ArchiveMark{
		LastArchiveID: "arch-42",
		LastTimestamp: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		LastSynced:    time.Date(2026, 8, 28, 10, 5, 0, 0, time.UTC),
	}
	if err := db.SetArchiveMark("alice@example.com", "bob@example.com", mark); err != nil {
		t.Fatalf("SetArchiveMark: %v", err)
	}
	got, ok, err := db.GetArchiveMark("alice@example.com", "bob@example.com")
	if err != nil || !ok {
		t.Fatalf("GetArchiveMark = %v, %v", ok, err)
	}
	if got.LastArchiveID != "arch-42" || !got.LastTimestamp.Equal(mark.LastTimestamp) {
		t.Fatalf("mark = %+v", got)
	}
}

func TestBookmarkCacheRoundTrip(t *testing.T) {
	db := testDB(t)

	marks := []Bookmark{
		{JID: "tavern@conference.example.com", Nick: "alice", Autojoin: true},
		{JID: "quiet@conference.example.com", Name: "Quiet"},
	}
	if err := db.SaveBookmarks("alice@example.com", marks); err != nil {
		t.Fatalf("SaveBookmarks: %v", err)
	}
	got, err := db.LoadBookmarks("alice@example.com")
	if err != nil || len(got) != 2 {
		t.Fatalf("bookmarks = %+v, %v", got, err)
	}
	if !got[1].Autojoin || got[1].Nick != "alice" {
		t.Fatalf("tavern = %+v", got[1])
	}
}

func TestAppState(t *testing.T) {
	db := testDB(t)

	if v, err := db.GetState("last_account"); err != nil || v != "" {
		t.Fatalf("empty state = %q, %v", v, err)
	}
	if err := db.SetState("last_account", "alice@example.com"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := db.SetState("last_account", "alice2@example.com"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	v, err := db.GetState("last_account")
	if err != nil || v != "alice2@example.com" {
		t.Fatalf("state = %q, %v", v, err)
	}
}
