// Package sqlite persists conversation history and per-account caches.
//
// Message rows carry a dedup key derived from the most stable identity
// available (archive id, then stanza id, then sender plus timestamp plus
// body), so replaying an archive window is idempotent.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "warble.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			dedup_key TEXT NOT NULL,
			account TEXT NOT NULL,
			conversation TEXT NOT NULL,
			stanza_id TEXT,
			archive_id TEXT,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			PRIMARY KEY (account, dedup_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(account, conversation, timestamp)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			subscription TEXT,
			groups_json TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS mam_sync (
			account TEXT NOT NULL,
			conversation TEXT NOT NULL,
			last_archive_id TEXT,
			last_timestamp INTEGER,
			last_synced INTEGER NOT NULL,
			PRIMARY KEY (account, conversation)
		)`,

		`CREATE TABLE IF NOT EXISTS bookmark_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			nick TEXT,
			autojoin INTEGER DEFAULT 0,
			PRIMARY KEY (account, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Message is one stored history entry.
type Message struct {
	StanzaID     string
	ArchiveID    string
	Conversation string // bare peer or room JID
	Sender       string // full JID for chat, occupant JID for groupchat
	Body         string
	Type         string // chat or groupchat
	Timestamp    time.Time
	Outgoing     bool
}

// identityKeys lists every identity the message can be recognized by,
// strongest first: the server-assigned archive id, the stanza id within its
// conversation, and a content hash as the last resort.
func identityKeys(msg Message) []string {
	var keys []string
	if msg.ArchiveID != "" {
		keys = append(keys, "a:"+msg.ArchiveID)
	}
	if msg.StanzaID != "" {
		keys = append(keys, "s:"+msg.Conversation+":"+msg.StanzaID)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", msg.Sender, msg.Timestamp.Unix(), msg.Body)))
	keys = append(keys, "h:"+hex.EncodeToString(h[:16]))
	return keys
}

// SaveMessage stores one message and reports whether it was new. A message
// already stored under any of its identities is a replay: it is not stored
// again, but its row is upgraded to the strongest identity so future
// replays keep matching. A live message later returned by an archive walk
// therefore collapses onto one row.
func (d *DB) SaveMessage(account string, msg Message) (bool, error) {
	keys := identityKeys(msg)

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, account)
	placeholders := ""
	for i, k := range keys {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, k)
	}
	var existing string
	err := d.db.QueryRow(
		"SELECT dedup_key FROM messages WHERE account = ? AND dedup_key IN ("+placeholders+")",
		args...).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, err
	default:
		if msg.ArchiveID != "" && !strings.HasPrefix(existing, "a:") {
			if _, err := d.db.Exec(`
				UPDATE messages SET dedup_key = ?, archive_id = ?
				WHERE account = ? AND dedup_key = ?
			`, keys[0], msg.ArchiveID, account, existing); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	_, err = d.db.Exec(`
		INSERT INTO messages
			(dedup_key, account, conversation, stanza_id, archive_id, sender, body, type, timestamp, outgoing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, keys[0], account, msg.Conversation, msg.StanzaID, msg.ArchiveID,
		msg.Sender, msg.Body, msg.Type, msg.Timestamp.Unix(), msg.Outgoing)
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentMessages returns the newest messages of a conversation in
// chronological order.
func (d *DB) RecentMessages(account, conversation string, limit int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT stanza_id, archive_id, sender, body, type, timestamp, outgoing
		FROM messages
		WHERE account = ? AND conversation = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, account, conversation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var stanzaID, archiveID sql.NullString
		if err := rows.Scan(&stanzaID, &archiveID, &msg.Sender, &msg.Body, &msg.Type, &ts, &msg.Outgoing); err != nil {
			return nil, err
		}
		msg.StanzaID = stanzaID.String
		msg.ArchiveID = archiveID.String
		msg.Conversation = conversation
		msg.Timestamp = time.Unix(ts, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// RosterItem is one cached roster entry, kept so the contact list renders
// before the session is up.
type RosterItem struct {
	JID          string
	Name         string
	Subscription string
	Groups       []string
}

// SaveRoster replaces the cached roster for an account.
func (d *DB) SaveRoster(account string, items []RosterItem) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, item := range items {
		groups, err := json.Marshal(item.Groups)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO roster_cache (account, jid, name, subscription, groups_json, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, item.JID, item.Name, item.Subscription, string(groups), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadRoster returns the cached roster for an account.
func (d *DB) LoadRoster(account string) ([]RosterItem, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, subscription, groups_json
		FROM roster_cache WHERE account = ? ORDER BY jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RosterItem
	for rows.Next() {
		var item RosterItem
		var name, sub, groups sql.NullString
		if err := rows.Scan(&item.JID, &name, &sub, &groups); err != nil {
			return nil, err
		}
		item.Name = name.String
		item.Subscription = sub.String
		if groups.String != "" {
			if err := json.Unmarshal([]byte(groups.String), &item.Groups); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ArchiveMark is the sync position of one conversation's archive walk.
type ArchiveMark struct {
	LastArchiveID string
	LastTimestamp time.Time
	LastSynced    time.Time
}

// SetArchiveMark records how far the archive of a conversation was synced.
func (d *DB) SetArchiveMark(account, conversation string, mark ArchiveMark) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO mam_sync (account, conversation, last_archive_id, last_timestamp, last_synced)
		VALUES (?, ?, ?, ?, ?)
	`, account, conversation, mark.LastArchiveID, mark.LastTimestamp.Unix(), mark.LastSynced.Unix())
	return err
}

// GetArchiveMark returns the sync position of a conversation, if recorded.
func (d *DB) GetArchiveMark(account, conversation string) (ArchiveMark, bool, error) {
	var mark ArchiveMark
	var lastTS, lastSynced int64
	err := d.db.QueryRow(`
		SELECT last_archive_id, last_timestamp, last_synced
		FROM mam_sync WHERE account = ? AND conversation = ?
	`, account, conversation).Scan(&mark.LastArchiveID, &lastTS, &lastSynced)
	if err == sql.ErrNoRows {
		return ArchiveMark{}, false, nil
	}
	if err != nil {
		return ArchiveMark{}, false, err
	}
	mark.LastTimestamp = time.Unix(lastTS, 0)
	mark.LastSynced = time.Unix(lastSynced, 0)
	return mark, true, nil
}

// Bookmark is a cached conference bookmark, kept so autojoin can start
// before the server copy is fetched.
type Bookmark struct {
	JID      string
	Name     string
	Nick     string
	Autojoin bool
}

// SaveBookmarks replaces the cached bookmark set for an account.
func (d *DB) SaveBookmarks(account string, marks []Bookmark) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM bookmark_cache WHERE account = ?", account); err != nil {
		return err
	}
	for _, b := range marks {
		if _, err := tx.Exec(`
			INSERT INTO bookmark_cache (account, jid, name, nick, autojoin)
			VALUES (?, ?, ?, ?, ?)
		`, account, b.JID, b.Name, b.Nick, b.Autojoin); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadBookmarks returns the cached bookmark set for an account.
func (d *DB) LoadBookmarks(account string) ([]Bookmark, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, nick, autojoin
		FROM bookmark_cache WHERE account = ? ORDER BY jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []Bookmark
	for rows.Next() {
		var b Bookmark
		var name, nick sql.NullString
		if err := rows.Scan(&b.JID, &name, &nick, &b.Autojoin); err != nil {
			return nil, err
		}
		b.Name = name.String
		b.Nick = nick.String
		marks = append(marks, b)
	}
	return marks, rows.Err()
}

// SetState stores one application key/value pair.
func (d *DB) SetState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetState returns one application key/value pair.
func (d *DB) GetState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
