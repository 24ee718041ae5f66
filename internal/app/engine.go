package app

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"warble/internal/config"
	"warble/internal/logging"
	"warble/internal/storage/sqlite"
	"warble/internal/xmpp/bookmarks"
	"warble/internal/xmpp/disco"
	"warble/internal/xmpp/dispatch"
	"warble/internal/xmpp/jid"
	"warble/internal/xmpp/mam"
	"warble/internal/xmpp/muc"
	"warble/internal/xmpp/roster"
	"warble/internal/xmpp/session"
	"warble/internal/xmpp/stanza"
	"warble/internal/xmpp/stream"
)

const (
	connectTimeout = 30 * time.Second
	stanzaQueueLen = 32
	idleWake       = time.Minute
)

// Engine drives one account's connection. All protocol state lives on the
// loop goroutine; callers interact through the exported methods, which
// post work into the loop, and through the event stream coming back out.
type Engine struct {
	cfg  *config.Config
	acct config.Account
	log  *logging.Logger

	// store is optional; a nil store disables persistence.
	store *sqlite.DB

	program *tea.Program
	events  chan EventMsg

	cmds chan func(*runtime)
	quit chan struct{}
	done chan struct{}
}

// NewEngine creates an engine for one account. Call Start to run it.
func NewEngine(cfg *config.Config, acct config.Account, log *logging.Logger, store *sqlite.DB) *Engine {
	return &Engine{
		cfg:    cfg,
		acct:   acct,
		log:    log,
		store:  store,
		events: make(chan EventMsg, 64),
		cmds:   make(chan func(*runtime), 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetProgram attaches the bubbletea program that receives events. May be
// left unset; events are then only available on the Events channel.
func (e *Engine) SetProgram(p *tea.Program) {
	e.program = p
}

// Events returns the engine's event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (e *Engine) Events() <-chan EventMsg {
	return e.events
}

// Account returns the account this engine serves.
func (e *Engine) Account() config.Account {
	return e.acct
}

// SeedCached replays the stored roster and bookmark caches as events.
// The UI calls it once at startup so contacts and rooms are on screen
// before the first connect completes.
func (e *Engine) SeedCached() {
	e.do(func(rt *runtime) { rt.seedCached() })
}

// Start runs the engine loop until Stop.
func (e *Engine) Start() {
	go e.run()
}

// Stop tears down the connection and stops the loop.
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

// post delivers an event to the UI without ever blocking the loop.
func (e *Engine) post(ev EventMsg) {
	select {
	case e.events <- ev:
	default:
		// consumer is behind, drop
	}
	if e.program != nil {
		e.program.Send(ev)
	}
}

func (e *Engine) postErr(err error) {
	e.post(EventMsg{Type: EventError, Data: err.Error()})
}

// do hands fn to the loop goroutine.
func (e *Engine) do(fn func(*runtime)) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	rt := &runtime{e: e}
	timer := time.NewTimer(idleWake)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(rt.nextWake(time.Now()))

		select {
		case fn := <-e.cmds:
			fn(rt)
		case res := <-rt.stanzas:
			rt.handleRead(res)
		case now := <-timer.C:
			rt.tick(now)
		case <-e.quit:
			rt.shutdown()
			return
		}
	}
}

// readResult is one unit from the reader goroutine: a stanza or the error
// that ended the stream.
type readResult struct {
	st  stanza.Stanza
	err error
}

// readLoop feeds decoded stanzas from the transport into the engine loop.
// It is the only goroutine besides the loop that touches the connection,
// and it only reads.
func readLoop(tr *stream.Transport, out chan<- readResult, stop <-chan struct{}) {
	for {
		st, err := tr.NextStanza()
		select {
		case out <- readResult{st: st, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// link is the slice of the transport the runtime writes to.
type link interface {
	Send(v interface{}) error
	Ping() error
	Close() error
}

// runtime is the loop-owned state. None of it is touched from any other
// goroutine.
type runtime struct {
	e *Engine

	sess     *session.Session
	tr       link
	disp     *dispatch.Dispatcher
	disco    *disco.Manager
	contacts *roster.Manager
	rooms    *muc.Manager
	archive  *mam.Manager
	marks    *bookmarks.Manager

	stanzas  chan readResult
	stopRead chan struct{}

	self       jid.JID
	online     bool
	connecting bool
	wantOnline bool
	backoff    session.Backoff
	retryAt    time.Time
	lastWrite  time.Time
}

// loopSender stamps outgoing writes for the keepalive timer.
type loopSender struct {
	rt *runtime
}

func (s loopSender) Send(v interface{}) error {
	s.rt.lastWrite = time.Now()
	return s.rt.tr.Send(v)
}

// pingResponder answers XEP-0199 pings.
type pingResponder struct {
	out dispatch.Sender
}

func (p pingResponder) HandleIQ(iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		resp := iq.Result()
		resp.Type = stanza.ErrorIQ
		resp.Error = &stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest}
		return p.out.Send(resp)
	}
	return p.out.Send(iq.Result())
}

func (rt *runtime) nextWake(now time.Time) time.Duration {
	wake := now.Add(idleWake)
	if rt.disp != nil {
		if dl, ok := rt.disp.NextDeadline(); ok && dl.Before(wake) {
			wake = dl
		}
	}
	if rt.online {
		if ka := rt.lastWrite.Add(rt.keepalive()); ka.Before(wake) {
			wake = ka
		}
	}
	if rt.wantOnline && !rt.online && !rt.connecting && !rt.retryAt.IsZero() && rt.retryAt.Before(wake) {
		wake = rt.retryAt
	}
	d := wake.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

func (rt *runtime) keepalive() time.Duration {
	secs := rt.e.cfg.General.KeepaliveSeconds
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func (rt *runtime) tick(now time.Time) {
	if rt.disp != nil {
		rt.disp.Expire(now)
	}
	if rt.online {
		if now.Sub(rt.lastWrite) >= rt.keepalive() {
			if err := rt.tr.Ping(); err != nil {
				rt.dropConnection(err)
				return
			}
			rt.lastWrite = now
		}
		return
	}
	if rt.wantOnline && !rt.connecting && !rt.retryAt.IsZero() && !now.Before(rt.retryAt) {
		rt.retryAt = time.Time{}
		rt.connect()
	}
}

func (rt *runtime) handleRead(res readResult) {
	if res.err != nil {
		rt.dropConnection(res.err)
		return
	}
	if err := rt.disp.Dispatch(res.st); err != nil {
		rt.e.log.Warn("dispatch: %v", err)
	}
}

// connect starts one connection attempt. Negotiation runs on its own
// goroutine so the loop stays responsive; the outcome is posted back in.
func (rt *runtime) connect() {
	if rt.connecting || rt.online {
		return
	}

	addr, err := jid.Parse(rt.e.acct.JID)
	if err != nil {
		rt.wantOnline = false
		rt.e.post(EventMsg{Type: EventConnFailed, Data: ConnInfo{
			JID: rt.e.acct.JID, Err: err.Error(), Fatal: true,
		}})
		return
	}
	if res := rt.e.acct.Resource; res != "" && addr.Resourcepart() == "" {
		if withRes, err := addr.WithResource(res); err == nil {
			addr = withRes
		}
	}

	rt.connecting = true
	cfg := session.Config{
		JID:      addr,
		Password: rt.e.acct.Password,
		Server:   rt.e.acct.Server,
		Port:     rt.e.acct.Port,
		Security: securityFor(rt.e.acct.TLS),
	}
	sess := session.New(cfg)
	acctJID := rt.e.acct.JID
	sess.OnState = func(st session.State) {
		// Runs on the negotiating goroutine; post is safe there.
		rt.e.post(EventMsg{Type: EventConnState, Data: ConnInfo{JID: acctJID, State: st.String()}})
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		err := sess.Negotiate(ctx)
		rt.e.do(func(rt *runtime) { rt.negotiated(sess, err) })
	}()
}

func securityFor(mode string) stream.Security {
	switch mode {
	case "direct":
		return stream.DirectTLS
	case "plaintext":
		return stream.Plaintext
	default:
		return stream.StartTLS
	}
}

func (rt *runtime) negotiated(sess *session.Session, err error) {
	rt.connecting = false
	if !rt.wantOnline {
		if err == nil {
			sess.Close()
		}
		return
	}
	if err != nil {
		var authErr *session.AuthError
		var bindErr *session.BindError
		fatal := errors.As(err, &authErr) || errors.As(err, &bindErr)
		rt.e.post(EventMsg{Type: EventConnFailed, Data: ConnInfo{
			JID: rt.e.acct.JID, Err: err.Error(), Fatal: fatal,
		}})
		if fatal {
			rt.wantOnline = false
			return
		}
		rt.scheduleRetry()
		return
	}
	rt.attach(sess)
}

// attach takes ownership of a negotiated session: builds the dispatcher
// and managers, starts the reader, and kicks off session warm-up.
func (rt *runtime) attach(sess *session.Session) {
	rt.sess = sess
	rt.tr = sess.Transport()
	rt.self = sess.LocalAddr()
	rt.wire(loopSender{rt})

	rt.stopRead = make(chan struct{})
	rt.stanzas = make(chan readResult, stanzaQueueLen)
	go readLoop(sess.Transport(), rt.stanzas, rt.stopRead)

	rt.online = true
	rt.backoff.Reset()
	rt.e.post(EventMsg{Type: EventConnected, Data: ConnInfo{JID: rt.e.acct.JID, State: "ready"}})

	rt.warmUp()
}

// wire builds the dispatcher and protocol managers on top of out. Split
// from attach so tests can run the stack without a network session.
func (rt *runtime) wire(out dispatch.Sender) {
	rt.disp = dispatch.New(out, rt.e.log.Named("dispatch"))
	rt.disco = disco.NewManager(rt.disp, "warble")
	rt.contacts = roster.NewManager(rt.disp, rt.e.log.Named("roster"), rt.self.Bare(), roster.Events{
		ContactChanged:      rt.contactChanged,
		ContactRemoved:      rt.contactRemoved,
		SubscriptionRequest: rt.subscriptionRequest,
	})
	rt.rooms = muc.NewManager(rt.disp, rt.e.log.Named("muc"), muc.Events{
		Joined:          rt.roomJoined,
		JoinFailed:      rt.roomJoinFailed,
		Left:            rt.roomLeft,
		OccupantJoined:  rt.occupantJoined,
		OccupantLeft:    rt.occupantLeft,
		OccupantRenamed: rt.occupantRenamed,
		MessageReceived: rt.roomMessage,
		SubjectChanged:  rt.roomSubject,
	})
	rt.archive = mam.NewManager(rt.disp, rt.e.log.Named("mam"))
	rt.marks = bookmarks.NewManager(rt.disp)

	rt.disp.HandleIQPush(xml.Name{Space: stanza.NSRoster, Local: "query"}, rt.contacts)
	rt.disp.HandleIQPush(xml.Name{Space: stanza.NSDiscoInfo, Local: "query"}, rt.disco)
	rt.disp.HandleIQPush(xml.Name{Space: stanza.NSPing, Local: "ping"}, pingResponder{rt.disp})
	// Rooms first: room presence must not leak into the contact list.
	rt.disp.HandlePresence(rt.rooms)
	rt.disp.HandlePresence(rt.contacts)
	rt.disp.HandleMessageNS(stanza.NSMAM, rt.archive)
	rt.disp.HandleMessageFallback(rt)
}

// warmUp runs the post-bind sequence: presence, roster, server features,
// bookmarks. Each step resolves through the dispatcher on the loop.
func (rt *runtime) warmUp() {
	if err := rt.disp.Send(stanza.Presence{}); err != nil {
		rt.dropConnection(err)
		return
	}

	if err := rt.contacts.Load(func(err error) {
		if err != nil {
			rt.e.log.Warn("roster fetch: %v", err)
			return
		}
		rt.persistRoster()
	}); err != nil {
		rt.e.log.Warn("roster fetch: %v", err)
	}

	server := rt.self.Domain()
	if err := rt.disco.Info(server, func(info disco.Info, err error) {
		if err != nil {
			rt.e.log.Warn("disco#info %s: %v", server, err)
			return
		}
		rt.archive.SetSupported(info.HasFeature(disco.FeatureMAM))
	}); err != nil {
		rt.e.log.Warn("disco#info %s: %v", server, err)
	}

	if err := rt.marks.Load(func(bms []bookmarks.Bookmark, err error) {
		if err != nil {
			rt.e.log.Warn("bookmarks fetch: %v", err)
			rt.autojoinCached()
			return
		}
		rt.persistBookmarks()
		rt.postBookmarks()
		for _, b := range rt.marks.Autojoin() {
			rt.joinRoom(b.JID, b.Nick, b.Password)
		}
	}); err != nil {
		rt.e.log.Warn("bookmarks fetch: %v", err)
		rt.autojoinCached()
	}
}

// autojoinCached joins autojoin rooms from the bookmark cache when the
// server copy could not be fetched.
func (rt *runtime) autojoinCached() {
	if rt.e.store == nil {
		return
	}
	marks, err := rt.e.store.LoadBookmarks(rt.e.acct.JID)
	if err != nil {
		rt.e.log.Warn("load bookmark cache: %v", err)
		return
	}
	for _, b := range marks {
		if !b.Autojoin {
			continue
		}
		room, err := jid.Parse(b.JID)
		if err != nil {
			continue
		}
		rt.joinRoom(room, b.Nick, "")
	}
}

// dropConnection tears the connection down after a stream failure and
// schedules a retry if the user still wants to be online.
func (rt *runtime) dropConnection(err error) {
	if !rt.online {
		return
	}
	rt.e.log.Warn("connection lost: %v", err)
	rt.teardown()
	rt.e.post(EventMsg{Type: EventDisconnected, Data: ConnInfo{JID: rt.e.acct.JID, Err: err.Error()}})
	if rt.wantOnline {
		rt.scheduleRetry()
	}
}

func (rt *runtime) scheduleRetry() {
	d := rt.backoff.Next()
	rt.retryAt = time.Now().Add(d)
	rt.e.post(EventMsg{Type: EventConnState, Data: ConnInfo{JID: rt.e.acct.JID, State: "reconnecting"}})
}

// teardown releases all per-connection state. In-flight requests fail,
// presence and occupancy are wiped, room membership is kept for rejoin.
func (rt *runtime) teardown() {
	if rt.stopRead != nil {
		close(rt.stopRead)
		rt.stopRead = nil
	}
	if rt.disp != nil {
		rt.disp.Reset(stream.ErrStreamClosed)
	}
	if rt.contacts != nil {
		rt.contacts.Reset()
	}
	if rt.rooms != nil {
		rt.rooms.Reset()
	}
	if rt.archive != nil {
		rt.archive.Reset()
	}
	if rt.disco != nil {
		rt.disco.Reset()
	}
	if rt.sess != nil {
		rt.sess.Close()
	}
	rt.sess = nil
	rt.tr = nil
	rt.stanzas = nil
	rt.online = false
}

func (rt *runtime) shutdown() {
	if rt.online {
		rt.teardown()
	}
}

// HandleMessage is the dispatcher's fallback: direct chat and groupchat
// bodies that no namespace handler claimed.
func (rt *runtime) HandleMessage(msg stanza.Message) error {
	if msg.Type == stanza.GroupChatMessage {
		if rt.rooms.IsRoom(msg.From) {
			return rt.rooms.HandleMessage(msg)
		}
		rt.e.log.Warn("groupchat from unknown room %s", msg.From.Bare())
		return nil
	}
	if msg.Body == "" {
		return nil
	}
	rt.deliverChat(msg, time.Now(), "", false)
	return nil
}

// deliverChat stores a direct message and posts it if it was not a replay.
func (rt *runtime) deliverChat(msg stanza.Message, ts time.Time, archiveID string, archived bool) {
	outgoing := msg.From.Bare().Equal(rt.self.Bare())
	conv := msg.From.Bare()
	if outgoing {
		conv = msg.To.Bare()
	}
	rec := sqlite.Message{
		StanzaID:     msg.ID,
		ArchiveID:    archiveID,
		Conversation: conv.String(),
		Sender:       msg.From.String(),
		Body:         msg.Body,
		Type:         "chat",
		Timestamp:    ts,
		Outgoing:     outgoing,
	}
	if !rt.persistMessage(rec) {
		return
	}
	rt.e.post(EventMsg{Type: EventMessage, Data: ChatMessage{
		ID:           msg.ID,
		Conversation: rec.Conversation,
		Sender:       rec.Sender,
		Body:         msg.Body,
		Timestamp:    ts,
		Outgoing:     outgoing,
		Archived:     archived,
	}})
}

func (rt *runtime) roomMessage(room jid.JID, nick string, msg stanza.Message) {
	rt.deliverRoomMessage(room, nick, msg, time.Now(), "", false)
}

func (rt *runtime) deliverRoomMessage(room jid.JID, nick string, msg stanza.Message, ts time.Time, archiveID string, archived bool) {
	outgoing := false
	if r, ok := rt.rooms.Room(room); ok {
		outgoing = nick == r.Nick
	}
	rec := sqlite.Message{
		StanzaID:     msg.ID,
		ArchiveID:    archiveID,
		Conversation: room.Bare().String(),
		Sender:       msg.From.String(),
		Body:         msg.Body,
		Type:         "groupchat",
		Timestamp:    ts,
		Outgoing:     outgoing,
	}
	if !rt.persistMessage(rec) {
		return
	}
	rt.e.post(EventMsg{Type: EventMessage, Data: ChatMessage{
		ID:           msg.ID,
		Conversation: rec.Conversation,
		Sender:       rec.Sender,
		Nick:         nick,
		Body:         msg.Body,
		Timestamp:    ts,
		Outgoing:     outgoing,
		GroupChat:    true,
		Archived:     archived,
	}})
}

// persistMessage saves rec and reports whether it was new. With
// persistence off every message counts as new.
func (rt *runtime) persistMessage(rec sqlite.Message) bool {
	if rt.e.store == nil || !rt.e.cfg.Storage.SaveMessages {
		return true
	}
	fresh, err := rt.e.store.SaveMessage(rt.e.acct.JID, rec)
	if err != nil {
		rt.e.log.Warn("store message: %v", err)
		return true
	}
	return fresh
}

// syncArchive walks the server archive for conv within the configured
// budget, dedups into the store and posts the merged history. A recorded
// sync mark resumes the walk forward from where the last one stopped;
// without one the walk pages backward from the newest item. Room archives
// are queried at the room, direct chats filter our own archive.
func (rt *runtime) syncArchive(conv jid.JID, groupchat bool) {
	if !rt.online || !rt.archive.Supported() {
		rt.postHistory(conv.Bare().String(), false)
		return
	}
	q := mam.Query{Budget: rt.e.cfg.Storage.HistoryBudget}
	if groupchat {
		q.Target = conv.Bare()
	} else {
		q.With = conv.Bare()
	}
	if rt.e.store != nil {
		mark, ok, err := rt.e.store.GetArchiveMark(rt.e.acct.JID, conv.Bare().String())
		if err != nil {
			rt.e.log.Warn("archive mark %s: %v", conv.Bare(), err)
		} else if ok {
			q.After = mark.LastArchiveID
		}
	}
	var newest mam.ArchivedMessage
	err := rt.archive.Backfill(q,
		func(am mam.ArchivedMessage) {
			if am.Timestamp.After(newest.Timestamp) {
				newest = am
			}
			if groupchat {
				nick := am.Message.From.Resourcepart()
				rt.deliverRoomMessage(conv.Bare(), nick, am.Message, am.Timestamp, am.ArchiveID, true)
			} else {
				rt.deliverChat(am.Message, am.Timestamp, am.ArchiveID, true)
			}
		},
		func(complete bool, err error) {
			if err != nil {
				rt.e.log.Warn("archive sync %s: %v", conv.Bare(), err)
				return
			}
			if rt.e.store != nil && newest.ArchiveID != "" {
				mark := sqlite.ArchiveMark{
					LastArchiveID: newest.ArchiveID,
					LastTimestamp: newest.Timestamp,
					LastSynced:    time.Now(),
				}
				if err := rt.e.store.SetArchiveMark(rt.e.acct.JID, conv.Bare().String(), mark); err != nil {
					rt.e.log.Warn("archive mark %s: %v", conv.Bare(), err)
				}
			}
			rt.postHistory(conv.Bare().String(), complete)
		})
	if err != nil && !errors.Is(err, mam.ErrUnsupported) {
		rt.e.log.Warn("archive sync %s: %v", conv.Bare(), err)
	}
}

// postHistory posts the stored tail of a conversation.
func (rt *runtime) postHistory(conv string, complete bool) {
	limit := rt.e.cfg.Storage.HistoryBudget
	if limit <= 0 {
		limit = mam.DefaultBudget
	}
	rt.postHistoryN(conv, limit, complete)
}

func (rt *runtime) postHistoryN(conv string, limit int, complete bool) {
	if rt.e.store == nil {
		return
	}
	recs, err := rt.e.store.RecentMessages(rt.e.acct.JID, conv, limit)
	if err != nil {
		rt.e.log.Warn("load history %s: %v", conv, err)
		return
	}
	page := HistoryPage{Conversation: conv, Complete: complete}
	for _, rec := range recs {
		cm := ChatMessage{
			ID:           rec.StanzaID,
			Conversation: rec.Conversation,
			Sender:       rec.Sender,
			Body:         rec.Body,
			Timestamp:    rec.Timestamp,
			Outgoing:     rec.Outgoing,
			GroupChat:    rec.Type == "groupchat",
		}
		if cm.GroupChat {
			if sender, err := jid.Parse(rec.Sender); err == nil {
				cm.Nick = sender.Resourcepart()
			}
		}
		page.Messages = append(page.Messages, cm)
	}
	rt.e.post(EventMsg{Type: EventHistory, Data: page})
}

// seedCached replays the stored roster and bookmark caches as events, so
// contacts and rooms are on screen before the first connect completes.
// Live state from an established connection wins over the cache.
func (rt *runtime) seedCached() {
	if rt.e.store == nil || rt.online {
		return
	}
	items, err := rt.e.store.LoadRoster(rt.e.acct.JID)
	if err != nil {
		rt.e.log.Warn("load roster cache: %v", err)
	}
	for _, it := range items {
		rt.e.post(EventMsg{Type: EventRosterUpdate, Data: ContactUpdate{
			JID:          it.JID,
			Name:         it.Name,
			Subscription: it.Subscription,
			Groups:       it.Groups,
		}})
	}
	marks, err := rt.e.store.LoadBookmarks(rt.e.acct.JID)
	if err != nil {
		rt.e.log.Warn("load bookmark cache: %v", err)
		return
	}
	var infos []BookmarkInfo
	for _, b := range marks {
		infos = append(infos, BookmarkInfo{
			JID:      b.JID,
			Name:     b.Name,
			Nick:     b.Nick,
			Autojoin: b.Autojoin,
		})
	}
	if len(infos) > 0 {
		rt.e.post(EventMsg{Type: EventBookmarks, Data: infos})
	}
}

func (rt *runtime) persistRoster() {
	if rt.e.store == nil {
		return
	}
	var items []sqlite.RosterItem
	for _, c := range rt.contacts.Contacts() {
		items = append(items, sqlite.RosterItem{
			JID:          c.JID.String(),
			Name:         c.Name,
			Subscription: string(c.Subscription),
			Groups:       c.Groups,
		})
	}
	if err := rt.e.store.SaveRoster(rt.e.acct.JID, items); err != nil {
		rt.e.log.Warn("store roster: %v", err)
	}
}

func (rt *runtime) persistBookmarks() {
	if rt.e.store == nil {
		return
	}
	var rows []sqlite.Bookmark
	for _, b := range rt.marks.All() {
		rows = append(rows, sqlite.Bookmark{
			JID:      b.JID.String(),
			Name:     b.Name,
			Nick:     b.Nick,
			Autojoin: b.Autojoin,
		})
	}
	if err := rt.e.store.SaveBookmarks(rt.e.acct.JID, rows); err != nil {
		rt.e.log.Warn("store bookmarks: %v", err)
	}
}

func (rt *runtime) postBookmarks() {
	var infos []BookmarkInfo
	for _, b := range rt.marks.All() {
		infos = append(infos, BookmarkInfo{
			JID:      b.JID.String(),
			Name:     b.Name,
			Nick:     b.Nick,
			Autojoin: b.Autojoin,
		})
	}
	rt.e.post(EventMsg{Type: EventBookmarks, Data: infos})
}

func (rt *runtime) contactChanged(c *roster.Contact) {
	up := ContactUpdate{
		JID:          c.JID.String(),
		Name:         c.Name,
		Subscription: string(c.Subscription),
		Groups:       c.Groups,
		Online:       c.Online(),
	}
	if best, ok := c.Best(); ok {
		up.Show = string(best.Show)
		up.Status = best.Status
	}
	rt.e.post(EventMsg{Type: EventRosterUpdate, Data: up})
}

func (rt *runtime) contactRemoved(j jid.JID) {
	rt.e.post(EventMsg{Type: EventContactRemoved, Data: j.String()})
}

func (rt *runtime) subscriptionRequest(from jid.JID, status string) {
	rt.e.post(EventMsg{Type: EventSubscriptionRequest, Data: SubscriptionRequest{
		From:   from.String(),
		Status: status,
	}})
}

func (rt *runtime) roomJoined(r *muc.Room) {
	rt.e.post(EventMsg{Type: EventRoomJoined, Data: RoomInfo{Room: r.JID.String(), Nick: r.Nick}})
	rt.syncArchive(r.JID, true)
}

func (rt *runtime) roomJoinFailed(room jid.JID, err error) {
	rt.e.post(EventMsg{Type: EventRoomJoinFailed, Data: RoomInfo{Room: room.String(), Reason: err.Error()}})
}

func (rt *runtime) roomLeft(room jid.JID, reason string) {
	rt.e.post(EventMsg{Type: EventRoomLeft, Data: RoomInfo{Room: room.String(), Reason: reason}})
}

func (rt *runtime) occupantJoined(room jid.JID, o muc.Occupant) {
	rt.e.post(EventMsg{Type: EventRoomOccupant, Data: OccupantUpdate{
		Room: room.String(), Nick: o.Nick, Change: OccupantJoined,
	}})
}

func (rt *runtime) occupantLeft(room jid.JID, nick string) {
	rt.e.post(EventMsg{Type: EventRoomOccupant, Data: OccupantUpdate{
		Room: room.String(), Nick: nick, Change: OccupantLeft,
	}})
}

func (rt *runtime) occupantRenamed(room jid.JID, oldNick, newNick string) {
	rt.e.post(EventMsg{Type: EventRoomOccupant, Data: OccupantUpdate{
		Room: room.String(), Nick: oldNick, Change: OccupantRenamed, NewNick: newNick,
	}})
}

func (rt *runtime) roomSubject(room jid.JID, subject, by string) {
	rt.e.post(EventMsg{Type: EventRoomSubject, Data: SubjectUpdate{
		Room: room.String(), Subject: subject, By: by,
	}})
}

func (rt *runtime) joinRoom(room jid.JID, nick, password string) {
	if nick == "" {
		nick = rt.e.acct.Nick
	}
	if nick == "" {
		nick = rt.self.Localpart()
	}
	if err := rt.rooms.Join(room.Bare(), nick, password); err != nil {
		rt.e.postErr(err)
	}
}

func (rt *runtime) requireOnline() bool {
	if rt.online {
		return true
	}
	rt.e.post(EventMsg{Type: EventError, Data: "not connected"})
	return false
}
