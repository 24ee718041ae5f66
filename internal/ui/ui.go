package ui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"warble/internal/app"
	"warble/internal/config"
)

// styles is the fixed colour scheme. Themeing beyond this is not a goal;
// the engine is the product, the renderer just has to be readable.
type styles struct {
	sidebar   lipgloss.Style
	active    lipgloss.Style
	online    lipgloss.Style
	offline   lipgloss.Style
	timestamp lipgloss.Style
	nick      lipgloss.Style
	ownNick   lipgloss.Style
	system    lipgloss.Style
	errText   lipgloss.Style
	statusBar lipgloss.Style
	prompt    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		sidebar:   lipgloss.NewStyle().Width(24).BorderStyle(lipgloss.NormalBorder()).BorderRight(true),
		active:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		online:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		timestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		nick:      lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		ownNick:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true),
		errText:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		statusBar: lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("252")),
		prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("205")),
	}
}

type contact struct {
	jid    string
	name   string
	online bool
	show   string
}

type line struct {
	when string
	nick string
	text string
	own  bool
	sys  bool
}

// Model renders the engine's event stream. It keeps its own copies of
// roster and history; the engine is never queried synchronously.
type Model struct {
	engine *app.Engine
	cfg    *config.Config
	st     styles

	width  int
	height int

	contacts map[string]contact
	rooms    map[string]string // room -> nick
	convs    map[string][]line
	order    []string // conversation tabs, oldest first
	active   string

	input    string
	status   string
	lastErr  string
	quitting bool
}

// New builds the root model for one engine.
func New(engine *app.Engine, cfg *config.Config) Model {
	return Model{
		engine:   engine,
		cfg:      cfg,
		st:       defaultStyles(),
		contacts: make(map[string]contact),
		rooms:    make(map[string]string),
		convs:    make(map[string][]line),
		status:   "offline",
	}
}

func (m Model) Init() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		engine.SeedCached()
		return nil
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case app.EventMsg:
		return m.handleEvent(msg), nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "enter":
		return m.submit()
	case "tab":
		m.cycleConversation(1)
		return m, nil
	case "shift+tab":
		m.cycleConversation(-1)
		return m, nil
	case "backspace":
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil
	default:
		if msg.Type == tea.KeyRunes {
			m.input += string(msg.Runes)
		} else if msg.Type == tea.KeySpace {
			m.input += " "
		}
		return m, nil
	}
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input)
	m.input = ""
	m.lastErr = ""
	if text == "" {
		return m, nil
	}
	if strings.HasPrefix(text, "/") {
		if text == "/quit" {
			m.quitting = true
			return m, tea.Quit
		}
		if err := m.engine.Execute(text); err != nil {
			m.lastErr = err.Error()
			return m, nil
		}
		if conv, ok := strings.CutPrefix(text, "/open "); ok {
			m.openConversation(strings.TrimSpace(conv))
			m.active = strings.TrimSpace(conv)
		}
		return m, nil
	}
	if m.active == "" {
		m.lastErr = "no open conversation"
		return m, nil
	}
	if err := m.engine.SendMessage(m.active, text); err != nil {
		m.lastErr = err.Error()
	}
	return m, nil
}

func (m *Model) cycleConversation(dir int) {
	if len(m.order) == 0 {
		return
	}
	idx := 0
	for i, c := range m.order {
		if c == m.active {
			idx = (i + dir + len(m.order)) % len(m.order)
			break
		}
	}
	m.switchTo(m.order[idx])
}

// switchTo makes conv the active conversation and asks the engine to
// refresh its backlog.
func (m *Model) switchTo(conv string) {
	if conv == m.active {
		return
	}
	m.active = conv
	if err := m.engine.OpenConversation(conv); err != nil {
		m.lastErr = err.Error()
	}
}

func (m *Model) openConversation(conv string) {
	for _, c := range m.order {
		if c == conv {
			return
		}
	}
	m.order = append(m.order, conv)
	if m.active == "" {
		m.active = conv
	}
}

func (m Model) handleEvent(ev app.EventMsg) Model {
	switch ev.Type {
	case app.EventConnState:
		if ci, ok := ev.Data.(app.ConnInfo); ok {
			m.status = ci.State
		}

	case app.EventConnected:
		m.status = "online"

	case app.EventDisconnected:
		m.status = "offline"
		for j, c := range m.contacts {
			c.online = false
			m.contacts[j] = c
		}

	case app.EventConnFailed:
		if ci, ok := ev.Data.(app.ConnInfo); ok {
			m.status = "offline"
			m.lastErr = ci.Err
		}

	case app.EventRosterUpdate:
		if up, ok := ev.Data.(app.ContactUpdate); ok {
			m.contacts[up.JID] = contact{
				jid:    up.JID,
				name:   up.Name,
				online: up.Online,
				show:   up.Show,
			}
		}

	case app.EventContactRemoved:
		if j, ok := ev.Data.(string); ok {
			delete(m.contacts, j)
		}

	case app.EventSubscriptionRequest:
		if sr, ok := ev.Data.(app.SubscriptionRequest); ok {
			m.systemLine(m.active, fmt.Sprintf("%s wants to see your presence (/roster accept %s)", sr.From, sr.From))
		}

	case app.EventMessage:
		if cm, ok := ev.Data.(app.ChatMessage); ok {
			m.openConversation(cm.Conversation)
			nick := cm.Sender
			if cm.GroupChat {
				nick = cm.Nick
			}
			m.convs[cm.Conversation] = append(m.convs[cm.Conversation], line{
				when: cm.Timestamp.Format(m.timeFormat()),
				nick: nick,
				text: cm.Body,
				own:  cm.Outgoing,
			})
		}

	case app.EventHistory:
		if page, ok := ev.Data.(app.HistoryPage); ok {
			m.openConversation(page.Conversation)
			var lines []line
			for _, cm := range page.Messages {
				nick := cm.Sender
				if cm.GroupChat {
					nick = cm.Nick
				}
				lines = append(lines, line{
					when: cm.Timestamp.Format(m.timeFormat()),
					nick: nick,
					text: cm.Body,
					own:  cm.Outgoing,
				})
			}
			m.convs[page.Conversation] = lines
		}

	case app.EventRoomJoined:
		if ri, ok := ev.Data.(app.RoomInfo); ok {
			m.rooms[ri.Room] = ri.Nick
			m.openConversation(ri.Room)
			m.systemLine(ri.Room, "joined as "+ri.Nick)
		}

	case app.EventRoomJoinFailed:
		if ri, ok := ev.Data.(app.RoomInfo); ok {
			m.lastErr = fmt.Sprintf("join %s: %s", ri.Room, ri.Reason)
		}

	case app.EventRoomLeft:
		if ri, ok := ev.Data.(app.RoomInfo); ok {
			delete(m.rooms, ri.Room)
			text := "left"
			if ri.Reason != "" {
				text = "removed: " + ri.Reason
			}
			m.systemLine(ri.Room, text)
		}

	case app.EventRoomOccupant:
		if ou, ok := ev.Data.(app.OccupantUpdate); ok {
			switch ou.Change {
			case app.OccupantJoined:
				m.systemLine(ou.Room, ou.Nick+" joined")
			case app.OccupantLeft:
				m.systemLine(ou.Room, ou.Nick+" left")
			case app.OccupantRenamed:
				m.systemLine(ou.Room, ou.Nick+" is now "+ou.NewNick)
			}
		}

	case app.EventRoomSubject:
		if su, ok := ev.Data.(app.SubjectUpdate); ok {
			m.systemLine(su.Room, "subject: "+su.Subject)
		}

	case app.EventBookmarks:
		if infos, ok := ev.Data.([]app.BookmarkInfo); ok {
			var parts []string
			for _, b := range infos {
				s := b.JID
				if b.Autojoin {
					s += " (autojoin)"
				}
				parts = append(parts, s)
			}
			text := "bookmarks: none"
			if len(parts) > 0 {
				text = "bookmarks: " + strings.Join(parts, ", ")
			}
			m.systemLine(m.active, text)
		}

	case app.EventError:
		if s, ok := ev.Data.(string); ok {
			m.lastErr = s
		}
	}
	return m
}

func (m *Model) systemLine(conv, text string) {
	if conv == "" {
		m.lastErr = text
		return
	}
	m.convs[conv] = append(m.convs[conv], line{text: text, sys: true})
}

func (m Model) timeFormat() string {
	if m.cfg != nil && m.cfg.UI.TimeFormat != "" {
		return m.cfg.UI.TimeFormat
	}
	return "15:04"
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "loading"
	}

	chatHeight := m.height - 3
	if chatHeight < 1 {
		chatHeight = 1
	}

	sidebar := m.viewSidebar(chatHeight)
	messages := m.viewMessages(chatHeight)
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, messages)

	status := m.viewStatus()
	input := m.st.prompt.Render("> ") + m.input

	return lipgloss.JoinVertical(lipgloss.Left, body, status, input)
}

func (m Model) viewSidebar(height int) string {
	var names []string
	for j := range m.contacts {
		names = append(names, j)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("contacts\n")
	for _, j := range names {
		c := m.contacts[j]
		label := c.name
		if label == "" {
			label = c.jid
		}
		style := m.st.offline
		if c.online {
			style = m.st.online
		}
		if c.jid == m.active {
			style = m.st.active
		}
		b.WriteString(style.Render(label) + "\n")
	}

	if len(m.rooms) > 0 {
		b.WriteString("\nrooms\n")
		var rooms []string
		for r := range m.rooms {
			rooms = append(rooms, r)
		}
		sort.Strings(rooms)
		for _, r := range rooms {
			style := m.st.online
			if r == m.active {
				style = m.st.active
			}
			b.WriteString(style.Render(r) + "\n")
		}
	}

	return m.st.sidebar.Height(height).Render(b.String())
}

func (m Model) viewMessages(height int) string {
	lines := m.convs[m.active]
	start := 0
	if len(lines) > height {
		start = len(lines) - height
	}

	var b strings.Builder
	for _, l := range lines[start:] {
		switch {
		case l.sys:
			b.WriteString(m.st.system.Render("-- "+l.text) + "\n")
		default:
			nickStyle := m.st.nick
			if l.own {
				nickStyle = m.st.ownNick
			}
			b.WriteString(fmt.Sprintf("%s %s %s\n",
				m.st.timestamp.Render(l.when),
				nickStyle.Render("<"+l.nick+">"),
				l.text))
		}
	}
	return b.String()
}

func (m Model) viewStatus() string {
	right := m.status
	left := m.active
	if left == "" {
		left = "no conversation"
	}
	if m.lastErr != "" {
		left = m.st.errText.Render(m.lastErr)
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return m.st.statusBar.Width(m.width).Render(" " + left + strings.Repeat(" ", gap) + right)
}
