package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"warble/internal/app"
	"warble/internal/config"
	"warble/internal/logging"
	"warble/internal/storage/sqlite"
	"warble/internal/ui"
	"warble/pkg/plugin"
)

func main() {
	account := flag.String("account", "", "JID of the account to use (default: first configured)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}

	log, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		fatal("open log: %v", err)
	}
	defer log.Close()

	accounts, err := config.LoadAccounts()
	if err != nil {
		fatal("load accounts: %v", err)
	}
	acct, err := pickAccount(accounts, *account)
	if err != nil {
		fatal("%v", err)
	}

	dataDir := cfg.General.DataDir
	if dataDir == "" {
		if paths, err := config.GetPaths(); err == nil {
			dataDir = paths.DataDir
		}
	}
	var store *sqlite.DB
	if dataDir != "" {
		store, err = sqlite.New(dataDir)
		if err != nil {
			// History is degraded, the client still works.
			log.Warn("open storage: %v", err)
		} else {
			defer store.Close()
		}
	}

	engine := app.NewEngine(cfg, acct, log, store)
	engine.Start()
	defer engine.Stop()

	host := plugin.NewHost(cfg.Plugins.PluginDir, log.Named("plugin"))
	if err := host.LoadAll(); err != nil {
		log.Warn("load plugins: %v", err)
	}
	defer host.UnloadAll()
	go forwardEvents(engine, host)

	model := ui.New(engine, cfg)
	p := tea.NewProgram(model, tea.WithAltScreen())
	engine.SetProgram(p)

	if cfg.General.AutoConnect && acct.AutoConnect {
		engine.Connect()
	}

	if _, err := p.Run(); err != nil {
		fatal("run: %v", err)
	}
}

func pickAccount(accounts *config.AccountsConfig, jid string) (config.Account, error) {
	if len(accounts.Accounts) == 0 {
		return config.Account{}, fmt.Errorf("no accounts configured; add one to accounts.toml")
	}
	if jid == "" {
		return accounts.Accounts[0], nil
	}
	for _, acct := range accounts.Accounts {
		if acct.JID == jid {
			return acct, nil
		}
	}
	return config.Account{}, fmt.Errorf("no account %q in accounts.toml", jid)
}

// forwardEvents relays engine events to the plugin host in a shape
// plugins can digest.
func forwardEvents(engine *app.Engine, host *plugin.Host) {
	for ev := range engine.Events() {
		pe, ok := translateEvent(ev)
		if !ok {
			continue
		}
		host.Broadcast(pe)
	}
}

func translateEvent(ev app.EventMsg) (plugin.Event, bool) {
	switch ev.Type {
	case app.EventConnected:
		ci, _ := ev.Data.(app.ConnInfo)
		return plugin.Event{Kind: "connected", JID: ci.JID}, true

	case app.EventDisconnected:
		ci, _ := ev.Data.(app.ConnInfo)
		return plugin.Event{Kind: "disconnected", JID: ci.JID, Text: ci.Err}, true

	case app.EventMessage:
		cm, ok := ev.Data.(app.ChatMessage)
		if !ok || cm.Outgoing || cm.Archived {
			return plugin.Event{}, false
		}
		return plugin.Event{
			Kind:      "message",
			JID:       cm.Conversation,
			Nick:      cm.Nick,
			Text:      cm.Body,
			Timestamp: cm.Timestamp,
		}, true

	case app.EventRosterUpdate:
		up, ok := ev.Data.(app.ContactUpdate)
		if !ok {
			return plugin.Event{}, false
		}
		state := "offline"
		if up.Online {
			state = "online"
		}
		return plugin.Event{Kind: "presence", JID: up.JID, Text: state}, true

	case app.EventRoomJoined:
		ri, _ := ev.Data.(app.RoomInfo)
		return plugin.Event{Kind: "room-joined", JID: ri.Room, Nick: ri.Nick}, true

	case app.EventRoomLeft:
		ri, _ := ev.Data.(app.RoomInfo)
		return plugin.Event{Kind: "room-left", JID: ri.Room, Text: ri.Reason}, true

	default:
		return plugin.Event{}, false
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warble: "+format+"\n", args...)
	os.Exit(1)
}
