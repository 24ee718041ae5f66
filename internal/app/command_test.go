package app

import (
	"reflect"
	"testing"

	"warble/internal/config"
	"warble/internal/logging"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"join tavern@conference.example.com alice", []string{"join", "tavern@conference.example.com", "alice"}},
		{`msg bob@example.com "hello there"`, []string{"msg", "bob@example.com", "hello there"}},
		{`bookmark add "my room@conf.example.com"`, []string{"bookmark", "add", "my room@conf.example.com"}},
		{`msg bob say \"hi\"`, []string{"msg", "bob", `say`, `"hi"`}},
		{"  status   away  ", []string{"status", "away"}},
		{`""`, []string{""}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.line)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %#v, want %#v", tt.line, got, tt.want)
		}
	}
}

func commandEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return NewEngine(config.DefaultConfig(), config.Account{JID: "alice@example.com"}, log, nil)
}

func TestExecuteRejectsMalformedInput(t *testing.T) {
	e := commandEngine(t)

	bad := []string{
		"hello there",             // no slash
		"/",                       // empty
		"/frobnicate",             // unknown command
		"/msg bob@example.com",    // missing body
		"/nick tavern@conf.x",     // missing nick
		"/history bob@x zero",     // bad count
		"/history bob@x -3",       // bad count
		"/roster promote bob@x",   // unknown roster verb
		"/bookmark flag room@c.x", // unknown bookmark verb
		"/msg bob@ hi",            // unparsable address
		"/status lurking",         // unknown show value
		"/open",                   // missing jid
		"/open bob@",              // unparsable address
	}
	for _, line := range bad {
		if err := e.Execute(line); err == nil {
			t.Errorf("Execute(%q) accepted, want error", line)
		}
	}
}

func TestExecuteParsesValidCommands(t *testing.T) {
	e := commandEngine(t)

	good := []string{
		"/msg bob@example.com hello there",
		"/join tavern@conference.example.com",
		"/join tavern@conference.example.com alice secret",
		"/leave tavern@conference.example.com",
		"/subject tavern@conference.example.com quiz night",
		"/status away back in 5",
		"/roster add bob@example.com Bob",
		"/bookmark add tavern@conference.example.com alice autojoin",
		"/bookmark list",
		"/history bob@example.com 20",
		"/open bob@example.com",
	}
	for _, line := range good {
		if err := e.Execute(line); err != nil {
			t.Errorf("Execute(%q): %v", line, err)
		}
	}
}
