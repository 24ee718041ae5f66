// statusnotify is a warble plugin that raises a desktop notification for
// incoming messages and contacts coming online.
package main

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"warble/pkg/plugin"
)

type statusNotify struct{}

func (p *statusNotify) Name() string {
	return "statusnotify"
}

func (p *statusNotify) Version() string {
	return "1.0.0"
}

func (p *statusNotify) HandleEvent(ev plugin.Event) error {
	switch ev.Kind {
	case "message":
		title := ev.JID
		if ev.Nick != "" {
			title = ev.Nick + " in " + ev.JID
		}
		body := ev.Text
		if len(body) > 120 {
			body = body[:120] + "…"
		}
		return sendNotification(title, body)

	case "presence":
		switch ev.Text {
		case "online":
			return sendNotification("warble", ev.JID+" is now online")
		case "offline":
			return sendNotification("warble", ev.JID+" went offline")
		}
		return nil

	case "disconnected":
		return sendNotification("warble", "connection lost")

	default:
		return nil
	}
}

func (p *statusNotify) Stop() error {
	return nil
}

func sendNotification(title, body string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`,
			strings.ReplaceAll(body, `"`, `'`), strings.ReplaceAll(title, `"`, `'`))
		return exec.Command("osascript", "-e", script).Run()

	case "linux":
		return exec.Command("notify-send", title, body).Run()

	default:
		return nil
	}
}

func main() {
	plugin.Serve(&statusNotify{})
}
