package plugin

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
)

// maxFailures is how many consecutive delivery failures a plugin gets
// before it is unloaded.
const maxFailures = 5

// Logger is the slice of the application logger the host needs.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// Host manages plugin processes and fans engine events out to them.
type Host struct {
	mu      sync.Mutex
	plugins map[string]*loadedPlugin
	dir     string
	log     Logger
}

type loadedPlugin struct {
	name     string
	version  string
	plugin   Plugin
	client   *goplugin.Client
	failures int
}

// NewHost creates a plugin host loading from dir.
func NewHost(dir string, log Logger) *Host {
	return &Host{
		plugins: make(map[string]*loadedPlugin),
		dir:     dir,
		log:     log,
	}
}

// LoadAll loads every executable in the plugin directory. A plugin that
// fails to load is skipped, not fatal.
func (h *Host) LoadAll() error {
	if h.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(h.dir, entry.Name())
		if err := h.Load(path); err != nil {
			h.log.Warn("plugin %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// Load starts a single plugin binary and connects to it.
func (h *Host) Load(path string) error {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("connect: %w", err)
	}
	raw, err := rpcClient.Dispense("events")
	if err != nil {
		client.Kill()
		return fmt.Errorf("dispense: %w", err)
	}
	p, ok := raw.(Plugin)
	if !ok {
		client.Kill()
		return fmt.Errorf("unexpected plugin type %T", raw)
	}

	name := p.Name()
	if name == "" {
		client.Kill()
		return fmt.Errorf("plugin at %s reports no name", path)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.plugins[name]; dup {
		client.Kill()
		return fmt.Errorf("plugin %s already loaded", name)
	}
	h.plugins[name] = &loadedPlugin{
		name:    name,
		version: p.Version(),
		plugin:  p,
		client:  client,
	}
	h.log.Info("loaded plugin %s %s", name, h.plugins[name].version)
	return nil
}

// Broadcast delivers one event to every plugin. Plugins that keep
// failing are dropped.
func (h *Host) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, lp := range h.plugins {
		if err := lp.plugin.HandleEvent(ev); err != nil {
			lp.failures++
			h.log.Warn("plugin %s: %v", name, err)
			if lp.failures >= maxFailures {
				h.log.Warn("plugin %s unloaded after %d failures", name, lp.failures)
				lp.client.Kill()
				delete(h.plugins, name)
			}
			continue
		}
		lp.failures = 0
	}
}

// List returns the names of the loaded plugins.
func (h *Host) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	return names
}

// UnloadAll stops and kills every plugin.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, lp := range h.plugins {
		if err := lp.plugin.Stop(); err != nil {
			h.log.Warn("plugin %s stop: %v", name, err)
		}
		lp.client.Kill()
		delete(h.plugins, name)
	}
}
