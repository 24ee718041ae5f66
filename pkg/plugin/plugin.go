// Package plugin is the out-of-process plugin contract. Plugins are
// separate binaries that receive engine events for notification purposes;
// they cannot reach back into the engine, and a misbehaving plugin never
// affects the connection.
package plugin

import (
	"context"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// Event is one engine event in a wire-friendly shape.
type Event struct {
	// Kind is one of "connected", "disconnected", "message", "presence",
	// "room-joined", "room-left".
	Kind string

	// JID is the peer, contact or room the event concerns.
	JID string

	// Nick is the sender nick for groupchat messages.
	Nick string

	// Text is the message body, presence status or failure reason.
	Text string

	Timestamp time.Time
}

// Plugin is the interface a plugin binary implements.
type Plugin interface {
	// Name returns the plugin name.
	Name() string

	// Version returns the plugin version.
	Version() string

	// HandleEvent receives one engine event. Errors are logged by the
	// host, never fatal to the client.
	HandleEvent(ev Event) error

	// Stop is called before the plugin process is killed.
	Stop() error
}

// Handshake is the plugin handshake config.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WARBLE_PLUGIN",
	MagicCookieValue: "warble",
}

// PluginMap is the plugin type map shared by host and plugins.
var PluginMap = map[string]goplugin.Plugin{
	"events": &EventPlugin{},
}

// Serve runs a plugin. Call it from the plugin binary's main.
func Serve(impl Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"events": &EventPlugin{Impl: impl},
		},
	})
}

// EventPlugin is the go-plugin glue for the Plugin interface over net/rpc.
type EventPlugin struct {
	Impl Plugin
}

func (p *EventPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *EventPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{c: c}, nil
}

type rpcServer struct {
	impl Plugin
}

func (s *rpcServer) Name(_ struct{}, resp *string) error {
	*resp = s.impl.Name()
	return nil
}

func (s *rpcServer) Version(_ struct{}, resp *string) error {
	*resp = s.impl.Version()
	return nil
}

func (s *rpcServer) HandleEvent(ev Event, _ *struct{}) error {
	return s.impl.HandleEvent(ev)
}

func (s *rpcServer) Stop(_ struct{}, _ *struct{}) error {
	return s.impl.Stop()
}

type rpcClient struct {
	c *rpc.Client
}

func (c *rpcClient) Name() string {
	var resp string
	if err := c.c.Call("Plugin.Name", struct{}{}, &resp); err != nil {
		return ""
	}
	return resp
}

func (c *rpcClient) Version() string {
	var resp string
	if err := c.c.Call("Plugin.Version", struct{}{}, &resp); err != nil {
		return ""
	}
	return resp
}

func (c *rpcClient) HandleEvent(ev Event) error {
	return c.c.Call("Plugin.HandleEvent", ev, &struct{}{})
}

func (c *rpcClient) Stop() error {
	return c.c.Call("Plugin.Stop", struct{}{}, &struct{}{})
}

// GRPCEventPlugin is the gRPC variant for plugins written in other
// languages. The in-tree plugins use net/rpc.
type GRPCEventPlugin struct {
	goplugin.Plugin
	Impl Plugin
}

func (p *GRPCEventPlugin) GRPCServer(broker *goplugin.GRPCBroker, s *grpc.Server) error {
	// The event service is registered here once a wire schema exists.
	return nil
}

func (p *GRPCEventPlugin) GRPCClient(ctx context.Context, broker *goplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return nil, nil
}
