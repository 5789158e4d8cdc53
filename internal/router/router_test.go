package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/commandtracker"
	"github.com/bcon/bcon-server/internal/queue"
	"github.com/bcon/bcon-server/internal/rcon"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/wire"
)

func newTestRouter() (*Router, *registry.Registry) {
	reg := registry.New()
	tr := commandtracker.New(nil)
	return New(reg, tr, rcon.NewPool()), reg
}

func TestRouteAdapterMessageFansOutToSystemClientsOnly(t *testing.T) {
	r, reg := newTestRouter()

	sysEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "sys-1", Role: auth.RoleSystem, Egress: sysEgress})
	playerEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "player-1", Role: auth.RolePlayer, Egress: playerEgress})

	in := wire.Incoming{EventType: "player_join", Data: json.RawMessage(`{"name":"bob"}`)}
	r.RouteAdapterMessage("srv-1", in)

	got, ok := sysEgress.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "player_join", got.Type)

	var relay wire.Relay
	require.NoError(t, json.Unmarshal(got.Data, &relay))
	require.NotNil(t, relay.SourceID)
	assert.Equal(t, "srv-1", *relay.SourceID)

	assert.Zero(t, playerEgress.Len(), "non-system clients never receive adapter fan-out directly")
	assert.Equal(t, uint64(1), r.RoutedCount())
}

func TestRouteClientMessageRelaysToSystemClientsWithEnrichment(t *testing.T) {
	r, reg := newTestRouter()

	sysEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "sys-1", Role: auth.RoleSystem, Egress: sysEgress})

	in := wire.Incoming{EventType: "chat_message", Data: json.RawMessage(`{"message":"<script>alert(1)</script>hi"}`)}
	r.RouteClientMessage(context.Background(), "player-1", auth.RolePlayer, in)

	got, ok := sysEgress.Pop(nil)
	require.True(t, ok)

	var relay wire.Relay
	require.NoError(t, json.Unmarshal(got.Data, &relay))
	require.NotNil(t, relay.SourceID)
	assert.Equal(t, "player-1", *relay.SourceID)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(relay.Data, &fields))
	assert.Equal(t, "player-1", fields["client_id"])
	assert.Equal(t, "player", fields["client_role"])
	assert.NotContains(t, fields["message"], "<script>")
}

func TestRouteClientMessageNoSystemClientsRepliesError(t *testing.T) {
	r, reg := newTestRouter()

	clientEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "player-1", Role: auth.RolePlayer, Egress: clientEgress})

	in := wire.Incoming{EventType: "chat_message", Data: json.RawMessage(`{}`), MessageID: strPtrR("m1")}
	r.RouteClientMessage(context.Background(), "player-1", auth.RolePlayer, in)

	got, ok := clientEgress.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "chat_message_error", got.Type)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestRouteClientMessageSystemRoleDispatchesToAdapterWithTracking(t *testing.T) {
	r, reg := newTestRouter()

	adapterEgress := queue.New[wire.Outgoing]()
	reg.AddAdapter(&registry.AdapterConn{ConnectionID: "a1", ServerID: "srv-1", Egress: adapterEgress})

	in := wire.Incoming{
		EventType:   "kick_player",
		Data:        json.RawMessage(`{"server_id":"srv-1"}`),
		MessageID:   strPtrR("cmd-1"),
		RequiresAck: boolPtrR(true),
	}
	r.RouteClientMessage(context.Background(), "sys-1", auth.RoleSystem, in)

	got, ok := adapterEgress.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "kick_player", got.Type)
	require.NotNil(t, got.RequiresAck)
	assert.True(t, *got.RequiresAck)

	pending := r.tracker.GetPendingForConnection("sys-1")
	assert.Len(t, pending, 1)
}

func TestRouteClientMessageAckConsumedAndNotRelayed(t *testing.T) {
	r, reg := newTestRouter()

	adapterEgress := queue.New[wire.Outgoing]()
	reg.AddAdapter(&registry.AdapterConn{ConnectionID: "a1", ServerID: "srv-1", Egress: adapterEgress})

	out := wire.NewOutgoing("kick_player", nil).WithRequiresAck(true).WithMessageID("cmd-1")
	_, ok := r.tracker.Track(out, "sys-1")
	require.True(t, ok)

	sysEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "sys-1", Role: auth.RoleSystem, Egress: sysEgress})

	ack := wire.Incoming{EventType: "ack", ReplyTo: strPtrR("cmd-1")}
	r.RouteClientMessage(context.Background(), "a1", auth.RoleSystem, ack)

	assert.Zero(t, sysEgress.Len(), "an ack should be consumed by the tracker, not relayed onward")
}

func TestRouteClientMessageRCONWithoutRegisteredClientReturnsError(t *testing.T) {
	r, reg := newTestRouter()

	clientEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "admin-1", Role: auth.RoleAdmin, Egress: clientEgress})

	in := wire.Incoming{
		EventType: "rcon_command",
		Data:      json.RawMessage(`{"command":"status","server_id":"srv-1"}`),
		MessageID: strPtrR("rc-1"),
	}
	r.RouteClientMessage(context.Background(), "admin-1", auth.RoleAdmin, in)

	got, ok := clientEgress.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "command_result", got.Type)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestRouteClientMessageAuthFrameIsSwallowed(t *testing.T) {
	r, reg := newTestRouter()
	sysEgress := queue.New[wire.Outgoing]()
	reg.AddClient(&registry.ClientConn{ConnectionID: "sys-1", Role: auth.RoleSystem, Egress: sysEgress})

	in := wire.Incoming{EventType: "auth", Data: json.RawMessage(`{"token":"x"}`)}
	r.RouteClientMessage(context.Background(), "player-1", auth.RolePlayer, in)

	assert.Zero(t, sysEgress.Len(), "in-band auth frames are handled by the listener, never routed")
}

func strPtrR(s string) *string { return &s }
func boolPtrR(b bool) *bool    { return &b }
