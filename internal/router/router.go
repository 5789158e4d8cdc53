// Package router implements the broker's role-scoped message routing
// policy: adapter events fan out to system clients only; system clients
// issue commands to adapters; other clients relay through system
// clients; privileged roles may dispatch RCON commands directly.
package router

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/commandtracker"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/rcon"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/wire"
)

// Router wires the connection registry, command tracker and RCON pool
// into the routing policy described by the broker's routing rules.
type Router struct {
	registry *registry.Registry
	tracker  *commandtracker.Tracker
	rcon     *rcon.Pool
	sanitize *bluemonday.Policy
	counter  atomic.Uint64
}

// New constructs a Router.
func New(reg *registry.Registry, tracker *commandtracker.Tracker, rconPool *rcon.Pool) *Router {
	return &Router{
		registry: reg,
		tracker:  tracker,
		rcon:     rconPool,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// RoutedCount returns the lifetime number of messages this router has
// routed, across both adapter and client origin.
func (r *Router) RoutedCount() uint64 { return r.counter.Load() }

func ptr[T any](v T) *T { return &v }

// RouteAdapterMessage implements §4.6's adapter-origin policy: wrap as a
// Relay (source_id = serverID), fan out to system clients only. Adapters
// never fan out directly to admins/players/guests. An adapter reply that
// carries replyTo also consumes the matching pending command in the
// tracker; the reply is still relayed to system clients.
func (r *Router) RouteAdapterMessage(serverID string, msg wire.Incoming) {
	defer r.counter.Add(1)

	if msg.ReplyTo != nil && *msg.ReplyTo != "" {
		r.tracker.HandleAck(msg)
	}

	relayID := uuid.NewString()
	relay := wire.NewRelay(msg.EventType, msg.Data, ptr(serverID), relayID)
	relayData, _ := json.Marshal(relay)

	out := wire.NewOutgoing(msg.EventType, relayData)
	if msg.MessageID != nil {
		out = out.WithMessageID(*msg.MessageID)
	} else {
		out = out.WithMessageID(relayID)
	}

	r.registry.SendToSystemClients(out)
}

// RouteClientMessage implements §4.6's client-origin policy.
func (r *Router) RouteClientMessage(ctx context.Context, connectionID string, role auth.Role, msg wire.Incoming) {
	defer r.counter.Add(1)

	if msg.ReplyTo != nil && *msg.ReplyTo != "" {
		if _, ok := r.tracker.HandleAck(msg); ok {
			return
		}
	}

	if msg.IsAuthMessage() {
		return
	}

	if (role == auth.RoleAdmin || role == auth.RoleSystem) && msg.EventType == "rcon_command" {
		r.routeRCONCommand(ctx, connectionID, msg)
		return
	}

	if role == auth.RoleSystem {
		r.routeSystemCommand(connectionID, msg)
		return
	}

	r.routeToSystemClients(connectionID, role, msg)
}

type rconCommandData struct {
	Command  string `json:"command"`
	ServerID string `json:"server_id"`
}

func (r *Router) routeRCONCommand(ctx context.Context, connectionID string, msg wire.Incoming) {
	var data rconCommandData
	_ = json.Unmarshal(msg.Data, &data)

	if data.ServerID == "" {
		r.replyAck(connectionID, msg, false, "server_id is required for RCON commands", nil)
		return
	}
	if !r.rcon.IsAvailable(data.ServerID) {
		r.replyAck(connectionID, msg, false, "no rcon client registered for server_id "+data.ServerID, nil)
		return
	}

	result, err := r.rcon.Execute(ctx, data.ServerID, data.Command)
	if err != nil {
		r.replyAck(connectionID, msg, false, err.Error(), nil)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"success":   true,
		"result":    result,
		"command":   data.Command,
		"server_id": data.ServerID,
		"via":       "rcon_direct",
	})
	out := wire.Success("command_result", payload)
	if msg.MessageID != nil {
		out = out.WithReplyTo(*msg.MessageID)
	}
	r.registry.SendToClient(connectionID, out)
}

func (r *Router) replyAck(connectionID string, msg wire.Incoming, success bool, errMsg string, data json.RawMessage) {
	var out wire.Outgoing
	if success {
		out = wire.Success("command_result", data)
	} else {
		out = wire.Failure("command_result", errMsg)
	}
	if msg.MessageID != nil {
		out = out.WithReplyTo(*msg.MessageID)
	}
	r.registry.SendToClient(connectionID, out)
}

type systemCommandData struct {
	ServerID *string `json:"server_id,omitempty"`
}

func (r *Router) routeSystemCommand(connectionID string, msg wire.Incoming) {
	var data systemCommandData
	_ = json.Unmarshal(msg.Data, &data)

	out := wire.NewOutgoing(msg.EventType, msg.Data)
	if msg.MessageID != nil {
		out = out.WithMessageID(*msg.MessageID)
	}
	if msg.RequiresAck != nil && *msg.RequiresAck {
		out = out.WithRequiresAck(true)
		timeout := uint64(30000)
		if msg.TimeoutMs != nil {
			timeout = *msg.TimeoutMs
		}
		out = out.WithTimeoutMs(timeout)
		r.tracker.Track(out, connectionID)
	}

	if data.ServerID != nil && *data.ServerID != "" {
		if !r.registry.SendToAdapter(*data.ServerID, out) {
			r.replyEventError(connectionID, msg, "no adapter available for server_id "+*data.ServerID)
		}
		return
	}
	r.registry.BroadcastToAdapters(out)
}

func (r *Router) routeToSystemClients(connectionID string, role auth.Role, msg wire.Incoming) {
	enriched := r.enrichData(connectionID, role, msg.Data)

	relayID := uuid.NewString()
	relay := wire.NewRelay(msg.EventType, enriched, ptr(connectionID), relayID)
	relayData, _ := json.Marshal(relay)

	out := wire.NewOutgoing(msg.EventType, relayData)
	if msg.MessageID != nil {
		out = out.WithMessageID(*msg.MessageID)
	} else {
		out = out.WithMessageID(relayID)
	}

	if len(r.registry.GetSystemClients()) == 0 {
		r.replyEventError(connectionID, msg, "No system clients available")
		return
	}
	r.registry.SendToSystemClients(out)
}

// enrichData adds client_id and client_role to the message's data object,
// and strips HTML from any free-text "message" field before relay to
// system-client dashboards.
func (r *Router) enrichData(connectionID string, role auth.Role, data json.RawMessage) json.RawMessage {
	var fields map[string]any
	if len(data) == 0 || string(data) == "null" {
		fields = map[string]any{}
	} else if err := json.Unmarshal(data, &fields); err != nil {
		fields = map[string]any{"_raw": string(data)}
	}
	if msg, ok := fields["message"].(string); ok {
		fields["message"] = r.sanitize.Sanitize(msg)
	}
	fields["client_id"] = connectionID
	fields["client_role"] = role.String()
	out, err := json.Marshal(fields)
	if err != nil {
		logger.Router().Warn().Err(err).Msg("failed to marshal enriched relay data")
		return data
	}
	return out
}

func (r *Router) replyEventError(connectionID string, msg wire.Incoming, errMsg string) {
	out := wire.Failure(msg.EventType+"_error", errMsg)
	if msg.MessageID != nil {
		out = out.WithReplyTo(*msg.MessageID)
	}
	r.registry.SendToClient(connectionID, out)
}
