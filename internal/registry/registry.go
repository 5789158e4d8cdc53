// Package registry maintains the broker's live connection tables:
// adapters keyed by connection id, clients keyed by connection id, and a
// weak-reference system-client index for fan-out without scanning.
// Lookups by server_id or by role scan the adapter or client table.
package registry

import (
	"weak"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/concurrent"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/queue"
	"github.com/bcon/bcon-server/internal/wire"
)

// AdapterConn is a registered adapter connection.
type AdapterConn struct {
	ConnectionID string
	ServerID     string
	ServerName   *string
	Egress       *queue.Queue[wire.Outgoing]
}

// ClientConn is a registered client connection.
type ClientConn struct {
	ConnectionID string
	Role         auth.Role
	UserID       *string
	Username     *string
	Egress       *queue.Queue[wire.Outgoing]
}

// Registry holds every live connection. Construct with New; it is a
// process-wide singleton in cmd/bcon-server, and tests construct
// independent instances.
type Registry struct {
	adapters      *concurrent.Map[string, *AdapterConn]
	clients       *concurrent.Map[string, *ClientConn]
	systemClients *concurrent.Map[string, weak.Pointer[ClientConn]]
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		adapters:      concurrent.NewMap[string, *AdapterConn](),
		clients:       concurrent.NewMap[string, *ClientConn](),
		systemClients: concurrent.NewMap[string, weak.Pointer[ClientConn]](),
	}
}

// AddAdapter registers conn. Calling this twice for the same
// ConnectionID simply replaces the entry, keeping invariant 1 (at most
// one entry per connection_id).
func (r *Registry) AddAdapter(conn *AdapterConn) {
	r.adapters.Set(conn.ConnectionID, conn)
	logger.Registry().Info().Str("connection_id", conn.ConnectionID).Str("server_id", conn.ServerID).Msg("adapter registered")
}

// AddClient registers conn, additionally installing it in the
// system-client weak index when its role is system.
func (r *Registry) AddClient(conn *ClientConn) {
	r.clients.Set(conn.ConnectionID, conn)
	if conn.Role == auth.RoleSystem {
		r.systemClients.Set(conn.ConnectionID, weak.Make(conn))
	}
	logger.Registry().Info().Str("connection_id", conn.ConnectionID).Str("role", conn.Role.String()).Msg("client registered")
}

// GetAdapter returns the adapter registered under connectionID.
func (r *Registry) GetAdapter(connectionID string) (*AdapterConn, bool) {
	return r.adapters.Get(connectionID)
}

// GetClient returns the client registered under connectionID.
func (r *Registry) GetClient(connectionID string) (*ClientConn, bool) {
	return r.clients.Get(connectionID)
}

// GetAdaptersByServer returns every live adapter pinned to serverID.
func (r *Registry) GetAdaptersByServer(serverID string) []*AdapterConn {
	var out []*AdapterConn
	r.adapters.Range(func(_ string, a *AdapterConn) bool {
		if a.ServerID == serverID {
			out = append(out, a)
		}
		return true
	})
	return out
}

// GetSystemClients upgrades every weak reference in the system-client
// index, returning the live ones and pruning dead entries it observes —
// mirroring the original's Weak<ClientConnection> upgrade-and-prune
// semantics.
func (r *Registry) GetSystemClients() []*ClientConn {
	var out []*ClientConn
	for _, id := range r.systemClients.Keys() {
		wp, ok := r.systemClients.Get(id)
		if !ok {
			continue
		}
		if c := wp.Value(); c != nil {
			out = append(out, c)
		} else {
			r.systemClients.Delete(id)
		}
	}
	return out
}

// GetClientsByRole returns every live client with the given role.
func (r *Registry) GetClientsByRole(role auth.Role) []*ClientConn {
	var out []*ClientConn
	r.clients.Range(func(_ string, c *ClientConn) bool {
		if c.Role == role {
			out = append(out, c)
		}
		return true
	})
	return out
}

// GetAllClients returns every live client.
func (r *Registry) GetAllClients() []*ClientConn {
	var out []*ClientConn
	r.clients.Range(func(_ string, c *ClientConn) bool {
		out = append(out, c)
		return true
	})
	return out
}

// GetAllAdapters returns every live adapter.
func (r *Registry) GetAllAdapters() []*AdapterConn {
	var out []*AdapterConn
	r.adapters.Range(func(_ string, a *AdapterConn) bool {
		out = append(out, a)
		return true
	})
	return out
}

// AdapterCount returns the number of live adapters.
func (r *Registry) AdapterCount() int { return r.adapters.Len() }

// ClientCount returns the number of live clients.
func (r *Registry) ClientCount() int { return r.clients.Len() }

func (r *Registry) pushOrLog(q *queue.Queue[wire.Outgoing], msg wire.Outgoing, connectionID string) bool {
	if !q.Push(msg) {
		logger.Registry().Warn().Str("connection_id", connectionID).Msg("egress queue closed, dropping message")
		return false
	}
	return true
}

// SendToAdapter fans out msg to every adapter pinned to serverID,
// returning whether at least one queue accepted it.
func (r *Registry) SendToAdapter(serverID string, msg wire.Outgoing) bool {
	sent := false
	for _, a := range r.GetAdaptersByServer(serverID) {
		if r.pushOrLog(a.Egress, msg, a.ConnectionID) {
			sent = true
		}
	}
	return sent
}

// BroadcastToAdapters fans out msg to every live adapter.
func (r *Registry) BroadcastToAdapters(msg wire.Outgoing) {
	for _, a := range r.GetAllAdapters() {
		r.pushOrLog(a.Egress, msg, a.ConnectionID)
	}
}

// SendToSystemClients fans out msg to every live system client.
func (r *Registry) SendToSystemClients(msg wire.Outgoing) {
	for _, c := range r.GetSystemClients() {
		r.pushOrLog(c.Egress, msg, c.ConnectionID)
	}
}

// SendToClient delivers msg to a single client, logging a warning if
// connectionID is not registered.
func (r *Registry) SendToClient(connectionID string, msg wire.Outgoing) bool {
	c, ok := r.GetClient(connectionID)
	if !ok {
		logger.Registry().Warn().Str("connection_id", connectionID).Msg("send_to_client: connection not found")
		return false
	}
	return r.pushOrLog(c.Egress, msg, connectionID)
}

// BroadcastToClients fans out msg to every live client, optionally
// filtered to a single role.
func (r *Registry) BroadcastToClients(msg wire.Outgoing, roleFilter *auth.Role) {
	for _, c := range r.GetAllClients() {
		if roleFilter != nil && c.Role != *roleFilter {
			continue
		}
		r.pushOrLog(c.Egress, msg, c.ConnectionID)
	}
}

// RemoveAdapter removes connectionID's adapter entry.
func (r *Registry) RemoveAdapter(connectionID string) {
	if a, ok := r.adapters.Get(connectionID); ok {
		a.Egress.Close()
	}
	r.adapters.Delete(connectionID)
	logger.Registry().Info().Str("connection_id", connectionID).Msg("adapter removed")
}

// RemoveClient removes connectionID's client entry from both the main
// table and, if present, the system-client index.
func (r *Registry) RemoveClient(connectionID string) {
	if c, ok := r.clients.Get(connectionID); ok {
		c.Egress.Close()
	}
	r.clients.Delete(connectionID)
	r.systemClients.Delete(connectionID)
	logger.Registry().Info().Str("connection_id", connectionID).Msg("client removed")
}
