package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/bconerr"
	"github.com/bcon/bcon-server/internal/commandtracker"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/queue"
	"github.com/bcon/bcon-server/internal/ratelimit"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/router"
	"github.com/bcon/bcon-server/internal/wire"
)

// ClientListener accepts client WebSocket connections and drives the
// Opening -> Unauthenticated -> Authenticated -> Closed state machine
// described by the client handshake.
type ClientListener struct {
	addr       string
	serverName string
	auth       *auth.Service
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	tracker    *commandtracker.Tracker
	router     *router.Router
	upgrader   websocket.Upgrader
}

// NewClientListener constructs a listener bound to addr (host:port).
func NewClientListener(addr, serverName string, authSvc *auth.Service, limiter *ratelimit.Limiter, reg *registry.Registry, tracker *commandtracker.Tracker, rt *router.Router, allowedOrigins []string) *ClientListener {
	return &ClientListener{
		addr:       addr,
		serverName: serverName,
		auth:       authSvc,
		limiter:    limiter,
		registry:   reg,
		tracker:    tracker,
		router:     rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

// ListenAndServe binds addr and serves upgrade requests until ctx is
// cancelled.
func (l *ClientListener) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    l.addr,
		Handler: http.HandlerFunc(l.handle),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (l *ClientListener) handle(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if l.limiter.IsBanned(ip) {
		hijackAndClose(w)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WS().Debug().Str("ip", ip).Err(err).Msg("client handshake upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	egress := queue.New[wire.Outgoing]()
	sess := &clientSession{
		connectionID: connectionID,
		ip:           ip,
		role:         auth.RoleGuest,
		egress:       egress,
		listener:     l,
	}

	l.registry.AddClient(&registry.ClientConn{
		ConnectionID: connectionID,
		Role:         auth.RoleGuest,
		Egress:       egress,
	})

	egress.Push(wire.ConnectionEstablished(connectionID))

	go runEgressPump(conn, egress, connectionID)
	runIngressPump(conn, connectionID, sess.onMessage)

	l.registry.RemoveClient(connectionID)
	l.tracker.CleanupConnection(connectionID)
}

// clientSession tracks the mutable per-connection state (current role)
// a single client connection moves through as it authenticates.
type clientSession struct {
	connectionID string
	ip           string
	role         auth.Role
	egress       *queue.Queue[wire.Outgoing]
	listener     *ClientListener
}

func (s *clientSession) onMessage(msg wire.Incoming) bool {
	l := s.listener

	result, err := l.limiter.Check(s.ip, s.role, "client", ratelimit.MessageCost(msg.EventType))
	if err != nil {
		logger.WS().Warn().Str("connection_id", s.connectionID).Err(err).Msg("rate limit check failed")
		return true
	}
	if result.Decision == ratelimit.Banned {
		logger.WS().Warn().Str("connection_id", s.connectionID).Str("ip", s.ip).Msg("client banned, closing connection")
		return false
	}
	if result.Decision == ratelimit.Exceeded {
		s.reply(bconerr.RateLimitErr("rate limit exceeded").ToEnvelope())
		return true
	}

	if msg.IsAuthMessage() {
		s.handleAuth(msg)
		return true
	}

	l.router.RouteClientMessage(context.Background(), s.connectionID, s.role, msg)
	return true
}

type authData struct {
	Token string `json:"token"`
}

func (s *clientSession) handleAuth(msg wire.Incoming) {
	l := s.listener
	var data authData
	_ = json.Unmarshal(msg.Data, &data)

	validated, err := l.auth.VerifyClientToken(data.Token)
	if err != nil {
		s.egress.Push(authFailed(s.connectionID, err.Error()))
		return
	}

	s.role = validated.Role
	l.registry.AddClient(&registry.ClientConn{
		ConnectionID: s.connectionID,
		Role:         validated.Role,
		UserID:       validated.UserID,
		Username:     validated.Username,
		Egress:       s.egress,
	})

	s.egress.Push(authenticated(s.connectionID, validated, l.serverName))
}

func (s *clientSession) reply(env bconerr.Envelope) {
	payload, _ := json.Marshal(env)
	s.egress.Push(wire.NewOutgoing("error", payload))
}

func authenticated(connectionID string, v auth.ValidatedClientToken, serverName string) wire.Outgoing {
	username := ""
	if v.Username != nil {
		username = *v.Username
	}
	data, _ := json.Marshal(map[string]any{
		"socketId":     connectionID,
		"connectionId": connectionID,
		"role":         v.Role.String(),
		"user": map[string]any{
			"username": username,
			"role":     v.Role.String(),
		},
		"server": map[string]any{
			"name":          serverName,
			"version":       "1.0.0",
			"authenticated": true,
		},
	})
	return wire.Success("authenticated", data)
}

func authFailed(connectionID, reason string) wire.Outgoing {
	data, _ := json.Marshal(map[string]any{
		"socketId": connectionID,
		"message":  reason,
	})
	out := wire.NewOutgoing("auth_failed", data)
	success := false
	out.Success = &success
	return out
}
