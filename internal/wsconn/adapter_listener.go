package wsconn

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/queue"
	"github.com/bcon/bcon-server/internal/ratelimit"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/router"
	"github.com/bcon/bcon-server/internal/wire"
)

// AdapterListener accepts adapter WebSocket connections: bearer-token
// handshake, no further in-band authentication, one egress queue per
// connection fed from router.RouteAdapterMessage via the registry.
type AdapterListener struct {
	addr     string
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	router   *router.Router
	upgrader websocket.Upgrader
}

// NewAdapterListener constructs a listener bound to addr (host:port).
// allowedOrigins follows the client listener's same wildcard rule: a
// single "*" entry allows every Origin header, including absent ones.
func NewAdapterListener(addr string, authSvc *auth.Service, limiter *ratelimit.Limiter, reg *registry.Registry, rt *router.Router, allowedOrigins []string) *AdapterListener {
	return &AdapterListener{
		addr:     addr,
		auth:     authSvc,
		limiter:  limiter,
		registry: reg,
		router:   rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

// ListenAndServe binds addr and serves upgrade requests until ctx is
// cancelled.
func (l *AdapterListener) ListenAndServe(ctx context.Context) error {
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

func (l *AdapterListener) handle(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	// §4.8 step 1: a banned IP is dropped before the handshake even
	// starts. Hijacking and closing the raw connection, rather than
	// writing any HTTP response, is how "drop silently" is expressed
	// over net/http.
	if l.limiter.IsBanned(ip) {
		hijackAndClose(w)
		return
	}

	// §4.3's unauthenticated-adapter path: every handshake attempt costs
	// against the unauthenticated-adapter window before anything else
	// happens, and the very first overflow bans the IP outright rather
	// than waiting for ban_threshold.
	if res, err := l.limiter.CheckUnauthenticatedAdapter(ip); err != nil {
		logger.WS().Warn().Str("ip", ip).Err(err).Msg("unauthenticated adapter rate-limit check failed")
	} else if res.Decision == ratelimit.Banned || res.Decision == ratelimit.ShouldBan {
		logger.WS().Warn().Str("ip", ip).Msg("unauthenticated adapter rate limit exceeded, banning")
		hijackAndClose(w)
		return
	}

	// Unlike runtimes where the upgrade callback fires asynchronously
	// before the rest of the request is available, net/http hands the
	// full *http.Request — headers included — to this handler
	// synchronously, so the bearer token is simply read here rather
	// than threaded through a handshake-local slot.
	token := bearerToken(r)

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WS().Debug().Str("ip", ip).Err(err).Msg("adapter handshake upgrade failed")
		return
	}

	if token == "" {
		logger.WS().Warn().Str("ip", ip).Msg("adapter handshake missing bearer token, closing")
		conn.Close()
		return
	}

	validated, err := l.auth.VerifyAdapterToken(token)
	if err != nil {
		logger.WS().Warn().Str("ip", ip).Err(err).Msg("adapter token verification failed, closing")
		conn.Close()
		return
	}

	connectionID := uuid.NewString()
	egress := queue.New[wire.Outgoing]()
	adapterConn := &registry.AdapterConn{
		ConnectionID: connectionID,
		ServerID:     validated.ServerID,
		ServerName:   validated.ServerName,
		Egress:       egress,
	}
	l.registry.AddAdapter(adapterConn)

	go runEgressPump(conn, egress, connectionID)
	runIngressPump(conn, connectionID, func(msg wire.Incoming) bool {
		l.router.RouteAdapterMessage(validated.ServerID, msg)
		return true
	})

	l.registry.RemoveAdapter(connectionID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		return false
	}
}
