// Package rcon implements a per-server_id client pool for the Source-RCON
// wire protocol, adapted from a known-good Go RCON client: little-endian
// framing, a probing connect-then-register step, and a single deadline
// bounding both connect and round-trip per call.
package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bcon/bcon-server/internal/bconerr"
	"github.com/bcon/bcon-server/internal/logger"
)

const (
	typeAuth          = 3
	typeExecCommand   = 2
	typeAuthResponse  = 2
	typeResponseValue = 0
)

// ServerConfig describes one RCON-reachable game server.
type ServerConfig struct {
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
}

// client is a single connected (or reconnectable) RCON session.
type client struct {
	cfg  ServerConfig
	mu   sync.Mutex
	conn net.Conn
}

func (c *client) connectAndAuth(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return nil, bconerr.ConnectionErr("rcon dial failed: " + err.Error())
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	requestID := int32(1)
	if err := writePacket(conn, requestID, typeAuth, c.cfg.Password); err != nil {
		conn.Close()
		return nil, err
	}
	respID, _, _, err := readPacket(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if respID != requestID || respID == -1 {
		conn.Close()
		return nil, bconerr.AuthenticationErr("rcon authentication failed", nil)
	}
	return conn, nil
}

func (c *client) execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.connectAndAuth(ctx)
		if err != nil {
			return "", err
		}
		c.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}

	requestID := int32(2)
	if err := writePacket(c.conn, requestID, typeExecCommand, command); err != nil {
		c.conn.Close()
		c.conn = nil
		return "", err
	}
	_, _, body, err := readPacket(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return "", err
	}
	return body, nil
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func writePacket(conn net.Conn, requestID int32, packetType int32, body string) error {
	bodyBytes := append([]byte(body), 0x00, 0x00)
	size := int32(4 + 4 + len(bodyBytes))

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, size); err != nil {
		return bconerr.IOErr("rcon write size failed", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, requestID); err != nil {
		return bconerr.IOErr("rcon write request_id failed", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, packetType); err != nil {
		return bconerr.IOErr("rcon write type failed", err)
	}
	buf.Write(bodyBytes)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return bconerr.IOErr("rcon socket write failed", err)
	}
	return nil
}

func readPacket(conn net.Conn) (requestID int32, packetType int32, body string, err error) {
	var size int32
	if err = binary.Read(conn, binary.LittleEndian, &size); err != nil {
		return 0, 0, "", bconerr.IOErr("rcon read size failed", err)
	}
	if size < 10 || size > 1<<20 {
		return 0, 0, "", bconerr.InvalidMessageErr("rcon packet size out of range")
	}
	payload := make([]byte, size)
	if _, err = readFull(conn, payload); err != nil {
		return 0, 0, "", bconerr.IOErr("rcon read payload failed", err)
	}
	requestID = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:len(payload)-2], "\x00"))
	return requestID, packetType, body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Pool manages one RCON client per server_id.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*client)}
}

// RegisterClient performs a probing connect and a "list" command against
// cfg; only on success is the client installed under serverID.
func (p *Pool) RegisterClient(ctx context.Context, serverID string, cfg ServerConfig) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c := &client{cfg: cfg}
	if _, err := c.execute(probeCtx, "list"); err != nil {
		logger.RCON().Warn().Str("server_id", serverID).Err(err).Msg("rcon probe failed, not registering")
		return err
	}

	p.mu.Lock()
	p.clients[serverID] = c
	p.mu.Unlock()
	logger.RCON().Info().Str("server_id", serverID).Msg("rcon client registered")
	return nil
}

// UnregisterClient closes and removes the client for serverID, if any.
func (p *Pool) UnregisterClient(serverID string) {
	p.mu.Lock()
	c, ok := p.clients[serverID]
	delete(p.clients, serverID)
	p.mu.Unlock()
	if ok {
		c.close()
	}
}

// Execute issues command against serverID's registered client, bounding
// both connect and round-trip by cfg.Timeout.
func (p *Pool) Execute(ctx context.Context, serverID, command string) (string, error) {
	p.mu.RLock()
	c, ok := p.clients[serverID]
	p.mu.RUnlock()
	if !ok {
		return "", bconerr.NotFoundErr("no rcon client registered for server_id " + serverID)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.execute(callCtx, command)
}

// IsAvailable reports whether serverID has a registered, passworded
// client (registration only succeeds after a successful probe, so
// presence in the map already implies availability).
func (p *Pool) IsAvailable(serverID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[serverID]
	return ok && c.cfg.Password != ""
}

// Servers returns the server_ids with a registered client.
func (p *Pool) Servers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	return out
}

// Shutdown closes every registered client.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.close()
		delete(p.clients, id)
	}
}
