package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the Source-RCON wire protocol to drive
// RegisterClient's probe and one Execute call: it authenticates only the
// given password (answering any other with request id -1) and echoes
// "ok:<command>" for every exec request.
func fakeServer(t *testing.T, password string) (addr string, close func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, password)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func serveConn(conn net.Conn, password string) {
	defer conn.Close()
	for {
		reqID, ptype, body, err := readPacket(conn)
		if err != nil {
			return
		}
		switch ptype {
		case typeAuth:
			if body == password {
				_ = writePacket(conn, reqID, typeAuthResponse, "")
			} else {
				_ = writePacket(conn, -1, typeAuthResponse, "")
			}
		case typeExecCommand:
			_ = writePacket(conn, reqID, typeResponseValue, "ok:"+body)
		}
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestWritePacketReadPacketRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reqID, ptype, body, err := readPacket(server)
		require.NoError(t, err)
		assert.Equal(t, int32(7), reqID)
		assert.Equal(t, int32(typeExecCommand), ptype)
		assert.Equal(t, "status", body)
	}()

	require.NoError(t, writePacket(client, 7, typeExecCommand, "status"))
	<-done
}

func TestReadPacketRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _, err := readPacket(server)
		assert.Error(t, err)
	}()

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, int32(1<<21))
	_, _ = client.Write(buf.Bytes())
	client.Close()
	<-done
}

func TestRegisterClientAndExecuteRoundTrip(t *testing.T) {
	addr, closeSrv := fakeServer(t, "secret")
	defer closeSrv()
	host, port := splitHostPort(t, addr)

	pool := NewPool()
	ctx := context.Background()
	err := pool.RegisterClient(ctx, "srv-1", ServerConfig{Host: host, Port: port, Password: "secret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, pool.IsAvailable("srv-1"))
	assert.Equal(t, []string{"srv-1"}, pool.Servers())

	result, err := pool.Execute(ctx, "srv-1", "status")
	require.NoError(t, err)
	assert.Equal(t, "ok:status", result)

	pool.UnregisterClient("srv-1")
	assert.False(t, pool.IsAvailable("srv-1"))
}

func TestRegisterClientFailsOnBadPassword(t *testing.T) {
	addr, closeSrv := fakeServer(t, "secret")
	defer closeSrv()
	host, port := splitHostPort(t, addr)

	pool := NewPool()
	err := pool.RegisterClient(context.Background(), "srv-1", ServerConfig{Host: host, Port: port, Password: "wrong", Timeout: 2 * time.Second})
	assert.Error(t, err)
	assert.False(t, pool.IsAvailable("srv-1"))
}

func TestExecuteUnknownServerReturnsError(t *testing.T) {
	pool := NewPool()
	_, err := pool.Execute(context.Background(), "nope", "status")
	assert.Error(t, err)
}
