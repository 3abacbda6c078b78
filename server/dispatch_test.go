package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchRedirect(t *testing.T) {
	database := newTestDB(t)
	_, err := database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)

	srv := NewDispatchServer(database, newTestConfig())
	c := connect(t, srv.handleConnection)

	c.send("VER 1 MSNP2 CVR0")
	require.Equal(t, "VER 1 MSNP2", c.recv())

	c.send("INF 2")
	require.Equal(t, "INF 2 MD5", c.recv())

	c.send("USR 3 MD5 I a@x.com")
	require.Equal(t, "XFR 3 NS 127.0.0.1:1864 0 127.0.0.1:1863", c.recv())
}

func TestDispatchRedirectUsesConfiguredAddrs(t *testing.T) {
	database := newTestDB(t)
	_, err := database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)

	cfg := newTestConfig()
	cfg.DispatchAddr = "im.example.com:1863"
	cfg.NotificationAddr = "im.example.com:1864"

	srv := NewDispatchServer(database, cfg)
	c := connect(t, srv.handleConnection)

	c.send("VER 1 MSNP2")
	require.Equal(t, "VER 1 MSNP2", c.recv())
	c.send("INF 2")
	require.Equal(t, "INF 2 MD5", c.recv())

	c.send("USR 3 MD5 I a@x.com")
	require.Equal(t, "XFR 3 NS im.example.com:1864 0 im.example.com:1863", c.recv())
}

func TestDispatchUnknownPrincipal(t *testing.T) {
	database := newTestDB(t)
	srv := NewDispatchServer(database, newTestConfig())
	c := connect(t, srv.handleConnection)

	c.send("VER 1 MSNP2")
	require.Equal(t, "VER 1 MSNP2", c.recv())
	c.send("INF 2")
	require.Equal(t, "INF 2 MD5", c.recv())

	c.send("USR 3 MD5 I nobody@x.com")
	require.Equal(t, "911 3", c.recv())
	c.expectClosed()
}

func TestDispatchVersionMismatch(t *testing.T) {
	database := newTestDB(t)
	srv := NewDispatchServer(database, newTestConfig())
	c := connect(t, srv.handleConnection)

	c.send("VER 1 MSNP5 MSNP4")
	require.Equal(t, "VER 1 0", c.recv())
	c.expectClosed()
}

func TestDispatchHandshakeViolation(t *testing.T) {
	database := newTestDB(t)
	srv := NewDispatchServer(database, newTestConfig())
	c := connect(t, srv.handleConnection)

	// INF before VER is fatal.
	c.send("INF 1")
	c.expectClosed()
}
