package server

import (
	"bufio"
	"msnp/db"
	"msnp/protocol"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "msnp-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})
	return database
}

func newTestConfig() *Config {
	return &Config{
		DispatchPort:     1863,
		NotificationPort: 1864,
		SwitchBoardPort:  1865,
		DispatchAddr:     "127.0.0.1:1863",
		NotificationAddr: "127.0.0.1:1864",
		SwitchBoardAddr:  "127.0.0.1:1865",
		WriteTimeout:     5 * time.Second,
	}
}

// testClient drives the client end of a piped connection, one wire line
// at a time.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// connect pipes a fresh connection into the given per-connection handler.
func connect(t *testing.T, handler func(net.Conn)) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go handler(serverConn)
	t.Cleanup(func() { clientConn.Close() })

	return &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *testClient) recv() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := protocol.ReadLine(c.r)
	require.NoError(c.t, err)
	return line
}

// recvBlock reads an exact-length message body.
func (c *testClient) recvBlock(length int) []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	block, err := protocol.ReadBlock(c.r, length)
	require.NoError(c.t, err)
	return block
}

// expectClosed asserts the server has terminated the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := protocol.ReadLine(c.r)
	require.Error(c.t, err)
}
