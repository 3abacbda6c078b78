package server

import (
	"bufio"
	"log"
	"msnp/models"
	"msnp/protocol"
	"net"
	"sync"
	"time"
)

// Participant owns one client socket: framing reads, serialized writes and
// the authenticated principal once a handshake binds one. Wire traffic is
// logged per connection, except message bodies, which are user content.
type Participant struct {
	conn         net.Conn
	reader       *bufio.Reader
	remoteAddr   string
	writeTimeout time.Duration

	writeMu sync.Mutex

	principalMu sync.Mutex
	principal   *models.Principal
}

func NewParticipant(conn net.Conn, writeTimeout time.Duration) *Participant {
	return &Participant{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		remoteAddr:   conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

func (p *Participant) RemoteAddr() string {
	return p.remoteAddr
}

func (p *Participant) Close() error {
	return p.conn.Close()
}

func (p *Participant) SetPrincipal(principal *models.Principal) {
	p.principalMu.Lock()
	defer p.principalMu.Unlock()
	p.principal = principal
}

func (p *Participant) Principal() *models.Principal {
	p.principalMu.Lock()
	defer p.principalMu.Unlock()
	return p.principal
}

// ReadCommand reads the next CRLF-terminated command line and splits it
// into its space-separated tokens.
func (p *Participant) ReadCommand() ([]string, error) {
	line, err := protocol.ReadLine(p.reader)
	if err != nil {
		return nil, err
	}
	log.Printf("%s >>> %s", p.remoteAddr, line)
	return protocol.SplitCommand(line), nil
}

// ReadBlock reads exactly length bytes of message body. The content is
// never logged.
func (p *Participant) ReadBlock(length int) ([]byte, error) {
	block, err := protocol.ReadBlock(p.reader, length)
	if err != nil {
		return nil, err
	}
	log.Printf("%s >>> << redacted %d bytes >>", p.remoteAddr, length)
	return block, nil
}

func (p *Participant) SendCommand(args ...string) error {
	line := protocol.Join(args...)
	log.Printf("%s <<< %s", p.remoteAddr, line)
	return p.write([]byte(line + "\r\n"))
}

func (p *Participant) SendError(code, trID string) error {
	return p.SendCommand(code, trID)
}

// SendMessage writes a relay header line followed by the raw body block.
// The body has no terminator and is redacted from the log.
func (p *Participant) SendMessage(header string, body []byte) error {
	log.Printf("%s <<< %s << redacted >>", p.remoteAddr, header)
	buf := make([]byte, 0, len(header)+2+len(body))
	buf = append(buf, header...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, body...)
	return p.write(buf)
}

func (p *Participant) write(buf []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	if _, err := p.conn.Write(buf); err != nil {
		log.Printf("%s write error: %v", p.remoteAddr, err)
		return err
	}
	return nil
}
