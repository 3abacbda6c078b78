package server

import (
	"context"
	"fmt"
	"log"
	"msnp/db"
	"msnp/protocol"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// SwitchBoardServer hosts short-lived multi-party conversations. A
// connection's first command either opens a session under a fresh hash
// (USR) or joins a live one (ANS); everything after dispatches within
// that session.
type SwitchBoardServer struct {
	db            *db.DB
	config        *Config
	notifications *SessionRegistry
	registry      *SwitchBoardRegistry
}

func NewSwitchBoardServer(database *db.DB, config *Config, notifications *SessionRegistry) *SwitchBoardServer {
	return &SwitchBoardServer{
		db:            database,
		config:        config,
		notifications: notifications,
		registry:      NewSwitchBoardRegistry(),
	}
}

func (s *SwitchBoardServer) Start(ctx context.Context) error {
	return listenAndServe(ctx, "SwitchBoard", s.config.SwitchBoardPort, s.handleConnection)
}

func (s *SwitchBoardServer) Registry() *SwitchBoardRegistry {
	return s.registry
}

// SwitchBoardSession is one conversation: an opaque one-time hash and the
// participants currently connected to it. Membership is guarded by the
// switchboard registry; mu only protects the slice for readers.
type SwitchBoardSession struct {
	hash string

	mu           sync.Mutex
	participants []*Participant
}

func (s *SwitchBoardSession) add(p *Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append(s.participants, p)
}

// remove deletes p and returns the remaining participant count.
func (s *SwitchBoardSession) remove(p *Participant) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.participants {
		if other == p {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			break
		}
	}
	return len(s.participants)
}

// others snapshots every participant except p.
func (s *SwitchBoardSession) others(p *Participant) []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var others []*Participant
	for _, other := range s.participants {
		if other != p {
			others = append(others, other)
		}
	}
	return others
}

func (s *SwitchBoardServer) handleConnection(conn net.Conn) {
	p := NewParticipant(conn, s.config.WriteTimeout)
	var session *SwitchBoardSession

	log.Printf("Client connected to sb: %s", p.RemoteAddr())

	defer func() {
		if session != nil {
			s.registry.Leave(session, p)
		}
		conn.Close()
		log.Printf("Client disconnected from sb: %s", p.RemoteAddr())
	}()

	for {
		args, err := p.ReadCommand()
		if err != nil {
			log.Printf("sb %s: %v", p.RemoteAddr(), err)
			return
		}

		if session == nil {
			session, err = s.bind(p, args)
			if err != nil {
				log.Printf("sb %s: %v", p.RemoteAddr(), err)
				return
			}
		}

		if err := s.handleCommand(session, p, args); err != nil {
			if err == errLogout {
				log.Printf("sb %s: session ended", p.RemoteAddr())
			} else {
				log.Printf("sb %s: %v", p.RemoteAddr(), err)
			}
			return
		}
	}
}

// bind resolves the connection's first command: USR opens a session under
// the supplied hash, ANS joins an existing one. Anything else is fatal.
func (s *SwitchBoardServer) bind(p *Participant, args []string) (*SwitchBoardSession, error) {
	if args[0] != "USR" && args[0] != "ANS" {
		return nil, fmt.Errorf("expected USR or ANS, received %q", args[0])
	}
	if len(args) < 4 {
		return nil, errTooFewArgs(args)
	}

	trID, email, hash := args[1], args[2], args[3]

	principal, ok := lookupPrincipal(s.db, email)
	if !ok {
		p.SendError(protocol.ErrCodeNoSuchUser, trID)
		return nil, fmt.Errorf("principal %s not found", email)
	}
	p.SetPrincipal(principal)

	if args[0] == "USR" {
		return s.registry.Create(hash, p)
	}
	return s.registry.Join(hash, p)
}

func (s *SwitchBoardServer) handleCommand(session *SwitchBoardSession, p *Participant, args []string) error {
	switch args[0] {
	case "USR":
		return s.handleUSR(p, args)
	case "CAL":
		return s.handleCAL(session, p, args)
	case "ANS":
		return s.handleANS(session, p, args)
	case "MSG":
		return s.handleMSG(session, p, args)
	case "OUT":
		return s.handleOUT(session, p, args)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (s *SwitchBoardServer) handleUSR(p *Participant, args []string) error {
	if len(args) < 2 {
		return errTooFewArgs(args)
	}
	principal := p.Principal()
	return p.SendCommand("USR", args[1], "OK", principal.Email, principal.DisplayName)
}

// handleCAL rings another user: the callee's notification session gets an
// RNG invitation carrying this session's hash.
func (s *SwitchBoardServer) handleCAL(session *SwitchBoardSession, p *Participant, args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	trID, email := args[1], args[2]

	callID := uuid.NewString()
	if err := p.SendCommand("CAL", trID, "RINGING", callID); err != nil {
		return err
	}

	if target, ok := s.notifications.Get(email); ok {
		principal := p.Principal()
		target.SendRing(callID, s.config.SwitchBoardAddr, session.hash, principal.Email, principal.DisplayName)
	}
	return nil
}

// handleANS confirms a join: roster of the other participants, an OK,
// then a JOI to everyone already there.
func (s *SwitchBoardServer) handleANS(session *SwitchBoardSession, p *Participant, args []string) error {
	if len(args) < 2 {
		return errTooFewArgs(args)
	}
	trID := args[1]
	others := session.others(p)
	total := strconv.Itoa(len(others))

	for i, other := range others {
		principal := other.Principal()
		if err := p.SendCommand("IRO", trID, strconv.Itoa(i+1), total, principal.Email, principal.DisplayName); err != nil {
			return err
		}
	}

	if err := p.SendCommand("ANS", trID, "OK"); err != nil {
		return err
	}

	principal := p.Principal()
	for _, other := range others {
		other.SendCommand("JOI", principal.Email, principal.DisplayName)
	}
	return nil
}

// handleMSG reads the fixed-length body and relays it verbatim to every
// other participant. Ack type U is unreliable: no ACK and no NACK.
func (s *SwitchBoardServer) handleMSG(session *SwitchBoardSession, p *Participant, args []string) error {
	if len(args) < 4 {
		return errTooFewArgs(args)
	}
	trID, ackType := args[1], args[2]

	length, err := strconv.Atoi(args[3])
	if err != nil || length < 0 {
		return fmt.Errorf("invalid message length %q", args[3])
	}
	if length >= protocol.MaxLineLength {
		return fmt.Errorf("message length %d exceeds limit", length)
	}

	body, err := p.ReadBlock(length)
	if err != nil {
		return err
	}

	others := session.others(p)
	if len(others) == 0 {
		if ackType != "U" {
			return p.SendCommand("NACK", trID)
		}
		return nil
	}

	principal := p.Principal()
	header := protocol.Join("MSG", principal.Email, principal.DisplayName, strconv.Itoa(len(body)))
	for _, other := range others {
		other.SendMessage(header, body)
	}

	if ackType != "U" {
		return p.SendCommand("ACK", trID)
	}
	return nil
}

// handleOUT announces the departure and ends the connection; the
// deferred Leave shrinks the session and reaps it when empty.
func (s *SwitchBoardServer) handleOUT(session *SwitchBoardSession, p *Participant, args []string) error {
	principal := p.Principal()
	for _, other := range session.others(p) {
		other.SendCommand("BYE", principal.Email)
	}
	return errLogout
}
