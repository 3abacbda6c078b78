package server

import (
	"context"
	"fmt"
	"log"
	"msnp/db"
	"msnp/protocol"
	"net"
)

// DispatchServer runs the version handshake for fresh clients and refers
// them to the notification server. It is stateless beyond the handshake.
type DispatchServer struct {
	db     *db.DB
	config *Config
}

func NewDispatchServer(database *db.DB, config *Config) *DispatchServer {
	return &DispatchServer{
		db:     database,
		config: config,
	}
}

func (s *DispatchServer) Start(ctx context.Context) error {
	return listenAndServe(ctx, "DispatchServer", s.config.DispatchPort, s.handleConnection)
}

func (s *DispatchServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	p := NewParticipant(conn, s.config.WriteTimeout)
	log.Printf("Client connected to ds: %s", p.RemoteAddr())

	if err := s.refer(p); err != nil {
		log.Printf("ds %s: %v", p.RemoteAddr(), err)
	}

	log.Printf("Client disconnected from ds: %s", p.RemoteAddr())
}

// refer performs the VER/INF/USR exchange and redirects the client to the
// notification server, echoing this server's own address as the origin.
func (s *DispatchServer) refer(p *Participant) error {
	args, err := handshake(p)
	if err != nil {
		return err
	}

	trID, email := args[1], args[4]

	if _, ok := lookupPrincipal(s.db, email); !ok {
		p.SendError(protocol.ErrCodeNoSuchUser, trID)
		return fmt.Errorf("principal %s not found", email)
	}

	return p.SendCommand("XFR", trID, "NS", s.config.NotificationAddr, "0", s.config.DispatchAddr)
}
