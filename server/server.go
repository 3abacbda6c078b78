package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"msnp/db"
	"msnp/models"
	"net"
	"strconv"
	"time"
)

// Version is the sole protocol revision the servers speak.
const Version = "MSNP2"

type Config struct {
	DispatchPort     int
	NotificationPort int
	SwitchBoardPort  int

	// Addresses advertised to clients in XFR and RNG redirects.
	DispatchAddr     string
	NotificationAddr string
	SwitchBoardAddr  string

	WriteTimeout time.Duration
}

// errLogout marks planned session termination: a client OUT, an eviction
// by a newer login or a server shutdown. It is normal control flow,
// distinct from a protocol violation.
var errLogout = errors.New("logout")

// listenAndServe runs an accept loop, spawning one goroutine per
// connection. The loop never blocks on a handler and only returns on an
// unrecoverable listener failure or context cancellation.
func listenAndServe(ctx context.Context, name string, port int, handler func(net.Conn)) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()

	log.Printf("%s listening on port %d", name, port)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Printf("%s accept error: %v", name, err)
			continue
		}

		go handler(conn)
	}
}

// handshake runs the VER and INF steps shared by the dispatch and
// notification servers and returns the tokens of the USR command that
// follows. Any deviation is fatal to the connection.
func handshake(p *Participant) ([]string, error) {
	args, err := p.ReadCommand()
	if err != nil {
		return nil, err
	}
	if args[0] != "VER" || len(args) < 2 {
		return nil, fmt.Errorf("expected VER, received %q", args[0])
	}
	supported := false
	for _, v := range args[2:] {
		if v == Version {
			supported = true
			break
		}
	}
	if !supported {
		p.SendCommand("VER", args[1], "0")
		return nil, fmt.Errorf("version %s not offered by client", Version)
	}
	if err := p.SendCommand("VER", args[1], Version); err != nil {
		return nil, err
	}

	args, err = p.ReadCommand()
	if err != nil {
		return nil, err
	}
	if args[0] != "INF" || len(args) < 2 {
		return nil, fmt.Errorf("expected INF, received %q", args[0])
	}
	if err := p.SendCommand("INF", args[1], "MD5"); err != nil {
		return nil, err
	}

	args, err = p.ReadCommand()
	if err != nil {
		return nil, err
	}
	if args[0] != "USR" || len(args) < 5 {
		return nil, fmt.Errorf("expected USR, received %q", args[0])
	}
	return args, nil
}

// lookupPrincipal resolves an email against the store, fail-soft: storage
// errors are logged and reported as not found.
func lookupPrincipal(store *db.DB, email string) (*models.Principal, bool) {
	principal, err := store.GetPrincipal(email)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("Principal lookup failed for %s: %v", email, err)
		}
		return nil, false
	}
	return principal, true
}
