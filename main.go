package main

import (
	"bufio"
	"context"
	"log"
	"msnp/config"
	"msnp/db"
	"msnp/server"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const controlSocketPath = "/tmp/msnp.sock"

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srvConfig := &server.Config{
		DispatchPort:     cfg.DispatchPort,
		NotificationPort: cfg.NotificationPort,
		SwitchBoardPort:  cfg.SwitchBoardPort,
		DispatchAddr:     cfg.DispatchAddr,
		NotificationAddr: cfg.NotificationAddr,
		SwitchBoardAddr:  cfg.SwitchBoardAddr,
		WriteTimeout:     time.Duration(cfg.WriteTimeout) * time.Second,
	}

	registry := server.NewSessionRegistry()
	ds := server.NewDispatchServer(database, srvConfig)
	ns := server.NewNotificationServer(database, srvConfig, registry)
	sb := server.NewSwitchBoardServer(database, srvConfig, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go startControlSocket(ns, database, stop)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ds.Start(ctx) })
	g.Go(func() error { return ns.Start(ctx) })
	g.Go(func() error { return sb.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("Shutting down...")
		ns.Shutdown()
		os.Remove(controlSocketPath)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// startControlSocket serves local management commands: stats, adduser and
// shutdown.
func startControlSocket(ns *server.NotificationServer, database *db.DB, stop context.CancelFunc) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		go handleControlCommand(ns, database, stop, conn)
	}
}

func handleControlCommand(ns *server.NotificationServer, database *db.DB, stop context.CancelFunc, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.Split(strings.TrimSpace(line), "|")

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + ns.Stats() + "\n"))

	case "adduser":
		// Format: adduser|email|password|displayName
		if len(parts) < 4 {
			conn.Write([]byte("ERROR|Usage: adduser|email|password|displayName\n"))
			return
		}
		if _, err := database.CreatePrincipal(parts[1], parts[2], parts[3]); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|" + parts[1] + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		stop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
