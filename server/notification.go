package server

import (
	"context"
	"fmt"
	"log"
	"msnp/db"
	"msnp/models"
	"msnp/protocol"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NotificationServer authenticates clients, keeps one long-lived session
// per logged-in user and routes presence between them.
type NotificationServer struct {
	db       *db.DB
	config   *Config
	registry *SessionRegistry
}

func NewNotificationServer(database *db.DB, config *Config, registry *SessionRegistry) *NotificationServer {
	return &NotificationServer{
		db:       database,
		config:   config,
		registry: registry,
	}
}

func (s *NotificationServer) Start(ctx context.Context) error {
	return listenAndServe(ctx, "NotificationServer", s.config.NotificationPort, s.handleConnection)
}

func (s *NotificationServer) Registry() *SessionRegistry {
	return s.registry
}

// Shutdown notifies every connected session that the server is going down
// and closes their connections.
func (s *NotificationServer) Shutdown() {
	for _, session := range s.registry.All() {
		session.disconnect("SSD")
	}
}

func (s *NotificationServer) Stats() string {
	emails := s.registry.Emails()
	return "connections=" + strconv.Itoa(len(emails)) + ",users=" + strings.Join(emails, ";")
}

func (s *NotificationServer) handleConnection(conn net.Conn) {
	p := NewParticipant(conn, s.config.WriteTimeout)
	session := &NotificationSession{server: s, participant: p}

	log.Printf("Client connected to ns: %s", p.RemoteAddr())

	defer func() {
		session.teardown()
		conn.Close()
		log.Printf("Client disconnected from ns: %s", p.RemoteAddr())
	}()

	if err := session.authenticate(); err != nil {
		log.Printf("ns %s: %v", p.RemoteAddr(), err)
		return
	}

	for {
		args, err := p.ReadCommand()
		if err != nil {
			log.Printf("ns %s: %v", p.RemoteAddr(), err)
			return
		}
		if err := session.handleCommand(args); err != nil {
			if err == errLogout {
				log.Printf("ns %s: session ended", p.RemoteAddr())
			} else {
				log.Printf("ns %s: %v", p.RemoteAddr(), err)
			}
			return
		}
	}
}

// persist is fail-open: a storage failure is logged and the in-memory
// state stays authoritative for the rest of the session.
func (s *NotificationServer) persist(p *models.Principal) {
	if err := s.db.UpdatePrincipal(p); err != nil {
		log.Printf("Failed to persist principal %s: %v", p.Email, err)
	}
}

// NotificationSession is the live state of one authenticated connection.
// Its principal copy is mutated by its own command loop and, for
// reciprocal contact-list updates, by other sessions' loops; mu guards
// all of that. Never call into another session while holding mu.
type NotificationSession struct {
	server      *NotificationServer
	participant *Participant

	mu         sync.Mutex
	initialCHG bool
}

// authenticate runs the VER/INF handshake, enforces single-session per
// email and verifies the MD5 salted challenge.
func (s *NotificationSession) authenticate() error {
	args, err := handshake(s.participant)
	if err != nil {
		return err
	}

	trID, email := args[1], args[4]

	principal, ok := lookupPrincipal(s.server.db, email)
	if !ok {
		s.participant.SendError(protocol.ErrCodeNoSuchUser, trID)
		return fmt.Errorf("principal %s not found", email)
	}

	// A newer login for the same email wins: the old session is told why
	// and cut off before the challenge is issued.
	if prior, ok := s.server.registry.Get(email); ok {
		prior.disconnect("OTH")
	}

	if err := s.participant.SendCommand("USR", trID, "MD5", "S", principal.Salt); err != nil {
		return err
	}

	args, err = s.participant.ReadCommand()
	if err != nil {
		return err
	}
	if args[0] != "USR" || len(args) < 5 {
		return fmt.Errorf("expected USR, received %q", args[0])
	}
	if args[4] != principal.Password {
		return fmt.Errorf("incorrect password for %s", email)
	}

	// Bind and register before acknowledging: once the client has seen
	// the OK it must be routable, and the registry swap settles any race
	// between two concurrent logins for the same email.
	s.participant.SetPrincipal(principal)
	s.initialCHG = true

	if prior := s.server.registry.Register(email, s); prior != nil {
		prior.disconnect("OTH")
	}

	return s.participant.SendCommand("USR", args[1], "OK", principal.Email, principal.DisplayName)
}

// disconnect force-terminates the session: eviction by a newer login
// (OTH) or server shutdown (SSD). Closing the socket makes the session's
// own loop exit and run its teardown.
func (s *NotificationSession) disconnect(reason string) {
	s.participant.SendCommand("OUT", reason)
	s.broadcastOffline()
	s.participant.Close()
}

// teardown runs on every exit path: drops the registry entry if this
// session still owns it and tells mutually-visible peers the user is
// gone.
func (s *NotificationSession) teardown() {
	principal := s.participant.Principal()
	if principal == nil {
		return
	}
	s.server.registry.Remove(principal.Email, s)
	s.broadcastOffline()
}

func (s *NotificationSession) handleCommand(args []string) error {
	switch args[0] {
	case "SYN":
		return s.handleSYN(args)
	case "CHG":
		return s.handleCHG(args)
	case "CVR":
		return s.handleCVR(args)
	case "ADD":
		return s.handleADD(args)
	case "REM":
		return s.handleREM(args)
	case "REA":
		return s.handleREA(args)
	case "LST":
		return s.handleLST(args)
	case "XFR":
		return s.handleXFR(args)
	case "SND":
		return s.handleSND(args)
	case "URL":
		return s.handleURL(args)
	case "FND":
		return s.handleFND(args)
	case "PNG":
		return s.handlePNG(args)
	case "OUT":
		return s.handleOUT(args)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// handleSYN echoes the current sync version and, unless the client is
// already up to date, streams privacy settings and all four lists.
func (s *NotificationSession) handleSYN(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	trID, clientVersion := args[1], args[2]

	s.mu.Lock()
	defer s.mu.Unlock()

	principal := s.participant.Principal()
	version := strconv.Itoa(principal.SyncVersion)

	if err := s.participant.SendCommand("SYN", trID, version); err != nil {
		return err
	}
	if clientVersion != "0" && clientVersion == version {
		return nil
	}

	s.participant.SendCommand("GTC", trID, version, principal.PrivacyAdd)
	s.participant.SendCommand("BLP", trID, version, principal.Privacy)

	for _, listType := range []string{models.ListForward, models.ListAllow, models.ListBlock, models.ListReverse} {
		if err := s.sendContactList(trID, listType, principal.SyncVersion, principal.List(listType)); err != nil {
			return err
		}
	}
	return nil
}

// sendContactList streams one list as indexed LST lines, or a single
// zero-count line when empty.
func (s *NotificationSession) sendContactList(trID, listType string, version int, list *models.ContactList) error {
	ver := strconv.Itoa(version)
	if list.Len() == 0 {
		return s.participant.SendCommand("LST", trID, listType, ver, "0", "0")
	}
	total := strconv.Itoa(list.Len())
	for i, c := range list.Contacts {
		if err := s.participant.SendCommand("LST", trID, listType, ver, strconv.Itoa(i+1), total, c.Email, c.DisplayName); err != nil {
			return err
		}
	}
	return nil
}

// handleCHG applies a presence change, sends the initial presence burst
// on the session's first CHG and fans the new status out to watchers.
func (s *NotificationSession) handleCHG(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	trID, status := args[1], args[2]

	if status == models.StatusOffline || !models.ValidStatus(status) {
		return s.participant.SendError(protocol.ErrCodeInvalidParameter, trID)
	}

	s.mu.Lock()
	principal := s.participant.Principal()
	principal.Status = status
	principal.SyncVersion++
	s.server.persist(principal)
	first := s.initialCHG
	s.initialCHG = false
	email := principal.Email
	forward := append([]models.Contact(nil), principal.ForwardList.Contacts...)
	s.mu.Unlock()

	if err := s.participant.SendCommand("CHG", trID, status); err != nil {
		return err
	}

	if first {
		for _, c := range forward {
			other, ok := lookupPrincipal(s.server.db, c.Email)
			if !ok || !other.AllowList.Contains(email) {
				continue
			}
			s.participant.SendCommand("ILN", trID, other.Status, other.Email, other.DisplayName)
		}
	}

	s.broadcastPresence()
	return nil
}

// handleCVR echoes the reported client version; purely informational.
func (s *NotificationSession) handleCVR(args []string) error {
	if len(args) < 8 {
		return errTooFewArgs(args)
	}
	clientVersion := args[7]
	return s.participant.SendCommand("CVR", args[1], clientVersion, clientVersion, clientVersion, "x", "x")
}

// handleADD puts a principal on the allow, block or forward list and
// mirrors the change onto the target's reverse list when it is online.
func (s *NotificationSession) handleADD(args []string) error {
	if len(args) < 5 {
		return errTooFewArgs(args)
	}
	trID, listType, email, displayName := args[1], args[2], args[3], args[4]

	if !strings.Contains(email, "@") {
		return s.participant.SendError(protocol.ErrCodeInvalidParameter, trID)
	}

	other, ok := lookupPrincipal(s.server.db, email)
	if !ok {
		return s.participant.SendError(protocol.ErrCodeNotFoundAdd, trID)
	}

	s.mu.Lock()
	principal := s.participant.Principal()

	if principal.ForwardList.Len() >= 300 {
		s.mu.Unlock()
		return s.participant.SendError(protocol.ErrCodeListFull, trID)
	}
	if principal.AllowList.Contains(email) && principal.BlockList.Contains(email) &&
		(listType == models.ListAllow || listType == models.ListBlock) {
		s.mu.Unlock()
		return s.participant.SendError(protocol.ErrCodeAlreadyThere, trID)
	}

	list := principal.List(listType)
	if list == nil || listType == models.ListReverse {
		s.mu.Unlock()
		return s.participant.SendError(protocol.ErrCodeInvalidListType, trID)
	}

	// Adds are idempotent: a re-add of a present email bumps nothing.
	if list.Add(email, displayName) {
		principal.SyncVersion++
		s.server.persist(principal)
	}
	version := strconv.Itoa(list.Version)
	myEmail, myName, myStatus := principal.Email, principal.DisplayName, principal.Status
	s.mu.Unlock()

	if err := s.participant.SendCommand("ADD", trID, listType, version, email, displayName); err != nil {
		return err
	}

	if target, ok := s.server.registry.Get(other.Email); ok {
		target.reciprocalAdd(myEmail, myName)
		target.participant.SendCommand("NLN", myStatus, myEmail, myName)
	}

	if listType == models.ListForward {
		s.participant.SendCommand("ILN", trID, other.Status, other.Email, other.DisplayName)
	}
	return nil
}

// handleREM takes a principal off a list and mirrors the removal onto the
// target's reverse list when it is online.
func (s *NotificationSession) handleREM(args []string) error {
	if len(args) < 4 {
		return errTooFewArgs(args)
	}
	trID, listType, email := args[1], args[2], args[3]

	other, ok := lookupPrincipal(s.server.db, email)
	if !ok {
		return s.participant.SendError(protocol.ErrCodeNotFoundRemove, trID)
	}

	s.mu.Lock()
	principal := s.participant.Principal()

	list := principal.List(listType)
	if list == nil || listType == models.ListReverse {
		s.mu.Unlock()
		return s.participant.SendError(protocol.ErrCodeInvalidListType, trID)
	}

	if list.Remove(email) {
		principal.SyncVersion++
		s.server.persist(principal)
	}
	version := strconv.Itoa(list.Version)
	myEmail := principal.Email
	s.mu.Unlock()

	if err := s.participant.SendCommand("REM", trID, listType, version, email); err != nil {
		return err
	}

	if target, ok := s.server.registry.Get(other.Email); ok {
		target.reciprocalRemove(myEmail)
		target.participant.SendCommand("FLN", myEmail)
	}
	return nil
}

// handleREA renames the caller and pushes the new display name to
// watchers.
func (s *NotificationSession) handleREA(args []string) error {
	if len(args) < 4 {
		return errTooFewArgs(args)
	}
	trID, email, displayName := args[1], args[2], args[3]

	if len(displayName) >= 130 {
		return s.participant.SendError(protocol.ErrCodeNameTooLong, trID)
	}

	s.mu.Lock()
	principal := s.participant.Principal()
	principal.DisplayName = displayName
	principal.SyncVersion++
	s.server.persist(principal)
	version := strconv.Itoa(principal.SyncVersion)
	s.mu.Unlock()

	if err := s.participant.SendCommand("REA", trID, version, email, displayName); err != nil {
		return err
	}

	s.broadcastPresence()
	return nil
}

func (s *NotificationSession) handleLST(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	trID, listType := args[1], args[2]

	s.mu.Lock()
	defer s.mu.Unlock()

	principal := s.participant.Principal()
	list := principal.List(listType)
	if list == nil || listType == models.ListReverse {
		return s.participant.SendError(protocol.ErrCodeInvalidListType, trID)
	}
	return s.sendContactList(trID, listType, list.Version, list)
}

// handleXFR issues a fresh one-time hash and refers the caller to the
// switchboard. Only SB transfers exist.
func (s *NotificationSession) handleXFR(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	trID, transferType := args[1], args[2]

	if transferType != "SB" {
		return fmt.Errorf("unknown transfer type %q", transferType)
	}

	hash := uuid.NewString()
	return s.participant.SendCommand("XFR", trID, "SB", s.server.config.SwitchBoardAddr, "CKI", hash)
}

func (s *NotificationSession) handleSND(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	return s.participant.SendCommand("SND", args[1], args[2])
}

func (s *NotificationSession) handleURL(args []string) error {
	if len(args) < 3 {
		return errTooFewArgs(args)
	}
	return s.participant.SendCommand("URL", args[1], args[2], "x")
}

// handleFND always reports zero results.
func (s *NotificationSession) handleFND(args []string) error {
	if len(args) < 2 {
		return errTooFewArgs(args)
	}
	return s.participant.SendCommand("FND", args[1], "0", "0")
}

func (s *NotificationSession) handlePNG(args []string) error {
	return s.participant.SendCommand("QNG")
}

// handleOUT acknowledges the logout; teardown broadcasts the offline
// status on the way out.
func (s *NotificationSession) handleOUT(args []string) error {
	s.participant.SendCommand("OUT")
	return errLogout
}

// SendRing delivers a switchboard invitation to this session's client.
func (s *NotificationSession) SendRing(callID, sbAddr, hash, email, displayName string) {
	s.participant.SendCommand("RNG", callID, sbAddr, "CKI", hash, email, displayName)
}

// reciprocalAdd records a principal that just added this user on the
// reverse list and notifies the client.
func (s *NotificationSession) reciprocalAdd(email, displayName string) {
	s.mu.Lock()
	principal := s.participant.Principal()
	if principal.ReverseList.Add(email, displayName) {
		principal.SyncVersion++
		s.server.persist(principal)
	}
	version := strconv.Itoa(principal.ReverseList.Version)
	s.mu.Unlock()

	s.participant.SendCommand("ADD", "0", models.ListReverse, version, email, displayName)
}

// reciprocalRemove is the inverse of reciprocalAdd.
func (s *NotificationSession) reciprocalRemove(email string) {
	s.mu.Lock()
	principal := s.participant.Principal()
	if principal.ReverseList.Remove(email) {
		principal.SyncVersion++
		s.server.persist(principal)
	}
	version := strconv.Itoa(principal.ReverseList.Version)
	s.mu.Unlock()

	s.participant.SendCommand("REM", "0", models.ListReverse, version, email)
}

// watcherSessions resolves the live sessions that may see this user's
// presence: forward-list members whose allow list includes the user.
// Storage is authoritative for the lists; the registry only answers who
// is connected.
func (s *NotificationSession) watcherSessions() []*NotificationSession {
	s.mu.Lock()
	principal := s.participant.Principal()
	email := principal.Email
	forward := append([]models.Contact(nil), principal.ForwardList.Contacts...)
	s.mu.Unlock()

	var watchers []*NotificationSession
	for _, c := range forward {
		other, ok := lookupPrincipal(s.server.db, c.Email)
		if !ok || !other.AllowList.Contains(email) {
			continue
		}
		if session, ok := s.server.registry.Get(c.Email); ok {
			watchers = append(watchers, session)
		}
	}
	return watchers
}

func (s *NotificationSession) presence() (status, email, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	principal := s.participant.Principal()
	return principal.Status, principal.Email, principal.DisplayName
}

func (s *NotificationSession) broadcastPresence() {
	status, email, displayName := s.presence()
	for _, w := range s.watcherSessions() {
		w.participant.SendCommand("NLN", status, email, displayName)
	}
}

func (s *NotificationSession) broadcastOffline() {
	_, email, _ := s.presence()
	for _, w := range s.watcherSessions() {
		w.participant.SendCommand("FLN", email)
	}
}

func errTooFewArgs(args []string) error {
	return fmt.Errorf("%s: too few arguments", args[0])
}
