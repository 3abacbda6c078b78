package models

import "github.com/google/uuid"

// Presence status codes as they appear on the wire.
const (
	StatusOnline        = "NLN"
	StatusOffline       = "FLN"
	StatusAppearOffline = "HDN"
	StatusIdle          = "IDL"
	StatusAway          = "AWY"
	StatusBusy          = "BSY"
	StatusBeRightBack   = "BRB"
	StatusOnThePhone    = "PHN"
	StatusOutToLunch    = "LUN"
)

var validStatuses = map[string]bool{
	StatusOnline:        true,
	StatusOffline:       true,
	StatusAppearOffline: true,
	StatusIdle:          true,
	StatusAway:          true,
	StatusBusy:          true,
	StatusBeRightBack:   true,
	StatusOnThePhone:    true,
	StatusOutToLunch:    true,
}

func ValidStatus(status string) bool {
	return validStatuses[status]
}

// Contact-list type codes.
const (
	ListForward = "FL"
	ListAllow   = "AL"
	ListBlock   = "BL"
	ListReverse = "RL"
)

type Contact struct {
	ID          string
	Email       string
	DisplayName string
}

// ContactList is a set of contacts keyed by email, with a version counter
// bumped on every effective add or remove.
type ContactList struct {
	ID       string
	Version  int
	Contacts []Contact
}

func NewContactList() *ContactList {
	return &ContactList{ID: uuid.NewString()}
}

// Add inserts a contact unless the email is already present. Returns true
// if the list changed.
func (l *ContactList) Add(email, displayName string) bool {
	if l.Contains(email) {
		return false
	}
	l.Contacts = append(l.Contacts, Contact{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
	})
	l.Version++
	return true
}

// Remove deletes the contact with the given email. Returns true if the
// list changed.
func (l *ContactList) Remove(email string) bool {
	for i, c := range l.Contacts {
		if c.Email == email {
			l.Contacts = append(l.Contacts[:i], l.Contacts[i+1:]...)
			l.Version++
			return true
		}
	}
	return false
}

func (l *ContactList) Contains(email string) bool {
	for _, c := range l.Contacts {
		if c.Email == email {
			return true
		}
	}
	return false
}

func (l *ContactList) Len() int {
	return len(l.Contacts)
}

// Principal is a registered user: credentials, presence, privacy settings
// and the four contact lists. The store owns the durable copy; a
// notification session holds a mutable in-memory copy for the lifetime of
// the connection.
type Principal struct {
	Email       string
	Salt        string
	Password    string // md5(salt + password), hex
	DisplayName string
	Status      string
	SyncVersion int
	Privacy     string // "AL" everyone may see presence, "BL" allow list only
	PrivacyAdd  string // "Y" adds require confirmation, "N" they do not

	ForwardList *ContactList
	AllowList   *ContactList
	BlockList   *ContactList
	ReverseList *ContactList
}

func NewPrincipal(email, salt, password, displayName string) *Principal {
	return &Principal{
		Email:       email,
		Salt:        salt,
		Password:    password,
		DisplayName: displayName,
		Status:      StatusOffline,
		Privacy:     "AL",
		PrivacyAdd:  "N",
		ForwardList: NewContactList(),
		AllowList:   NewContactList(),
		BlockList:   NewContactList(),
		ReverseList: NewContactList(),
	}
}

// List returns the contact list for a wire type code, or nil for an
// unknown code.
func (p *Principal) List(listType string) *ContactList {
	switch listType {
	case ListForward:
		return p.ForwardList
	case ListAllow:
		return p.AllowList
	case ListBlock:
		return p.BlockList
	case ListReverse:
		return p.ReverseList
	}
	return nil
}
