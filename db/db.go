package db

import (
	"crypto/md5"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"msnp/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("principal not found")

// DB is the principal store. It owns the durable copy of every principal
// aggregate: credentials, profile, presence and the four contact lists.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			email TEXT PRIMARY KEY,
			salt TEXT NOT NULL,
			password TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'FLN',
			sync_version INTEGER NOT NULL DEFAULT 0,
			privacy TEXT NOT NULL DEFAULT 'AL',
			privacy_add TEXT NOT NULL DEFAULT 'N',
			forward_list TEXT NOT NULL,
			forward_list_version INTEGER NOT NULL DEFAULT 0,
			allow_list TEXT NOT NULL,
			allow_list_version INTEGER NOT NULL DEFAULT 0,
			block_list TEXT NOT NULL,
			block_list_version INTEGER NOT NULL DEFAULT 0,
			reverse_list TEXT NOT NULL,
			reverse_list_version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			list_id TEXT NOT NULL,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL,
			UNIQUE(list_id, email)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_list ON contacts(list_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// GetPrincipal loads the full aggregate for an email, or ErrNotFound.
func (db *DB) GetPrincipal(email string) (*models.Principal, error) {
	p := &models.Principal{
		ForwardList: &models.ContactList{},
		AllowList:   &models.ContactList{},
		BlockList:   &models.ContactList{},
		ReverseList: &models.ContactList{},
	}

	err := db.conn.QueryRow(
		`SELECT email, salt, password, display_name, status, sync_version, privacy, privacy_add,
			forward_list, forward_list_version, allow_list, allow_list_version,
			block_list, block_list_version, reverse_list, reverse_list_version
		FROM principals WHERE email = ?`,
		email,
	).Scan(
		&p.Email, &p.Salt, &p.Password, &p.DisplayName, &p.Status, &p.SyncVersion,
		&p.Privacy, &p.PrivacyAdd,
		&p.ForwardList.ID, &p.ForwardList.Version,
		&p.AllowList.ID, &p.AllowList.Version,
		&p.BlockList.ID, &p.BlockList.Version,
		&p.ReverseList.ID, &p.ReverseList.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, list := range []*models.ContactList{p.ForwardList, p.AllowList, p.BlockList, p.ReverseList} {
		if err := db.loadContacts(list); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (db *DB) loadContacts(list *models.ContactList) error {
	rows, err := db.conn.Query(
		"SELECT id, email, display_name FROM contacts WHERE list_id = ?",
		list.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Email, &c.DisplayName); err != nil {
			return err
		}
		list.Contacts = append(list.Contacts, c)
	}

	return rows.Err()
}

// UpdatePrincipal writes the aggregate back, replacing the contact rows of
// all four lists in one transaction.
func (db *DB) UpdatePrincipal(p *models.Principal) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, list := range []*models.ContactList{p.ForwardList, p.AllowList, p.BlockList, p.ReverseList} {
		if _, err := tx.Exec("DELETE FROM contacts WHERE list_id = ?", list.ID); err != nil {
			return err
		}
		for _, c := range list.Contacts {
			if _, err := tx.Exec(
				"INSERT INTO contacts (id, list_id, email, display_name) VALUES (?, ?, ?, ?)",
				c.ID, list.ID, c.Email, c.DisplayName,
			); err != nil {
				return err
			}
		}
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO principals (email, salt, password, display_name, status, sync_version,
			privacy, privacy_add, forward_list, forward_list_version, allow_list, allow_list_version,
			block_list, block_list_version, reverse_list, reverse_list_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Email, p.Salt, p.Password, p.DisplayName, p.Status, p.SyncVersion,
		p.Privacy, p.PrivacyAdd,
		p.ForwardList.ID, p.ForwardList.Version,
		p.AllowList.ID, p.AllowList.Version,
		p.BlockList.ID, p.BlockList.Version,
		p.ReverseList.ID, p.ReverseList.Version,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CreatePrincipal registers a new principal with a random salt. The wire
// protocol authenticates with md5(salt + password), so that digest is what
// gets stored.
func (db *DB) CreatePrincipal(email, password, displayName string) (*models.Principal, error) {
	exists, err := db.PrincipalExists(email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.New("principal already exists")
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	p := models.NewPrincipal(email, salt, HashPassword(salt, password), displayName)
	if err := db.UpdatePrincipal(p); err != nil {
		return nil, err
	}

	return p, nil
}

func (db *DB) PrincipalExists(email string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM principals WHERE email = ?", email).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HashPassword computes the credential digest the MD5 challenge compares
// against.
func HashPassword(salt, password string) string {
	sum := md5.Sum([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
