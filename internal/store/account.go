package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Account holds the local client identity: a stable client id and the
// ed25519 signing key pair the public-key trust handshake is built on.
// Created once and reused across restarts.
type Account struct {
	ClientID           string `json:"clientId"`
	IdentityKeyPublic  []byte `json:"identityKeyPublic"`
	IdentityKeyPrivate []byte `json:"identityKeyPrivate"`
	CreatedOn          int64  `json:"createdOn"` // unix seconds
}

const accountKey = "account"

// SaveAccount persists the account, overwriting any previous one.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO account (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		accountKey, data)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount returns the stored account, or nil if none exists yet.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", accountKey).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account: %w", err)
	}
	acct := new(Account)
	if err := json.Unmarshal(data, acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return acct, nil
}
