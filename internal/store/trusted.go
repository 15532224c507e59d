package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// TrustedPeer is a remembered validation decision about a peer's public key.
type TrustedPeer struct {
	ClientID    string
	PublicKey   []byte
	SafetyKey   string
	ValidatedOn time.Time
}

// SaveTrustedPeer records (or refreshes) a validated peer key.
func (s *Store) SaveTrustedPeer(p *TrustedPeer) error {
	_, err := s.db.Exec(`
		INSERT INTO trusted_peer (client_id, public_key, safety_key, validated_on)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			public_key=excluded.public_key,
			safety_key=excluded.safety_key,
			validated_on=excluded.validated_on`,
		p.ClientID, p.PublicKey, p.SafetyKey, p.ValidatedOn.Unix())
	if err != nil {
		return fmt.Errorf("store: save trusted peer: %w", err)
	}
	return nil
}

// GetTrustedPeer returns the remembered key for a client id, or nil.
func (s *Store) GetTrustedPeer(clientID string) (*TrustedPeer, error) {
	p := &TrustedPeer{ClientID: clientID}
	var validatedOn int64
	err := s.db.QueryRow(
		"SELECT public_key, safety_key, validated_on FROM trusted_peer WHERE client_id = ?",
		clientID).Scan(&p.PublicKey, &p.SafetyKey, &validatedOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trusted peer: %w", err)
	}
	p.ValidatedOn = time.Unix(validatedOn, 0)
	return p, nil
}

// IsTrustedKey reports whether the given key matches the remembered one for
// the client id. Unknown peers are not trusted; a changed key is surfaced
// for manual re-verification.
func (s *Store) IsTrustedKey(clientID string, publicKey []byte) (trusted, known bool, err error) {
	p, err := s.GetTrustedPeer(clientID)
	if err != nil {
		return false, false, err
	}
	if p == nil {
		return false, false, nil
	}
	return bytes.Equal(p.PublicKey, publicKey), true, nil
}

// DeleteTrustedPeer forgets a peer's key.
func (s *Store) DeleteTrustedPeer(clientID string) error {
	_, err := s.db.Exec("DELETE FROM trusted_peer WHERE client_id = ?", clientID)
	if err != nil {
		return fmt.Errorf("store: delete trusted peer: %w", err)
	}
	return nil
}
