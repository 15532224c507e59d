package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := openTestStore(t)

	acct, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if acct != nil {
		t.Fatal("fresh store returned an account")
	}

	want := &Account{
		ClientID:           "client-1",
		IdentityKeyPublic:  []byte{1, 2, 3},
		IdentityKeyPrivate: []byte{4, 5, 6},
		CreatedOn:          1700000000,
	}
	if err := s.SaveAccount(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ClientID != want.ClientID {
		t.Fatalf("account: got %+v, want %+v", got, want)
	}
	if string(got.IdentityKeyPublic) != string(want.IdentityKeyPublic) {
		t.Fatal("public key did not round-trip")
	}
	if string(got.IdentityKeyPrivate) != string(want.IdentityKeyPrivate) {
		t.Fatal("private key did not round-trip")
	}
}

func TestSaveAccountOverwrites(t *testing.T) {
	s := openTestStore(t)
	s.SaveAccount(&Account{ClientID: "old"})
	if err := s.SaveAccount(&Account{ClientID: "new"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.LoadAccount()
	if got.ClientID != "new" {
		t.Fatalf("client id: got %q, want %q", got.ClientID, "new")
	}
}

func TestTrustedPeerRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p, err := s.GetTrustedPeer("bob")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("fresh store knows a peer")
	}

	now := time.Now().Truncate(time.Second)
	err = s.SaveTrustedPeer(&TrustedPeer{
		ClientID:    "bob",
		PublicKey:   []byte{9, 9, 9},
		SafetyKey:   "12345",
		ValidatedOn: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err = s.GetTrustedPeer("bob")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("saved peer not found")
	}
	if p.SafetyKey != "12345" {
		t.Fatalf("safety key: got %q, want %q", p.SafetyKey, "12345")
	}
	if !p.ValidatedOn.Equal(now) {
		t.Fatalf("validated on: got %v, want %v", p.ValidatedOn, now)
	}
}

func TestIsTrustedKey(t *testing.T) {
	s := openTestStore(t)
	s.SaveTrustedPeer(&TrustedPeer{ClientID: "bob", PublicKey: []byte{1}, ValidatedOn: time.Now()})

	trusted, known, err := s.IsTrustedKey("bob", []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	if !trusted || !known {
		t.Fatalf("matching key: trusted=%v known=%v, want true true", trusted, known)
	}

	trusted, known, err = s.IsTrustedKey("bob", []byte{2})
	if err != nil {
		t.Fatal(err)
	}
	if trusted || !known {
		t.Fatalf("changed key: trusted=%v known=%v, want false true", trusted, known)
	}

	trusted, known, err = s.IsTrustedKey("stranger", []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	if trusted || known {
		t.Fatalf("unknown peer: trusted=%v known=%v, want false false", trusted, known)
	}
}

func TestDeleteTrustedPeer(t *testing.T) {
	s := openTestStore(t)
	s.SaveTrustedPeer(&TrustedPeer{ClientID: "bob", PublicKey: []byte{1}, ValidatedOn: time.Now()})

	if err := s.DeleteTrustedPeer("bob"); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetTrustedPeer("bob")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("peer survived delete")
	}
}
