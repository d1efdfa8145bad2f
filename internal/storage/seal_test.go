package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("operator-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	plaintext := []byte("n8n-db-s3cret")

	sealed, err := s.Seal("n8n-db-password", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains the plaintext")
	}

	got, err := s.Open("n8n-db-password", s.KeyID(), sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q", got)
	}

	again, _ := s.Seal("n8n-db-password", plaintext)
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same value share a nonce")
	}
}

func TestSealer_Rejects(t *testing.T) {
	s, _ := NewSealer("operator-key")
	other, _ := NewSealer("another-key")
	sealed, _ := s.Seal("a", []byte("value"))

	if _, err := s.Open("b", s.KeyID(), sealed); !errors.Is(err, ErrCorrupt) {
		t.Errorf("name swap: expected ErrCorrupt, got %v", err)
	}
	if _, err := other.Open("a", s.KeyID(), sealed); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("wrong key: expected ErrKeyMismatch, got %v", err)
	}
	if _, err := other.Open("a", "", sealed); !errors.Is(err, ErrCorrupt) {
		t.Errorf("wrong key without id: expected ErrCorrupt, got %v", err)
	}
	if _, err := s.Open("a", "", []byte("short")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("truncated: expected ErrCorrupt, got %v", err)
	}
	if _, err := NewSealer(""); !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
	if s.KeyID() == other.KeyID() {
		t.Error("different keys share a fingerprint")
	}
}
