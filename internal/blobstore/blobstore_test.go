package blobstore

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("some audio bytes, not actually audio")
	h, _, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("duplicate me")
	h1, _, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	countBefore := s.Count()

	h2, _, err := s.Put(data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash changed across identical puts: %s vs %s", h1, h2)
	}
	if s.Count() != countBefore {
		t.Fatalf("blob count changed on re-put: before=%d after=%d", countBefore, s.Count())
	}
}

func TestHasDoesNotRequireRead(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h, _, err := s.Put([]byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Has(h) {
		t.Fatalf("expected Has(%s) to be true", h)
	}
	if s.Has("deadbeef") {
		t.Fatalf("expected Has of unknown hash to be false")
	}
}

func TestReadRange(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("0123456789")
	h, _, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.ReadRange(h, 3, 4)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(got, []byte("3456")) {
		t.Fatalf("ReadRange: got %q want %q", got, "3456")
	}
}

func TestGetNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Get("0000"); err == nil {
		t.Fatalf("expected error for missing hash")
	}
}
