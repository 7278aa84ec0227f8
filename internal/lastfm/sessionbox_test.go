package lastfm

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	secret := "test-jwt-secret-value"
	plaintext := []byte("a-lastfm-session-key")

	blob, err := Seal(secret, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(secret, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestSealNoncesDiffer(t *testing.T) {
	secret := "another-secret"
	plaintext := []byte("session")

	a, err := Seal(secret, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := Seal(secret, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("expected distinct ciphertexts from distinct random nonces")
	}
}

func TestOpenWrongSecretFails(t *testing.T) {
	blob, err := Seal("secret-one", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open("secret-two", blob); err == nil {
		t.Fatal("expected Open with wrong secret to fail")
	}
}

func TestOpenTruncatedBlobFails(t *testing.T) {
	if _, err := Open("secret", []byte{1, 2, 3}); err == nil {
		t.Fatal("expected Open on truncated blob to fail")
	}
}
