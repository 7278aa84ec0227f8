package plugin

import (
	"context"
	"strings"
	"testing"
)

func TestValidateBinaryRejectsMissingMagic(t *testing.T) {
	err := ValidateBinary(context.Background(), []byte("not wasm at all"), 10)
	if err == nil || !strings.Contains(err.Error(), "magic") {
		t.Fatalf("expected magic byte rejection, got %v", err)
	}
}

func TestValidateBinaryRejectsOversize(t *testing.T) {
	data := append([]byte{0x00, 'a', 's', 'm'}, make([]byte, 2*1024*1024)...)
	err := ValidateBinary(context.Background(), data, 1)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size cap rejection, got %v", err)
	}
}

func TestValidateBinaryRejectsUncompilableModule(t *testing.T) {
	data := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0xff, 0xff}
	if err := ValidateBinary(context.Background(), data, 10); err == nil {
		t.Fatal("expected malformed module bytes to fail compilation")
	}
}
