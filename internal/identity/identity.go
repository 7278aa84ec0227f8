// Package identity manages the node's persistent Ed25519 keypair, the
// 32-byte public key serving as the NodeId described in SPEC_FULL.md.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// NodeID is the hex-encoded public-key portion of a node's identity. It
// serves as both the address and the authenticator on the wire.
type NodeID string

// Identity is a node's persistent keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NodeID returns the hex-encoded public key.
func (id *Identity) NodeID() NodeID {
	return NodeID(hex.EncodeToString(id.Public))
}

// LoadOrGenerate reads the secret key from path, hex-decoding it into an
// Ed25519 private key. If the file does not exist, a new keypair is
// generated and persisted with 0600 permissions. The key is never rotated
// once written.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, perr := decodeKey(data)
		if perr != nil {
			return nil, fmt.Errorf("identity: corrupt key file %s: %w", path, perr)
		}
		pub := priv.Public().(ed25519.PublicKey)
		slog.Info("Loaded persistent node identity", "path", path)
		return &Identity{Public: pub, Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: reading key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("identity: creating key dir: %w", err)
		}
	}

	encoded := hex.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("identity: writing key file: %w", err)
	}

	slog.Info("Generated new persistent node identity", "path", path, "node_id", hex.EncodeToString(pub))
	return &Identity{Public: pub, Private: priv}, nil
}

func decodeKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
