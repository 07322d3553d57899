package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateSigner loads the host key at path, creating an ed25519 key
// there when the file does not exist. An empty path yields an ephemeral key.
func LoadOrGenerateSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return EphemeralSigner()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sshserver: resolve host key path: %w", err)
	}

	signer, err := loadSigner(absPath)
	switch {
	case err == nil:
		return signer, nil
	case errors.Is(err, os.ErrNotExist):
		return generateAndStoreSigner(absPath)
	default:
		return nil, err
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("sshserver: parse host key %q: %w", path, err)
	}
	return signer, nil
}

// EphemeralSigner returns a host key that lives only as long as the process.
func EphemeralSigner() (ssh.Signer, error) {
	_, signer, err := newHostKey()
	return signer, err
}

func newHostKey() (ed25519.PrivateKey, ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("sshserver: create signer: %w", err)
	}
	return key, signer, nil
}

func generateAndStoreSigner(path string) (ssh.Signer, error) {
	key, signer, err := newHostKey()
	if err != nil {
		return nil, err
	}

	block, err := ssh.MarshalPrivateKey(key, "chatrelay host key")
	if err != nil {
		return nil, fmt.Errorf("sshserver: marshal host key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sshserver: create host key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshserver: write host key %q: %w", path, err)
	}
	return signer, nil
}
