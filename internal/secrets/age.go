// Package secrets encrypts credentials at rest with an age identity and
// resolves ENC[age:...] blobs when configuration is loaded.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/orcbot-ai/orcbot/internal/config"
)

const (
	encPrefix = "ENC[age:"
	encSuffix = "]"
)

// KeyPath returns the default age key file: $ORCBOT_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.OrcbotPath(), ".age-key")
}

// GenerateIdentity writes a fresh X25519 key pair to path with 0o600.
// Idempotent: an existing key file is left alone.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by orcbot\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads the age private key from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}

	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

// Encrypt wraps plaintext into an ENC[age:...] blob for the recipient.
func Encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}

	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt unwraps an ENC[age:...] blob.
func Decrypt(blob string, identity *age.X25519Identity) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("not an encrypted blob")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob[len(encPrefix) : len(blob)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}

// Resolve returns plaintext values unchanged and decrypts encrypted ones.
func Resolve(value string, identity *age.X25519Identity) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if identity == nil {
		return "", fmt.Errorf("encrypted value but no age identity loaded")
	}
	return Decrypt(value, identity)
}

// ResolveConfig decrypts every encrypted credential in the provider map.
// With no key file present, configs without encrypted values load fine.
func ResolveConfig(cfg *config.Config, keyPath string) error {
	var identity *age.X25519Identity
	if _, err := os.Stat(keyPath); err == nil {
		identity, err = LoadIdentity(keyPath)
		if err != nil {
			return err
		}
	}

	for name, prov := range cfg.Models.Providers {
		resolved, err := Resolve(prov.APIKey, identity)
		if err != nil {
			return fmt.Errorf("provider %s api key: %w", name, err)
		}
		prov.APIKey = resolved
		cfg.Models.Providers[name] = prov
	}
	return nil
}
