// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vault encrypts credentials at rest. Ciphertexts carry a version
// prefix ("v1:") so the scheme can be rotated later by re-encrypting rows
// whose prefix is stale.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ciphertextPrefix identifies the active scheme: XChaCha20-Poly1305 with the
// 24-byte nonce prepended to the sealed box.
const ciphertextPrefix = "v1:"

// ConfigError reports a vault misconfiguration. It is returned at
// construction time so a bad key never makes it into a running gateway.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vault config: %s: %s", e.Field, e.Message)
}

// NewConfigError creates a ConfigError for the given config field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Options configures vault construction. Exactly one key source is needed:
// an inline key, a secret reference resolved through Source, or development
// mode (which derives a throwaway key).
type Options struct {
	// Key is the master key, hex or base64 encoded, 32 bytes decoded.
	Key string

	// KeyRef names a secret holding the master key, resolved via Source.
	KeyRef string

	// Source resolves KeyRef. Required when KeyRef is set.
	Source SecretSource

	// DevMode allows running without a configured key. The ephemeral key is
	// lost on restart, so nothing encrypted in dev mode survives one.
	DevMode bool

	Logger *log.Logger
}

// Vault seals and opens credential material with XChaCha20-Poly1305.
type Vault struct {
	aead   cipher.AEAD
	logger *log.Logger
}

// New builds a Vault from the options. A missing key outside development
// mode is a ConfigError; the gateway refuses to start rather than store
// credentials it cannot protect.
func New(ctx context.Context, opts Options) (*Vault, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[VAULT] ", log.LstdFlags)
	}

	material := strings.TrimSpace(opts.Key)
	if material == "" && opts.KeyRef != "" {
		if opts.Source == nil {
			return nil, NewConfigError("encryption_key_ref", "key reference set but no secret source configured")
		}
		resolved, err := opts.Source.Resolve(ctx, opts.KeyRef)
		if err != nil {
			return nil, NewConfigError("encryption_key_ref", fmt.Sprintf("resolving %s: %v", maskRef(opts.KeyRef), err))
		}
		material = strings.TrimSpace(resolved)
	}

	var key []byte
	switch {
	case material != "":
		decoded, err := decodeKey(material)
		if err != nil {
			return nil, err
		}
		key = decoded
	case opts.DevMode:
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral key: %w", err)
		}
		logger.Println("WARNING: development mode, using an ephemeral encryption key; encrypted credentials will not be readable after restart")
	default:
		return nil, NewConfigError("encryption_key", "no encryption key configured (set vault.encryption_key, a key reference, or enable development mode)")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, NewConfigError("encryption_key", err.Error())
	}

	return &Vault{aead: aead, logger: logger}, nil
}

// decodeKey accepts the master key as hex (64 chars) or base64 and requires
// 32 decoded bytes.
func decodeKey(material string) ([]byte, error) {
	if len(material) == hex.EncodedLen(chacha20poly1305.KeySize) {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}

	key, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, NewConfigError("encryption_key", "key is neither hex nor base64 encoded")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, NewConfigError("encryption_key",
			fmt.Sprintf("decoded key is %d bytes, want %d", len(key), chacha20poly1305.KeySize))
	}
	return key, nil
}

// Encrypt seals plaintext and returns the versioned ciphertext string.
// Each call draws a fresh nonce, so encrypting the same plaintext twice
// yields different ciphertexts.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. The version prefix is
// checked first so a future scheme bump fails with a clear message instead
// of an authentication error.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		version := ciphertext
		if i := strings.IndexByte(ciphertext, ':'); i >= 0 {
			version = ciphertext[:i+1]
		}
		if len(version) > 8 {
			version = version[:8]
		}
		return nil, fmt.Errorf("unsupported ciphertext version %q", version)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(ciphertextPrefix):])
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string credentials.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string credentials.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries a known ciphertext prefix.
// Stores use this to avoid double-encrypting already-sealed values.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, ciphertextPrefix)
}
