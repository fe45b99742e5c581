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

package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testKeyHex = "8f3a2b1c4d5e6f708192a3b4c5d6e7f8090a1b2c3d4e5f60718293a4b5c6d7e8"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(context.Background(), Options{Key: testKeyHex})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	plaintexts := []string{
		"hunter2",
		"",
		"postgres://user:p@ss@db:5432/app",
		strings.Repeat("x", 4096),
		"непрозрачный секрет",
	}

	for _, plaintext := range plaintexts {
		ciphertext, err := v.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if !strings.HasPrefix(ciphertext, "v1:") {
			t.Errorf("ciphertext %q missing version prefix", ciphertext[:8])
		}
		if !IsEncrypted(ciphertext) {
			t.Error("IsEncrypted() = false for fresh ciphertext")
		}

		got, err := v.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(got) != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if first == second {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecrypt_RejectsBadInput(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.EncryptString("payload")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"no prefix", strings.TrimPrefix(ciphertext, "v1:"), "unsupported ciphertext version"},
		{"future version", "v2:" + strings.TrimPrefix(ciphertext, "v1:"), "unsupported ciphertext version"},
		{"not base64", "v1:%%%%", "malformed ciphertext"},
		{"too short", "v1:" + base64.StdEncoding.EncodeToString([]byte("tiny")), "too short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.input)
			if err == nil {
				t.Fatal("Decrypt() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.EncryptString("payload")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, "v1:"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	tampered := "v1:" + base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(tampered); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}
}

func TestNew_KeyFormats(t *testing.T) {
	rawKey := make([]byte, 32)
	for i := range rawKey {
		rawKey[i] = byte(i)
	}

	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"hex", testKeyHex, true},
		{"base64", base64.StdEncoding.EncodeToString(rawKey), true},
		{"hex with whitespace", "  " + testKeyHex + "\n", true},
		{"wrong length base64", base64.StdEncoding.EncodeToString(rawKey[:16]), false},
		{"garbage", "!!not-a-key!!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(context.Background(), Options{Key: tt.key})
			if tt.ok {
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				ciphertext, err := v.EncryptString("check")
				if err != nil {
					t.Fatalf("EncryptString() error = %v", err)
				}
				if got, _ := v.DecryptString(ciphertext); got != "check" {
					t.Errorf("round trip = %q", got)
				}
				return
			}

			if err == nil {
				t.Fatal("New() succeeded, want error")
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Errorf("error type = %T, want *ConfigError", err)
			}
		})
	}
}

func TestNew_MissingKey(t *testing.T) {
	_, err := New(context.Background(), Options{})
	if err == nil {
		t.Fatal("New() without key succeeded, want error")
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cerr.Field != "encryption_key" {
		t.Errorf("Field = %q, want %q", cerr.Field, "encryption_key")
	}
}

func TestNew_DevMode(t *testing.T) {
	v, err := New(context.Background(), Options{DevMode: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ciphertext, err := v.EncryptString("dev secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	got, err := v.DecryptString(ciphertext)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "dev secret" {
		t.Errorf("round trip = %q", got)
	}

	// A second dev vault has a different ephemeral key.
	other, err := New(context.Background(), Options{DevMode: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := other.DecryptString(ciphertext); err == nil {
		t.Error("second dev vault decrypted the first vault's ciphertext")
	}
}

func TestNew_KeyRef(t *testing.T) {
	source := NewMemorySource()
	source.Set("vault-master-key", testKeyHex)

	v, err := New(context.Background(), Options{KeyRef: "vault-master-key", Source: source})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ciphertext, err := v.EncryptString("via ref")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if got, _ := v.DecryptString(ciphertext); got != "via ref" {
		t.Errorf("round trip = %q", got)
	}

	_, err = New(context.Background(), Options{KeyRef: "vault-master-key"})
	if err == nil {
		t.Fatal("New() with ref but no source succeeded, want error")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("error type = %T, want *ConfigError", err)
	}

	_, err = New(context.Background(), Options{KeyRef: "missing", Source: source})
	if err == nil {
		t.Fatal("New() with unresolvable ref succeeded, want error")
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted("plaintext-password") {
		t.Error("IsEncrypted(plaintext) = true")
	}
	if !IsEncrypted("v1:abcd") {
		t.Error("IsEncrypted(v1:...) = false")
	}
}
