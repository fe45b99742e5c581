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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, decodes, and validates a configuration file.
// Decoding is strict: a key the Config struct does not declare fails the
// load instead of being silently dropped.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Split out from Load for tests and for
// embedded deployments that carry their config in memory.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarRegex matches ${VAR_NAME} references, with an optional
// ${VAR_NAME:-default} fallback.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} references in the raw file content before
// decoding, so credentials never need to be written into the file itself.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// applyEnvOverrides lets containerized deployments override the file with a
// fixed set of GATEWAY_* variables. File values lose to the environment.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if value := os.Getenv(key); value != "" {
			*dst = value
		}
	}
	setBool := func(key string, dst *bool) {
		if value := os.Getenv(key); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				*dst = parsed
			}
		}
	}

	setBool("GATEWAY_DEVELOPMENT", &cfg.Development)
	setBool("GATEWAY_AIR_GAPPED", &cfg.AirGapped)
	setString("GATEWAY_LISTEN_ADDR", &cfg.Listen.Addr)
	setString("GATEWAY_ADMIN_JWT_SECRET", &cfg.Admin.JWTSecret)
	setString("GATEWAY_ENCRYPTION_KEY", &cfg.Vault.EncryptionKey)
	setString("GATEWAY_ENCRYPTION_KEY_REF", &cfg.Vault.EncryptionKeyRef)
	setString("GATEWAY_SECRET_SOURCE", &cfg.Vault.SecretSource)
	setString("GATEWAY_STORAGE_KIND", &cfg.Storage.Kind)
	setString("GATEWAY_STORAGE_DSN", &cfg.Storage.DSN)
	setString("GATEWAY_REDIS_ADDR", &cfg.Redis.Addr)
	setString("GATEWAY_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("GATEWAY_AUDIT_SINK_DSN", &cfg.Audit.Sink.DSN)
	setString("GATEWAY_COST_SINK_DSN", &cfg.Cost.Sink.DSN)
}
