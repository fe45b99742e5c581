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

package llm

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CheckAirGap reports whether a provider is admissible under air-gapped
// operation. Only local providers and custom providers with a private
// endpoint may be registered or dispatched to; everything else would
// require an external network call.
func CheckAirGap(id string, kind ProviderKind, endpoint string) error {
	switch kind {
	case KindLocal:
		return nil
	case KindCustom:
		if isPrivateEndpoint(endpoint) {
			return nil
		}
		return &ProviderError{
			Provider: id,
			Code:     ErrCodeBlocked,
			Message:  fmt.Sprintf("custom provider endpoint %q is not private; air-gapped mode requires a loopback, RFC 1918, or .internal endpoint", endpoint),
		}
	default:
		return &ProviderError{
			Provider: id,
			Code:     ErrCodeBlocked,
			Message:  fmt.Sprintf("provider kind %q is blocked in air-gapped mode", kind),
		}
	}
}

// isPrivateEndpoint decides admissibility from the URL alone. Hostnames
// that are not literal IPs are never resolved: a DNS lookup is itself a
// network call, so only well-known internal names are accepted.
func isPrivateEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// isPrivateIP checks for loopback, RFC 1918, link-local and carrier-grade
// NAT ranges.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if ip.IsLinkLocalUnicast() {
		return true
	}
	// 100.64.0.0/10 (carrier-grade NAT)
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
	}
	return false
}
