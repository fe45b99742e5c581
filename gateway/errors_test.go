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

package gateway

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorString(t *testing.T) {
	e := NewError(KindExecute, "division by zero")
	if got := e.Error(); got != "execute: division by zero" {
		t.Errorf("Error() = %q", got)
	}

	bare := &Error{Kind: KindAuth}
	if got := bare.Error(); got != "auth" {
		t.Errorf("Error() without message = %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := NewConnectError("endpoint unreachable", cause)

	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindPoolTimeout, true},
		{KindRateLimited, true},
		{KindAuth, false},
		{KindConnect, false},
		{KindProviderUnavailable, false},
		{KindTimeout, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		e := &Error{Kind: tt.kind}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}

	e := NewAuthError("unknown key")
	if got := KindOf(e); got != KindAuth {
		t.Errorf("KindOf = %q, want %q", got, KindAuth)
	}

	wrapped := fmt.Errorf("handling request: %w", e)
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindAuth)
	}

	if got := KindOf(errors.New("stray")); got != KindInternal {
		t.Errorf("KindOf(foreign) = %q, want %q", got, KindInternal)
	}
}

func TestIsRetryable(t *testing.T) {
	wrapped := fmt.Errorf("stage failed: %w", NewRateLimited("agent", time.Second))
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped rate-limited error to be retryable")
	}
	if IsRetryable(errors.New("stray")) {
		t.Error("foreign error must not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatal("AsError(nil) should be nil")
	}

	original := NewBlockedError("cloud provider refused")
	if got := AsError(fmt.Errorf("admit: %w", original)); got != original {
		t.Error("AsError should return the embedded *Error unchanged")
	}

	foreign := errors.New("index out of range")
	converted := AsError(foreign)
	if converted.Kind != KindInternal {
		t.Errorf("foreign error kind = %q, want internal", converted.Kind)
	}
	if !errors.Is(converted, foreign) {
		t.Error("converted error should wrap the original")
	}
}

// Every kind must render a report with a user message and at least one
// suggested fix even when the error set neither.
func TestReportDefaultsCoverEveryKind(t *testing.T) {
	kinds := []ErrorKind{
		KindAuth, KindRevoked, KindParse, KindPermissionDenied,
		KindSchemaUnknown, KindGeneration, KindPoolTimeout, KindConnect,
		KindExecute, KindTimeout, KindCancelled, KindRateLimited,
		KindProviderUnavailable, KindBlocked, KindConfig, KindInternal,
	}

	for _, kind := range kinds {
		report := (&Error{Kind: kind, Message: "operator detail"}).Report()
		if report.Kind != kind {
			t.Errorf("%s: report kind = %q", kind, report.Kind)
		}
		if report.UserFriendlyMessage == "" {
			t.Errorf("%s: missing default user message", kind)
		}
		if len(report.SuggestedFixes) == 0 {
			t.Errorf("%s: missing default fixes", kind)
		}
		// The operator message stays out of the report body.
		if report.UserFriendlyMessage == "operator detail" {
			t.Errorf("%s: operator message leaked into report", kind)
		}
	}
}

func TestReportOverrides(t *testing.T) {
	e := &Error{
		Kind:            KindPermissionDenied,
		Message:         "denied",
		UserMessage:     "You cannot read the payroll tables.",
		Fixes:           []string{"ask for read access to payroll"},
		Details:         map[string]interface{}{"agent_id": "agent-7"},
		DeniedResources: []string{"payroll", "salaries"},
		GeneratedSQL:    "SELECT * FROM payroll",
		DeadLetterRef:   "dlq-0042",
		RetryAfter:      1500 * time.Millisecond,
	}

	report := e.Report()
	if report.UserFriendlyMessage != "You cannot read the payroll tables." {
		t.Errorf("user message = %q", report.UserFriendlyMessage)
	}
	if len(report.SuggestedFixes) != 1 || report.SuggestedFixes[0] != "ask for read access to payroll" {
		t.Errorf("fixes = %v", report.SuggestedFixes)
	}
	if report.ActionableDetails["agent_id"] != "agent-7" {
		t.Errorf("details = %v", report.ActionableDetails)
	}
	if len(report.DeniedResources) != 2 {
		t.Errorf("denied resources = %v", report.DeniedResources)
	}
	if report.GeneratedSQL != "SELECT * FROM payroll" {
		t.Errorf("generated sql = %q", report.GeneratedSQL)
	}
	if report.DeadLetterRef != "dlq-0042" {
		t.Errorf("dead letter ref = %q", report.DeadLetterRef)
	}
	if report.RetryAfterMS != 1500 {
		t.Errorf("retry_after_ms = %d", report.RetryAfterMS)
	}
}

func TestNewPermissionDenied(t *testing.T) {
	e := NewPermissionDenied([]string{"orders", "payments"})
	if e.Kind != KindPermissionDenied {
		t.Errorf("kind = %q", e.Kind)
	}
	if !strings.Contains(e.Message, "2 resource(s)") {
		t.Errorf("message = %q", e.Message)
	}
	if len(e.DeniedResources) != 2 {
		t.Errorf("denied = %v", e.DeniedResources)
	}
}

func TestNewSchemaUnknownSuggestions(t *testing.T) {
	e := NewSchemaUnknown("usrs", []string{"users", "user_roles"})
	if e.Details["table"] != "usrs" {
		t.Errorf("details table = %v", e.Details["table"])
	}
	suggestions, ok := e.Details["suggestions"].([]string)
	if !ok || len(suggestions) != 2 {
		t.Fatalf("suggestions = %v", e.Details["suggestions"])
	}
	if len(e.Fixes) != 2 || !strings.Contains(e.Fixes[0], `"users"`) {
		t.Errorf("fixes = %v", e.Fixes)
	}

	// Without suggestions the kind default applies at report time.
	bare := NewSchemaUnknown("ghost", nil)
	if len(bare.Fixes) != 0 {
		t.Errorf("unexpected fixes %v", bare.Fixes)
	}
	if got := bare.Report().SuggestedFixes; len(got) == 0 {
		t.Error("report should fall back to default fixes")
	}
}

func TestNewPoolTimeout(t *testing.T) {
	e := NewPoolTimeout(5 * time.Second)
	if e.Kind != KindPoolTimeout {
		t.Errorf("kind = %q", e.Kind)
	}
	if e.RetryAfter != 5*time.Second {
		t.Errorf("retry after = %s", e.RetryAfter)
	}
	if !e.Retryable() {
		t.Error("pool timeout should be retryable")
	}
}

func TestNewInternalError(t *testing.T) {
	if got := NewInternalError(nil).Message; got != "internal error" {
		t.Errorf("nil-cause message = %q", got)
	}

	cause := errors.New("nil pool entry")
	e := NewInternalError(cause)
	if !errors.Is(e, cause) {
		t.Error("cause not wrapped")
	}
	// The report never carries the internal detail.
	if report := e.Report(); strings.Contains(report.UserFriendlyMessage, "nil pool entry") {
		t.Errorf("internal detail leaked: %q", report.UserFriendlyMessage)
	}
}
