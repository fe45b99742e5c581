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
	"time"
)

// ErrorKind is the closed taxonomy of gateway failures. Every error that
// leaves the pipeline carries exactly one kind; subsystem errors are mapped
// into a kind by the classifier before they reach a caller.
type ErrorKind string

const (
	// KindAuth: presented API key is missing or unknown.
	KindAuth ErrorKind = "auth"

	// KindRevoked: API key is known but the agent has been revoked.
	KindRevoked ErrorKind = "revoked"

	// KindParse: the SQL inspector could not classify the statement.
	KindParse ErrorKind = "parse"

	// KindPermissionDenied: one or more referenced tables lack the
	// required capability.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindSchemaUnknown: a referenced table is not in the agent's bound
	// schema.
	KindSchemaUnknown ErrorKind = "schema_unknown"

	// KindGeneration: NL→SQL produced output that does not parse.
	KindGeneration ErrorKind = "generation"

	// KindPoolTimeout: no pooled connection became available in time.
	KindPoolTimeout ErrorKind = "pool_timeout"

	// KindConnect: the driver could not reach the database on any
	// endpoint.
	KindConnect ErrorKind = "connect"

	// KindExecute: the database reported an execution failure.
	KindExecute ErrorKind = "execute"

	// KindTimeout: the execution deadline expired.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled: the caller cancelled the request.
	KindCancelled ErrorKind = "cancelled"

	// KindRateLimited: an agent or provider rate limit was exceeded.
	KindRateLimited ErrorKind = "rate_limited"

	// KindProviderUnavailable: the AI provider failed terminally after
	// retries and failover.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindBlocked: the operation violates air-gapped policy.
	KindBlocked ErrorKind = "blocked"

	// KindConfig: a misconfiguration was detected.
	KindConfig ErrorKind = "config"

	// KindInternal: invariant violation; details stay out of the response.
	KindInternal ErrorKind = "internal"
)

// Error is the single error type the gateway surfaces. It carries both the
// operator-facing message and the caller-facing report fields.
type Error struct {
	// Kind is the taxonomy entry.
	Kind ErrorKind

	// Message is the operator-facing description, logged but never
	// required to be safe for end users.
	Message string

	// UserMessage overrides the kind's default user_friendly_message.
	UserMessage string

	// Fixes overrides the kind's default suggested_fixes.
	Fixes []string

	// Details feeds actionable_details in the report.
	Details map[string]interface{}

	// DeniedResources lists every resource that failed the permission
	// check, not just the first.
	DeniedResources []string

	// GeneratedSQL is the NL→SQL output associated with the failure, when
	// the failing call went through generation.
	GeneratedSQL string

	// DeadLetterRef references the dead-letter entry written for the
	// failed call, when one was.
	DeadLetterRef string

	// RetryAfter hints when the caller may retry (rate_limited,
	// pool_timeout).
	RetryAfter time.Duration

	// Cause is the wrapped underlying error.
	Cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller is expected to retry. Internal
// recovery kinds (connect, provider_unavailable) return false here because
// the gateway already retried before surfacing them.
func (e *Error) Retryable() bool {
	return e.Kind == KindPoolTimeout || e.Kind == KindRateLimited
}

// KindOf extracts the taxonomy kind from any error. Non-gateway errors
// collapse to internal; nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the call that produced
// err.
func IsRetryable(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Retryable()
}

// AsError converts any error into a *Error, wrapping unknown errors as
// internal so invariant violations never leak their details.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Cause: err}
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewAuthError reports a missing or unknown API key.
func NewAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NewRevokedError reports a key whose agent has been revoked.
func NewRevokedError(agentID string) *Error {
	return &Error{
		Kind:    KindRevoked,
		Message: fmt.Sprintf("agent %q has been revoked", agentID),
		Details: map[string]interface{}{"agent_id": agentID},
	}
}

// NewParseError reports an unclassifiable statement. The offending fragment
// lands in the details so the caller sees what tripped the inspector.
func NewParseError(message, fragment string) *Error {
	e := &Error{Kind: KindParse, Message: message}
	if fragment != "" {
		e.Details = map[string]interface{}{"fragment": fragment}
	}
	return e
}

// NewPermissionDenied reports every denied resource from a permission
// check.
func NewPermissionDenied(denied []string) *Error {
	return &Error{
		Kind:            KindPermissionDenied,
		Message:         fmt.Sprintf("access denied to %d resource(s)", len(denied)),
		DeniedResources: denied,
	}
}

// NewSchemaUnknown reports a table that is not part of the bound schema,
// with name-similarity suggestions when any exist.
func NewSchemaUnknown(table string, suggestions []string) *Error {
	e := &Error{
		Kind:    KindSchemaUnknown,
		Message: fmt.Sprintf("table %q is not in the bound schema", table),
		Details: map[string]interface{}{"table": table},
	}
	if len(suggestions) > 0 {
		e.Details["suggestions"] = suggestions
		for _, s := range suggestions {
			e.Fixes = append(e.Fixes, fmt.Sprintf("did you mean %q?", s))
		}
	}
	return e
}

// NewGenerationError reports unparseable NL→SQL output. Raw output is
// truncated by the caller before it gets here.
func NewGenerationError(message, rawOutput string, hints []string) *Error {
	e := &Error{
		Kind:    KindGeneration,
		Message: message,
		Fixes:   hints,
	}
	if rawOutput != "" {
		e.Details = map[string]interface{}{"raw_output": rawOutput}
	}
	return e
}

// NewPoolTimeout reports that no connection could be acquired within the
// wait budget.
func NewPoolTimeout(waited time.Duration) *Error {
	return &Error{
		Kind:       KindPoolTimeout,
		Message:    fmt.Sprintf("no connection available after %s", waited),
		RetryAfter: waited,
	}
}

// NewConnectError reports connection failure after endpoint failover was
// exhausted.
func NewConnectError(message string, cause error) *Error {
	return &Error{Kind: KindConnect, Message: message, Cause: cause}
}

// NewExecuteError reports a database execution failure with a classified
// subkind (syntax, constraint, unavailable, ...).
func NewExecuteError(subkind, message string, cause error) *Error {
	e := &Error{Kind: KindExecute, Message: message, Cause: cause}
	if subkind != "" {
		e.Details = map[string]interface{}{"subkind": subkind}
	}
	return e
}

// NewTimeoutError reports an expired execution deadline.
func NewTimeoutError(deadline time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("execution deadline of %s exceeded", deadline),
		Details: map[string]interface{}{"deadline_ms": deadline.Milliseconds()},
	}
}

// NewCancelledError reports caller-initiated cancellation.
func NewCancelledError() *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled by caller"}
}

// NewRateLimited reports an exceeded rate limit with a retry hint.
func NewRateLimited(scope string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("%s rate limit exceeded", scope),
		RetryAfter: retryAfter,
		Details:    map[string]interface{}{"scope": scope},
	}
}

// NewProviderUnavailable reports terminal provider failure after retry and
// failover were exhausted.
func NewProviderUnavailable(providerID string, cause error) *Error {
	return &Error{
		Kind:    KindProviderUnavailable,
		Message: fmt.Sprintf("provider %q unavailable", providerID),
		Details: map[string]interface{}{"provider_id": providerID},
		Cause:   cause,
	}
}

// NewBlockedError reports an air-gapped policy violation.
func NewBlockedError(message string) *Error {
	return &Error{Kind: KindBlocked, Message: message}
}

// NewConfigError reports detected misconfiguration.
func NewConfigError(message string) *Error {
	return &Error{Kind: KindConfig, Message: message}
}

// NewInternalError wraps an invariant violation. The cause is kept for
// logs; the report shows only an opaque message.
func NewInternalError(cause error) *Error {
	message := "internal error"
	if cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// ErrorReport is the wire form of an Error: the structured failure envelope
// returned to callers. Credentials, keys, and raw internal state never
// appear in any field.
type ErrorReport struct {
	Kind                ErrorKind              `json:"kind"`
	UserFriendlyMessage string                 `json:"user_friendly_message"`
	SuggestedFixes      []string               `json:"suggested_fixes"`
	ActionableDetails   map[string]interface{} `json:"actionable_details,omitempty"`
	DeniedResources     []string               `json:"denied_resources,omitempty"`
	GeneratedSQL        string                 `json:"generated_sql,omitempty"`
	DeadLetterRef       string                 `json:"dead_letter_ref,omitempty"`
	RetryAfterMS        int64                  `json:"retry_after_ms,omitempty"`
}

// Report renders the error for the response body. Every report carries a
// user message and at least one suggested fix, defaulted by kind when the
// error did not set its own.
func (e *Error) Report() *ErrorReport {
	report := &ErrorReport{
		Kind:                e.Kind,
		UserFriendlyMessage: e.UserMessage,
		SuggestedFixes:      e.Fixes,
		ActionableDetails:   e.Details,
		DeniedResources:     e.DeniedResources,
		GeneratedSQL:        e.GeneratedSQL,
		DeadLetterRef:       e.DeadLetterRef,
	}
	if e.RetryAfter > 0 {
		report.RetryAfterMS = e.RetryAfter.Milliseconds()
	}
	if report.UserFriendlyMessage == "" {
		report.UserFriendlyMessage = defaultUserMessage(e.Kind)
	}
	if len(report.SuggestedFixes) == 0 {
		report.SuggestedFixes = defaultFixes(e.Kind)
	}
	return report
}

func defaultUserMessage(kind ErrorKind) string {
	switch kind {
	case KindAuth:
		return "Authentication failed: the API key is missing or not recognized."
	case KindRevoked:
		return "This agent has been revoked and can no longer run queries."
	case KindParse:
		return "The SQL statement could not be understood."
	case KindPermissionDenied:
		return "The agent does not have permission for one or more referenced tables."
	case KindSchemaUnknown:
		return "A referenced table does not exist in the connected database."
	case KindGeneration:
		return "A SQL statement could not be generated from the request."
	case KindPoolTimeout:
		return "All database connections are busy; the request timed out waiting."
	case KindConnect:
		return "The database could not be reached."
	case KindExecute:
		return "The database reported an error while executing the statement."
	case KindTimeout:
		return "The query did not finish before its deadline."
	case KindCancelled:
		return "The request was cancelled."
	case KindRateLimited:
		return "Too many requests; the rate limit has been reached."
	case KindProviderUnavailable:
		return "The AI provider is currently unavailable."
	case KindBlocked:
		return "This operation is not permitted in air-gapped mode."
	case KindConfig:
		return "The gateway is misconfigured."
	default:
		return "An internal error occurred."
	}
}

func defaultFixes(kind ErrorKind) []string {
	switch kind {
	case KindAuth:
		return []string{"check that the X-API-Key header carries a valid agent key"}
	case KindRevoked:
		return []string{"register a new agent or contact the gateway administrator"}
	case KindParse:
		return []string{"verify the SQL syntax for the bound database dialect"}
	case KindPermissionDenied:
		return []string{"request access to the denied resources", "rewrite the query against permitted tables"}
	case KindSchemaUnknown:
		return []string{"check the table name against the bound schema"}
	case KindGeneration:
		return []string{"rephrase the request using table and column names from the schema"}
	case KindPoolTimeout:
		return []string{"retry after a short delay", "raise pool.max_open if this persists"}
	case KindConnect:
		return []string{"verify the database endpoints are reachable", "retry once connectivity is restored"}
	case KindExecute:
		return []string{"inspect the statement against the database error details"}
	case KindTimeout:
		return []string{"raise the request deadline or narrow the query"}
	case KindCancelled:
		return []string{"resubmit the request"}
	case KindRateLimited:
		return []string{"wait for the retry_after hint before resubmitting"}
	case KindProviderUnavailable:
		return []string{"retry later", "configure a failover group with backup providers"}
	case KindBlocked:
		return []string{"use a local or private-endpoint provider in air-gapped deployments"}
	case KindConfig:
		return []string{"fix the reported configuration field and restart the gateway"}
	default:
		return []string{"contact the gateway operator with the request id"}
	}
}
