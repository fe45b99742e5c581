// Copyright 2025 AxonFlow
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
	"context"
	"strings"
	"testing"
	"time"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/llm"
)

type fakeCompleter struct {
	content  string
	finish   string
	provider string
	err      error

	agents []string
	reqs   []llm.CompletionRequest
}

func (f *fakeCompleter) CompleteForAgent(ctx context.Context, agentID, defaultProvider string, req llm.CompletionRequest) (*llm.CompletionResponse, string, error) {
	f.agents = append(f.agents, agentID)
	f.reqs = append(f.reqs, req)

	provider := f.provider
	if provider == "" {
		provider = defaultProvider
	}
	if f.err != nil {
		return nil, provider, f.err
	}

	finish := f.finish
	if finish == "" {
		finish = "stop"
	}
	return &llm.CompletionResponse{
		Content:      f.content,
		Model:        "test-model",
		Usage:        llm.UsageStats{PromptTokens: 210, CompletionTokens: 34, TotalTokens: 244},
		FinishReason: finish,
	}, provider, nil
}

func relationalSchema() *base.Schema {
	return &base.Schema{
		DefaultSchema: "public",
		Tables: []base.TableInfo{
			{Name: "public.orders", Kind: "table", Columns: []base.ColumnInfo{
				{Name: "id", Type: "bigint"},
				{Name: "customer_id", Type: "bigint"},
				{Name: "total", Type: "numeric"},
				{Name: "created_at", Type: "timestamptz"},
			}},
			{Name: "public.customers", Kind: "table", Columns: []base.ColumnInfo{
				{Name: "id", Type: "bigint"},
				{Name: "email", Type: "text"},
			}},
			{Name: "public.payments", Kind: "table", Columns: []base.ColumnInfo{
				{Name: "id", Type: "bigint"},
			}},
			{Name: "public.secrets", Kind: "table", Columns: []base.ColumnInfo{
				{Name: "token", Type: "text"},
			}},
		},
	}
}

// testTranslator grants bot read on orders and customers, write-only on
// payments, and nothing on secrets.
func testTranslator(t *testing.T, fc *fakeCompleter) *Translator {
	t.Helper()

	ctx := context.Background()
	perms := NewMemoryPermissionStore()
	grants := []struct {
		resource string
		caps     []Capability
	}{
		{"public.orders", []Capability{CapabilityRead}},
		{"public.customers", []Capability{CapabilityRead, CapabilityWrite}},
		{"public.payments", []Capability{CapabilityWrite}},
	}
	for _, g := range grants {
		if err := perms.Set(ctx, "bot", ResourceTable, g.resource, g.caps); err != nil {
			t.Fatalf("seeding grant on %s: %v", g.resource, err)
		}
	}

	return NewTranslator(TranslatorOptions{
		Completer:       fc,
		Permissions:     perms,
		DefaultProvider: "primary",
		MaxLength:       2000,
	})
}

func translateRequest(text string) TranslateRequest {
	return TranslateRequest{
		AgentID:       "bot",
		RequestID:     "req-1",
		Text:          text,
		DriverKind:    base.KindPostgres,
		DefaultSchema: "public",
		Schema:        relationalSchema(),
	}
}

func TestTranslateGeneratesStatement(t *testing.T) {
	fc := &fakeCompleter{content: "```sql\nSELECT id, total FROM public.orders WHERE total > 100;\n```"}
	tr := testTranslator(t, fc)

	got, err := tr.Translate(context.Background(), translateRequest("show me orders over 100 dollars"))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, total FROM public.orders WHERE total > 100"; got.SQL != want {
		t.Fatalf("SQL = %q, want %q", got.SQL, want)
	}
	if got.Provider != "primary" {
		t.Errorf("Provider = %q, want primary", got.Provider)
	}
	if got.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", got.Model)
	}
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", got.Confidence)
	}
	if got.Usage.TotalTokens != 244 {
		t.Errorf("Usage.TotalTokens = %d, want 244", got.Usage.TotalTokens)
	}
	if len(fc.agents) != 1 || fc.agents[0] != "bot" {
		t.Errorf("provider called for agents %v, want one call for bot", fc.agents)
	}
}

func TestTranslatePromptSeesOnlyReadableSchema(t *testing.T) {
	fc := &fakeCompleter{content: "SELECT id FROM public.orders"}
	tr := testTranslator(t, fc)

	if _, err := tr.Translate(context.Background(), translateRequest("list order ids")); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	req := fc.reqs[0]
	for _, want := range []string{"public.orders", "public.customers", "customer_id", "email text"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
	for _, leak := range []string{"public.payments", "public.secrets", "token"} {
		if strings.Contains(req.Prompt, leak) {
			t.Errorf("prompt leaks unreadable resource %q:\n%s", leak, req.Prompt)
		}
	}
	if !strings.Contains(req.SystemPrompt, "PostgreSQL") {
		t.Errorf("system prompt does not name the dialect:\n%s", req.SystemPrompt)
	}
}

func TestTranslateKeepsFirstStatementOnly(t *testing.T) {
	fc := &fakeCompleter{content: "SELECT note FROM public.orders WHERE note = 'a;b'; DROP TABLE public.orders"}
	tr := testTranslator(t, fc)

	got, err := tr.Translate(context.Background(), translateRequest("order notes"))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT note FROM public.orders WHERE note = 'a;b'"; got.SQL != want {
		t.Fatalf("SQL = %q, want %q", got.SQL, want)
	}
}

func TestTranslateUnparseableOutput(t *testing.T) {
	fc := &fakeCompleter{content: "I cannot write that query, sorry."}
	tr := testTranslator(t, fc)

	_, err := tr.Translate(context.Background(), translateRequest("show me recent orders"))
	perr := AsError(err)
	if perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("err = %v, want generation error", err)
	}
	if raw, _ := perr.Details["raw_output"].(string); raw != fc.content {
		t.Errorf("raw_output = %q, want the provider output", raw)
	}
	if joined := strings.Join(perr.Fixes, " "); !strings.Contains(joined, "public.orders") {
		t.Errorf("hints %v do not mention public.orders", perr.Fixes)
	}
}

func TestTranslateTruncatesRawOutput(t *testing.T) {
	fc := &fakeCompleter{content: strings.Repeat("x", 600)}
	tr := testTranslator(t, fc)

	_, err := tr.Translate(context.Background(), translateRequest("order totals"))
	perr := AsError(err)
	if perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("err = %v, want generation error", err)
	}
	raw, _ := perr.Details["raw_output"].(string)
	if len(raw) != 500 {
		t.Fatalf("raw_output length = %d, want 500", len(raw))
	}
	if !strings.HasPrefix(fc.content, raw) {
		t.Errorf("raw_output is not a prefix of the provider output")
	}
}

func TestTranslateEmptyOutput(t *testing.T) {
	fc := &fakeCompleter{content: "```sql\n```"}
	tr := testTranslator(t, fc)

	_, err := tr.Translate(context.Background(), translateRequest("order totals"))
	if perr := AsError(err); perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("err = %v, want generation error", err)
	}
}

func TestTranslateProviderFailure(t *testing.T) {
	fc := &fakeCompleter{err: &llm.ProviderError{
		Provider:   "primary",
		Code:       llm.ErrCodeRateLimit,
		Message:    "provider rate limit exceeded",
		Retryable:  true,
		RetryAfter: 30 * time.Second,
	}}
	tr := testTranslator(t, fc)

	_, err := tr.Translate(context.Background(), translateRequest("order totals"))
	perr := AsError(err)
	if perr == nil || perr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	if perr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", perr.RetryAfter)
	}

	fc.err = &llm.ProviderError{Provider: "primary", StatusCode: 500, Message: "upstream 500"}
	_, err = tr.Translate(context.Background(), translateRequest("order totals"))
	if perr := AsError(err); perr == nil || perr.Kind != KindProviderUnavailable {
		t.Fatalf("err = %v, want provider_unavailable", err)
	}
}

func TestTranslateBoundsText(t *testing.T) {
	fc := &fakeCompleter{content: "SELECT 1"}
	tr := testTranslator(t, fc)

	_, err := tr.Translate(context.Background(), translateRequest(strings.Repeat("o", 2001)))
	if perr := AsError(err); perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("over-length err = %v, want generation", err)
	}

	_, err = tr.Translate(context.Background(), translateRequest("   "))
	if perr := AsError(err); perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("empty err = %v, want generation", err)
	}

	if len(fc.reqs) != 0 {
		t.Errorf("provider called %d times for rejected text, want 0", len(fc.reqs))
	}
}

func TestTranslateNoReadableResources(t *testing.T) {
	fc := &fakeCompleter{content: "SELECT 1"}
	tr := NewTranslator(TranslatorOptions{
		Completer:       fc,
		Permissions:     NewMemoryPermissionStore(),
		DefaultProvider: "primary",
	})

	_, err := tr.Translate(context.Background(), translateRequest("order totals"))
	if perr := AsError(err); perr == nil || perr.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want permission_denied", err)
	}
	if len(fc.reqs) != 0 {
		t.Errorf("provider called %d times with nothing readable, want 0", len(fc.reqs))
	}
}

func TestTranslateDocumentQuery(t *testing.T) {
	ctx := context.Background()
	perms := NewMemoryPermissionStore()
	if err := perms.Set(ctx, "bot", ResourceCollection, "Orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("seeding grant: %v", err)
	}
	// A table grant with the same spelling must not leak into the
	// collection snapshot.
	if err := perms.Set(ctx, "bot", ResourceTable, "orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("seeding grant: %v", err)
	}

	doc := `{"collection": "Orders", "operation": "find", "filter": {"total": {"$gt": 100}}}`
	fc := &fakeCompleter{content: "```json\n" + doc + "\n```"}
	tr := NewTranslator(TranslatorOptions{
		Completer:       fc,
		Permissions:     perms,
		DefaultProvider: "primary",
	})

	req := TranslateRequest{
		AgentID:    "bot",
		RequestID:  "req-1",
		Text:       "orders over 100",
		DriverKind: base.KindMongo,
		Schema: &base.Schema{
			Tables: []base.TableInfo{
				{Name: "Orders", Kind: "collection", Columns: []base.ColumnInfo{
					{Name: "_id", Type: "objectId"},
					{Name: "total", Type: "double"},
				}},
				{Name: "Archive", Kind: "collection", Columns: []base.ColumnInfo{
					{Name: "_id", Type: "objectId"},
				}},
			},
		},
	}

	got, err := tr.Translate(ctx, req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got.SQL != doc {
		t.Fatalf("SQL = %q, want the query document", got.SQL)
	}
	prompt := fc.reqs[0].Prompt
	if !strings.Contains(prompt, "Orders") {
		t.Errorf("prompt missing granted collection:\n%s", prompt)
	}
	if strings.Contains(prompt, "Archive") {
		t.Errorf("prompt leaks ungranted collection:\n%s", prompt)
	}
	if !strings.Contains(fc.reqs[0].SystemPrompt, "MongoDB") {
		t.Errorf("system prompt does not name the store:\n%s", fc.reqs[0].SystemPrompt)
	}

	// Unknown document keys are a generation failure, not a pass-through.
	fc.content = `{"collection": "Orders", "op": "find"}`
	_, err = tr.Translate(ctx, req)
	if perr := AsError(err); perr == nil || perr.Kind != KindGeneration {
		t.Fatalf("err = %v, want generation error", err)
	}
}

func TestTranslateTruncatedCompletion(t *testing.T) {
	fc := &fakeCompleter{content: "SELECT id FROM public.orders", finish: "max_tokens"}
	tr := testTranslator(t, fc)

	got, err := tr.Translate(context.Background(), translateRequest("order ids"))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5 for a cut-off completion", got.Confidence)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "SELECT 1", "SELECT 1"},
		{"plain fence", "```\nSELECT 1\n```", "SELECT 1"},
		{"sql tag", "```sql\nSELECT 1\n```", "SELECT 1"},
		{"prose around fence", "Here you go:\n```sql\nSELECT 1\n```\nHope this helps!", "SELECT 1"},
		{"single line fence", "```SELECT 1```", "SELECT 1"},
		{"unclosed fence", "```sql\nSELECT 1", "SELECT 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripCodeFences(tc.in); got != tc.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFirstStatement(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		driver string
		want   string
	}{
		{"single", "SELECT 1", base.KindPostgres, "SELECT 1"},
		{"trailing semicolon", "SELECT 1;", base.KindPostgres, "SELECT 1"},
		{"two statements", "SELECT 1; DELETE FROM public.orders", base.KindPostgres, "SELECT 1"},
		{"semicolon in literal", "SELECT 'a;b' FROM t; SELECT 2", base.KindPostgres, "SELECT 'a;b' FROM t"},
		{"semicolon in dollar string", "SELECT $$x;y$$; SELECT 2", base.KindPostgres, "SELECT $$x;y$$"},
		{"semicolon in line comment", "SELECT 1 -- tail; text\nFROM t", base.KindPostgres, "SELECT 1 -- tail; text\nFROM t"},
		{"hash comment", "SELECT 1 # c;\nFROM t; DELETE FROM t", base.KindMySQL, "SELECT 1 # c;\nFROM t"},
		{"quoted identifier", "SELECT \"a;b\" FROM t; SELECT 2", base.KindPostgres, "SELECT \"a;b\" FROM t"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := firstStatement(tc.in, tc.driver); got != tc.want {
				t.Errorf("firstStatement(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRephrasingHints(t *testing.T) {
	schema := relationalSchema()

	hints := rephrasingHints("how many orders did each customer place", schema)
	joined := strings.Join(hints, " ")
	if !strings.Contains(joined, "public.orders") || !strings.Contains(joined, "public.customers") {
		t.Errorf("hints %v do not name the overlapping tables", hints)
	}

	hints = rephrasingHints("weather tomorrow", schema)
	if len(hints) != 1 || strings.Contains(hints[0], "public.") {
		t.Errorf("hints %v for no overlap, want one generic hint", hints)
	}
}
