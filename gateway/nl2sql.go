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
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/llm"
	"axonflow/gateway/shared/logger"
)

// Completer is the slice of llm.Manager the translator needs. Failover
// groups, provider rate limits, and retry policies all live behind it.
type Completer interface {
	CompleteForAgent(ctx context.Context, agentID, defaultProvider string, req llm.CompletionRequest) (*llm.CompletionResponse, string, error)
}

// Translator turns natural-language text into one executable statement
// for the agent's bound database.
type Translator struct {
	completer       Completer
	permissions     PermissionStore
	defaultProvider string
	maxLength       int
	log             *logger.Logger
}

// TranslatorOptions configure NewTranslator.
type TranslatorOptions struct {
	Completer   Completer
	Permissions PermissionStore

	// DefaultProvider serves agents without a failover group.
	DefaultProvider string

	// MaxLength caps natural-language input in runes. Zero means no cap.
	MaxLength int

	Logger *logger.Logger
}

func NewTranslator(opts TranslatorOptions) *Translator {
	log := opts.Logger
	if log == nil {
		log = logger.New("nl2sql")
	}
	return &Translator{
		completer:       opts.Completer,
		permissions:     opts.Permissions,
		defaultProvider: opts.DefaultProvider,
		maxLength:       opts.MaxLength,
		log:             log,
	}
}

// TranslateRequest carries one natural-language call.
type TranslateRequest struct {
	AgentID   string
	RequestID string

	// Text is the natural-language request.
	Text string

	// DriverKind and DefaultSchema come from the agent's binding.
	DriverKind    string
	DefaultSchema string

	// Schema is the live snapshot from the bound connector. The
	// translator filters it down to readable resources before any of it
	// reaches a provider.
	Schema *base.Schema
}

// Translation is a successful generation.
type Translation struct {
	// SQL is the generated statement. For document stores it is the
	// query document JSON.
	SQL string

	// Provider and Model identify who served the generation, for cost
	// attribution.
	Provider string
	Model    string

	// Confidence is coarse: full marks for a clean stop, half for a
	// completion that ended any other way.
	Confidence float64

	Usage   llm.UsageStats
	Latency time.Duration
}

// rawOutputLimit caps the provider output echoed in generation errors.
const rawOutputLimit = 500

// Translate converts natural-language text into one statement for the
// agent's bound database. The prompt sees only resources the agent holds
// read on. One provider call is made per request; output that fails
// validation is reported as a generation error, not regenerated.
func (t *Translator) Translate(ctx context.Context, req TranslateRequest) (*Translation, error) {
	started := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, NewGenerationError("natural-language text is empty", "",
			[]string{"describe the data you want in plain language"})
	}
	if t.maxLength > 0 && utf8.RuneCountInString(text) > t.maxLength {
		return nil, NewGenerationError(
			fmt.Sprintf("natural-language text exceeds the %d-character limit", t.maxLength), "",
			[]string{"shorten the request to the essential question"})
	}

	snapshot, err := t.readableSnapshot(ctx, req.AgentID, req.DriverKind, req.Schema)
	if err != nil {
		return nil, err
	}
	if len(snapshot.Tables) == 0 {
		kind := ResourceKindForDriver(req.DriverKind)
		e := NewError(KindPermissionDenied, "agent holds no readable resources on this binding")
		e.Fixes = []string{fmt.Sprintf("grant read on at least one %s before using natural language", kind)}
		return nil, e
	}

	resp, provider, err := t.completer.CompleteForAgent(ctx, req.AgentID, t.defaultProvider, t.buildRequest(text, req.DriverKind, snapshot))
	if err != nil {
		classified := Classify(err)
		t.log.Warn(req.AgentID, req.RequestID, "provider call failed", map[string]interface{}{
			"provider": provider,
			"kind":     string(classified.Kind),
		})
		return nil, classified
	}

	statement, insp, err := t.parseOutput(resp.Content, req.DriverKind, req.DefaultSchema, text, snapshot)
	if err != nil {
		t.log.Warn(req.AgentID, req.RequestID, "generated output failed validation", map[string]interface{}{
			"provider": provider,
			"model":    resp.Model,
		})
		return nil, err
	}

	confidence := 1.0
	if resp.FinishReason != "" && resp.FinishReason != "stop" {
		confidence = 0.5
	}

	t.log.InfoWithDuration(req.AgentID, req.RequestID, "statement generated from natural language",
		float64(time.Since(started).Milliseconds()), map[string]interface{}{
			"provider":          provider,
			"model":             resp.Model,
			"statement_kind":    string(insp.StatementKind),
			"tables_visible":    len(snapshot.Tables),
			"completion_tokens": resp.Usage.CompletionTokens,
		})

	return &Translation{
		SQL:        statement,
		Provider:   provider,
		Model:      resp.Model,
		Confidence: confidence,
		Usage:      resp.Usage,
		Latency:    time.Since(started),
	}, nil
}

// readableSnapshot filters the live schema down to resources the agent
// holds read on. Generated statements must not reveal schema the agent
// cannot query, so the prompt is built only from granted resources.
func (t *Translator) readableSnapshot(ctx context.Context, agentID, driverKind string, schema *base.Schema) (*base.Schema, error) {
	grants, err := t.permissions.List(ctx, agentID)
	if err != nil {
		return nil, Classify(err)
	}

	kind := ResourceKindForDriver(driverKind)
	readable := make(map[string]bool, len(grants))
	for _, g := range grants {
		if g.ResourceKind == kind && g.Grants(CapabilityRead) {
			readable[g.ResourceID] = true
		}
	}

	out := &base.Schema{}
	if schema == nil {
		return out, nil
	}
	out.DefaultSchema = schema.DefaultSchema
	for _, tbl := range schema.Tables {
		if readable[NormalizeResource(kind, tbl.Name)] {
			out.Tables = append(out.Tables, tbl)
		}
	}
	return out, nil
}

const sqlSystemPrompt = `You are a SQL generator. The target database speaks %s. Write exactly one statement that answers the request, using only the tables and columns listed and their names exactly as shown. Respond with the statement alone, no explanation and no code fences.`

const documentSystemPrompt = `You are a query generator for a MongoDB database. Write exactly one JSON query document that answers the request, using only the collections and fields listed. The document may use only these keys: collection, operation, filter, projection, sort, update, documents, pipeline, limit. The operation is one of find, aggregate, insert, update, delete. Respond with the JSON object alone, no explanation and no code fences.`

func (t *Translator) buildRequest(text, driverKind string, snapshot *base.Schema) llm.CompletionRequest {
	if driverKind == base.KindMongo {
		return llm.CompletionRequest{
			SystemPrompt: documentSystemPrompt,
			Prompt:       fmt.Sprintf("Collections:\n%s\nRequest: %s", renderTables(snapshot), text),
		}
	}
	return llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(sqlSystemPrompt, dialectName(driverKind)),
		Prompt:       fmt.Sprintf("Tables:\n%s\nRequest: %s", renderTables(snapshot), text),
	}
}

func dialectName(driverKind string) string {
	switch driverKind {
	case base.KindPostgres:
		return "PostgreSQL"
	case base.KindMySQL:
		return "MySQL"
	case base.KindBigQuery:
		return "BigQuery GoogleSQL"
	case base.KindSnowflake:
		return "Snowflake SQL"
	}
	if name, ok := strings.CutPrefix(driverKind, base.PluginPrefix); ok && name != "" {
		return name
	}
	return "ANSI SQL"
}

func renderTables(snapshot *base.Schema) string {
	var b strings.Builder
	for _, tbl := range snapshot.Tables {
		b.WriteString("- ")
		b.WriteString(tbl.Name)
		if len(tbl.Columns) > 0 {
			b.WriteString(" (")
			for i, col := range tbl.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(col.Name)
				if col.Type != "" {
					b.WriteString(" ")
					b.WriteString(col.Type)
				}
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseOutput extracts and validates the statement in provider output.
// Failures come back as generation errors carrying the truncated raw
// output and rephrasing hints.
func (t *Translator) parseOutput(content, driverKind, defaultSchema, text string, snapshot *base.Schema) (string, *Inspection, error) {
	candidate := stripCodeFences(content)

	if driverKind == base.KindMongo {
		candidate = extractJSONObject(candidate)
		if candidate == "" {
			return "", nil, generationFailure("provider output contains no query document", content, text, snapshot)
		}
		insp, err := InspectDocument(candidate)
		if err != nil {
			msg := "generated document did not parse"
			if perr := AsError(err); perr != nil {
				msg = msg + ": " + perr.Message
			}
			return "", nil, generationFailure(msg, content, text, snapshot)
		}
		return candidate, insp, nil
	}

	candidate = firstStatement(candidate, driverKind)
	if candidate == "" {
		return "", nil, generationFailure("provider returned no statement", content, text, snapshot)
	}
	insp, err := Inspect(candidate, driverKind, defaultSchema)
	if err != nil {
		msg := "generated statement did not parse"
		if perr := AsError(err); perr != nil {
			msg = msg + ": " + perr.Message
		}
		return "", nil, generationFailure(msg, content, text, snapshot)
	}
	if _, err := insp.StatementKind.RequiredCapability(); err != nil {
		return "", nil, generationFailure("provider output is not an executable statement", content, text, snapshot)
	}
	return candidate, insp, nil
}

func generationFailure(message, raw, text string, snapshot *base.Schema) *Error {
	return NewGenerationError(message, truncateRunes(raw, rawOutputLimit), rephrasingHints(text, snapshot))
}

// stripCodeFences unwraps a fenced code block when the provider returns
// one despite instructions. Text outside the first block is dropped.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	s = s[open+3:]
	if nl := strings.IndexByte(s, '\n'); nl != -1 && isFenceTag(strings.TrimSpace(s[:nl])) {
		s = s[nl+1:]
	}
	if closing := strings.Index(s, "```"); closing != -1 {
		s = s[:closing]
	}
	return strings.TrimSpace(s)
}

// isFenceTag reports whether the first fenced line is a language tag
// rather than statement text.
func isFenceTag(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// firstStatement cuts provider output down to its leading statement.
// Models asked for one statement sometimes return several; everything
// past the first top-level semicolon is dropped. String literals and
// comments are honored so a semicolon inside them does not split. On an
// unterminated construct the text is returned whole and left for the
// inspector to refuse.
func firstStatement(sql, driverKind string) string {
	hashComments := driverKind == base.KindMySQL || driverKind == base.KindBigQuery
	dollarStrings := driverKind == base.KindPostgres

	n := len(sql)
	for i := 0; i < n; {
		c := sql[i]
		switch {
		case c == ';':
			return strings.TrimSpace(sql[:i])
		case c == '-' && i+1 < n && sql[i+1] == '-':
			i = skipLine(sql, i)
		case c == '#' && hashComments:
			i = skipLine(sql, i)
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end, ok := skipBlockComment(sql, i)
			if !ok {
				return strings.TrimSpace(sql)
			}
			i = end
		case c == '\'':
			end, ok := skipStringLiteral(sql, i)
			if !ok {
				return strings.TrimSpace(sql)
			}
			i = end
		case c == '"' || c == '`':
			_, end, ok := scanQuotedIdent(sql, i, c)
			if !ok {
				return strings.TrimSpace(sql)
			}
			i = end
		case c == '$' && dollarStrings && isDollarQuote(sql, i):
			end, ok := skipDollarString(sql, i)
			if !ok {
				return strings.TrimSpace(sql)
			}
			i = end
		default:
			i++
		}
	}
	return strings.TrimSpace(sql)
}

// extractJSONObject returns the outermost JSON object within s, the span
// from the first opening brace to the last closing one.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// nlFillerWords are skipped when matching request words against schema
// names.
var nlFillerWords = map[string]bool{
	"the": true, "and": true, "for": true, "from": true, "with": true,
	"all": true, "are": true, "was": true, "has": true, "have": true,
	"show": true, "list": true, "get": true, "find": true, "give": true,
	"tell": true, "what": true, "which": true, "how": true, "many": true,
	"much": true, "this": true, "that": true, "than": true, "per": true,
	"each": true, "please": true, "their": true, "there": true,
}

// rephrasingHints suggests how to restate a request whose generation
// failed, from lexical overlap between the request and the readable
// schema. Only readable resources appear in hints.
func rephrasingHints(text string, snapshot *base.Schema) []string {
	words := requestWords(text)

	type scored struct {
		table *base.TableInfo
		hits  int
	}
	var ranked []scored
	for i := range snapshot.Tables {
		tbl := &snapshot.Tables[i]
		if hits := overlapCount(words, tbl); hits > 0 {
			ranked = append(ranked, scored{table: tbl, hits: hits})
		}
	}
	if len(ranked) == 0 {
		return []string{"name the exact tables and columns the request should read"}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		return ranked[i].table.Name < ranked[j].table.Name
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	hints := make([]string, 0, len(ranked))
	for _, r := range ranked {
		noun := "table"
		if r.table.Kind != "" {
			noun = r.table.Kind
		}
		hints = append(hints, fmt.Sprintf("rephrase the request around the %s %q", noun, r.table.Name))
	}
	return hints
}

func requestWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var words []string
	for _, w := range fields {
		if len(w) >= 3 && !nlFillerWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// overlapCount counts distinct request words that prefix-match a piece
// of the table name or one of its column names.
func overlapCount(words []string, tbl *base.TableInfo) int {
	pieces := namePieces(tbl.Name)
	for _, col := range tbl.Columns {
		pieces = append(pieces, namePieces(col.Name)...)
	}

	count := 0
	for _, w := range words {
		for _, p := range pieces {
			if strings.HasPrefix(p, w) || strings.HasPrefix(w, p) {
				count++
				break
			}
		}
	}
	return count
}

func namePieces(name string) []string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	var pieces []string
	for _, p := range fields {
		if len(p) >= 3 {
			pieces = append(pieces, p)
		}
	}
	return pieces
}
