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
	"fmt"
	"strings"

	"axonflow/gateway/connectors/base"
)

// StatementKind classifies what a statement does. The set is closed: a
// statement that is not recognizably one of the first five kinds is
// StatementOther and never reaches a database.
type StatementKind string

const (
	StatementSelect StatementKind = "select"
	StatementInsert StatementKind = "insert"
	StatementUpdate StatementKind = "update"
	StatementDelete StatementKind = "delete"
	StatementDDL    StatementKind = "ddl"
	StatementOther  StatementKind = "other"
)

// Capability is the access level a permission grants on a resource.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
)

// RequiredCapability maps a statement kind to the capability every
// referenced table must carry: select needs read, the mutating kinds need
// write. StatementOther is rejected here rather than guessed at.
func (k StatementKind) RequiredCapability() (Capability, error) {
	switch k {
	case StatementSelect:
		return CapabilityRead, nil
	case StatementInsert, StatementUpdate, StatementDelete, StatementDDL:
		return CapabilityWrite, nil
	default:
		return "", NewParseError(fmt.Sprintf("statement kind %q cannot be executed through the gateway", k), "")
	}
}

// Inspection is the result of statement analysis.
type Inspection struct {
	// StatementKind is the classified kind.
	StatementKind StatementKind

	// Tables lists every referenced table, ordered by first appearance,
	// de-duplicated case-insensitively. Bare names are qualified with the
	// binding's default schema. CTE names are excluded.
	Tables []string

	// HasUnqualifiedRefs reports whether any table reference arrived
	// without a schema qualifier.
	HasUnqualifiedRefs bool
}

// Inspect tokenizes one SQL statement, classifies its kind, and extracts
// the tables it references. driverKind selects dialect details (hash
// comments, dollar-quoted strings); defaultSchema qualifies bare table
// names. Returns a parse-kind error for text it cannot account for.
func Inspect(sql, driverKind, defaultSchema string) (*Inspection, error) {
	tokens, err := tokenizeSQL(sql, driverKind)
	if err != nil {
		return nil, err
	}

	tokens, err = singleStatement(tokens)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, NewParseError("statement is empty or contains only comments", "")
	}

	// A union arm may open with parentheses before the first keyword.
	lead := 0
	for lead < len(tokens) && tokens[lead].isPunct('(') {
		lead++
	}

	ctes, _ := parseWithClause(tokens[lead:])
	kind := statementKind(tokens[lead:])

	tables, hasBare, sawWrite := extractTables(tokens, ctes, defaultSchema)

	// SELECT ... INTO and writable CTEs smuggle writes into a statement
	// whose kind would demand only read. They are refused outright rather
	// than under-permissioned.
	if kind == StatementSelect && sawWrite {
		kind = StatementOther
	}

	return &Inspection{
		StatementKind:      kind,
		Tables:             tables,
		HasUnqualifiedRefs: hasBare,
	}, nil
}

// InspectDocument is the document-store counterpart of Inspect. The
// statement is a structured query document, so collections come from its
// fields instead of a tokenizer.
func InspectDocument(statement string) (*Inspection, error) {
	q, err := base.ParseDocumentQuery(statement)
	if err != nil {
		return nil, NewParseError(err.Error(), fragment(statement, 0))
	}

	kind := StatementSelect
	switch q.Operation {
	case base.DocOpInsert:
		kind = StatementInsert
	case base.DocOpUpdate:
		kind = StatementUpdate
	case base.DocOpDelete:
		kind = StatementDelete
	}

	return &Inspection{
		StatementKind: kind,
		Tables:        q.Collections(),
	}, nil
}

type sqlToken struct {
	text   string // literal text; quotes stripped for quoted identifiers
	lower  string // lowercase form for keyword comparison
	quoted bool
	punct  bool
}

func (t sqlToken) is(word string) bool  { return !t.punct && !t.quoted && t.lower == word }
func (t sqlToken) isPunct(ch byte) bool { return t.punct && t.text[0] == ch }
func (t sqlToken) identLike() bool      { return !t.punct }

// tokenizeSQL splits the statement into identifier and punctuation tokens.
// Comments and string literals are stripped; quoted identifiers ("x", `x`,
// [x]) are unwrapped and marked. Unterminated constructs are parse errors.
func tokenizeSQL(sql, driverKind string) ([]sqlToken, error) {
	hashComments := driverKind == base.KindMySQL || driverKind == base.KindBigQuery
	dollarStrings := driverKind == base.KindPostgres

	var tokens []sqlToken
	n := len(sql)
	for i := 0; i < n; {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			i = skipLine(sql, i)
		case c == '#' && hashComments:
			i = skipLine(sql, i)
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end, ok := skipBlockComment(sql, i)
			if !ok {
				return nil, NewParseError("unterminated block comment", fragment(sql, i))
			}
			i = end
		case c == '\'':
			end, ok := skipStringLiteral(sql, i)
			if !ok {
				return nil, NewParseError("unterminated string literal", fragment(sql, i))
			}
			i = end
		case c == '"' || c == '`':
			ident, end, ok := scanQuotedIdent(sql, i, c)
			if !ok {
				return nil, NewParseError("unterminated quoted identifier", fragment(sql, i))
			}
			tokens = append(tokens, sqlToken{text: ident, lower: strings.ToLower(ident), quoted: true})
			i = end
		case c == '[':
			j := strings.IndexByte(sql[i+1:], ']')
			if j < 0 {
				return nil, NewParseError("unterminated quoted identifier", fragment(sql, i))
			}
			ident := sql[i+1 : i+1+j]
			tokens = append(tokens, sqlToken{text: ident, lower: strings.ToLower(ident), quoted: true})
			i += j + 2
		case c == '$' && dollarStrings && isDollarQuote(sql, i):
			end, ok := skipDollarString(sql, i)
			if !ok {
				return nil, NewParseError("unterminated string literal", fragment(sql, i))
			}
			i = end
		case isIdentByte(c):
			j := i + 1
			for j < n && isIdentByte(sql[j]) {
				j++
			}
			word := sql[i:j]
			tokens = append(tokens, sqlToken{text: word, lower: strings.ToLower(word)})
			i = j
		default:
			tokens = append(tokens, sqlToken{text: sql[i : i+1], punct: true})
			i++
		}
	}
	return tokens, nil
}

// singleStatement strips trailing semicolons and rejects anything after
// them. The permission check covers exactly one statement; a second one
// would execute unchecked.
func singleStatement(tokens []sqlToken) ([]sqlToken, error) {
	for idx, tok := range tokens {
		if !tok.isPunct(';') {
			continue
		}
		for _, rest := range tokens[idx+1:] {
			if !rest.isPunct(';') {
				return nil, NewParseError("multiple statements are not allowed", rest.text)
			}
		}
		return tokens[:idx], nil
	}
	return tokens, nil
}

func statementKind(tokens []sqlToken) StatementKind {
	rest := tokens
	if len(rest) > 0 && rest[0].is("with") {
		_, main := parseWithClause(rest)
		rest = rest[main:]
		for len(rest) > 0 && rest[0].isPunct('(') {
			rest = rest[1:]
		}
	}
	if len(rest) == 0 {
		return StatementOther
	}

	switch rest[0].lower {
	case "select":
		return StatementSelect
	case "insert", "replace":
		return StatementInsert
	case "update":
		return StatementUpdate
	case "delete":
		return StatementDelete
	case "create", "alter", "drop", "truncate":
		return StatementDDL
	default:
		return StatementOther
	}
}

// parseWithClause reads the CTE list of a statement starting with WITH.
// Returns the declared names (lowercased) and the index of the main
// statement. A nil map means there was no WITH clause.
func parseWithClause(tokens []sqlToken) (map[string]bool, int) {
	if len(tokens) == 0 || !tokens[0].is("with") {
		return nil, 0
	}

	names := make(map[string]bool)
	i := 1
	if i < len(tokens) && tokens[i].is("recursive") {
		i++
	}

	for i < len(tokens) {
		if !tokens[i].identLike() {
			break
		}
		names[tokens[i].lower] = true
		i++

		// Optional column list: name (a, b) AS (...)
		if i < len(tokens) && tokens[i].isPunct('(') {
			i = skipParens(tokens, i)
		}
		if i >= len(tokens) || !tokens[i].is("as") {
			break
		}
		i++
		// Postgres allows AS [NOT] MATERIALIZED.
		if i < len(tokens) && tokens[i].is("not") {
			i++
		}
		if i < len(tokens) && tokens[i].is("materialized") {
			i++
		}
		if i >= len(tokens) || !tokens[i].isPunct('(') {
			break
		}
		i = skipParens(tokens, i)

		if i < len(tokens) && tokens[i].isPunct(',') {
			i++
			continue
		}
		break
	}
	return names, i
}

// exprCallsWithFrom lists functions whose call syntax contains a FROM
// keyword that does not introduce a table.
var exprCallsWithFrom = map[string]bool{
	"extract":   true,
	"substring": true,
	"trim":      true,
	"position":  true,
	"overlay":   true,
}

// refStopWords are keywords that terminate a table-reference position.
// Quoted identifiers are never stop words.
var refStopWords = map[string]bool{
	"select": true, "where": true, "set": true, "values": true, "value": true,
	"group": true, "order": true, "by": true, "having": true, "limit": true,
	"offset": true, "fetch": true, "union": true, "intersect": true,
	"except": true, "on": true, "using": true, "join": true, "inner": true,
	"left": true, "right": true, "full": true, "cross": true, "natural": true,
	"as": true, "and": true, "or": true, "not": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "distinct": true,
	"all": true, "returning": true, "with": true, "for": true,
	"outfile": true, "dumpfile": true, "dual": true,
}

// extractTables walks the token stream for table references after FROM,
// JOIN, INTO, UPDATE, USING, TABLE and TRUNCATE. Returns the qualified
// table list, whether any reference was bare, and whether a write-carrying
// keyword fired (INTO, UPDATE, DELETE, MERGE, TABLE, TRUNCATE).
func extractTables(tokens []sqlToken, ctes map[string]bool, defaultSchema string) ([]string, bool, bool) {
	var tables []string
	seen := make(map[string]bool)
	hasBare := false
	sawWrite := false

	record := func(ref string, qualified bool) {
		if !qualified && ctes[strings.ToLower(ref)] {
			return
		}
		name := ref
		if !qualified {
			hasBare = true
			if defaultSchema != "" {
				name = defaultSchema + "." + name
			}
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		tables = append(tables, name)
	}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if tok.punct || tok.quoted {
			i++
			continue
		}

		// EXTRACT(YEAR FROM ts) and friends: the FROM inside the call
		// parentheses is not a table introducer.
		if exprCallsWithFrom[tok.lower] && i+1 < len(tokens) && tokens[i+1].isPunct('(') {
			i = skipParens(tokens, i+1)
			continue
		}

		var trigger string
		switch tok.lower {
		case "from", "join", "into", "update", "using", "table", "truncate":
			trigger = tok.lower
		case "delete", "merge":
			// Writable CTEs hide these inside a statement whose leading
			// keyword is SELECT. Their tables surface through FROM/INTO;
			// here they only mark the statement as writing.
			sawWrite = true
			i++
			continue
		default:
			i++
			continue
		}

		switch trigger {
		case "update":
			// ON DUPLICATE KEY UPDATE, ON CONFLICT DO UPDATE and FOR
			// UPDATE operate on columns or locks, not tables.
			if i > 0 {
				prev := tokens[i-1]
				if prev.is("key") || prev.is("do") || prev.is("for") {
					i++
					continue
				}
			}
			sawWrite = true
		case "truncate":
			sawWrite = true
			// TRUNCATE TABLE x reaches the ref through the TABLE trigger.
			if i+1 < len(tokens) && tokens[i+1].is("table") {
				i++
				continue
			}
		case "into", "table":
			sawWrite = true
		}

		i++ // past the trigger keyword
		multi := trigger == "from" || trigger == "update" || trigger == "using" ||
			trigger == "table" || trigger == "truncate"
		fromLike := trigger == "from" || trigger == "join" || trigger == "using"

		for {
			i = skipRefNoise(tokens, i)
			ref, qualified, next := collectRef(tokens, i)
			i = next
			if ref == "" {
				break
			}
			// In FROM position a name followed by ( is a table function
			// call, not a table.
			if fromLike && i < len(tokens) && tokens[i].isPunct('(') {
				if !multi {
					break
				}
			} else {
				record(ref, qualified)
			}
			if !multi {
				break
			}
			i = skipAlias(tokens, i)
			if i < len(tokens) && tokens[i].isPunct(',') {
				i++
				continue
			}
			break
		}
	}

	return tables, hasBare, sawWrite
}

// skipRefNoise advances past modifiers that may precede a table reference
// (ONLY, LATERAL, IF [NOT] EXISTS).
func skipRefNoise(tokens []sqlToken, i int) int {
	for i < len(tokens) {
		t := tokens[i]
		if t.quoted || t.punct {
			return i
		}
		switch t.lower {
		case "only", "lateral", "if", "exists":
			i++
		case "not":
			// Part of IF NOT EXISTS only; NOT anywhere else stops the ref.
			if i > 0 && tokens[i-1].is("if") {
				i++
				continue
			}
			return i
		default:
			return i
		}
	}
	return i
}

// collectRef reads one dotted identifier chain. Returns the joined name,
// whether it was qualified (a dotted chain, or a quoted name that embeds
// dots the way BigQuery backtick paths do), and the index after it.
func collectRef(tokens []sqlToken, i int) (string, bool, int) {
	if i >= len(tokens) || !tokens[i].identLike() {
		return "", false, i
	}
	first := tokens[i]
	if !first.quoted && refStopWords[first.lower] {
		return "", false, i
	}

	parts := []string{first.text}
	i++
	for i+1 < len(tokens) && tokens[i].isPunct('.') && tokens[i+1].identLike() {
		parts = append(parts, tokens[i+1].text)
		i += 2
	}

	qualified := len(parts) > 1 || (first.quoted && strings.ContainsRune(first.text, '.'))
	return strings.Join(parts, "."), qualified, i
}

// skipAlias advances past an optional alias so that a following comma in
// a FROM list stays visible.
func skipAlias(tokens []sqlToken, i int) int {
	if i < len(tokens) && tokens[i].is("as") {
		i++
		if i < len(tokens) && tokens[i].identLike() {
			i++
		}
		return i
	}
	if i < len(tokens) && tokens[i].identLike() {
		t := tokens[i]
		if t.quoted || !refStopWords[t.lower] {
			return i + 1
		}
	}
	return i
}

// skipParens advances from an opening parenthesis to just past its match.
func skipParens(tokens []sqlToken, i int) int {
	depth := 0
	for ; i < len(tokens); i++ {
		switch {
		case tokens[i].isPunct('('):
			depth++
		case tokens[i].isPunct(')'):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func skipLine(sql string, i int) int {
	if j := strings.IndexByte(sql[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(sql)
}

// skipBlockComment handles nesting, which Postgres permits.
func skipBlockComment(sql string, i int) (int, bool) {
	n := len(sql)
	depth := 1
	i += 2
	for i < n {
		if i+1 < n && sql[i] == '/' && sql[i+1] == '*' {
			depth++
			i += 2
			continue
		}
		if i+1 < n && sql[i] == '*' && sql[i+1] == '/' {
			depth--
			i += 2
			if depth == 0 {
				return i, true
			}
			continue
		}
		i++
	}
	return 0, false
}

// skipStringLiteral handles '' doubling and backslash escapes.
func skipStringLiteral(sql string, i int) (int, bool) {
	n := len(sql)
	for j := i + 1; j < n; j++ {
		switch sql[j] {
		case '\\':
			j++
		case '\'':
			if j+1 < n && sql[j+1] == '\'' {
				j++
				continue
			}
			return j + 1, true
		}
	}
	return 0, false
}

// scanQuotedIdent reads a "..." or `...` identifier with doubled-quote
// escaping, returning the unwrapped text.
func scanQuotedIdent(sql string, i int, quote byte) (string, int, bool) {
	var b strings.Builder
	n := len(sql)
	for j := i + 1; j < n; j++ {
		if sql[j] != quote {
			b.WriteByte(sql[j])
			continue
		}
		if j+1 < n && sql[j+1] == quote {
			b.WriteByte(quote)
			j++
			continue
		}
		return b.String(), j + 1, true
	}
	return "", 0, false
}

// isDollarQuote reports whether sql[i] opens a $tag$ string rather than a
// positional parameter like $1.
func isDollarQuote(sql string, i int) bool {
	j := i + 1
	for j < len(sql) && isTagByte(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return false
	}
	if j == i+1 {
		return true // $$
	}
	c := sql[i+1]
	return c < '0' || c > '9'
}

func skipDollarString(sql string, i int) (int, bool) {
	j := i + 1
	for j < len(sql) && isTagByte(sql[j]) {
		j++
	}
	tag := sql[i : j+1]
	rest := strings.Index(sql[j+1:], tag)
	if rest < 0 {
		return 0, false
	}
	return j + 1 + rest + len(tag), true
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '$' || c >= 0x80
}

func isTagByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

// fragment returns a short excerpt of the statement starting at the given
// byte offset, for parse-error details.
func fragment(sql string, at int) string {
	f := sql[at:]
	if runes := []rune(f); len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return f
}
