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
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/llm"
	"axonflow/gateway/vault"
)

// Classify maps any subsystem error into the closed taxonomy. Errors that
// are already gateway errors pass through unchanged; unknown errors
// collapse to internal.
func Classify(err error) *Error {
	return ClassifyWithSchema(err, nil)
}

// ClassifyWithSchema is Classify with the bound schema's table names
// available, so undefined-table driver errors can carry name-similarity
// suggestions.
func ClassifyWithSchema(err error, schemaTables []string) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "execution deadline exceeded", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Message: "request cancelled by caller", Cause: err}
	}

	var verr *vault.ConfigError
	if errors.As(err, &verr) {
		return &Error{Kind: KindConfig, Message: verr.Error(), Cause: err}
	}

	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return classifyProviderError(perr)
	}

	var cerr *base.ConnectorError
	if errors.As(err, &cerr) {
		return classifyConnectorError(cerr, schemaTables)
	}

	return NewInternalError(err)
}

func classifyProviderError(perr *llm.ProviderError) *Error {
	if perr.StatusCode == 429 || perr.Code == llm.ErrCodeRateLimit {
		e := NewRateLimited("provider", perr.RetryAfter)
		e.Cause = perr
		return e
	}
	if perr.Code == llm.ErrCodeBlocked {
		e := NewBlockedError(perr.Message)
		e.Cause = perr
		return e
	}
	return NewProviderUnavailable(perr.Provider, perr)
}

func classifyConnectorError(cerr *base.ConnectorError, schemaTables []string) *Error {
	if cerr.Transient || cerr.Op == "connect" || cerr.Op == "ping" {
		return NewConnectError(cerr.Error(), cerr)
	}
	if classified := classifyDriverCause(cerr, schemaTables); classified != nil {
		return classified
	}
	return NewExecuteError("database", cerr.Error(), cerr)
}

// classifyDriverCause digs into driver-native error values for a finer
// verdict. Returns nil when the cause is not recognizably driver-specific.
func classifyDriverCause(cerr *base.ConnectorError, schemaTables []string) *Error {
	var pqErr *pq.Error
	if errors.As(cerr.Cause, &pqErr) {
		return classifyPostgresError(cerr, pqErr, schemaTables)
	}

	var myErr *mysql.MySQLError
	if errors.As(cerr.Cause, &myErr) {
		return classifyMySQLError(cerr, myErr, schemaTables)
	}

	return classifyMongoError(cerr, schemaTables)
}

var pqUndefinedRelation = regexp.MustCompile(`relation "([^"]+)" does not exist`)

func classifyPostgresError(cerr *base.ConnectorError, pqErr *pq.Error, schemaTables []string) *Error {
	switch {
	case pqErr.Code == "42P01": // undefined_table
		table := pqErr.Table
		if table == "" {
			if m := pqUndefinedRelation.FindStringSubmatch(pqErr.Message); m != nil {
				table = m[1]
			}
		}
		e := NewSchemaUnknown(table, suggestNames(table, schemaTables))
		e.Cause = cerr
		return e
	case pqErr.Code == "42703": // undefined_column
		return NewExecuteError("undefined_column", pqErr.Message, cerr)
	case pqErr.Code == "57014": // query_canceled, statement_timeout
		return &Error{Kind: KindTimeout, Message: pqErr.Message, Cause: cerr}
	case pqErr.Code.Class() == "42":
		return NewExecuteError("syntax", pqErr.Message, cerr)
	case pqErr.Code.Class() == "23":
		return NewExecuteError("constraint", pqErr.Message, cerr)
	case pqErr.Code.Class() == "53":
		return NewExecuteError("unavailable", pqErr.Message, cerr)
	case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "28":
		return NewConnectError(pqErr.Message, cerr)
	default:
		return NewExecuteError("database", pqErr.Message, cerr)
	}
}

var mysqlMissingTable = regexp.MustCompile(`Table '([^']+)' doesn't exist`)

func classifyMySQLError(cerr *base.ConnectorError, myErr *mysql.MySQLError, schemaTables []string) *Error {
	switch myErr.Number {
	case 1146: // ER_NO_SUCH_TABLE
		table := ""
		if m := mysqlMissingTable.FindStringSubmatch(myErr.Message); m != nil {
			table = m[1]
			// Messages qualify as db.table; suggestions match on the bare name.
			if i := strings.LastIndexByte(table, '.'); i >= 0 {
				table = table[i+1:]
			}
		}
		e := NewSchemaUnknown(table, suggestNames(table, schemaTables))
		e.Cause = cerr
		return e
	case 1064: // ER_PARSE_ERROR
		return NewExecuteError("syntax", myErr.Message, cerr)
	case 1054: // ER_BAD_FIELD_ERROR
		return NewExecuteError("undefined_column", myErr.Message, cerr)
	case 1062, 1451, 1452: // duplicate key, FK violations
		return NewExecuteError("constraint", myErr.Message, cerr)
	case 1317: // ER_QUERY_INTERRUPTED
		return &Error{Kind: KindTimeout, Message: myErr.Message, Cause: cerr}
	case 1044, 1045: // access denied
		return NewConnectError(myErr.Message, cerr)
	default:
		return NewExecuteError("database", myErr.Message, cerr)
	}
}

func classifyMongoError(cerr *base.ConnectorError, schemaTables []string) *Error {
	cause := cerr.Cause
	if cause == nil {
		return nil
	}

	switch {
	case mongo.IsDuplicateKeyError(cause):
		return NewExecuteError("constraint", cause.Error(), cerr)
	case mongo.IsTimeout(cause):
		return &Error{Kind: KindTimeout, Message: cause.Error(), Cause: cerr}
	case mongo.IsNetworkError(cause):
		return NewConnectError(cause.Error(), cerr)
	}

	var cmdErr mongo.CommandError
	if errors.As(cause, &cmdErr) {
		if cmdErr.Code == 26 { // NamespaceNotFound
			e := NewSchemaUnknown("", suggestNames("", schemaTables))
			e.Message = cmdErr.Message
			e.Cause = cerr
			return e
		}
		return NewExecuteError("database", cmdErr.Message, cerr)
	}

	return nil
}

// suggestNames returns up to three candidates whose edit distance from the
// target is at most two, or that share a prefix with it. Comparison is on
// bare table names, case-insensitive.
func suggestNames(target string, known []string) []string {
	bare := strings.ToLower(bareName(target))
	if bare == "" || len(known) == 0 {
		return nil
	}

	type candidate struct {
		name     string
		distance int
	}
	var candidates []candidate

	seen := make(map[string]bool)
	for _, name := range known {
		candBare := strings.ToLower(bareName(name))
		if candBare == bare || seen[name] {
			continue
		}

		distance := levenshtein(bare, candBare)
		sharedPrefix := len(bare) >= 3 &&
			(strings.HasPrefix(candBare, bare) || strings.HasPrefix(bare, candBare))
		if distance <= 2 || sharedPrefix {
			seen[name] = true
			candidates = append(candidates, candidate{name: name, distance: distance})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].name < candidates[j].name
	})

	suggestions := make([]string, 0, 3)
	for _, c := range candidates {
		suggestions = append(suggestions, c.name)
		if len(suggestions) == 3 {
			break
		}
	}
	return suggestions
}

func bareName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// levenshtein computes edit distance with the classic two-row dynamic
// program. Inputs here are table names, so no allocation concerns.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
