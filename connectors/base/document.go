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

package base

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DocumentQuery is the structured statement format for document stores.
// Document drivers receive Query.Statement as a JSON object of this
// shape instead of SQL text. Collection names for permission checks are
// taken from here, not parsed out of SQL.
type DocumentQuery struct {
	Collection string                   `json:"collection"`
	Operation  string                   `json:"operation"` // find, aggregate, insert, update, delete
	Filter     map[string]interface{}   `json:"filter,omitempty"`
	Projection map[string]interface{}   `json:"projection,omitempty"`
	Sort       map[string]interface{}   `json:"sort,omitempty"`
	Update     map[string]interface{}   `json:"update,omitempty"`
	Documents  []map[string]interface{} `json:"documents,omitempty"`
	Pipeline   []map[string]interface{} `json:"pipeline,omitempty"`
	Limit      int                      `json:"limit,omitempty"`
}

// Document operations.
const (
	DocOpFind      = "find"
	DocOpAggregate = "aggregate"
	DocOpInsert    = "insert"
	DocOpUpdate    = "update"
	DocOpDelete    = "delete"
)

// ParseDocumentQuery decodes a document-store statement. Unknown fields
// are rejected so that typos surface as parse failures rather than
// silently ignored filters.
func ParseDocumentQuery(statement string) (*DocumentQuery, error) {
	dec := json.NewDecoder(strings.NewReader(statement))
	dec.DisallowUnknownFields()

	var q DocumentQuery
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("invalid document query: %w", err)
	}

	if q.Collection == "" {
		return nil, fmt.Errorf("document query missing collection")
	}

	if q.Operation == "" {
		q.Operation = DocOpFind
	}

	switch q.Operation {
	case DocOpFind, DocOpAggregate, DocOpInsert, DocOpUpdate, DocOpDelete:
	default:
		return nil, fmt.Errorf("unknown document operation %q", q.Operation)
	}

	return &q, nil
}

// IsWrite reports whether the operation mutates data.
func (q *DocumentQuery) IsWrite() bool {
	switch q.Operation {
	case DocOpInsert, DocOpUpdate, DocOpDelete:
		return true
	}
	return false
}

// Collections returns every collection the query touches, including
// $lookup stages inside aggregation pipelines.
func (q *DocumentQuery) Collections() []string {
	seen := map[string]bool{q.Collection: true}
	out := []string{q.Collection}

	for _, stage := range q.Pipeline {
		lookup, ok := stage["$lookup"].(map[string]interface{})
		if !ok {
			continue
		}
		from, ok := lookup["from"].(string)
		if !ok || from == "" || seen[from] {
			continue
		}
		seen[from] = true
		out = append(out, from)
	}

	return out
}
