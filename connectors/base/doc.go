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

// Package base defines the driver contract for the gateway.
//
// A Connector wraps one database client library behind a uniform
// interface: connect, ping, query, execute, describe schema, close.
// Built-in drivers cover PostgreSQL, MySQL, MongoDB, BigQuery, and
// Snowflake; additional drivers register through the factory registry
// under the "plugin:" namespace.
//
// SQL drivers receive statements as SQL text with positional Args.
// Document drivers receive a DocumentQuery encoded as JSON, which also
// supplies the collection names the permission layer checks.
//
// Results come back in a single QueryResult shape regardless of driver:
// ordered columns, rows either as maps or positional values, the row
// count, and the driver-side execution time. The pipeline decorates the
// result with the generated SQL (for natural-language calls) and the
// set of tables touched.
package base
