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

/*
Package postgres provides the PostgreSQL driver for the gateway
connector layer.

# Overview

The connector runs governed SQL against PostgreSQL databases on behalf
of registered agents. It is created through the connector registry and
managed by the agent's connection pool; application code does not use
it directly.

# Configuration

	config := &base.ConnectorConfig{
	    Name:      "orders-db",
	    Kind:      base.KindPostgres,
	    Endpoints: []string{"db-primary:5432", "db-replica:5432"},
	    Credentials: map[string]string{
	        "username": "gateway",
	        "password": "...",
	    },
	    Database:      "orders",
	    DefaultSchema: "public",
	    Options: map[string]interface{}{
	        "sslmode":           "require", // lib/pq sslmode
	        "max_open_conns":    25,        // database/sql pool size
	        "max_idle_conns":    5,
	        "conn_max_lifetime": "5m",
	    },
	}

An endpoint that is already a postgres:// URL is used as the DSN
unchanged; otherwise the DSN is assembled from endpoint, credentials
and database.

# Thread Safety

PostgresConnector is safe for concurrent use once connected. The
underlying database/sql pool handles concurrent access.
*/
package postgres
