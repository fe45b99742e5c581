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

// Package logger provides structured JSON logging for gateway components.
//
// Every entry carries the component name, deployment instance, and the
// agent/request identifiers of the call being served, so that logs from
// the pipeline, the connector pools, and the provider manager can be
// correlated per call.
//
// Usage:
//
//	log := logger.New("pipeline")
//	log.Info(agentID, requestID, "query executed", map[string]interface{}{
//		"rows":     42,
//		"duration": "12ms",
//	})
package logger
