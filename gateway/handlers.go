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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"axonflow/gateway/audit"
	"axonflow/gateway/cost"
	"axonflow/gateway/llm"
)

func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
	}, statusCode)
}

// writeGatewayError renders a pipeline-style error through the taxonomy
// status mapping.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if errors.Is(err, ErrConflict) {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	e := Classify(err)
	writeJSONResponse(w, map[string]interface{}{"error": e.Report()}, httpStatusFor(e.Kind))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"service":   "axonflow-gateway",
		"timestamp": time.Now().UTC(),
	}
	if s.opts.Pools != nil {
		stats := s.opts.Pools.Stats()
		body["pools"] = stats
		ObservePoolStats(stats)
	}
	writeJSONResponse(w, body, http.StatusOK)
}

// queryHandler is the ingress contract: decode the request record, run
// the pipeline, encode the result or the error report.
func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		writeJSONError(w, "X-API-Key header required", http.StatusUnauthorized)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.APIKey = apiKey

	resp := s.opts.Pipeline.Do(r.Context(), &req)
	if resp.Error != nil {
		if resp.Error.RetryAfterMS > 0 {
			seconds := (resp.Error.RetryAfterMS + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		writeJSONResponse(w, resp, httpStatusFor(resp.Error.Kind))
		return
	}
	writeJSONResponse(w, resp, http.StatusOK)
}

// --- agents ---

func (s *Server) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	agents, err := s.opts.Registry.List(r.Context())
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"agents": agents}, http.StatusOK)
}

func (s *Server) registerAgentHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.opts.Registry.Register(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, result, http.StatusCreated)
}

func (s *Server) getAgentHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := s.opts.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, agent, http.StatusOK)
}

func (s *Server) revokeAgentHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	if err := s.opts.Registry.Revoke(r.Context(), agentID); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": agentID, "status": "revoked"}, http.StatusOK)
}

func (s *Server) rotateKeyHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	apiKey, err := s.opts.Registry.RotateKey(r.Context(), agentID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": agentID, "api_key": apiKey}, http.StatusOK)
}

func (s *Server) updateDatabaseHandler(w http.ResponseWriter, r *http.Request) {
	var db DatabaseConfig
	if err := json.NewDecoder(r.Body).Decode(&db); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	agentID := mux.Vars(r)["id"]
	if err := s.opts.Registry.UpdateDatabase(r.Context(), agentID, &db); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": agentID, "status": "updated"}, http.StatusOK)
}

// --- permissions ---

type permissionRequest struct {
	ResourceKind string   `json:"resource_kind"`
	ResourceID   string   `json:"resource_id"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) listPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	perms, err := s.opts.Permissions.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"permissions": perms}, http.StatusOK)
}

func (s *Server) setPermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	caps := make([]Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, Capability(c))
	}
	agentID := mux.Vars(r)["id"]
	err := s.opts.Permissions.Set(r.Context(), agentID, ResourceKind(req.ResourceKind), req.ResourceID, caps)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if s.opts.Audit != nil {
		event := audit.NewEvent(agentID, audit.ActionPermissionSet, audit.StatusOK).
			WithSubject(req.ResourceID).
			WithDetail("capabilities", req.Capabilities)
		_ = s.opts.Audit.Append(r.Context(), event)
	}
	writeJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) revokePermissionHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	kind := r.URL.Query().Get("resource_kind")
	resource := r.URL.Query().Get("resource_id")
	if resource == "" {
		writeJSONError(w, "resource_id query parameter required", http.StatusBadRequest)
		return
	}
	if err := s.opts.Permissions.Revoke(r.Context(), agentID, ResourceKind(kind), resource); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"status": "revoked"}, http.StatusOK)
}

func (s *Server) resetRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	if err := s.opts.Limiter.Reset(r.Context(), agentID); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": agentID, "status": "reset"}, http.StatusOK)
}

// --- providers ---

func (s *Server) listProvidersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"providers": s.opts.Providers.List()}, http.StatusOK)
}

func (s *Server) registerProviderHandler(w http.ResponseWriter, r *http.Request) {
	var spec llm.ProviderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Providers.Register(r.Context(), spec); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"provider_id": spec.ID, "status": "registered"}, http.StatusCreated)
}

func (s *Server) updateProviderHandler(w http.ResponseWriter, r *http.Request) {
	var spec llm.ProviderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	spec.ID = mux.Vars(r)["id"]
	if err := s.opts.Providers.Update(r.Context(), spec); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]string{"provider_id": spec.ID, "status": "updated"}, http.StatusOK)
}

func (s *Server) removeProviderHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Providers.Remove(id); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, map[string]string{"provider_id": id, "status": "removed"}, http.StatusOK)
}

func (s *Server) providerHistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := s.opts.Providers.History(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"history": history}, http.StatusOK)
}

func (s *Server) rollbackProviderHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.opts.Providers.Rollback(r.Context(), id, req.Version); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"provider_id": id,
		"version":     req.Version,
		"status":      "rolled_back",
	}, http.StatusOK)
}

// --- failover groups ---

func (s *Server) listGroupsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"groups": s.opts.Providers.GroupStatuses()}, http.StatusOK)
}

func (s *Server) setGroupHandler(w http.ResponseWriter, r *http.Request) {
	var spec llm.GroupSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	spec.AgentID = mux.Vars(r)["agent_id"]
	if err := s.opts.Providers.RegisterGroup(spec); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": spec.AgentID, "status": "ok"}, http.StatusOK)
}

func (s *Server) removeGroupHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if err := s.opts.Providers.RemoveGroup(agentID); err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, map[string]string{"agent_id": agentID, "status": "removed"}, http.StatusOK)
}

// --- audit and cost ---

func (s *Server) searchAuditHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		AgentID: q.Get("agent_id"),
		Action:  q.Get("action"),
		Status:  audit.Status(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "from must be RFC 3339", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "to must be RFC 3339", http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	filter.Limit = intParam(q.Get("limit"), 100)

	events, err := s.opts.Audit.Search(r.Context(), filter)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"events": events}, http.StatusOK)
}

func (s *Server) aggregateCostsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := cost.Period(q.Get("period"))
	switch period {
	case "":
		period = cost.PeriodMonthly
	case cost.PeriodDaily, cost.PeriodMonthly, cost.PeriodAll:
	default:
		writeJSONError(w, fmt.Sprintf("period %q is not recognized (daily, monthly, all)", period), http.StatusBadRequest)
		return
	}

	agg, err := s.opts.Costs.Aggregate(r.Context(), period, q.Get("agent_id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, agg, http.StatusOK)
}

func (s *Server) streamCostsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := strconv.ParseInt(q.Get("cursor"), 10, 64)
	if err != nil && q.Get("cursor") != "" {
		writeJSONError(w, "cursor must be an integer", http.StatusBadRequest)
		return
	}

	records, next, err := s.opts.Costs.StreamSince(r.Context(), cursor, intParam(q.Get("limit"), 500))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"records":     records,
		"next_cursor": next,
	}, http.StatusOK)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
