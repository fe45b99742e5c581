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
	"time"

	"github.com/google/uuid"

	"axonflow/gateway/audit"
	"axonflow/gateway/connectors/base"
	"axonflow/gateway/cost"
	"axonflow/gateway/llm"
	"axonflow/gateway/shared/logger"
)

// Call kinds accepted at the pipeline entry.
const (
	CallSQL = "sql"
	CallNL  = "nl"
)

// Request is the ingress record. Exactly one of SQL or Text is used,
// selected by Kind.
type Request struct {
	// APIKey is the presented agent credential.
	APIKey string `json:"api_key"`

	// Kind is "sql" or "nl".
	Kind string `json:"call_kind"`

	// SQL carries the statement for sql calls.
	SQL string `json:"sql_text,omitempty"`

	// Text carries the natural-language request for nl calls.
	Text string `json:"nl_text,omitempty"`

	// Params are positional statement parameters (sql calls only).
	Params []interface{} `json:"params,omitempty"`

	// AsDict selects row maps (true) or positional values (false).
	AsDict bool `json:"as_dict"`

	// DeadlineMS bounds execution; zero means the gateway default.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// Response is the ingress result: exactly one of Result or Error is set.
type Response struct {
	RequestID string            `json:"request_id"`
	Result    *base.QueryResult `json:"result,omitempty"`
	Error     *ErrorReport      `json:"error,omitempty"`
}

// PipelineOptions wires a Pipeline.
type PipelineOptions struct {
	Registry    *Registry
	Permissions PermissionStore
	Pools       *PoolManager
	Translator  *Translator
	Rules       *RuleScreen
	Limiter     AgentLimiter
	Audit       audit.Logger
	Costs       *cost.Tracker
	DeadLetters DeadLetterSink

	// DefaultDeadline bounds execution when the request carries none.
	DefaultDeadline time.Duration

	// MaxDeadline caps request-provided deadlines. Zero means no cap.
	MaxDeadline time.Duration

	Logger *logger.Logger
}

// Pipeline runs one call through the fixed stage order: authenticate,
// intake, parse, permit, execute, audit, cost. Audit and cost records
// are written before the response returns, on success and on failure;
// only an authentication failure skips cost.
type Pipeline struct {
	registry    *Registry
	permissions PermissionStore
	pools       *PoolManager
	translator  *Translator
	rules       *RuleScreen
	limiter     AgentLimiter
	audit       audit.Logger
	costs       *cost.Tracker
	deadLetters DeadLetterSink

	defaultDeadline time.Duration
	maxDeadline     time.Duration
	log             *logger.Logger
}

// NewPipeline validates required collaborators and builds the pipeline.
// Translator, rules, limiter, audit, cost, and dead letters are all
// optional; a missing collaborator disables its stage rather than the
// gateway.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Registry == nil || opts.Permissions == nil || opts.Pools == nil {
		return nil, NewConfigError("pipeline requires a registry, a permission store, and a pool manager")
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("pipeline")
	}
	RegisterMetrics()
	return &Pipeline{
		registry:        opts.Registry,
		permissions:     opts.Permissions,
		pools:           opts.Pools,
		translator:      opts.Translator,
		rules:           opts.Rules,
		limiter:         opts.Limiter,
		audit:           opts.Audit,
		costs:           opts.Costs,
		deadLetters:     opts.DeadLetters,
		defaultDeadline: opts.DefaultDeadline,
		maxDeadline:     opts.MaxDeadline,
		log:             opts.Logger,
	}, nil
}

// callState threads one call through the stages. Fields are written by
// the stage that produces them and read-only afterwards.
type callState struct {
	requestID string
	agentID   string
	kind      string
	started   time.Time

	driverKind    string
	defaultSchema string

	// statement is what executes: the caller's SQL or the generated one.
	statement    string
	generatedSQL string

	provider string
	model    string
	usage    llm.UsageStats

	inspection   *Inspection
	schemaTables []string
	executionMS  int64
	conn         *PooledConn
}

// Do runs one call end to end. It never returns a Go error; every
// failure is rendered into the response's ErrorReport.
func (p *Pipeline) Do(ctx context.Context, req *Request) *Response {
	call := &callState{
		requestID: uuid.NewString(),
		kind:      req.Kind,
		started:   time.Now(),
	}

	// Stage 1: authenticate. Failures audit an auth_failed event with no
	// agent attribution and skip cost.
	agent, err := p.registry.Authenticate(ctx, req.APIKey)
	if err != nil {
		e := Classify(err)
		p.auditAuthFailure(call, e)
		return p.fail(call, e)
	}
	call.agentID = agent.AgentID

	result, e := p.run(ctx, req, call)
	if call.conn != nil {
		fatal := e != nil && e.Kind == KindConnect
		p.pools.Release(call.conn, fatal)
		call.conn = nil
	}

	if e != nil {
		e = p.deadLetter(call, e)
		p.finish(call, nil, e)
		return p.fail(call, e)
	}

	result.GeneratedSQL = call.generatedSQL
	result.TablesTouched = call.inspection.Tables
	p.finish(call, result, nil)

	observeCall(call.kind, string(audit.StatusOK), float64(time.Since(call.started).Milliseconds()))
	return &Response{RequestID: call.requestID, Result: result}
}

// run covers stages 2–5. The caller owns releasing call.conn and the
// audit/cost stages.
func (p *Pipeline) run(ctx context.Context, req *Request, call *callState) (*base.QueryResult, *Error) {
	if req.Kind != CallSQL && req.Kind != CallNL {
		e := NewConfigError("call_kind must be \"sql\" or \"nl\"")
		return nil, e
	}

	// Intake: per-agent request rate screen.
	if p.limiter != nil {
		if err := p.limiter.Allow(ctx, call.agentID); err != nil {
			return nil, Classify(err)
		}
	}

	binding, err := p.registry.Binding(ctx, call.agentID)
	if err != nil {
		return nil, Classify(err)
	}
	call.driverKind = binding.DriverKind
	call.defaultSchema = binding.DefaultSchema

	// Intake: resolve the executable statement.
	switch req.Kind {
	case CallSQL:
		call.statement = req.SQL
		if p.rules != nil {
			if e := p.rules.Screen(call.agentID, call.statement); e != nil {
				return nil, e
			}
		}
	case CallNL:
		if e := p.translate(ctx, req, call); e != nil {
			return nil, e
		}
	}

	// Parse.
	insp, err := p.inspect(call)
	if err != nil {
		e := Classify(err)
		e.GeneratedSQL = call.generatedSQL
		return nil, e
	}
	call.inspection = insp

	// Permit.
	required, err := insp.StatementKind.RequiredCapability()
	if err != nil {
		e := Classify(err)
		e.GeneratedSQL = call.generatedSQL
		return nil, e
	}
	resourceKind := ResourceKindForDriver(call.driverKind)
	checks := make([]ResourceCheck, 0, len(insp.Tables))
	for _, table := range insp.Tables {
		checks = append(checks, ResourceCheck{ResourceID: table, Capability: required})
	}
	decision, err := p.permissions.CheckBatch(ctx, call.agentID, resourceKind, checks)
	if err != nil {
		return nil, Classify(err)
	}
	if !decision.AllAllowed() {
		e := NewPermissionDenied(decision.Denied)
		e.GeneratedSQL = call.generatedSQL
		return nil, e
	}

	// Execute. A caller that has already cancelled gets no DB work.
	if ctx.Err() != nil {
		e := Classify(ctx.Err())
		e.GeneratedSQL = call.generatedSQL
		return nil, e
	}
	if call.conn == nil {
		conn, err := p.pools.Acquire(ctx, call.agentID)
		if err != nil {
			return nil, Classify(err)
		}
		call.conn = conn
	}

	query := &base.Query{
		Statement: call.statement,
		Args:      req.Params,
		AsDict:    req.AsDict,
	}
	write := insp.StatementKind != StatementSelect
	result, err := call.conn.Do(ctx, query, p.deadline(req), write)
	if err != nil {
		e := ClassifyWithSchema(err, call.schemaTables)
		e.GeneratedSQL = call.generatedSQL
		p.log.ErrorWithStage(call.agentID, call.requestID, "execute", "statement failed", map[string]interface{}{
			"kind":   string(e.Kind),
			"driver": call.driverKind,
		})
		return nil, e
	}
	call.executionMS = result.ExecutionMS
	return result, nil
}

// translate runs the NL→SQL stage. The pooled connection acquired here
// for the schema snapshot is kept for execution.
func (p *Pipeline) translate(ctx context.Context, req *Request, call *callState) *Error {
	if p.translator == nil {
		return NewConfigError("natural-language calls are not enabled on this gateway")
	}

	conn, err := p.pools.Acquire(ctx, call.agentID)
	if err != nil {
		return Classify(err)
	}
	call.conn = conn

	schema, err := conn.Conn().DescribeSchema(ctx)
	if err != nil {
		return ClassifyWithSchema(err, nil)
	}
	call.schemaTables = schema.TableNames()

	translation, err := p.translator.Translate(ctx, TranslateRequest{
		AgentID:       call.agentID,
		RequestID:     call.requestID,
		Text:          req.Text,
		DriverKind:    call.driverKind,
		DefaultSchema: call.defaultSchema,
		Schema:        schema,
	})
	if err != nil {
		return Classify(err)
	}

	call.statement = translation.SQL
	call.generatedSQL = translation.SQL
	call.provider = translation.Provider
	call.model = translation.Model
	call.usage = translation.Usage
	return nil
}

func (p *Pipeline) inspect(call *callState) (*Inspection, error) {
	if call.driverKind == base.KindMongo {
		return InspectDocument(call.statement)
	}
	return Inspect(call.statement, call.driverKind, call.defaultSchema)
}

func (p *Pipeline) deadline(req *Request) time.Duration {
	d := p.defaultDeadline
	if req.DeadlineMS > 0 {
		d = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	if p.maxDeadline > 0 && d > p.maxDeadline {
		d = p.maxDeadline
	}
	return d
}

// deadLetter writes terminal execute and provider failures to the sink
// and stamps the reference into the error.
func (p *Pipeline) deadLetter(call *callState, e *Error) *Error {
	if p.deadLetters == nil {
		return e
	}
	if e.Kind != KindExecute && e.Kind != KindProviderUnavailable {
		return e
	}
	ref, err := p.deadLetters.Write(context.Background(), &DeadLetter{
		Timestamp: time.Now().UTC(),
		AgentID:   call.agentID,
		RequestID: call.requestID,
		Kind:      e.Kind,
		Statement: call.statement,
		Message:   e.Message,
	})
	if err != nil {
		p.log.Warn(call.agentID, call.requestID, "dead-letter write failed", map[string]interface{}{
			"error": err.Error(),
		})
		return e
	}
	e.DeadLetterRef = ref
	return e
}

// sinkTimeout bounds audit and cost writes for a finished call. The
// caller's context may already be cancelled; the records still land.
const sinkTimeout = 5 * time.Second

// finish runs the audit and cost stages. Both are written before the
// response returns to the caller.
func (p *Pipeline) finish(call *callState, result *base.QueryResult, e *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	status := audit.StatusOK
	if e != nil {
		status = statusForKind(e.Kind)
	}

	if p.audit != nil {
		event := p.buildEvent(call, result, e, status)
		if err := p.audit.Append(ctx, event); err != nil {
			p.log.Error(call.agentID, call.requestID, "audit append failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if p.costs != nil {
		record := p.buildCost(call)
		if err := p.costs.Record(ctx, record); err != nil {
			p.log.Error(call.agentID, call.requestID, "cost record failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (p *Pipeline) buildEvent(call *callState, result *base.QueryResult, e *Error, status audit.Status) *audit.Event {
	action := audit.ActionSQLQuery
	if call.kind == CallNL {
		action = audit.ActionNLQuery
	}
	event := audit.NewEvent(call.agentID, action, status).
		WithSubject(screenSnippet(call.statement)).
		WithDetail("request_id", call.requestID)

	if call.inspection != nil {
		event.WithDetail("statement_kind", string(call.inspection.StatementKind)).
			WithDetail("tables_touched", call.inspection.Tables)
	}
	if call.generatedSQL != "" {
		event.WithDetail("generated_sql", call.generatedSQL)
	}
	if call.provider != "" {
		event.WithDetail("provider", call.provider)
	}
	if result != nil {
		event.WithDetail("row_count", result.RowCount).
			WithDetail("execution_ms", result.ExecutionMS)
	}
	if e != nil {
		event.WithDetail("error_kind", string(e.Kind))
		if len(e.DeniedResources) > 0 {
			event.WithDetail("denied_resources", e.DeniedResources)
		}
	}
	return event
}

func (p *Pipeline) buildCost(call *callState) *cost.Record {
	operation := cost.OpSQLQuery
	if call.kind == CallNL {
		operation = cost.OpNLQuery
	}
	record := cost.NewRecord(call.requestID, call.agentID, operation)
	record.CostUSD = p.costs.PriceExecution(call.executionMS)
	if call.provider != "" {
		record.ProviderID = call.provider
		record.Model = call.model
		record.PromptTokens = call.usage.PromptTokens
		record.CompletionTokens = call.usage.CompletionTokens
		record.CostUSD += p.costs.PriceTokens(call.provider, call.model,
			call.usage.PromptTokens, call.usage.CompletionTokens)
	}
	return record
}

// auditAuthFailure records a failed authentication. No agent is
// attributed and no cost record is written.
func (p *Pipeline) auditAuthFailure(call *callState, e *Error) {
	if p.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	event := audit.NewEvent("", audit.ActionAuthFailed, audit.StatusError).
		WithDetail("request_id", call.requestID).
		WithDetail("error_kind", string(e.Kind))
	if err := p.audit.Append(ctx, event); err != nil {
		p.log.Error("", call.requestID, "audit append failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (p *Pipeline) fail(call *callState, e *Error) *Response {
	status := statusForKind(e.Kind)
	observeCall(call.kind, string(status), float64(time.Since(call.started).Milliseconds()))
	observeError(e.Kind)
	return &Response{RequestID: call.requestID, Error: e.Report()}
}

// statusForKind maps the error taxonomy onto audit statuses: permission
// denials are denied, policy violations are blocked, everything else is
// an error.
func statusForKind(kind ErrorKind) audit.Status {
	switch kind {
	case KindPermissionDenied:
		return audit.StatusDenied
	case KindBlocked:
		return audit.StatusBlocked
	default:
		return audit.StatusError
	}
}
