package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"
	"querybuilder/internal/pool"
	"querybuilder/internal/query"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
)

// ─────────────────────────────────────────────────────────────
// Query Builder Service: parse → validate → optimize → execute
// ─────────────────────────────────────────────────────────────

// Stage is one step of a query's lifecycle.
type Stage string

const (
	StageReceived  Stage = "received"
	StageParsed    Stage = "parsed"
	StageValidated Stage = "validated"
	StageRejected  Stage = "rejected"
	StageOptimized Stage = "optimized"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// LifecycleEvent is the payload of EventQueryLifecycle.
type LifecycleEvent struct {
	RunID        string         `json:"runId"`
	Stage        Stage          `json:"stage"`
	ConnectionID string         `json:"connectionId"`
	Backend      domain.Backend `json:"backend,omitempty"`
	Kind         query.Kind     `json:"kind,omitempty"`
	ElapsedMS    int64          `json:"elapsedMs,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// QueryRequest names a connection and the statement to run against it.
// Exactly one of Input, Text and QueryID is set. Text is either a JSON
// structured input, a tagged raw statement or raw statement text.
type QueryRequest struct {
	ConnectionID string         `json:"connectionId"`
	Input        *query.Input   `json:"input,omitempty"`
	Text         string         `json:"query,omitempty"`
	QueryID      string         `json:"queryId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	// SkipSchema validates structure only, without introspecting the
	// connection.
	SkipSchema bool `json:"skipSchema,omitempty"`
}

// BuildResult is a statement ready to run.
type BuildResult struct {
	Statement            string   `json:"statement"`
	Warnings             []string `json:"warnings,omitempty"`
	AppliedOptimizations []string `json:"appliedOptimizations,omitempty"`
}

// ExecutionResult is what an executed statement returned.
type ExecutionResult struct {
	Statement     string           `json:"statement"`
	Fields        []dbclient.Field `json:"fields,omitempty"`
	Rows          []map[string]any `json:"rows"`
	RowCount      int              `json:"rowCount"`
	AffectedRows  *int64           `json:"affectedRows,omitempty"`
	ExecutionTime int64            `json:"executionTime"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// QueryServiceOptions tunes the orchestrator.
type QueryServiceOptions struct {
	// ExplainOnExecute runs EXPLAIN for every executed SELECT so its
	// suggestions are logged. OptimizeQuery always explains.
	ExplainOnExecute bool
	Logger           *slog.Logger
}

// QueryBuilderService runs the query pipeline against pooled adapters.
type QueryBuilderService struct {
	connections *ConnectionService
	saved       domain.SavedQueryStore
	pools       *pool.Manager
	optimizer   *query.Optimizer
	emitter     EventEmitter
	opts        QueryServiceOptions
}

// NewQueryBuilderService creates a QueryBuilderService.
func NewQueryBuilderService(
	connections *ConnectionService,
	saved domain.SavedQueryStore,
	pools *pool.Manager,
	emitter EventEmitter,
	opts QueryServiceOptions,
) *QueryBuilderService {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &QueryBuilderService{
		connections: connections,
		saved:       saved,
		pools:       pools,
		optimizer:   query.NewOptimizer(opts.Logger),
		emitter:     emitter,
		opts:        opts,
	}
}

// run carries one request through the pipeline.
type run struct {
	id         string
	cfg        *domain.ConnectionConfig
	node       *query.Node
	validation *query.ValidationResult
	log        *slog.Logger
}

func (s *QueryBuilderService) emit(ctx context.Context, r *run, stage Stage, elapsed time.Duration, err error) {
	ev := LifecycleEvent{RunID: r.id, Stage: stage, ConnectionID: r.cfg.ID, Backend: r.cfg.Backend, ElapsedMS: elapsed.Milliseconds()}
	if r.node != nil {
		ev.Kind = r.node.Kind
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.emitter.Emit(ctx, EventQueryLifecycle, ev)
}

// ── Pipeline stages ────────────────────────────────────────

// receive resolves the connection and opens a run. Disabled connections
// accept nothing.
func (s *QueryBuilderService) receive(ctx context.Context, ownerID string, req QueryRequest) (*run, error) {
	cfg, err := s.connections.Resolve(ctx, ownerID, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: connection %s is disabled", domain.ErrConfiguration, cfg.ID)
	}
	r := &run{id: uuid.NewString(), cfg: cfg}
	r.log = slogctx.FromCtx(ctx).With("run_id", r.id, "connection_id", cfg.ID, "backend", string(cfg.Backend))
	r.log.Debug("query received")
	s.emit(ctx, r, StageReceived, 0, nil)
	return r, nil
}

func (s *QueryBuilderService) parse(ctx context.Context, ownerID string, r *run, req QueryRequest) error {
	var err error
	switch {
	case req.QueryID != "":
		err = s.parseSaved(ownerID, r, req)
	case req.Input != nil:
		r.node, err = query.ParseInput(req.Input, req.Parameters)
	case req.Text != "":
		r.node, err = query.ParseText(req.Text, req.Parameters, r.cfg.Backend)
	default:
		err = fmt.Errorf("%w: one of input, query or queryId is required", domain.ErrParse)
	}
	if err != nil {
		r.log.Warn("query parse failed", "error", err)
		s.emit(ctx, r, StageFailed, 0, err)
		return err
	}
	r.log = r.log.With("kind", string(r.node.Kind))
	r.log.Debug("query parsed", "tables", r.node.Tables())
	s.emit(ctx, r, StageParsed, 0, nil)
	return nil
}

// parseSaved resolves a saved query's parameters against their
// definitions before parsing its stored text.
func (s *QueryBuilderService) parseSaved(ownerID string, r *run, req QueryRequest) error {
	sq, err := s.saved.GetQuery(req.QueryID)
	if err != nil {
		return err
	}
	if !sq.ReadableBy(ownerID) {
		return fmt.Errorf("%w: saved query %s", domain.ErrNotFound, req.QueryID)
	}
	params, err := domain.ResolveParameters(sq.Parameters, req.Parameters)
	if err != nil {
		return err
	}
	r.node, err = query.ParseText(sq.Query, params, r.cfg.Backend)
	return err
}

// validate fails with a *query.ValidationError carrying every problem
// when the statement is not valid.
func (s *QueryBuilderService) validate(ctx context.Context, r *run, skipSchema bool) error {
	var schema *query.SchemaSnapshot
	if !skipSchema {
		desc, err := s.connections.describe(ctx, r.cfg, false)
		if err != nil {
			r.log.Warn("schema introspection failed", "error", err)
			s.emit(ctx, r, StageFailed, 0, err)
			return err
		}
		schema = desc.Snapshot()
	}
	r.validation = query.Validate(r.node, schema)
	if err := r.validation.Err(); err != nil {
		r.log.Info("query rejected", "errors", r.validation.Errors)
		s.emit(ctx, r, StageRejected, 0, err)
		return err
	}
	for _, w := range r.validation.Warnings {
		r.log.Warn("query warning", "warning", w)
	}
	s.emit(ctx, r, StageValidated, 0, nil)
	return nil
}

func (s *QueryBuilderService) optimize(ctx context.Context, r *run, explain bool) (*query.OptimizationResult, error) {
	var ex query.Explainer
	if explain {
		ex = &leaseExplainer{pools: s.pools, cfg: r.cfg}
	}
	res, node, err := s.optimizer.Optimize(ctx, r.node, r.cfg.Backend, ex)
	if err != nil {
		r.log.Warn("query optimization failed", "error", err)
		s.emit(ctx, r, StageFailed, 0, err)
		return nil, err
	}
	r.node = node
	r.log.Debug("query optimized", "applied", res.AppliedOptimizations, "suggestions", res.Suggestions)
	s.emit(ctx, r, StageOptimized, 0, nil)
	return res, nil
}

// leaseExplainer explains on a pooled adapter of one configuration.
type leaseExplainer struct {
	pools *pool.Manager
	cfg   *domain.ConnectionConfig
}

func (e *leaseExplainer) Explain(ctx context.Context, statement string) (*dbclient.Plan, error) {
	var plan *dbclient.Plan
	err := e.pools.WithClient(ctx, e.cfg, func(c dbclient.Client) error {
		var err error
		plan, err = c.Explain(ctx, statement)
		return err
	})
	return plan, err
}

// ── Public contract ────────────────────────────────────────

// BuildQuery parses, validates and optimizes the request and returns the
// statement text without running it.
func (s *QueryBuilderService) BuildQuery(ctx context.Context, ownerID string, req QueryRequest) (*BuildResult, error) {
	r, err := s.receive(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.parse(ctx, ownerID, r, req); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, r, req.SkipSchema); err != nil {
		return nil, err
	}
	opt, err := s.optimize(ctx, r, false)
	if err != nil {
		return nil, err
	}
	return &BuildResult{
		Statement:            opt.OptimizedQuery,
		Warnings:             r.validation.Warnings,
		AppliedOptimizations: opt.AppliedOptimizations,
	}, nil
}

// ValidateQuery parses and validates the request. An invalid statement is
// reported in the result, not as an error.
func (s *QueryBuilderService) ValidateQuery(ctx context.Context, ownerID string, req QueryRequest) (*query.ValidationResult, error) {
	r, err := s.receive(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.parse(ctx, ownerID, r, req); err != nil {
		return nil, err
	}
	var verr *query.ValidationError
	if err := s.validate(ctx, r, req.SkipSchema); err != nil && !errors.As(err, &verr) {
		return nil, err
	}
	return r.validation, nil
}

// OptimizeQuery parses the request and runs the optimizer with EXPLAIN
// against the connection. Validation is structural only.
func (s *QueryBuilderService) OptimizeQuery(ctx context.Context, ownerID string, req QueryRequest) (*query.OptimizationResult, error) {
	r, err := s.receive(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.parse(ctx, ownerID, r, req); err != nil {
		return nil, err
	}
	return s.optimize(ctx, r, true)
}

// ExecuteQuery runs the full pipeline. Nothing reaches the backend unless
// validation passes. Execution errors keep the engine's message.
func (s *QueryBuilderService) ExecuteQuery(ctx context.Context, ownerID string, req QueryRequest) (*ExecutionResult, error) {
	r, err := s.receive(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.parse(ctx, ownerID, r, req); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, r, req.SkipSchema); err != nil {
		return nil, err
	}
	opt, err := s.optimize(ctx, r, s.opts.ExplainOnExecute)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, r, StageExecuting, 0, nil)
	start := time.Now()
	res, err := s.pools.Execute(ctx, r.cfg, opt.OptimizedQuery)
	elapsed := time.Since(start)
	if err != nil {
		r.log.Error("query execution failed", "elapsed_ms", elapsed.Milliseconds(), "error", err)
		s.emit(ctx, r, StageFailed, elapsed, err)
		return nil, err
	}
	r.log.Info("query executed", "elapsed_ms", elapsed.Milliseconds(), "rows", res.RowCount)
	s.emit(ctx, r, StageCompleted, elapsed, nil)

	out := &ExecutionResult{
		Statement:     opt.OptimizedQuery,
		Fields:        res.Fields,
		Rows:          res.Rows,
		RowCount:      res.RowCount,
		ExecutionTime: elapsed.Milliseconds(),
		Warnings:      slices.Concat(r.validation.Warnings, opt.Suggestions),
	}
	if out.Rows == nil {
		out.Rows = []map[string]any{}
	}
	if res.IsWrite {
		out.AffectedRows = &res.AffectedRows
	}
	return out, nil
}

// ExecuteTransaction builds every request against one connection and runs
// the statements atomically. No statement runs unless all of them pass
// validation. Request connection ids are ignored in favour of connectionID.
func (s *QueryBuilderService) ExecuteTransaction(ctx context.Context, ownerID, connectionID string, reqs []QueryRequest) (*ExecutionResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: transaction has no statements", domain.ErrValidation)
	}
	var (
		statements []string
		warnings   []string
		cfg        *domain.ConnectionConfig
	)
	for _, req := range reqs {
		req.ConnectionID = connectionID
		r, err := s.receive(ctx, ownerID, req)
		if err != nil {
			return nil, err
		}
		if err := s.parse(ctx, ownerID, r, req); err != nil {
			return nil, err
		}
		if err := s.validate(ctx, r, req.SkipSchema); err != nil {
			return nil, err
		}
		opt, err := s.optimize(ctx, r, false)
		if err != nil {
			return nil, err
		}
		statements = append(statements, opt.OptimizedQuery)
		warnings = append(warnings, r.validation.Warnings...)
		cfg = r.cfg
	}

	log := slogctx.FromCtx(ctx).With("connection_id", connectionID, "statements", len(statements))
	start := time.Now()
	err := s.pools.WithClient(ctx, cfg, func(c dbclient.Client) error {
		return c.ExecuteTransaction(ctx, statements)
	})
	elapsed := time.Since(start)
	if err != nil {
		log.Error("transaction failed", "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return nil, err
	}
	log.Info("transaction committed", "elapsed_ms", elapsed.Milliseconds())
	return &ExecutionResult{
		Rows:          []map[string]any{},
		ExecutionTime: elapsed.Milliseconds(),
		Warnings:      warnings,
	}, nil
}
