package service

import (
	"context"
	"fmt"
	"strings"

	"querybuilder/internal/domain"
	"querybuilder/internal/query"

	"github.com/google/uuid"
	"github.com/samber/lo"
	slogctx "github.com/veqryn/slog-context"
)

// ─────────────────────────────────────────────────────────────
// Saved Query Service: reusable statements and their parameters
// ─────────────────────────────────────────────────────────────

// SavedQueryInput is the DTO for saving a query.
type SavedQueryInput struct {
	Name         string                  `json:"name"`
	Description  string                  `json:"description,omitempty"`
	Query        string                  `json:"query"`
	ConnectionID string                  `json:"connectionId,omitempty"`
	Public       bool                    `json:"public"`
	Parameters   []domain.QueryParameter `json:"parameters,omitempty"`
}

// SavedQueryPatch updates a saved query. Nil fields are left alone.
type SavedQueryPatch struct {
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	Query        *string `json:"query,omitempty"`
	ConnectionID *string `json:"connectionId,omitempty"`
	Public       *bool   `json:"public,omitempty"`
}

// SavedQueryService stores queries per owner. Anyone may read a public
// query; only its owner may change it.
type SavedQueryService struct {
	store       domain.SavedQueryStore
	connections *ConnectionService
	emitter     EventEmitter
}

// NewSavedQueryService creates a SavedQueryService.
func NewSavedQueryService(store domain.SavedQueryStore, connections *ConnectionService, emitter EventEmitter) *SavedQueryService {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &SavedQueryService{store: store, connections: connections, emitter: emitter}
}

// ── Queries ────────────────────────────────────────────────

func (s *SavedQueryService) Create(ctx context.Context, ownerID string, in SavedQueryInput) (*domain.SavedQuery, error) {
	q := &domain.SavedQuery{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Query:        in.Query,
		ConnectionID: in.ConnectionID,
		Public:       in.Public,
	}
	if err := checkSavedQuery(q); err != nil {
		return nil, err
	}
	params := make([]domain.QueryParameter, len(in.Parameters))
	for i, p := range in.Parameters {
		p.ID, p.QueryID = uuid.NewString(), q.ID
		if err := p.Check(); err != nil {
			return nil, err
		}
		params[i] = p
	}
	if dup, ok := duplicateName(params); ok {
		return nil, fmt.Errorf("%w: parameter %q", domain.ErrDuplicateName, dup)
	}
	q.Parameters = params

	meta, err := s.metadata(ctx, ownerID, q)
	if err != nil {
		return nil, err
	}
	q.Metadata = meta

	if err := s.store.CreateQuery(q); err != nil {
		return nil, fmt.Errorf("create saved query: %w", err)
	}
	for i := range params {
		if err := s.store.CreateParameter(&params[i]); err != nil {
			return nil, fmt.Errorf("create parameter %s: %w", params[i].Name, err)
		}
	}
	slogctx.FromCtx(ctx).Info("saved query created", "query_id", q.ID, "parameters", len(params))
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: q.ID, Action: "created"})
	return q, nil
}

// Get returns the query with its parameters when the caller may read it.
// Unreadable queries look missing.
func (s *SavedQueryService) Get(_ context.Context, ownerID, id string) (*domain.SavedQuery, error) {
	q, err := s.store.GetQuery(id)
	if err != nil {
		return nil, err
	}
	if !q.ReadableBy(ownerID) {
		return nil, fmt.Errorf("%w: saved query %s", domain.ErrNotFound, id)
	}
	return q, nil
}

// List returns the caller's queries and every public one.
func (s *SavedQueryService) List(_ context.Context, ownerID string) ([]domain.SavedQuery, error) {
	return s.store.ListQueries(ownerID)
}

func (s *SavedQueryService) Update(ctx context.Context, ownerID, id string, patch SavedQueryPatch) (*domain.SavedQuery, error) {
	q, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	reparse := false
	if patch.Name != nil {
		q.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		q.Description = *patch.Description
	}
	if patch.Query != nil {
		q.Query, reparse = *patch.Query, true
	}
	if patch.ConnectionID != nil {
		q.ConnectionID, reparse = *patch.ConnectionID, true
	}
	if patch.Public != nil {
		q.Public = *patch.Public
	}
	if err := checkSavedQuery(q); err != nil {
		return nil, err
	}
	if reparse {
		if q.Metadata, err = s.metadata(ctx, ownerID, q); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateQuery(q); err != nil {
		return nil, fmt.Errorf("update saved query: %w", err)
	}
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: id, Action: "updated"})
	return q, nil
}

func (s *SavedQueryService) Remove(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteQuery(id); err != nil {
		return fmt.Errorf("delete saved query: %w", err)
	}
	slogctx.FromCtx(ctx).Info("saved query removed", "query_id", id)
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: id, Action: "deleted"})
	return nil
}

// ── Parameters ─────────────────────────────────────────────

func (s *SavedQueryService) AddParameter(ctx context.Context, ownerID, queryID string, p domain.QueryParameter) (*domain.QueryParameter, error) {
	q, err := s.owned(ctx, ownerID, queryID)
	if err != nil {
		return nil, err
	}
	p.ID, p.QueryID = uuid.NewString(), q.ID
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Check(); err != nil {
		return nil, err
	}
	if _, ok := duplicateName(append(q.Parameters, p)); ok {
		return nil, fmt.Errorf("%w: parameter %q", domain.ErrDuplicateName, p.Name)
	}
	if err := s.store.CreateParameter(&p); err != nil {
		return nil, fmt.Errorf("create parameter: %w", err)
	}
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: queryID, Action: "updated"})
	return &p, nil
}

// UpdateParameter replaces the definition of an existing parameter.
func (s *SavedQueryService) UpdateParameter(ctx context.Context, ownerID, queryID string, p domain.QueryParameter) (*domain.QueryParameter, error) {
	q, err := s.owned(ctx, ownerID, queryID)
	if err != nil {
		return nil, err
	}
	_, idx, ok := lo.FindIndexOf(q.Parameters, func(x domain.QueryParameter) bool { return x.ID == p.ID })
	if !ok {
		return nil, fmt.Errorf("%w: parameter %s", domain.ErrNotFound, p.ID)
	}
	p.QueryID = q.ID
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Check(); err != nil {
		return nil, err
	}
	q.Parameters[idx] = p
	if _, ok := duplicateName(q.Parameters); ok {
		return nil, fmt.Errorf("%w: parameter %q", domain.ErrDuplicateName, p.Name)
	}
	if err := s.store.UpdateParameter(&p); err != nil {
		return nil, fmt.Errorf("update parameter: %w", err)
	}
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: queryID, Action: "updated"})
	return &p, nil
}

func (s *SavedQueryService) RemoveParameter(ctx context.Context, ownerID, queryID, paramID string) error {
	q, err := s.owned(ctx, ownerID, queryID)
	if err != nil {
		return err
	}
	if !lo.ContainsBy(q.Parameters, func(p domain.QueryParameter) bool { return p.ID == paramID }) {
		return fmt.Errorf("%w: parameter %s", domain.ErrNotFound, paramID)
	}
	if err := s.store.DeleteParameter(paramID); err != nil {
		return fmt.Errorf("delete parameter: %w", err)
	}
	s.emitter.Emit(ctx, EventSavedQueryChanged, ChangeEvent{ID: queryID, Action: "updated"})
	return nil
}

// ── Helpers ────────────────────────────────────────────────

// owned loads a query the caller may change. Public queries of other
// owners are forbidden; private ones look missing.
func (s *SavedQueryService) owned(ctx context.Context, ownerID, id string) (*domain.SavedQuery, error) {
	q, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if q.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: saved query %s belongs to another owner", domain.ErrForbidden, id)
	}
	return q, nil
}

func checkSavedQuery(q *domain.SavedQuery) error {
	var problems []string
	if q.Name == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(q.Query) == "" {
		problems = append(problems, "query is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func duplicateName(params []domain.QueryParameter) (string, bool) {
	dups := lo.FindDuplicatesBy(params, func(p domain.QueryParameter) string { return p.Name })
	if len(dups) == 0 {
		return "", false
	}
	return dups[0].Name, true
}

// metadata summarizes the stored text. It parses with stand-in values for
// the declared parameters; text that still does not parse gets empty
// metadata, since it may only make sense once real values are bound.
func (s *SavedQueryService) metadata(ctx context.Context, ownerID string, q *domain.SavedQuery) (domain.QueryMetadata, error) {
	backend := domain.BackendPostgres
	if q.ConnectionID != "" && s.connections != nil {
		cfg, err := s.connections.Resolve(ctx, ownerID, q.ConnectionID)
		if err != nil {
			return domain.QueryMetadata{}, err
		}
		backend = cfg.Backend
	}
	stand := make(map[string]any, len(q.Parameters))
	for _, p := range q.Parameters {
		stand[p.Name] = standInValue(p)
	}
	n, err := query.ParseText(q.Query, stand, backend)
	if err != nil {
		slogctx.FromCtx(ctx).Debug("saved query text not parseable yet", "query_id", q.ID, "error", err)
		return domain.QueryMetadata{}, nil
	}
	return n.Metadata(), nil
}

func standInValue(p domain.QueryParameter) any {
	if p.DefaultValue != nil {
		return p.DefaultValue
	}
	switch p.Type {
	case domain.ParamNumber:
		return 0
	case domain.ParamBoolean:
		return false
	case domain.ParamArray:
		return []any{}
	case domain.ParamObject:
		return map[string]any{}
	}
	return ""
}
