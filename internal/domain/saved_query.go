package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// QueryMetadata summarizes what a saved query touches.
type QueryMetadata struct {
	Tables       []string `json:"tables,omitempty"`
	Joins        []string `json:"joins,omitempty"`
	Filters      []string `json:"filters,omitempty"`
	Sorting      []string `json:"sorting,omitempty"`
	Grouping     []string `json:"grouping,omitempty"`
	Aggregations []string `json:"aggregations,omitempty"`
}

// SavedQuery is a reusable named statement. Query is either raw statement
// text or a structured builder input encoded as JSON.
type SavedQuery struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"ownerId"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Query        string           `json:"query"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Metadata     QueryMetadata    `json:"metadata"`
	Public       bool             `json:"public"`
	Parameters   []QueryParameter `json:"parameters,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ReadableBy reports whether ownerID may read the query.
func (q *SavedQuery) ReadableBy(ownerID string) bool {
	return q.Public || q.OwnerID == ownerID
}

// ParameterType is the declared type of a query parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamDate    ParameterType = "date"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
)

// Valid reports whether t is a known parameter type.
func (t ParameterType) Valid() bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamDate, ParamArray, ParamObject:
		return true
	}
	return false
}

// QueryParameter is a typed placeholder owned by a saved query.
// Validation is a regular expression matched against the string form.
type QueryParameter struct {
	ID           string        `json:"id"`
	QueryID      string        `json:"queryId"`
	Name         string        `json:"name"`
	Type         ParameterType `json:"type"`
	DefaultValue any           `json:"defaultValue,omitempty"`
	Required     bool          `json:"required"`
	Validation   string        `json:"validation,omitempty"`
	Description  string        `json:"description,omitempty"`
}

// Check validates the definition itself.
func (p *QueryParameter) Check() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: parameter name is required", ErrValidation)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: parameter %s has unknown type %q", ErrValidation, p.Name, p.Type)
	}
	if p.Validation != "" {
		if _, err := regexp.Compile(p.Validation); err != nil {
			return fmt.Errorf("%w: parameter %s validation: %v", ErrValidation, p.Name, err)
		}
	}
	return nil
}

// Coerce converts v to the parameter's declared type.
func (p *QueryParameter) Coerce(v any) (any, error) {
	switch p.Type {
	case ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case ParamNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case ParamDate:
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case string:
			for _, layout := range []string{time.RFC3339, "2006-01-02"} {
				if t, err := time.Parse(layout, d); err == nil {
					return t, nil
				}
			}
		}
	case ParamArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
	case ParamObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v as %s", v, p.Type)
}

// ResolveParameters applies defaults, rejects missing required values and
// enforces types and validation patterns. Every problem is reported.
func ResolveParameters(defs []QueryParameter, supplied map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(supplied)+len(defs))
	for k, v := range supplied {
		out[k] = v
	}
	var errs *multierror.Error
	for i := range defs {
		def := &defs[i]
		v, ok := supplied[def.Name]
		if !ok || v == nil {
			v, ok = def.DefaultValue, def.DefaultValue != nil
		}
		if !ok {
			if def.Required {
				errs = multierror.Append(errs, fmt.Errorf("parameter %s is required", def.Name))
			}
			continue
		}
		coerced, err := def.Coerce(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("parameter %s: %w", def.Name, err))
			continue
		}
		if def.Validation != "" {
			re, err := regexp.Compile(def.Validation)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("parameter %s: bad validation pattern: %w", def.Name, err))
				continue
			}
			if !re.MatchString(fmt.Sprint(v)) {
				errs = multierror.Append(errs, fmt.Errorf("parameter %s: value %v does not match %s", def.Name, v, def.Validation))
				continue
			}
		}
		out[def.Name] = coerced
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return out, nil
}

// SavedQueryStore persists saved queries and their parameters.
type SavedQueryStore interface {
	CreateQuery(q *SavedQuery) error
	GetQuery(id string) (*SavedQuery, error)
	ListQueries(ownerID string) ([]SavedQuery, error)
	UpdateQuery(q *SavedQuery) error
	DeleteQuery(id string) error

	CreateParameter(p *QueryParameter) error
	UpdateParameter(p *QueryParameter) error
	DeleteParameter(id string) error
	ListParameters(queryID string) ([]QueryParameter, error)
}
