package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"querybuilder/internal/domain"
	"querybuilder/internal/query"

	"github.com/mark3labs/mcp-go/mcp"
)

// decodeArgs copies the tool arguments into target through JSON, so DTO
// structs keep one set of field names for both transports.
func decodeArgs(req mcp.CallToolRequest, target any) error {
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return fmt.Errorf("%w: arguments: %w", domain.ErrParse, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: arguments: %w", domain.ErrParse, err)
	}
	return nil
}

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// toolError is the body of a failed tool call. Kind lets callers branch
// without parsing Message.
type toolError struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{domain.ErrUnsupportedBackend, "unsupported_backend"},
	{domain.ErrDuplicateName, "duplicate_name"},
	{domain.ErrConfiguration, "configuration"},
	{domain.ErrParse, "parse"},
	{domain.ErrValidation, "validation"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrForbidden, "forbidden"},
	{domain.ErrConnection, "connection"},
	{domain.ErrExecution, "execution"},
	{domain.ErrEncryption, "encryption"},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "execution"
}

// errorResult reports err to the client as a tool error. Validation
// failures carry their whole error list.
func errorResult(err error) (*mcp.CallToolResult, error) {
	body := toolError{Kind: errorKind(err), Message: err.Error()}
	var verr *query.ValidationError
	if errors.As(err, &verr) {
		body.Errors = verr.Errors
	}
	res, merr := jsonResult(body)
	if merr != nil {
		return nil, merr
	}
	res.IsError = true
	return res, nil
}

func boolPtr(b bool) *bool { return &b }
