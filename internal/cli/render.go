package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"querybuilder/internal/domain"
	"querybuilder/internal/query"

	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

type renderOptions struct {
	backend  string
	params   map[string]string
	optimize bool
	asJSON   bool
}

func newRenderCmd(_ *session) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Print the statement a query renders to, without connecting",
		Long: `Render reads a structured query (JSON), a tagged raw statement or raw
statement text from a file or stdin, checks its structure and prints the
statement for the chosen backend. No database is contacted, so table and
column names are not checked.`,
		Example: `  echo '{"table":"users","operation":"SELECT","limit":10}' | querybuilder render --backend mysql
  querybuilder render report.sql --param since=2024-01-01 --optimize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runRender(cmd, opts, path)
		},
	}
	cmd.Flags().StringVarP(&opts.backend, "backend", "b", "postgres", "Target backend (postgres|mysql|sqlite|mssql|mongodb)")
	cmd.Flags().StringToStringVarP(&opts.params, "param", "p", nil, "Placeholder value, name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.optimize, "optimize", false, "Apply the pagination rewrite")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print statement and warnings as JSON")
	return cmd
}

type renderOutput struct {
	Statement            string   `json:"statement"`
	Warnings             []string `json:"warnings"`
	AppliedOptimizations []string `json:"appliedOptimizations,omitempty"`
}

func runRender(cmd *cobra.Command, opts *renderOptions, path string) error {
	ctx := cmd.Context()
	backend, err := domain.ParseBackend(opts.backend)
	if err != nil {
		return err
	}
	text, err := readSource(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	node, err := query.ParseText(text, paramValues(opts.params), backend)
	if err != nil {
		return err
	}
	validation := query.Validate(node, nil)
	if err := validation.Err(); err != nil {
		for _, e := range validation.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
		}
		return err
	}

	out := renderOutput{Warnings: validation.Warnings}
	if opts.optimize {
		res, _, err := query.NewOptimizer(slogctx.FromCtx(ctx)).Optimize(ctx, node, backend, nil)
		if err != nil {
			return err
		}
		out.Statement = res.OptimizedQuery
		out.AppliedOptimizations = res.AppliedOptimizations
		out.Warnings = append(out.Warnings, res.Suggestions...)
	} else if out.Statement, err = query.Render(node, backend); err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, w := range out.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Statement)
	return nil
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read query: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: empty query", domain.ErrParse)
	}
	return string(data), nil
}

// paramValues reads each value as JSON when it parses (numbers, booleans,
// arrays) and as a plain string otherwise.
func paramValues(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for name, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[name] = decoded
		} else {
			out[name] = v
		}
	}
	return out
}
