package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"querybuilder/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleFilter = `{"table":"users","operation":"SELECT","fields":["id","name"],
	"where":{"status":"active","age":{">":18}},"limit":10}`

func runCmd(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Chdir(t.TempDir())

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--data-dir", t.TempDir()))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRender_StructuredFromStdin(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{"mysql", "SELECT id, name FROM users WHERE status = 'active' AND age > 18 LIMIT 10"},
		{"mssql", "SELECT TOP 10 id, name FROM users WHERE status = 'active' AND age > 18"},
		{"postgresql", "SELECT id, name FROM users WHERE status = 'active' AND age > 18 LIMIT 10"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			out, _, err := runCmd(t, simpleFilter, "render", "--backend", tt.backend)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestRender_FileWithParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adults.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT id FROM users WHERE age > :minAge"), 0o600))

	out, _, err := runCmd(t, "", "render", path, "--param", "minAge=30", "--backend", "sqlite")
	require.NoError(t, err)
	assert.Contains(t, out, "30")
	assert.NotContains(t, out, ":minAge")
}

func TestRender_JSONOutput(t *testing.T) {
	out, _, err := runCmd(t, simpleFilter, "render", "--json", "--optimize")
	require.NoError(t, err)

	var got renderOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, got.Statement, "FROM users")
	assert.Contains(t, got.Statement, "LIMIT 10")
}

func TestRender_Errors(t *testing.T) {
	_, _, err := runCmd(t, simpleFilter, "render", "--backend", "oracle")
	assert.ErrorIs(t, err, domain.ErrUnsupportedBackend)

	_, _, err = runCmd(t, "   ", "render")
	assert.ErrorIs(t, err, domain.ErrParse)

	_, _, err = runCmd(t, `{"table":"users","operation":"SELECT"`, "render")
	assert.ErrorIs(t, err, domain.ErrParse)
}

func TestRootCmd_RejectsBadFlags(t *testing.T) {
	_, _, err := runCmd(t, "", "render", "--log-level", "loud")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestVersionCmd(t *testing.T) {
	out, _, err := runCmd(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "querybuilder "+Version))
}

func TestParamValues(t *testing.T) {
	got := paramValues(map[string]string{"n": "30", "ok": "true", "ids": "[1,2]", "name": "ada"})
	assert.Equal(t, float64(30), got["n"])
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, []any{float64(1), float64(2)}, got["ids"])
	assert.Equal(t, "ada", got["name"])
	assert.Nil(t, paramValues(nil))
}
