package dotmatrix

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintMatrix(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".dotmatrix.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
interpreters: ["2.7", "3.6"]
env:
  matrix:
    optional: [OPTIONAL=true, OPTIONAL=false]
services: [memcached, redis]
test: [manage test]
allow_failures:
  - interpreter: "3.6"
    env: OPTIONAL=true
`), 0644))

	pipelineFile = path
	envVars = []string{"CI=true"}
	showEnv = true
	t.Cleanup(func() {
		envVars = nil
		showEnv = false
	})

	cfg, err := loadPipeline()
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, printMatrix(cmd, cfg))

	lines := strings.Split(out.String(), "\n")
	assert.Regexp(t, `^INDEX\s+JOB\s+INTERPRETER\s+OVERLAY\s+OPTIONAL\s+SERVICES`, lines[0])
	assert.Regexp(t, `^0\s+2\.7-0\s+2\.7\s+OPTIONAL=true\s+false\s+memcached,redis`, lines[1])
	assert.Regexp(t, `^1\s+2\.7-1\s+2\.7\s+OPTIONAL=false\s+false`, lines[2])
	assert.Regexp(t, `^2\s+3\.6-0\s+3\.6\s+OPTIONAL=true\s+true`, lines[3])
	assert.Regexp(t, `^3\s+3\.6-1\s+3\.6\s+OPTIONAL=false\s+false`, lines[4])
	assert.Contains(t, out.String(), "  CI=true\n")
}

func TestLoadPipelineRejectsBadVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".dotmatrix.yml")
	require.NoError(t, os.WriteFile(path, []byte("interpreters: [\"3.6\"]\ntest: [make]\n"), 0644))

	pipelineFile = path
	envVars = []string{"NOVALUE"}
	t.Cleanup(func() { envVars = nil })

	_, err := loadPipeline()
	assert.ErrorContains(t, err, "environment-variable")
}
