package workerexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandLine(t *testing.T) {
	cmd := Command{Tool: "docker", Args: []string{"rm", "-f", "sat1"}}
	assert.Equal(t, "docker rm -f sat1", cmd.Line())
}

func TestCommandLineQuoting(t *testing.T) {
	cmd := Command{
		Tool: "bash",
		Args: []string{"-c", `tc qdisc del dev vl_sat2_1 root 2>/dev/null || true`},
	}
	assert.Equal(t, `bash -c 'tc qdisc del dev vl_sat2_1 root 2>/dev/null || true'`, cmd.Line())

	cmd = Command{Tool: "echo", Args: []string{"it's"}}
	assert.Equal(t, `echo 'it'"'"'s'`, cmd.Line())

	cmd = Command{Tool: "echo", Args: []string{""}}
	assert.Equal(t, "echo ''", cmd.Line())
}

func TestCommandLineEnv(t *testing.T) {
	cmd := Command{
		Tool: "docker",
		Args: []string{"run"},
		Env:  map[string]string{"B": "2", "A": "one two"},
	}
	// env assignments are sorted for determinism
	assert.Equal(t, `A='one two' B=2 docker run`, cmd.Line())
}
