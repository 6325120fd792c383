package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// taskRunner executes the node's task list whenever a new revision of
// /config/run/{node} appears, identical content included. Commands run
// sequentially; the first failure stops the batch. Nothing is retried.
type taskRunner struct {
	store   store.Store
	node    string
	shell   Shell
	journal *journal
}

func newTaskRunner(s store.Store, node string, shell Shell, j *journal) *taskRunner {
	return &taskRunner{store: s, node: node, shell: shell, journal: j}
}

func (t *taskRunner) execute(ctx context.Context, raw []byte) error {
	var commands []string
	if err := json.Unmarshal(raw, &commands); err != nil {
		return fmt.Errorf("decoding task list: %w", err)
	}

	report := model.TaskReport{
		ID:       uuid.NewString(),
		Commands: commands,
	}
	for _, line := range commands {
		log.Printf("running task: %s", line)
		code, stderr := t.shell.RunShell(ctx, line)
		if code != 0 {
			log.Printf("task %q exited %d", line, code)
			report.ExitCode = code
			report.StderrTail = stderr
			break
		}
	}
	report.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	t.journal.taskRun(report.ID, report.ExitCode, len(commands))

	if err := store.PutJSON(ctx, t.store, store.StateRunKey(t.node), &report); err != nil {
		return fmt.Errorf("reporting task result: %w", err)
	}
	return nil
}
