package workerexec

import (
	"context"
	"sync"

	"netsatbench/pkg/model"
)

// Fake records commands and replays canned results. Used by deploy and CLI
// tests so no shell quoting bug can hide behind a mock string match.
type Fake struct {
	mu      sync.Mutex
	Calls   []FakeCall
	Results map[string]Result // keyed by Command.Line(); missing keys succeed
	Errs    map[string]error
}

type FakeCall struct {
	Worker string
	Cmd    Command
}

func NewFake() *Fake {
	return &Fake{Results: map[string]Result{}, Errs: map[string]error{}}
}

func (f *Fake) Run(_ context.Context, worker *model.WorkerSpec, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeCall{Worker: worker.IP, Cmd: cmd})
	line := cmd.Line()
	if err, ok := f.Errs[line]; ok {
		return f.Results[line], err
	}
	return f.Results[line], nil
}

func (f *Fake) RunInteractive(ctx context.Context, worker *model.WorkerSpec, cmd Command) error {
	_, err := f.Run(ctx, worker, cmd)
	return err
}

// Lines returns the rendered command lines in call order.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Cmd.Line()
	}
	return out
}
