package epoch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// Options selects the scheduler mode. Exactly one of the timed modes applies:
// FixedWait >= 0 overrides the virtual clock; Interactive disables directory
// scanning entirely; Loop restarts the sequence after LoopDelay.
type Options struct {
	Dir         string
	Pattern     string
	FixedWait   time.Duration // < 0 means virtual clock
	Loop        bool
	LoopDelay   time.Duration
	Interactive bool
}

// Scheduler releases epoch files into the queue directory at the right wall
// time; a single Consumer applies them to the store.
type Scheduler struct {
	Store store.Store
	Opts  Options

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// ResolveEpochSource fills dir/pattern from /config/epoch-config when the
// flags left them empty.
func ResolveEpochSource(ctx context.Context, s store.Store, dir, pattern string) (string, string) {
	if dir != "" && pattern != "" {
		return dir, pattern
	}
	var ec model.EpochConfig
	if ok, err := store.GetJSON(ctx, s, store.EpochConfigKey, &ec); err != nil || !ok {
		if err != nil {
			log.Printf("loading epoch-config: %v", err)
		}
	}
	if dir == "" {
		dir = ec.EpochDir
	}
	if pattern == "" {
		pattern = ec.FilePattern
	}
	if dir == "" {
		dir = DefaultDir
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	return dir, pattern
}

// CheckNodesReady verifies every node spec carries the agent-registered
// eth0_ip, i.e. the constellation is actually running.
func CheckNodesReady(ctx context.Context, s store.Store) error {
	nodes, err := store.ListJSON[model.NodeSpec](ctx, s, store.NodesPrefix)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes under %s; run init and deploy first", store.NodesPrefix)
	}
	for name, spec := range nodes {
		if spec.Eth0IP == "" {
			return fmt.Errorf("node %s has not registered eth0_ip; is its agent running?", name)
		}
	}
	return nil
}

// Run drives the configured mode until the file list is exhausted (or
// forever in loop and interactive modes). SIGTERM cancels ctx, which
// interrupts only the current sleep; an in-flight application finishes.
func (sc *Scheduler) Run(ctx context.Context) error {
	if sc.Now == nil {
		sc.Now = time.Now
	}
	queueDir := filepath.Join(sc.Opts.Dir, QueueDirName)
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return fmt.Errorf("creating queue dir: %w", err)
	}

	consumer := &Consumer{Store: sc.Store, QueueDir: queueDir}
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
			log.Printf("queue consumer stopped: %v", err)
		}
	}()
	// let the consumer outlive the producer until the queue drains, so the
	// last enqueued file still lands
	defer func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			entries, err := os.ReadDir(queueDir)
			if err != nil || len(entries) == 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		cancelConsumer()
		<-consumerDone
	}()

	if sc.Opts.Interactive {
		log.Printf("interactive mode: watching %s", queueDir)
		<-ctx.Done()
		return nil
	}

	for {
		files, err := ListFiles(sc.Opts.Dir, sc.Opts.Pattern)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no epoch files match %s", filepath.Join(sc.Opts.Dir, sc.Opts.Pattern))
		}
		log.Printf("starting emulation with %d epochs", len(files))

		if err := sc.runSequence(ctx, files, queueDir); err != nil {
			return err
		}
		if !sc.Opts.Loop {
			return nil
		}
		log.Printf("looping after %s", sc.Opts.LoopDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sc.Opts.LoopDelay):
		}
	}
}

func (sc *Scheduler) runSequence(ctx context.Context, files []string, queueDir string) error {
	var (
		wall0 time.Time
		t0    time.Time
		clock = newClock()
	)
	for i, path := range files {
		name := filepath.Base(path)
		e, err := LoadFile(path)
		if err != nil {
			log.Printf("skipping %s: %v", name, err)
			if putErr := sc.Store.Put(ctx, store.LastErrorKey, []byte(err.Error())); putErr != nil {
				log.Printf("recording last error: %v", putErr)
			}
			continue
		}

		if sc.Opts.FixedWait >= 0 {
			if i > 0 {
				if !clock.sleep(ctx, sc.Opts.FixedWait) {
					return nil
				}
			}
		} else {
			ts, _ := e.Timestamp()
			if wall0.IsZero() {
				wall0 = sc.Now()
				t0 = ts
			}
			release := wall0.Add(ts.Sub(t0))
			if skew := sc.Now().Sub(release); skew > 0 {
				if i > 0 {
					log.Printf("%s released %s late", name, skew.Round(time.Millisecond))
				}
			} else if !clock.sleep(ctx, release.Sub(sc.Now())) {
				return nil
			}
		}

		log.Printf("releasing epoch %s", name)
		if err := Enqueue(path, queueDir); err != nil {
			log.Printf("enqueueing %s: %v", name, err)
		}
	}
	return nil
}

// clock wraps a reusable timer so cancellation interrupts sleeps promptly.
type clock struct {
	timer *time.Timer
}

func newClock() *clock {
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	return &clock{timer: t}
}

// sleep waits d, returning false when ctx fired first.
func (c *clock) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	c.timer.Reset(d)
	select {
	case <-ctx.Done():
		if !c.timer.Stop() {
			<-c.timer.C
		}
		return false
	case <-c.timer.C:
		return true
	}
}
