package epoch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// QueueDirName sits under the epoch directory; files landing there are
// applied and deleted.
const QueueDirName = "epoch-queue"

// Enqueue publishes a file into the queue directory atomically: copy to a
// .tmp sibling, fsync, rename. The consumer never sees a partial file.
func Enqueue(srcPath, queueDir string) error {
	final := filepath.Join(queueDir, filepath.Base(srcPath))
	tmp := final + ".tmp"

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		log.Printf("fsync skipped for %s: %v", tmp, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// Consumer watches the queue directory and applies each published epoch
// file. Parse failures are recorded under /state/last-error and never stop
// the loop.
type Consumer struct {
	Store    store.Store
	QueueDir string

	mu sync.Mutex
}

// Run blocks until ctx is done. Files already sitting in the queue are
// processed before the watch starts delivering.
func (c *Consumer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating queue watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.QueueDir); err != nil {
		return fmt.Errorf("watching %s: %w", c.QueueDir, err)
	}

	c.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("queue watcher closed")
			}
			// atomic publication surfaces as create or rename depending on
			// the platform
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.handle(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("queue watcher closed")
			}
			log.Printf("queue watcher: %v", err)
		}
	}
}

// drain processes files that were enqueued before the watcher existed.
func (c *Consumer) drain(ctx context.Context) {
	entries, err := os.ReadDir(c.QueueDir)
	if err != nil {
		log.Printf("listing queue dir: %v", err)
		return
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(c.QueueDir, e.Name()))
		}
	}
	for _, p := range sortedBySuffix(paths) {
		c.handle(ctx, p)
	}
}

func sortedBySuffix(paths []string) []string {
	out := append([]string(nil), paths...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && NumericSuffix(out[j]) < NumericSuffix(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (c *Consumer) handle(ctx context.Context, path string) {
	if strings.HasSuffix(path, ".tmp") {
		return
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := filepath.Base(path)
	e, err := LoadFile(path)
	if err != nil {
		log.Printf("skipping %s: %v", name, err)
		var parseErr *model.EpochParseError
		if errors.As(err, &parseErr) {
			if putErr := c.Store.Put(ctx, store.LastErrorKey, []byte(err.Error())); putErr != nil {
				log.Printf("recording last error: %v", putErr)
			}
		}
		os.Remove(path)
		return
	}

	applied := false
	for attempt := 1; attempt <= 3; attempt++ {
		if err := Apply(ctx, c.Store, e); err != nil {
			log.Printf("applying %s (attempt %d): %v", name, attempt, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			continue
		}
		applied = true
		break
	}
	if !applied {
		if putErr := c.Store.Put(ctx, store.LastErrorKey, []byte("failed to apply "+name)); putErr != nil {
			log.Printf("recording last error: %v", putErr)
		}
		os.Remove(path)
		return
	}
	log.Printf("epoch %s applied", name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("removing processed %s: %v", name, err)
	}
}
