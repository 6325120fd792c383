// Package epoch drives the emulation timeline: it orders epoch files,
// advances a virtual clock and publishes each file's link and task deltas to
// the store as one transaction.
package epoch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"netsatbench/pkg/model"
)

const (
	DefaultDir     = "constellation-epochs"
	DefaultPattern = "NetSatBench-epoch*.json"
)

var digitRuns = regexp.MustCompile(`\d+`)

// NumericSuffix extracts the last run of digits in the base filename, the
// epoch sequence number. Files without digits sort first (-1).
func NumericSuffix(path string) int {
	matches := digitRuns.FindAllString(filepath.Base(path), -1)
	if len(matches) == 0 {
		return -1
	}
	n, err := strconv.Atoi(matches[len(matches)-1])
	if err != nil {
		return -1
	}
	return n
}

// ListFiles globs dir/pattern and orders by numeric suffix. Epoch order is
// defined by the filename, not the embedded time field.
func ListFiles(dir, pattern string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	sort.SliceStable(files, func(i, j int) bool {
		a, b := NumericSuffix(files[i]), NumericSuffix(files[j])
		if a != b {
			return a < b
		}
		return files[i] < files[j]
	})
	return files, nil
}

// LoadFile parses one epoch file. Any malformation, including an unparsable
// time, is an EpochParseError so the scheduler can skip and continue.
func LoadFile(path string) (*model.EpochFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.EpochParseError{File: filepath.Base(path), Err: err}
	}
	var e model.EpochFile
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &model.EpochParseError{File: filepath.Base(path), Err: err}
	}
	if _, err := e.Timestamp(); err != nil {
		return nil, &model.EpochParseError{File: filepath.Base(path), Err: err}
	}
	return &e, nil
}
