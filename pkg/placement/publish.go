package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// Publish writes the planned configuration to the store in one transaction.
// Writes are put-if-different so a re-run of init leaves the store (and its
// watchers) untouched. The eth0_ip field is owned by each agent and carried
// over from the existing spec.
func Publish(ctx context.Context, s store.Store, cfg *model.Config) error {
	existing, _, err := s.List(ctx, store.ConfigPrefix)
	if err != nil {
		return fmt.Errorf("%w: listing existing config: %v", model.ErrStore, err)
	}

	txn := store.Txn{}
	putIfDifferent := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		if cur, ok := existing[key]; ok && bytes.Equal(cur, b) {
			return nil
		}
		txn = append(txn, store.Op{Type: store.OpPut, Key: key, Value: b})
		return nil
	}

	for name, w := range cfg.Workers {
		if err := putIfDifferent(store.WorkerKey(name), w); err != nil {
			return err
		}
	}
	for _, n := range cfg.Nodes {
		spec := *n.Spec
		if cur, ok := existing[store.NodeKey(n.Name)]; ok {
			var old model.NodeSpec
			if json.Unmarshal(cur, &old) == nil && old.Eth0IP != "" {
				spec.Eth0IP = old.Eth0IP
			}
		}
		if err := putIfDifferent(store.NodeKey(n.Name), &spec); err != nil {
			return err
		}
	}
	if cfg.EpochConfig != nil {
		if err := putIfDifferent(store.EpochConfigKey, cfg.EpochConfig); err != nil {
			return err
		}
	}

	if len(txn) == 0 {
		return nil
	}
	if err := s.Commit(ctx, txn); err != nil {
		return fmt.Errorf("%w: publishing config: %v", model.ErrStore, err)
	}
	return nil
}
