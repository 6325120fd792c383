package epoch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// Apply publishes one epoch file as a single transaction: deletes first,
// then adds, then updates, then run lists, so a re-homing event (delete A-B,
// add A-C) can never race on the consumer side.
func Apply(ctx context.Context, s store.Store, e *model.EpochFile) error {
	current, _, err := s.List(ctx, store.LinksPrefix)
	if err != nil {
		return fmt.Errorf("%w: listing links: %v", model.ErrStore, err)
	}

	type put struct {
		key   string
		value []byte
	}
	var (
		dels    []string
		delSet  = map[string]bool{}
		puts    []put
		putSeen = map[string]int{}
	)
	addPut := func(key string, rec *model.LinkRecord) {
		b, _ := json.Marshal(rec)
		if i, ok := putSeen[key]; ok {
			puts[i].value = b // add followed by update in one file: last value wins
			return
		}
		putSeen[key] = len(puts)
		puts = append(puts, put{key: key, value: b})
	}

	halfKeys := func(c *model.LinkChange) (string, string) {
		a1, a2 := c.Antennas()
		return store.LinkKey(c.Endpoint1, model.IfaceName(c.Endpoint2, a2)),
			store.LinkKey(c.Endpoint2, model.IfaceName(c.Endpoint1, a1))
	}

	for i := range e.LinksDel {
		k1, k2 := halfKeys(&e.LinksDel[i])
		for _, k := range []string{k1, k2} {
			if !delSet[k] {
				delSet[k] = true
				dels = append(dels, k)
			}
		}
	}

	for i := range e.LinksAdd {
		c := &e.LinksAdd[i]
		k1, k2 := halfKeys(c)
		if _, present := current[k1]; present && !delSet[k1] {
			// adding an existing link is an update
			rec := mergeUpdate(current[k1], c)
			addPut(k1, rec)
			addPut(k2, rec)
			continue
		}
		rec := c.Record()
		addPut(k1, &rec)
		addPut(k2, &rec)
	}

	for i := range e.LinksUpdate {
		c := &e.LinksUpdate[i]
		k1, k2 := halfKeys(c)
		prior, ok := current[k1]
		if !ok {
			if j, pending := putSeen[k1]; pending {
				prior = puts[j].value // added earlier in this same file
			} else {
				log.Printf("links-update for missing link %s - %s, ignoring", c.Endpoint1, c.Endpoint2)
				continue
			}
		}
		rec := mergeUpdate(prior, c)
		addPut(k1, rec)
		addPut(k2, rec)
	}

	txn := store.Txn{}
	for _, k := range dels {
		if _, rehomed := putSeen[k]; rehomed {
			// a put of the same key supersedes the delete; one transaction
			// cannot touch a key twice
			continue
		}
		if _, present := current[k]; !present {
			continue // deleting a missing link is a no-op
		}
		txn = txn.Delete(k)
	}
	for _, p := range puts {
		if cur, present := current[p.key]; present && bytes.Equal(cur, p.value) {
			continue // re-applied epoch: nothing changed, write nothing
		}
		txn = append(txn, store.Op{Type: store.OpPut, Key: p.key, Value: p.value})
	}
	for node, cmds := range e.Run {
		// run lists are always written: a new revision of identical content
		// re-triggers execution by contract
		txn = txn.PutJSON(store.RunKey(node), cmds)
	}

	if len(txn) == 0 {
		return nil
	}
	if err := s.Commit(ctx, txn); err != nil {
		return fmt.Errorf("%w: applying epoch %s: %v", model.ErrStore, e.Time, err)
	}
	return nil
}

// mergeUpdate overlays the change's set fields on the prior record; missing
// shaping fields keep their previous values.
func mergeUpdate(prior []byte, c *model.LinkChange) *model.LinkRecord {
	var rec model.LinkRecord
	if err := json.Unmarshal(prior, &rec); err != nil {
		log.Printf("corrupt link record for %s - %s, rewriting", c.Endpoint1, c.Endpoint2)
		r := c.Record()
		return &r
	}
	if c.Rate != "" {
		rec.Rate = c.Rate
	}
	if c.Loss != "" {
		rec.Loss = c.Loss
	}
	if c.Delay != "" {
		rec.Delay = c.Delay
	}
	if c.Limit != "" {
		rec.Limit = c.Limit
	}
	a1, a2 := c.Antennas()
	rec.VNI = model.VNI(c.Endpoint1, a1, c.Endpoint2, a2)
	return &rec
}
