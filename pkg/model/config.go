package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// NamedNode pairs a node name with its merged spec. Order follows the config
// file: address allocation and placement tie-breaks depend on it.
type NamedNode struct {
	Name string
	Spec *NodeSpec
}

// Config is the parsed static configuration document.
type Config struct {
	Workers     map[string]*WorkerSpec
	Nodes       []NamedNode
	AutoAssign  []AutoAssignRule
	EpochConfig *EpochConfig
}

// Node returns the spec for name, or nil.
func (c *Config) Node(name string) *NodeSpec {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n.Spec
		}
	}
	return nil
}

// LoadConfig reads and merges a sat-config JSON document. Node order is
// preserved and duplicate node names are rejected, which a plain
// map-unmarshal would silently swallow.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config: %v", ErrValidation, err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a config document from memory.
func ParseConfig(raw []byte) (*Config, error) {
	var doc struct {
		Workers     map[string]*WorkerSpec `json:"workers"`
		Nodes       json.RawMessage        `json:"nodes"`
		Common      map[string]any         `json:"node-config-common"`
		EpochConfig *EpochConfig           `json:"epoch-config"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %v", ErrValidation, err)
	}

	cfg := &Config{
		Workers:     doc.Workers,
		EpochConfig: doc.EpochConfig,
	}

	// Auto-assign rules live in the common L3-config and are not merged into
	// individual nodes.
	if l3, ok := doc.Common["L3-config"].(map[string]any); ok {
		if rules, ok := l3["auto-assign-super-cidr"]; ok {
			b, _ := json.Marshal(rules)
			if err := json.Unmarshal(b, &cfg.AutoAssign); err != nil {
				return nil, fmt.Errorf("%w: auto-assign-super-cidr: %v", ErrValidation, err)
			}
		}
	}

	if len(doc.Nodes) > 0 {
		names, objs, err := orderedObject(doc.Nodes)
		if err != nil {
			return nil, fmt.Errorf("%w: nodes: %v", ErrValidation, err)
		}
		for i, name := range names {
			var nodeRaw map[string]any
			if err := json.Unmarshal(objs[i], &nodeRaw); err != nil {
				return nil, fmt.Errorf("%w: node %s: %v", ErrValidation, name, err)
			}
			merged := deepMerge(doc.Common, nodeRaw)
			b, _ := json.Marshal(merged)
			spec := &NodeSpec{}
			if err := json.Unmarshal(b, spec); err != nil {
				return nil, fmt.Errorf("%w: node %s: %v", ErrValidation, name, err)
			}
			// Merged-in copies of the global rule list on every node are noise.
			spec.L3.AutoAssignSuperCIDR = nil
			cfg.Nodes = append(cfg.Nodes, NamedNode{Name: name, Spec: spec})
		}
	}
	return cfg, nil
}

// orderedObject walks a JSON object token by token, keeping member order and
// rejecting duplicate keys.
func orderedObject(raw json.RawMessage) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}
	var (
		names []string
		objs  []json.RawMessage
		seen  = map[string]bool{}
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name := tok.(string)
		if seen[name] {
			return nil, nil, fmt.Errorf("duplicate key %q", name)
		}
		seen[name] = true
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		objs = append(objs, val)
	}
	return names, objs, nil
}

// deepMerge merges override into base recursively; override wins on
// non-object values. Returns a fresh map.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
