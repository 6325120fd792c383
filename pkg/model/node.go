package model

// AutoAssignRule hands out overlay subnets to nodes of a matching type.
// Rules with matchType "any" act as a catch-all applied after the others.
type AutoAssignRule struct {
	MatchType  string `json:"matchType"`
	SuperCIDR  string `json:"super-cidr,omitempty"`
	SuperCIDR6 string `json:"super-cidr6,omitempty"`
}

// L3Config groups the layer-3 knobs of a node.
type L3Config struct {
	EnableNetem        bool             `json:"enable-netem,omitempty"`
	EnableRouting      bool             `json:"enable-routing,omitempty"`
	RoutingModule      string           `json:"routing-module,omitempty"`
	RoutingMetadata    map[string]string `json:"routing-metadata,omitempty"`
	AutoAssignIPs      bool             `json:"auto-assign-ips,omitempty"`
	AutoAssignSuperCIDR []AutoAssignRule `json:"auto-assign-super-cidr,omitempty"`
	CIDR               string           `json:"cidr,omitempty"`
	CIDRv6             string           `json:"cidr-v6,omitempty"`
}

// NodeSpec describes one emulated node. Stored under /config/nodes/{name};
// the name itself is the key and must be at most 8 bytes.
type NodeSpec struct {
	Type       string            `json:"type,omitempty"`
	NAntennas  int               `json:"n_antennas,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Image      string            `json:"image,omitempty"`
	Sidecars   []string          `json:"sidecars,omitempty"`
	CPURequest string            `json:"cpu-request,omitempty"`
	MemRequest string            `json:"mem-request,omitempty"`
	CPULimit   string            `json:"cpu-limit,omitempty"`
	MemLimit   string            `json:"mem-limit,omitempty"`
	L3         L3Config          `json:"L3-config,omitempty"`
	Worker     string            `json:"worker,omitempty"`
	Eth0IP     string            `json:"eth0_ip,omitempty"` // filled in by the agent on startup
}

// Antennas returns the antenna count, defaulting to 1.
func (n *NodeSpec) Antennas() int {
	if n.NAntennas <= 0 {
		return 1
	}
	return n.NAntennas
}

// EpochConfig points human operators at the epoch files. Informational only.
type EpochConfig struct {
	EpochDir    string `json:"epoch-dir,omitempty"`
	FilePattern string `json:"file-pattern,omitempty"`
}

// MaxNodeNameLen bounds node names so interface names like vl_{name}_{n}
// stay within IFNAMSIZ.
const MaxNodeNameLen = 8
