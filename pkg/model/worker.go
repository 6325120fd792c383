package model

// WorkerSpec describes one worker host. Stored under /config/workers/{name}.
type WorkerSpec struct {
	IP              string `json:"ip"`
	SSHUser         string `json:"ssh-user"`
	SSHKey          string `json:"ssh-key"`
	SatVnet         string `json:"sat-vnet"`
	SatVnetCIDR     string `json:"sat-vnet-cidr"`
	SatVnetSuperCIDR string `json:"sat-vnet-super-cidr"`
	CPU             string `json:"cpu"`
	Mem             string `json:"mem"`
}

// CPUMillis returns the worker capacity in millicores.
func (w *WorkerSpec) CPUMillis() (int64, error) { return ParseCPU(w.CPU) }

// MemBytes returns the worker capacity in bytes.
func (w *WorkerSpec) MemBytes() (int64, error) { return ParseMem(w.Mem) }
