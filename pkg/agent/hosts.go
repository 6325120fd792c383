package agent

import (
	"fmt"
	"os"
	"strings"
)

// hostsFile maintains the overlay name->address entries of the local
// /etc/hosts, leaving every line it does not own untouched.
type hostsFile struct {
	path string
}

func (h *hostsFile) set(name, ip string) error {
	lines, err := h.read()
	if err != nil {
		return err
	}
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if hostsEntryFor(line, name) {
			continue
		}
		out = append(out, line)
	}
	out = append(out, ip+"\t"+name)
	return h.write(out)
}

func (h *hostsFile) remove(name string) error {
	lines, err := h.read()
	if err != nil {
		return err
	}
	out := make([]string, 0, len(lines))
	changed := false
	for _, line := range lines {
		if hostsEntryFor(line, name) {
			changed = true
			continue
		}
		out = append(out, line)
	}
	if !changed {
		return nil
	}
	return h.write(out)
}

// sync installs all entries at once, used at startup.
func (h *hostsFile) sync(entries map[string]string) error {
	for name, ip := range entries {
		if ip == "" {
			continue
		}
		if err := h.set(name, ip); err != nil {
			return fmt.Errorf("hosts entry %s: %w", name, err)
		}
	}
	return nil
}

func hostsEntryFor(line, name string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 2 && fields[len(fields)-1] == name
}

func (h *hostsFile) read() ([]string, error) {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func (h *hostsFile) write(lines []string) error {
	return os.WriteFile(h.path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
