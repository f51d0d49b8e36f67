package task

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Volume map keys of the container execution configuration
const (
	WorkspaceMount  = "workspace.mount"
	TempMount       = "temp.mount"
	ConfigMount     = "cfg.mount"
	EODataMount     = "eodata.mount"
	AdditionalMount = "additional.mount"
)

// VolumeMap is the mapping of host folders to the folders mounted in a
// processing container
type VolumeMap struct {
	HostWorkspace      string
	ContainerWorkspace string
	HostTemp           string
	ContainerTemp      string
	HostConfig         string
	ContainerConfig    string
	HostEOData         string
	ContainerEOData    string
	Additional         map[string]string
	// Root is the host workspace root container paths are relative to
	Root string
}

// ParseVolumeMap reads the host:container pairs of m. Workspace, temp and
// configuration mounts are required. Additional mounts are separated by ;.
func ParseVolumeMap(m map[string]string, root string) (*VolumeMap, error) {
	v := &VolumeMap{Root: root}
	for _, req := range []struct {
		key        string
		host, cont *string
	}{
		{WorkspaceMount, &v.HostWorkspace, &v.ContainerWorkspace},
		{TempMount, &v.HostTemp, &v.ContainerTemp},
		{ConfigMount, &v.HostConfig, &v.ContainerConfig},
	} {
		value := m[req.key]
		if value == "" {
			return nil, fmt.Errorf("volume map %s is missing", req.key)
		}
		h, c, err := splitMount(value)
		if err != nil {
			return nil, fmt.Errorf("volume map %s: %w", req.key, err)
		}
		*req.host, *req.cont = h, c
	}
	if value := m[EODataMount]; value != "" {
		h, c, err := splitMount(value)
		if err != nil {
			return nil, fmt.Errorf("volume map %s: %w", EODataMount, err)
		}
		v.HostEOData, v.ContainerEOData = h, c
	}
	if value := m[AdditionalMount]; value != "" {
		v.Additional = make(map[string]string)
		for _, pair := range strings.Split(value, ";") {
			h, c, err := splitMount(pair)
			if err != nil {
				return nil, fmt.Errorf("volume map %s: %w", AdditionalMount, err)
			}
			v.Additional[h] = c
		}
	}
	if v.Root == "" {
		v.Root = v.HostWorkspace
	}
	return v, nil
}

// splitMount splits host:container. A second colon is the separator when
// present, so the host part may carry a windows drive letter.
func splitMount(s string) (string, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", errors.New("expected host:container")
	}
	if j := strings.IndexByte(s[i+1:], ':'); j >= 0 {
		i += j + 1
	}
	host, cont := s[:i], s[i+1:]
	if host == "" || cont == "" {
		return "", "", fmt.Errorf("invalid mount %q", s)
	}
	return host, cont, nil
}

// Relativize maps a host path to the path seen inside the container. Paths
// already inside the container workspace, and paths outside all mounts,
// are returned unchanged. A bracketed value is unwrapped first.
func (v *VolumeMap) Relativize(p string) string {
	if strings.HasPrefix(p, v.ContainerWorkspace) && !strings.HasPrefix(p, v.Root) {
		return p
	}
	raw := p
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		raw = raw[1 : len(raw)-1]
	}
	abs := raw
	if a, err := filepath.Abs(raw); err == nil {
		abs = a
	}
	abs = resolve(abs)

	var root, mount string
	switch {
	case v.HostEOData != "" && within(abs, resolve(v.HostEOData)):
		root, mount = resolve(v.HostEOData), v.ContainerEOData
	case within(abs, resolve(v.Root)):
		root, mount = resolve(v.Root), v.ContainerWorkspace
	default:
		host, ok := v.additionalFor(abs)
		if !ok {
			return raw
		}
		root, mount = resolve(host), v.Additional[host]
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return raw
	}
	return path.Join(mount, filepath.ToSlash(rel))
}

// additionalFor returns the longest additional host mount containing p
func (v *VolumeMap) additionalFor(p string) (string, bool) {
	hosts := make([]string, 0, len(v.Additional))
	for h := range v.Additional {
		if within(p, resolve(h)) {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return "", false
	}
	sort.Slice(hosts, func(i, j int) bool { return len(hosts[i]) > len(hosts[j]) })
	return hosts[0], true
}

// resolve follows symlinks of p, p is returned as is when it does not exist
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func within(p, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
