package probe

import (
	"path/filepath"
	"strings"
)

// Rootful storage locations
const (
	DockerRoot     = "/var/lib/docker"
	PodmanRoot     = "/var/lib/containers/storage"
	ContainerdRoot = "/var/lib/containerd"
)

func (p *Prober) dataHome() string {
	if v := p.env.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, err := p.env.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".local", "share")
}

// rootCandidates lists storage roots to try, most specific first.
func (p *Prober) rootCandidates(kind Kind, rootless bool) []string {
	if root, ok := p.overrides[kind]; ok {
		return []string{root}
	}

	var candidates []string
	if rootless {
		if data := p.dataHome(); data != "" {
			switch kind {
			case Docker:
				candidates = append(candidates, filepath.Join(data, "docker"))
			case Podman:
				candidates = append(candidates, filepath.Join(data, "containers", "storage"))
			}
		}
	}
	switch kind {
	case Docker:
		candidates = append(candidates, DockerRoot)
	case Podman:
		candidates = append(candidates, PodmanRoot)
	case Containerd:
		candidates = append(candidates, ContainerdRoot)
	}
	return candidates
}

// dockerSockets lists the daemon sockets to check: $DOCKER_HOST when it is a
// unix socket, the rootless socket, then the system socket.
func (p *Prober) dockerSockets(rootless bool) []string {
	var socks []string
	if host := p.env.Getenv("DOCKER_HOST"); strings.HasPrefix(host, "unix://") {
		socks = append(socks, strings.TrimPrefix(host, "unix://"))
	}
	if rootless {
		if run := p.env.Getenv("XDG_RUNTIME_DIR"); run != "" {
			socks = append(socks, filepath.Join(run, "docker.sock"))
		}
	}
	return append(socks, "/var/run/docker.sock")
}
