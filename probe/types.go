package probe

import "fmt"

// Kind identifies a container runtime.
type Kind string

const (
	Docker     Kind = "docker"
	Podman     Kind = "podman"
	Containerd Kind = "containerd"
)

// Kinds lists every runtime in default-selection priority order.
var Kinds = []Kind{Docker, Podman, Containerd}

// ParseKind accepts a runtime name as given on the command line.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Docker, Podman, Containerd:
		return Kind(s), nil
	case "ctr", "nerdctl":
		return Containerd, nil
	}
	return "", fmt.Errorf("unknown runtime %q (expected docker, podman or containerd)", s)
}

// Driver is a storage driver or snapshotter.
type Driver string

const (
	DriverOverlay2 Driver = "overlay2"
	DriverFuse     Driver = "fuse-overlayfs"
	DriverBtrfs    Driver = "btrfs"
	DriverZFS      Driver = "zfs"
	DriverVFS      Driver = "vfs"
	DriverUnknown  Driver = "unknown"

	// DriverSnapshotter is docker's containerd image store. Layers live in
	// containerd's snapshotter, not under docker's storage root.
	DriverSnapshotter Driver = "containerd-snapshotter"
)

// ParseDriver maps a runtime-reported driver name. containers/storage calls
// its overlay driver "overlay"; the on-disk diff layout matches overlay2.
// Bare snapshotter names are what docker reports with the containerd image
// store.
func ParseDriver(s string) Driver {
	switch s {
	case "overlayfs", "native", "stargz":
		return DriverSnapshotter
	case "overlay2", "overlay", "io.containerd.snapshotter.v1.overlayfs":
		return DriverOverlay2
	case "fuse-overlayfs", "io.containerd.snapshotter.v1.fuse-overlayfs":
		return DriverFuse
	case "btrfs", "io.containerd.snapshotter.v1.btrfs":
		return DriverBtrfs
	case "zfs", "io.containerd.snapshotter.v1.zfs":
		return DriverZFS
	case "vfs", "io.containerd.snapshotter.v1.native":
		return DriverVFS
	}
	return DriverUnknown
}

// Walkable reports whether layer diffs are plain directories on disk.
func (d Driver) Walkable() bool {
	switch d {
	case DriverOverlay2, DriverFuse, DriverVFS:
		return true
	}
	return false
}

// Attributes that can end up in RuntimeInfo.Incomplete
const (
	AttrBinary      = "binary"
	AttrStorageRoot = "storage_root"
	AttrDriver      = "storage_driver"
	AttrRunning     = "is_running"
)

// RuntimeInfo describes one detected runtime. It is a value; copies are
// independent.
type RuntimeInfo struct {
	Kind          Kind     `json:"kind" yaml:"kind"`
	BinaryPath    string   `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	StorageDriver Driver   `json:"storage_driver" yaml:"storage_driver"`
	StorageRoot   string   `json:"storage_root,omitempty" yaml:"storage_root,omitempty"`
	CanRead       bool     `json:"can_read" yaml:"can_read"`
	IsRunning     bool     `json:"is_running" yaml:"is_running"`
	Rootless      bool     `json:"rootless" yaml:"rootless"`
	Incomplete    []string `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
}

// Complete reports whether every attribute was determined.
func (r RuntimeInfo) Complete() bool { return len(r.Incomplete) == 0 }

func (r RuntimeInfo) clone() RuntimeInfo {
	r.Incomplete = append([]string(nil), r.Incomplete...)
	return r
}

// ProbeResult is the outcome of one probe run.
type ProbeResult struct {
	Runtimes []RuntimeInfo `json:"runtimes" yaml:"runtimes"`
	// Default indexes Runtimes, or is -1 when no runtime is readable.
	Default int `json:"default" yaml:"default"`
}

// Find returns the runtime of the given kind.
func (p ProbeResult) Find(kind Kind) (RuntimeInfo, bool) {
	for _, r := range p.Runtimes {
		if r.Kind == kind {
			return r.clone(), true
		}
	}
	return RuntimeInfo{}, false
}

// DefaultRuntime returns the preferred readable runtime.
func (p ProbeResult) DefaultRuntime() (RuntimeInfo, bool) {
	if p.Default < 0 || p.Default >= len(p.Runtimes) {
		return RuntimeInfo{}, false
	}
	return p.Runtimes[p.Default].clone(), true
}

// Empty reports whether no runtime was detected at all.
func (p ProbeResult) Empty() bool { return len(p.Runtimes) == 0 }

// defaultIndex applies the fixed priority among readable runtimes.
func defaultIndex(runtimes []RuntimeInfo) int {
	for _, kind := range Kinds {
		for i, r := range runtimes {
			if r.Kind == kind && r.CanRead {
				return i
			}
		}
	}
	return -1
}
