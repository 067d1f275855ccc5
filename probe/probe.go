package probe

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/peel/internal/logging"
)

// Prober detects installed container runtimes. It never fails: anything it
// cannot determine is recorded in RuntimeInfo.Incomplete.
type Prober struct {
	env       Env
	kinds     []Kind
	overrides map[Kind]string
	logger    *logrus.Entry
}

// Option configures a Prober.
type Option func(*Prober)

// WithEnv replaces the host environment.
func WithEnv(env Env) Option {
	return func(p *Prober) { p.env = env }
}

// WithKinds restricts probing to the given runtimes.
func WithKinds(kinds ...Kind) Option {
	return func(p *Prober) { p.kinds = kinds }
}

// WithStorageRoot replaces the default storage root of one runtime.
func WithStorageRoot(kind Kind, root string) Option {
	return func(p *Prober) {
		if root != "" {
			p.overrides[kind] = root
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Prober) { p.logger = logging.Component(logger, "probe") }
}

// New returns a Prober for the host.
func New(opts ...Option) *Prober {
	p := &Prober{
		env:       HostEnv{},
		kinds:     Kinds,
		overrides: make(map[Kind]string),
		logger:    logging.Component(nil, "probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks every runtime concurrently and reports the detected ones in
// fixed priority order.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	found := make([]*RuntimeInfo, len(p.kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range p.kinds {
		i, kind := i, kind
		g.Go(func() error {
			if info, ok := p.probeKind(gctx, kind); ok {
				found[i] = &info
			}
			return nil
		})
	}
	_ = g.Wait()

	var runtimes []RuntimeInfo
	for _, kind := range Kinds {
		for _, info := range found {
			if info != nil && info.Kind == kind {
				runtimes = append(runtimes, *info)
			}
		}
	}

	result := ProbeResult{Runtimes: runtimes, Default: defaultIndex(runtimes)}
	for _, r := range runtimes {
		p.logger.WithFields(logrus.Fields{
			"runtime":    r.Kind,
			"driver":     r.StorageDriver,
			"root":       r.StorageRoot,
			"can_read":   r.CanRead,
			"running":    r.IsRunning,
			"incomplete": r.Incomplete,
		}).Debug("Runtime detected")
	}
	return result
}

func (p *Prober) probeKind(ctx context.Context, kind Kind) (RuntimeInfo, bool) {
	info := RuntimeInfo{
		Kind:          kind,
		StorageDriver: DriverUnknown,
		Rootless:      p.env.Geteuid() != 0,
	}

	info.BinaryPath = p.findBinary(kind)
	root, rootExists := p.storageRoot(kind, info.Rootless)
	if info.BinaryPath == "" && !rootExists {
		return RuntimeInfo{}, false
	}
	if info.BinaryPath == "" {
		info.Incomplete = append(info.Incomplete, AttrBinary)
	}
	if rootExists {
		info.StorageRoot = root
	} else {
		info.Incomplete = append(info.Incomplete, AttrStorageRoot)
	}

	reported := p.queryDriver(ctx, &info)
	info.IsRunning = p.isRunning(kind, info.Rootless, reported)

	if info.StorageDriver == DriverUnknown && rootExists {
		info.StorageDriver = p.driverFromLayout(kind, root, info.Rootless)
	}
	if info.StorageDriver == DriverUnknown {
		info.Incomplete = append(info.Incomplete, AttrDriver)
	}

	if rootExists {
		info.CanRead = p.checkReadable(root)
	}
	return info, true
}

func binaryNames(kind Kind) []string {
	switch kind {
	case Docker:
		return []string{"docker"}
	case Podman:
		return []string{"podman"}
	case Containerd:
		return []string{"ctr", "nerdctl"}
	}
	return nil
}

func (p *Prober) findBinary(kind Kind) string {
	for _, name := range binaryNames(kind) {
		if path, err := p.env.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// storageRoot returns the first existing candidate root. A root that exists
// but cannot be stat'ed for permission reasons still counts as existing.
func (p *Prober) storageRoot(kind Kind, rootless bool) (string, bool) {
	for _, candidate := range p.rootCandidates(kind, rootless) {
		fi, err := p.env.Stat(candidate)
		switch {
		case err == nil && fi.IsDir():
			return candidate, true
		case errors.Is(err, fs.ErrPermission):
			return candidate, true
		}
	}
	return "", false
}

// queryDriver asks the runtime for its driver. It reports whether the
// runtime answered.
func (p *Prober) queryDriver(ctx context.Context, info *RuntimeInfo) bool {
	if info.BinaryPath == "" {
		return false
	}
	var args []string
	switch info.Kind {
	case Docker:
		args = []string{"info", "--format", "{{.Driver}}"}
	case Podman:
		args = []string{"info", "--format", "{{.Store.GraphDriverName}}"}
	default:
		return false
	}

	out, err := p.env.Run(ctx, info.BinaryPath, args...)
	if err != nil {
		p.logger.WithError(err).WithField("runtime", info.Kind).Debug("Driver query failed")
		return false
	}
	raw := strings.TrimSpace(out)
	info.StorageDriver = ParseDriver(raw)
	if info.Kind == Docker && strings.HasPrefix(raw, "io.containerd.snapshotter.") {
		info.StorageDriver = DriverSnapshotter
	}
	if info.Kind == Podman && info.StorageDriver == DriverOverlay2 && info.Rootless && p.fuseOverlayInstalled() {
		info.StorageDriver = DriverFuse
	}
	return true
}

// fuseOverlayInstalled reports whether rootless podman mounts its "overlay"
// driver through fuse-overlayfs.
func (p *Prober) fuseOverlayInstalled() bool {
	_, err := p.env.LookPath("fuse-overlayfs")
	return err == nil
}

func (p *Prober) isRunning(kind Kind, rootless, answered bool) bool {
	switch kind {
	case Podman:
		// Daemonless: usable whenever the CLI answers.
		return answered
	case Docker:
		if answered {
			return true
		}
		for _, sock := range p.dockerSockets(rootless) {
			if p.isSocket(sock) {
				return true
			}
		}
	case Containerd:
		return p.isSocket("/run/containerd/containerd.sock")
	}
	return false
}

func (p *Prober) isSocket(path string) bool {
	fi, err := p.env.Stat(path)
	return err == nil && fi.Mode()&fs.ModeSocket != 0
}

// driverFromLayout infers the driver from directory names under root.
func (p *Prober) driverFromLayout(kind Kind, root string, rootless bool) Driver {
	entries, err := p.env.ReadDir(root, 0)
	if err != nil {
		return DriverUnknown
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	switch kind {
	case Docker:
		// image/<driver> is written only for the active driver.
		if images, err := p.env.ReadDir(filepath.Join(root, "image"), 0); err == nil {
			for _, e := range images {
				if d := ParseDriver(e.Name()); d != DriverUnknown {
					return d
				}
			}
		}
		for _, name := range []string{"overlay2", "fuse-overlayfs", "btrfs", "zfs", "vfs"} {
			if present[name] {
				return ParseDriver(name)
			}
		}
	case Podman:
		switch {
		case present["overlay"] && rootless && p.fuseOverlayInstalled():
			return DriverFuse
		case present["overlay"]:
			return DriverOverlay2
		case present["btrfs"]:
			return DriverBtrfs
		case present["zfs"]:
			return DriverZFS
		case present["vfs"]:
			return DriverVFS
		}
	case Containerd:
		for _, name := range []string{
			"io.containerd.snapshotter.v1.overlayfs",
			"io.containerd.snapshotter.v1.fuse-overlayfs",
			"io.containerd.snapshotter.v1.btrfs",
			"io.containerd.snapshotter.v1.zfs",
			"io.containerd.snapshotter.v1.native",
		} {
			if present[name] {
				return ParseDriver(name)
			}
		}
	}
	return DriverUnknown
}

// checkReadable opens root and reads one entry. An empty directory is
// readable.
func (p *Prober) checkReadable(root string) bool {
	if err := p.env.Access(root); err != nil {
		return false
	}
	_, err := p.env.ReadDir(root, 1)
	return err == nil || errors.Is(err, io.EOF)
}
